package credential

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/TheusHen/hopsec/hopsec/identity"
)

var (
	ErrSignatureInvalid = errors.New("credential: signature invalid")
	ErrExpired          = errors.New("credential: expired")
	ErrIssuerUntrusted  = errors.New("credential: issuer untrusted")
	ErrInvalidTTL       = errors.New("credential: ttl must be positive")
)

const signingDomain = "hopsec/credential/v1"

// Credential is a signed, time-bounded attribute statement an issuer makes about a subject.
// Credentials are never modified after Issue; use Attributes to read the attribute map.
type Credential struct {
	Subject        identity.Identifier `json:"subject"`
	Issuer         identity.Identifier `json:"issuer"`
	Attrs          map[string]string   `json:"attributes"`
	IssuedAt       time.Time           `json:"issued_at"`
	ExpiresAt      time.Time           `json:"expires_at"`
	IssuerKeyIndex int                 `json:"issuer_key_index"`
	Signature      []byte              `json:"signature"`
}

// Issue signs attrs about subject with the issuer's current key.
func Issue(issuer *identity.Local, subject identity.Identifier, attrs map[string]string, ttl time.Duration) (*Credential, error) {
	return issueAt(issuer, subject, attrs, ttl, time.Now())
}

func issueAt(issuer *identity.Local, subject identity.Identifier, attrs map[string]string, ttl time.Duration, now time.Time) (*Credential, error) {
	if ttl <= 0 {
		return nil, ErrInvalidTTL
	}
	now = now.UTC().Truncate(time.Second)
	c := &Credential{
		Subject:        subject,
		Issuer:         issuer.ID(),
		Attrs:          copyAttrs(attrs),
		IssuedAt:       now,
		ExpiresAt:      now.Add(ttl),
		IssuerKeyIndex: issuer.Identity().CurrentIndex(),
	}
	sig, index, err := issuer.Sign(c.SigningBytes())
	if err != nil {
		return nil, fmt.Errorf("credential: sign: %w", err)
	}
	if index != c.IssuerKeyIndex {
		// rotated between reading the index and signing
		return nil, identity.ErrStaleKey
	}
	c.Signature = sig
	return c, nil
}

// Attributes returns a copy of the attribute map.
func (c *Credential) Attributes() map[string]string {
	return copyAttrs(c.Attrs)
}

// SigningBytes is the canonical message covered by the issuer signature.
func (c *Credential) SigningBytes() []byte {
	var buf bytes.Buffer
	buf.WriteString(signingDomain)
	buf.Write(c.Subject[:])
	buf.Write(c.Issuer[:])
	writeUint64(&buf, uint64(c.IssuedAt.UnixNano()))
	writeUint64(&buf, uint64(c.ExpiresAt.UnixNano()))
	writeUint64(&buf, uint64(c.IssuerKeyIndex))

	keys := make([]string, 0, len(c.Attrs))
	for k := range c.Attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	writeUint64(&buf, uint64(len(keys)))
	for _, k := range keys {
		writeString(&buf, k)
		writeString(&buf, c.Attrs[k])
	}
	return buf.Bytes()
}

// ToBytes serializes the credential with its signature.
func (c *Credential) ToBytes() ([]byte, error) {
	return json.Marshal(c)
}

// FromBytes parses a credential produced by ToBytes. The signature is not checked.
func FromBytes(data []byte) (*Credential, error) {
	var c Credential
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("credential: decode: %w", err)
	}
	if c.IssuerKeyIndex < 0 {
		return nil, fmt.Errorf("credential: decode: negative key index")
	}
	return &c, nil
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func writeString(buf *bytes.Buffer, s string) {
	writeUint64(buf, uint64(len(s)))
	buf.WriteString(s)
}

func copyAttrs(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
