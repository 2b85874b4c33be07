package credential

import (
	"time"

	"github.com/TheusHen/hopsec/hopsec/identity"
)

// Binding selects how a credential relates to the issuer's key epochs.
type Binding int

const (
	// BindHistorical accepts a signature by any key in the issuer's verified history,
	// so credentials survive issuer key rotation.
	BindHistorical Binding = iota
	// BindCurrentKey requires the signing key to still be the issuer's current key.
	// Rotating the issuer key invalidates every credential it signed earlier.
	BindCurrentKey
)

func (b Binding) String() string {
	switch b {
	case BindHistorical:
		return "historical"
	case BindCurrentKey:
		return "current-key"
	default:
		return "unknown"
	}
}

// Verifier checks credentials. The zero value uses BindHistorical and
// trusts no issuer.
type Verifier struct {
	Policy  TrustPolicy
	Binding Binding
	Now     func() time.Time
}

// Verify returns the credential's attributes when its signature verifies against issuer,
// it has not expired and its issuer is trusted.
//
// Each condition fails with its own error: ErrSignatureInvalid, ErrExpired or ErrIssuerUntrusted.
func (v Verifier) Verify(c *Credential, issuer *identity.Identity) (map[string]string, error) {
	if c == nil || issuer == nil || issuer.ID() != c.Issuer {
		return nil, ErrSignatureInvalid
	}
	if v.Binding == BindCurrentKey && c.IssuerKeyIndex != issuer.CurrentIndex() {
		return nil, ErrSignatureInvalid
	}
	if !issuer.VerifySignature(c.IssuerKeyIndex, c.SigningBytes(), c.Signature) {
		return nil, ErrSignatureInvalid
	}

	now := time.Now
	if v.Now != nil {
		now = v.Now
	}
	if !now().Before(c.ExpiresAt) {
		return nil, ErrExpired
	}

	if v.Policy == nil || !v.Policy.IsTrusted(c.Issuer) {
		return nil, ErrIssuerUntrusted
	}
	return c.Attributes(), nil
}

// Verify checks c with the default historical binding.
func Verify(c *Credential, issuer *identity.Identity, policy TrustPolicy) (map[string]string, error) {
	return Verifier{Policy: policy}.Verify(c, issuer)
}
