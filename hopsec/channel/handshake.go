package channel

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"

	"github.com/TheusHen/hopsec/hopsec/credential"
	"github.com/TheusHen/hopsec/hopsec/directory"
	"github.com/TheusHen/hopsec/hopsec/identity"
	"github.com/TheusHen/hopsec/hopsec/protocol"
	"github.com/TheusHen/hopsec/hopsec/vault"
)

const (
	protocolName = "hopsec_XX_25519_ChaChaPoly_BLAKE2b"

	labelResponderProof = "hopsec/proof/responder"
	labelInitiatorProof = "hopsec/proof/initiator"
	labelSplitI2R       = "hopsec/split/i2r"
	labelSplitR2I       = "hopsec/split/r2i"

	encryptedKeySize = protocol.EphemeralKeySize + protocol.TagSize
)

// symmetricState is the running transcript hash and chaining key of a handshake.
// Every secret lives in the vault; only handles are held here.
type symmetricState struct {
	v  vault.Vault
	h  [32]byte
	ck vault.KeyHandle
	k  vault.KeyHandle
	n  uint64
}

func newSymmetricState(v vault.Vault) (*symmetricState, error) {
	h := blake2b.Sum256([]byte(protocolName))
	ck, err := v.ImportSecret(vault.Secret, h[:])
	if err != nil {
		return nil, err
	}
	return &symmetricState{v: v, h: h, ck: ck}, nil
}

func (s *symmetricState) mixHash(data []byte) {
	buf := make([]byte, 0, len(s.h)+len(data))
	buf = append(buf, s.h[:]...)
	s.h = blake2b.Sum256(append(buf, data...))
}

// mixKey feeds a DH output into the chaining key and consumes it.
func (s *symmetricState) mixKey(dh vault.KeyHandle) error {
	keys, err := s.v.DeriveKeys(s.ck, dh, nil, 2)
	_ = s.v.Delete(dh)
	if err != nil {
		return err
	}
	s.drop(s.ck)
	s.drop(s.k)
	s.ck, s.k, s.n = keys[0], keys[1], 0
	return nil
}

func (s *symmetricState) encryptAndHash(plaintext []byte) ([]byte, error) {
	if s.k == "" {
		return nil, fmt.Errorf("%w: no key mixed yet", ErrProtocolViolation)
	}
	ct, err := s.v.Encrypt(s.k, s.n, s.h[:], plaintext)
	if err != nil {
		return nil, err
	}
	s.n++
	s.mixHash(ct)
	return ct, nil
}

func (s *symmetricState) decryptAndHash(ciphertext []byte) ([]byte, error) {
	if s.k == "" {
		return nil, fmt.Errorf("%w: no key mixed yet", ErrProtocolViolation)
	}
	pt, err := s.v.Decrypt(s.k, s.n, s.h[:], ciphertext)
	if err != nil {
		return nil, classify(ErrCrypto, err)
	}
	s.n++
	s.mixHash(ciphertext)
	return pt, nil
}

// split derives the two direction-labeled transport keys.
func (s *symmetricState) split() (i2r, r2i vault.KeyHandle, err error) {
	a, err := s.v.DeriveKeys(s.ck, "", []byte(labelSplitI2R), 1)
	if err != nil {
		return "", "", err
	}
	b, err := s.v.DeriveKeys(s.ck, "", []byte(labelSplitR2I), 1)
	if err != nil {
		_ = s.v.Delete(a[0])
		return "", "", err
	}
	return a[0], b[0], nil
}

func (s *symmetricState) drop(h vault.KeyHandle) {
	if h != "" {
		_ = s.v.Delete(h)
	}
}

func (s *symmetricState) destroy() {
	s.drop(s.ck)
	s.drop(s.k)
	s.ck, s.k = "", ""
	s.h = [32]byte{}
}

// Handshake runs one side of the three-message mutual authentication.
//
//	-> e
//	<- e, ee, s, es, proof
//	-> s, se, proof
//
// A proof carries the prover's change history and a signature by its current
// identity key over a role label and the transcript hash at that point.
// Handshake is not safe for concurrent use; a channel worker owns it.
type Handshake struct {
	role  Role
	state State
	opts  Options
	v     vault.Vault
	ss    *symmetricState

	e, s   vault.KeyHandle
	re, rs []byte

	peer    *identity.Identity
	creds   []*credential.Credential
	attrs   map[string]string
	session *Session
	err     error
}

// NewHandshake prepares one side of a handshake. It fails when opts has no
// identity or the static key cannot be generated.
func NewHandshake(role Role, opts Options) (*Handshake, error) {
	if opts.Identity == nil {
		return nil, errors.New("channel: options need an identity")
	}
	if role != Initiator && role != Responder {
		return nil, fmt.Errorf("channel: invalid role %d", role)
	}
	opts = opts.withDefaults()
	v := opts.Identity.Vault()
	ss, err := newSymmetricState(v)
	if err != nil {
		return nil, classify(ErrCrypto, err)
	}
	hs := &Handshake{role: role, opts: opts, v: v, ss: ss}
	if hs.s, err = v.Generate(vault.X25519); err != nil {
		return nil, hs.fail(classify(ErrCrypto, err))
	}
	if role == Responder {
		if err := hs.transition(evListen); err != nil {
			return nil, err
		}
	}
	return hs, nil
}

func (hs *Handshake) Role() Role   { return hs.role }
func (hs *Handshake) State() State { return hs.state }

// Err returns the error that closed the handshake.
func (hs *Handshake) Err() error { return hs.err }

// Peer returns the authenticated peer identity once its proof was verified.
func (hs *Handshake) Peer() *identity.Identity { return hs.peer }

// PeerCredentials are the credentials accepted from the peer.
func (hs *Handshake) PeerCredentials() []*credential.Credential { return hs.creds }

// PeerAttributes merges the attributes of all accepted peer credentials.
func (hs *Handshake) PeerAttributes() map[string]string { return hs.attrs }

// Session returns the transport session once Established.
func (hs *Handshake) Session() *Session { return hs.session }

func (hs *Handshake) transition(ev event) error {
	to, err := nextState(hs.role, hs.state, ev)
	if err != nil {
		return hs.fail(err)
	}
	hs.state = to
	return nil
}

// Abort closes the handshake with err and destroys every derived secret.
func (hs *Handshake) Abort(err error) {
	_ = hs.fail(err)
}

func (hs *Handshake) fail(err error) error {
	if hs.state != Closed {
		hs.state = Closed
		hs.err = err
		hs.destroy()
	}
	return err
}

func (hs *Handshake) destroy() {
	for _, h := range []vault.KeyHandle{hs.e, hs.s} {
		if h != "" {
			_ = hs.v.Delete(h)
		}
	}
	hs.e, hs.s = "", ""
	hs.ss.destroy()
	if hs.session != nil {
		hs.session.Close()
	}
}

// Start produces message 1.
func (hs *Handshake) Start() ([]byte, error) {
	if err := hs.transition(evSendMsg1); err != nil {
		return nil, err
	}
	epub, err := hs.generateEphemeral()
	if err != nil {
		return nil, hs.fail(err)
	}
	out, err := protocol.EncodeHandshake(protocol.HandshakeMessage{Type: protocol.MessageTypeHandshake1, Ephemeral: epub})
	if err != nil {
		return nil, hs.fail(classify(ErrProtocolViolation, err))
	}
	return out, nil
}

// Step consumes the peer's next handshake message and returns the reply, if any.
// After the last message of either side the handshake is Established.
func (hs *Handshake) Step(in []byte) ([]byte, error) {
	if hs.state == Closed {
		return nil, ErrClosed
	}
	m, err := protocol.DecodeHandshake(in)
	if err != nil {
		return nil, hs.fail(classify(ErrProtocolViolation, err))
	}
	switch m.Type {
	case protocol.MessageTypeHandshake1:
		if err := hs.transition(evRecvMsg1); err != nil {
			return nil, err
		}
		out, err := hs.readMessage1(m)
		if err != nil {
			return nil, hs.fail(err)
		}
		return out, nil
	case protocol.MessageTypeHandshake2:
		if err := hs.transition(evRecvMsg2); err != nil {
			return nil, err
		}
		out, err := hs.readMessage2(m)
		if err != nil {
			return nil, hs.fail(err)
		}
		return out, nil
	default:
		if err := hs.transition(evRecvMsg3); err != nil {
			return nil, err
		}
		if err := hs.readMessage3(m); err != nil {
			return nil, hs.fail(err)
		}
		return nil, nil
	}
}

func (hs *Handshake) generateEphemeral() ([]byte, error) {
	e, err := hs.v.Generate(vault.X25519)
	if err != nil {
		return nil, classify(ErrCrypto, err)
	}
	hs.e = e
	epub, err := hs.v.PublicKey(e)
	if err != nil {
		return nil, classify(ErrCrypto, err)
	}
	hs.ss.mixHash(epub)
	return epub, nil
}

func (hs *Handshake) dh(local vault.KeyHandle, remote []byte) error {
	shared, err := hs.v.DH(local, remote)
	if err != nil {
		return classify(ErrCrypto, err)
	}
	if err := hs.ss.mixKey(shared); err != nil {
		return classify(ErrCrypto, err)
	}
	return nil
}

// responder: <- e ; -> e, ee, s, es, proof
func (hs *Handshake) readMessage1(m protocol.HandshakeMessage) ([]byte, error) {
	hs.re = m.Ephemeral
	hs.ss.mixHash(hs.re)

	epub, err := hs.generateEphemeral()
	if err != nil {
		return nil, err
	}
	if err := hs.dh(hs.e, hs.re); err != nil {
		return nil, err
	}
	encS, err := hs.encryptStatic()
	if err != nil {
		return nil, err
	}
	if err := hs.dh(hs.s, hs.re); err != nil {
		return nil, err
	}
	encProof, err := hs.encryptProof(labelResponderProof)
	if err != nil {
		return nil, err
	}
	return protocol.EncodeHandshake(protocol.HandshakeMessage{
		Type:      protocol.MessageTypeHandshake2,
		Ephemeral: epub,
		Encrypted: append(encS, encProof...),
	})
}

// initiator: <- e, ee, s, es, proof ; -> s, se, proof
func (hs *Handshake) readMessage2(m protocol.HandshakeMessage) ([]byte, error) {
	if len(m.Encrypted) <= encryptedKeySize {
		return nil, fmt.Errorf("%w: message 2 too short", ErrProtocolViolation)
	}
	hs.re = m.Ephemeral
	hs.ss.mixHash(hs.re)
	if err := hs.dh(hs.e, hs.re); err != nil {
		return nil, err
	}
	rs, err := hs.ss.decryptAndHash(m.Encrypted[:encryptedKeySize])
	if err != nil {
		return nil, err
	}
	hs.rs = rs
	if err := hs.dh(hs.e, hs.rs); err != nil {
		return nil, err
	}
	if err := hs.readProof(labelResponderProof, m.Encrypted[encryptedKeySize:]); err != nil {
		return nil, err
	}

	if err := hs.transition(evSendMsg3); err != nil {
		return nil, err
	}
	encS, err := hs.encryptStatic()
	if err != nil {
		return nil, err
	}
	if err := hs.dh(hs.s, hs.re); err != nil {
		return nil, err
	}
	encProof, err := hs.encryptProof(labelInitiatorProof)
	if err != nil {
		return nil, err
	}
	out, err := protocol.EncodeHandshake(protocol.HandshakeMessage{
		Type:      protocol.MessageTypeHandshake3,
		Encrypted: append(encS, encProof...),
	})
	if err != nil {
		return nil, classify(ErrProtocolViolation, err)
	}
	if err := hs.finish(); err != nil {
		return nil, err
	}
	return out, nil
}

// responder: <- s, se, proof
func (hs *Handshake) readMessage3(m protocol.HandshakeMessage) error {
	if len(m.Encrypted) <= encryptedKeySize {
		return fmt.Errorf("%w: message 3 too short", ErrProtocolViolation)
	}
	rs, err := hs.ss.decryptAndHash(m.Encrypted[:encryptedKeySize])
	if err != nil {
		return err
	}
	hs.rs = rs
	if err := hs.dh(hs.e, hs.rs); err != nil {
		return err
	}
	if err := hs.readProof(labelInitiatorProof, m.Encrypted[encryptedKeySize:]); err != nil {
		return err
	}
	return hs.finish()
}

func (hs *Handshake) encryptStatic() ([]byte, error) {
	spub, err := hs.v.PublicKey(hs.s)
	if err != nil {
		return nil, classify(ErrCrypto, err)
	}
	ct, err := hs.ss.encryptAndHash(spub)
	if err != nil {
		return nil, classify(ErrCrypto, err)
	}
	return ct, nil
}

func (hs *Handshake) encryptProof(label string) ([]byte, error) {
	exported, err := hs.opts.Identity.Export()
	if err != nil {
		return nil, err
	}
	sig, _, err := hs.opts.Identity.Sign(proofMessage(label, hs.ss.h))
	if err != nil {
		return nil, classify(ErrCrypto, err)
	}
	creds := make([][]byte, 0, len(hs.opts.Credentials))
	for _, c := range hs.opts.Credentials {
		b, err := c.ToBytes()
		if err != nil {
			return nil, err
		}
		creds = append(creds, b)
	}
	plain, err := protocol.EncodeProof(protocol.IdentityProof{Identity: exported, Signature: sig, Credentials: creds})
	if err != nil {
		return nil, classify(ErrProtocolViolation, err)
	}
	ct, err := hs.ss.encryptAndHash(plain)
	if err != nil {
		return nil, classify(ErrCrypto, err)
	}
	return ct, nil
}

func proofMessage(label string, h [32]byte) []byte {
	return append([]byte(label), h[:]...)
}

// readProof decrypts and verifies the peer's identity proof and credentials.
func (hs *Handshake) readProof(label string, ciphertext []byte) error {
	h := hs.ss.h
	plain, err := hs.ss.decryptAndHash(ciphertext)
	if err != nil {
		return err
	}
	p, err := protocol.DecodeProof(plain)
	if err != nil {
		return classify(ErrProtocolViolation, err)
	}
	peer, err := identity.Import(p.Identity)
	if err != nil {
		return classify(ErrCrypto, err)
	}
	if !peer.VerifySignature(peer.CurrentIndex(), proofMessage(label, h), p.Signature) {
		return fmt.Errorf("%w: identity proof signature", ErrCrypto)
	}
	if hs.opts.TrustPeer != nil && !hs.opts.TrustPeer.IsTrusted(peer.ID()) {
		return fmt.Errorf("%w: identity %s", ErrTrust, peer.ID())
	}
	if hs.opts.Directory != nil {
		if err := hs.opts.Directory.Announce(peer); err != nil {
			if errors.Is(err, directory.ErrForkedHistory) {
				return classify(ErrTrust, err)
			}
			return err
		}
	}

	attrs := map[string]string{}
	creds := make([]*credential.Credential, 0, len(p.Credentials))
	raws := p.Credentials
	if hs.opts.CredentialVerifier.Policy == nil && len(hs.opts.RequiredAttributes) == 0 {
		// Nothing to check them against.
		raws = nil
	}
	for _, raw := range raws {
		c, err := credential.FromBytes(raw)
		if err != nil {
			return classify(ErrProtocolViolation, err)
		}
		if c.Subject != peer.ID() {
			return fmt.Errorf("%w: credential subject %s is not the peer", ErrTrust, c.Subject)
		}
		issuer, err := hs.resolveIssuer(c.Issuer, peer)
		if err != nil {
			return classify(ErrTrust, err)
		}
		got, err := hs.opts.CredentialVerifier.Verify(c, issuer)
		if err != nil {
			return classify(ErrTrust, err)
		}
		for k, v := range got {
			attrs[k] = v
		}
		creds = append(creds, c)
	}
	for k, want := range hs.opts.RequiredAttributes {
		if got, ok := attrs[k]; !ok || got != want {
			return fmt.Errorf("%w: missing attribute %q", ErrTrust, k)
		}
	}

	hs.peer = peer
	hs.creds = creds
	hs.attrs = attrs
	return nil
}

func (hs *Handshake) resolveIssuer(id identity.Identifier, peer *identity.Identity) (*identity.Identity, error) {
	if id == peer.ID() {
		return peer, nil
	}
	if id == hs.opts.Identity.ID() {
		return hs.opts.Identity.Identity(), nil
	}
	if hs.opts.Directory == nil {
		return nil, directory.ErrNotFound
	}
	return hs.opts.Directory.Lookup(id)
}

func (hs *Handshake) finish() error {
	i2r, r2i, err := hs.ss.split()
	if err != nil {
		return classify(ErrCrypto, err)
	}
	send, recv := i2r, r2i
	if hs.role == Responder {
		send, recv = r2i, i2r
	}
	hs.session = newSession(hs.v, hs.role, send, recv, hs.ss.h[:], hs.opts)
	if err := hs.transition(evSplit); err != nil {
		return err
	}
	// The session owns the transport keys; everything else goes.
	session := hs.session
	hs.session = nil
	hs.destroy()
	hs.session = session
	return nil
}
