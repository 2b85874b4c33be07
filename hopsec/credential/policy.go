package credential

import "github.com/TheusHen/hopsec/hopsec/identity"

// TrustPolicy decides which issuers are trusted. It is supplied by the application.
type TrustPolicy interface {
	IsTrusted(issuer identity.Identifier) bool
}

// TrustPolicyFunc adapts a function to TrustPolicy.
type TrustPolicyFunc func(issuer identity.Identifier) bool

func (f TrustPolicyFunc) IsTrusted(issuer identity.Identifier) bool { return f(issuer) }

// TrustAll trusts every issuer.
var TrustAll TrustPolicy = TrustPolicyFunc(func(identity.Identifier) bool { return true })

type issuerSet map[identity.Identifier]struct{}

func (s issuerSet) IsTrusted(issuer identity.Identifier) bool {
	_, ok := s[issuer]
	return ok
}

// TrustIssuers trusts exactly the given issuers.
func TrustIssuers(ids ...identity.Identifier) TrustPolicy {
	s := make(issuerSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}
