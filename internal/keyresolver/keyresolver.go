// Package keyresolver resolves issuer verification keys from the three key
// discovery mechanisms the verifier supports: DIDs, embedded JWKs, and X.509
// certificate chains. All strategies produce a KeyInfo; trust for certificate
// chains is anchored in a configured root CA set.
package keyresolver

import (
	"context"
	gocrypto "crypto"
	"crypto/x509"

	"github.com/TBD54566975/ssi-sdk/did/resolution"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	didint "github.com/verity-id/oid4vp-verifier/internal/did"
	"github.com/verity-id/oid4vp-verifier/internal/util"
)

// Resolution failure kinds. Callers branch on these with errors.Is.
var (
	ErrUnresolvableIdentifier = errors.New("unresolvable identifier")
	ErrUnsupportedKeyEncoding = errors.New("unsupported key encoding")
	ErrChainValidationFailed  = errors.New("chain validation failed")
)

// KeyInfo is a resolved verification key. It is held only for the duration of a
// single verification call and never carries private key material.
type KeyInfo struct {
	ID          string
	PublicKey   gocrypto.PublicKey
	Certificate *x509.Certificate
	Chain       []*x509.Certificate
}

// Header is the key-identification bundle extracted from a credential's
// protected header.
type Header struct {
	// KeyID is the kid header; may be a DID URL.
	KeyID string
	// JWK is an embedded public key, if present.
	JWK jwk.Key
	// X5Chain is an embedded certificate chain in source order (DER), if present.
	X5Chain [][]byte
}

// Resolver resolves exactly one KeyInfo from a key-identification bundle, or
// fails with one of the resolution-kind errors above.
type Resolver interface {
	Resolve(ctx context.Context, header Header) (*KeyInfo, error)
}

// MultiStrategyResolver resolves keys via DID resolution, embedded JWKs, or
// X.509 chains, in that order of preference.
type MultiStrategyResolver struct {
	didResolver  resolution.Resolver
	trustedRoots *x509.CertPool
	requireChain bool
}

var _ Resolver = (*MultiStrategyResolver)(nil)

// NewMultiStrategyResolver builds a resolver. trustedRoots may be nil only when
// requireChainValidation is false.
func NewMultiStrategyResolver(didResolver resolution.Resolver, trustedRoots []*x509.Certificate, requireChainValidation bool) (*MultiStrategyResolver, error) {
	if didResolver == nil {
		return nil, errors.New("didResolver cannot be nil")
	}
	if requireChainValidation && len(trustedRoots) == 0 {
		return nil, errors.New("chain validation required but no trusted roots configured")
	}
	var pool *x509.CertPool
	if len(trustedRoots) > 0 {
		pool = x509.NewCertPool()
		for _, root := range trustedRoots {
			pool.AddCert(root)
		}
	}
	return &MultiStrategyResolver{
		didResolver:  didResolver,
		trustedRoots: pool,
		requireChain: requireChainValidation,
	}, nil
}

// Resolve dispatches to a strategy based on what the header bundle carries. DID
// resolution may perform network I/O; the embedded-JWK and chain strategies are
// local.
func (r *MultiStrategyResolver) Resolve(ctx context.Context, header Header) (*KeyInfo, error) {
	switch {
	case util.IsDIDURL(header.KeyID):
		return r.resolveDID(ctx, header.KeyID)
	case header.JWK != nil:
		return r.resolveEmbeddedJWK(header.KeyID, header.JWK)
	case len(header.X5Chain) > 0:
		return r.ResolveX509Chain(header.KeyID, header.X5Chain)
	default:
		return nil, errors.Wrapf(ErrUnsupportedKeyEncoding, "no resolution strategy for kid<%s>", util.SanitizeLog(header.KeyID))
	}
}

func (r *MultiStrategyResolver) resolveDID(ctx context.Context, kid string) (*KeyInfo, error) {
	did, fragment := splitDIDURL(kid)
	pubKey, err := didint.ResolveKeyForDID(ctx, r.didResolver, did, fragment)
	if err != nil {
		logrus.WithError(err).Debugf("did resolution failed for %s", util.SanitizeLog(did))
		return nil, errors.Wrapf(ErrUnresolvableIdentifier, "resolving did<%s>: %s", util.SanitizeLog(did), err.Error())
	}
	return &KeyInfo{ID: kid, PublicKey: pubKey}, nil
}

func (r *MultiStrategyResolver) resolveEmbeddedJWK(kid string, key jwk.Key) (*KeyInfo, error) {
	var pubKey gocrypto.PublicKey
	publicJWK, err := key.PublicKey()
	if err != nil {
		return nil, errors.Wrapf(ErrUnsupportedKeyEncoding, "getting public jwk: %s", err.Error())
	}
	if err = publicJWK.Raw(&pubKey); err != nil {
		return nil, errors.Wrapf(ErrUnsupportedKeyEncoding, "converting jwk to raw key: %s", err.Error())
	}
	if kid == "" {
		kid = key.KeyID()
	}
	return &KeyInfo{ID: kid, PublicKey: pubKey}, nil
}

// ResolveX509Chain imports the public key of the leaf certificate, taken as the
// last certificate in source order, and validates the chain against the
// configured trust anchors when chain validation is enabled.
func (r *MultiStrategyResolver) ResolveX509Chain(kid string, rawChain [][]byte) (*KeyInfo, error) {
	certs := make([]*x509.Certificate, 0, len(rawChain))
	for _, raw := range rawChain {
		cert, err := x509.ParseCertificate(raw)
		if err != nil {
			return nil, errors.Wrapf(ErrUnsupportedKeyEncoding, "parsing certificate: %s", err.Error())
		}
		certs = append(certs, cert)
	}
	leaf := certs[len(certs)-1]

	if r.requireChain {
		intermediates := x509.NewCertPool()
		for _, cert := range certs[:len(certs)-1] {
			intermediates.AddCert(cert)
		}
		if _, err := leaf.Verify(x509.VerifyOptions{
			Roots:         r.trustedRoots,
			Intermediates: intermediates,
			KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
		}); err != nil {
			return nil, errors.Wrapf(ErrChainValidationFailed, "verifying certificate chain: %s", err.Error())
		}
	}
	if kid == "" {
		kid = leaf.Subject.CommonName
	}
	return &KeyInfo{
		ID:          kid,
		PublicKey:   leaf.PublicKey,
		Certificate: leaf,
		Chain:       certs,
	}, nil
}

// splitDIDURL splits a DID URL into the base DID and the fragment-qualified
// verification method id, e.g. did:ex:a#k1 -> (did:ex:a, did:ex:a#k1).
func splitDIDURL(didURL string) (did, kid string) {
	for i := 0; i < len(didURL); i++ {
		if didURL[i] == '#' {
			return didURL[:i], didURL
		}
	}
	return didURL, ""
}
