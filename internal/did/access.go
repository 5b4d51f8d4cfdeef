package did

import (
	"context"
	"crypto"

	didsdk "github.com/TBD54566975/ssi-sdk/did"
	"github.com/TBD54566975/ssi-sdk/did/resolution"
	"github.com/pkg/errors"

	"github.com/verity-id/oid4vp-verifier/internal/keyaccess"
)

// ResolveKeyForDID resolves a DID and returns the public key of the verification method
// matching the given kid. An empty kid selects the first verification method.
func ResolveKeyForDID(ctx context.Context, resolver resolution.Resolver, did, kid string) (crypto.PublicKey, error) {
	if resolver == nil {
		return nil, errors.New("resolver cannot be nil")
	}
	resolved, err := resolver.Resolve(ctx, did)
	if err != nil {
		return nil, errors.Wrapf(err, "resolving DID: %s", did)
	}
	if kid == "" {
		verificationMethods := resolved.Document.VerificationMethod
		if len(verificationMethods) == 0 {
			return nil, errors.Errorf("did doc: %s has no verification methods", did)
		}
		kid = verificationMethods[0].ID
	}
	pubKey, err := didsdk.GetKeyFromVerificationMethod(resolved.Document, kid)
	if err != nil {
		return nil, errors.Wrapf(err, "getting key from verification method of DID: %s", did)
	}
	return pubKey, nil
}

// VerifyTokenFromDID verifies that the token was signed by the key bound to the
// did's document under the given kid.
func VerifyTokenFromDID(ctx context.Context, resolver resolution.Resolver, did, kid string, token keyaccess.JWT) error {
	pubKey, err := ResolveKeyForDID(ctx, resolver, did, kid)
	if err != nil {
		return err
	}
	verifier, err := keyaccess.NewJWKKeyAccessVerifier(did, kid, pubKey)
	if err != nil {
		return errors.Wrap(err, "could not create verifier")
	}
	if err = verifier.Verify(token); err != nil {
		return errors.Wrap(err, "could not verify token signature")
	}
	return nil
}
