// Package keyaccess wraps signature verification key material behind small
// verification-only accessors. Private keys are never held here; the verifier
// only ever sees public key material.
package keyaccess

import (
	gocrypto "crypto"

	"github.com/TBD54566975/ssi-sdk/crypto/jwx"
	"github.com/pkg/errors"
)

// JWT is a utility type over a compact serialized token.
type JWT string

func (j JWT) String() string {
	return string(j)
}

func (j JWT) Ptr() *JWT {
	jwt := j
	return &jwt
}

func JWTPtr(j string) *JWT {
	jwt := JWT(j)
	return &jwt
}

// JWKKeyAccess verifies compact JWS/JWT payloads against a single public key.
type JWKKeyAccess struct {
	*jwx.Verifier
}

// NewJWKKeyAccessVerifier creates a JWKKeyAccess object from an id, key id, and public key.
func NewJWKKeyAccessVerifier(id, kid string, key gocrypto.PublicKey) (*JWKKeyAccess, error) {
	if id == "" {
		return nil, errors.New("id cannot be empty")
	}
	if kid == "" {
		return nil, errors.New("kid cannot be empty")
	}
	if key == nil {
		return nil, errors.New("key cannot be nil")
	}
	verifier, err := jwx.NewJWXVerifier(id, kid, key)
	if err != nil {
		return nil, errors.Wrapf(err, "could not create JWK Key Access object for kid: %s, error creating verifier", kid)
	}
	return &JWKKeyAccess{Verifier: verifier}, nil
}

func (ka JWKKeyAccess) Verify(token JWT) error {
	if token == "" {
		return errors.New("token cannot be empty")
	}
	return ka.VerifyJWS(string(token))
}
