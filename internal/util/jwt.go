package util

import (
	"fmt"

	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// ParseJWT parses a JWT token without verifying it and returns the jws
// signature (carrying the protected headers) and the jwt claims.
func ParseJWT(token string) (*jws.Signature, jwt.Token, error) {
	tokenBytes := []byte(token)
	parsedJWS, err := jws.Parse(tokenBytes)
	if err != nil {
		return nil, nil, err
	}
	signatures := parsedJWS.Signatures()
	if len(signatures) != 1 {
		return nil, nil, fmt.Errorf("expected 1 signature, got %d", len(signatures))
	}
	parsedJWT, err := jwt.Parse(tokenBytes, jwt.WithVerify(false), jwt.WithValidate(false))
	if err != nil {
		return nil, nil, err
	}
	return signatures[0], parsedJWT, nil
}

// GetKeyIDFromJWT returns the kid protected header of a JWT without verifying it.
func GetKeyIDFromJWT(token string) (string, error) {
	sig, _, err := ParseJWT(token)
	if err != nil {
		return "", err
	}
	kid := sig.ProtectedHeaders().KeyID()
	if kid == "" {
		return "", fmt.Errorf("no kid header found")
	}
	return kid, nil
}
