// Package sdjwt implements parsing and verification of SD-JWT verifiable
// credential presentations: an issuer-signed JWT with selectively disclosable
// claims, followed by the presented disclosures, and terminated by a holder
// key-binding JWT.
package sdjwt

import (
	"crypto/sha256"
	"encoding/base64"
	"strings"

	"github.com/goccy/go-json"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/pkg/errors"

	"github.com/verity-id/oid4vp-verifier/internal/keyresolver"
)

const (
	// combined format separator per the SD-JWT spec
	separator = "~"

	// KeyBindingType is the required typ header of a key-binding JWT.
	KeyBindingType = "kb+jwt"

	digestAlgSHA256 = "sha-256"
)

// SDJwtVC is a parsed SD-JWT VC in combined presentation or issuance format.
type SDJwtVC struct {
	// Token is the compact issuer-signed JWT.
	Token string
	// Disclosures are the presented disclosure strings (base64url, undecoded).
	Disclosures []string
	// KeyBindingJWT is the holder's key-binding JWT; empty for issuance format.
	KeyBindingJWT string

	header jws.Headers
	claims map[string]any
}

// Parse splits and structurally parses a combined SD-JWT VC serialization.
// The issuer signature is NOT verified here.
func Parse(serialized string) (*SDJwtVC, error) {
	parts := strings.Split(serialized, separator)
	if len(parts) < 2 {
		return nil, errors.New("malformed sd-jwt: missing disclosure separator")
	}

	sd := &SDJwtVC{Token: parts[0]}
	// a trailing empty element means the serialization ended with the separator,
	// i.e. there is no key-binding JWT
	last := parts[len(parts)-1]
	if last == "" {
		sd.Disclosures = parts[1 : len(parts)-1]
	} else {
		sd.Disclosures = parts[1 : len(parts)-1]
		sd.KeyBindingJWT = last
	}

	parsed, err := jws.Parse([]byte(sd.Token))
	if err != nil {
		return nil, errors.Wrap(err, "parsing issuer-signed jwt")
	}
	signatures := parsed.Signatures()
	if len(signatures) != 1 {
		return nil, errors.Errorf("expected 1 signature, got %d", len(signatures))
	}
	sd.header = signatures[0].ProtectedHeaders()

	claims := make(map[string]any)
	if err = json.Unmarshal(parsed.Payload(), &claims); err != nil {
		return nil, errors.Wrap(err, "unmarshalling issuer-signed jwt payload")
	}
	sd.claims = claims
	return sd, nil
}

// IsPresentation reports whether the serialization carried a key-binding JWT.
func (s *SDJwtVC) IsPresentation() bool {
	return s.KeyBindingJWT != ""
}

// Claims returns the (unverified) claims of the issuer-signed JWT.
func (s *SDJwtVC) Claims() map[string]any {
	return s.claims
}

// HolderKey extracts the holder's public key from the credential's cnf claim.
func (s *SDJwtVC) HolderKey() (jwk.Key, error) {
	cnf, ok := s.claims["cnf"].(map[string]any)
	if !ok {
		return nil, errors.New("credential carries no cnf claim")
	}
	rawJWK, ok := cnf["jwk"]
	if !ok {
		return nil, errors.New("cnf claim carries no jwk")
	}
	jwkBytes, err := json.Marshal(rawJWK)
	if err != nil {
		return nil, errors.Wrap(err, "marshalling cnf jwk")
	}
	holderKey, err := jwk.ParseKey(jwkBytes)
	if err != nil {
		return nil, errors.Wrap(err, "parsing cnf jwk")
	}
	return holderKey, nil
}

// KeyResolutionHeader builds the key-identification bundle for resolving the
// issuer key from the issuer-signed JWT's protected header.
func (s *SDJwtVC) KeyResolutionHeader() keyresolver.Header {
	header := keyresolver.Header{KeyID: s.header.KeyID()}
	if chain := s.header.X509CertChain(); chain != nil {
		for i := 0; i < chain.Len(); i++ {
			encoded, ok := chain.Get(i)
			if !ok {
				continue
			}
			der, err := base64.StdEncoding.DecodeString(string(encoded))
			if err != nil {
				continue
			}
			header.X5Chain = append(header.X5Chain, der)
		}
	}
	return header
}

// digestAlg returns the credential's _sd_alg claim, defaulting to sha-256.
func (s *SDJwtVC) digestAlg() string {
	if alg, ok := s.claims["_sd_alg"].(string); ok {
		return alg
	}
	return digestAlgSHA256
}

// disclosureDigest hashes an encoded disclosure the way issuers do when
// populating _sd arrays.
func disclosureDigest(encoded string) string {
	h := sha256.Sum256([]byte(encoded))
	return base64.RawURLEncoding.EncodeToString(h[:])
}

func base64URLDecode(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(s)
}

// collectDigests walks a claims structure and gathers every selective
// disclosure digest it references, from _sd arrays and from array element
// placeholders ({"...": digest}).
func collectDigests(v any, into map[string]struct{}) {
	switch typed := v.(type) {
	case map[string]any:
		for key, value := range typed {
			if key == "_sd" {
				if digests, ok := value.([]any); ok {
					for _, d := range digests {
						if s, ok := d.(string); ok {
							into[s] = struct{}{}
						}
					}
				}
				continue
			}
			if key == "..." {
				if s, ok := value.(string); ok {
					into[s] = struct{}{}
				}
				continue
			}
			collectDigests(value, into)
		}
	case []any:
		for _, item := range typed {
			collectDigests(item, into)
		}
	}
}
