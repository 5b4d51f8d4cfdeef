package sdjwt

import (
	"context"
	gocrypto "crypto"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/verity-id/oid4vp-verifier/internal/keyresolver"
)

// VerificationResult is the outcome of verifying an SD-JWT VC presentation.
// A false Verified with a Message is an expected outcome for adversarial
// input, not an error.
type VerificationResult struct {
	Verified bool   `json:"verified"`
	Message  string `json:"message,omitempty"`
}

func failure(format string, args ...any) *VerificationResult {
	return &VerificationResult{Verified: false, Message: fmt.Sprintf(format, args...)}
}

// Verifier verifies SD-JWT VC presentations against a session's client id and
// nonce. Issuer keys are resolved through the configured key resolver.
type Verifier struct {
	resolver keyresolver.Resolver
}

func NewVerifier(resolver keyresolver.Resolver) (*Verifier, error) {
	if resolver == nil {
		return nil, errors.New("resolver cannot be nil")
	}
	return &Verifier{resolver: resolver}, nil
}

// VerifyPresentation verifies the full SD-JWT VC structure: issuer signature,
// selective-disclosure digests, and the holder key-binding JWT, which must bind
// to the given client id and nonce exactly. Presentations without a key-binding
// JWT are rejected.
func (v *Verifier) VerifyPresentation(ctx context.Context, serialized, clientID, nonce string) (*VerificationResult, error) {
	sd, err := Parse(serialized)
	if err != nil {
		return nil, errors.Wrap(err, "parsing sd-jwt presentation")
	}
	if !sd.IsPresentation() {
		return nil, errors.New("sd-jwt is not a presentation: missing holder key-binding jwt")
	}

	if alg := sd.digestAlg(); alg != digestAlgSHA256 {
		return nil, errors.Errorf("unsupported _sd_alg: %s", alg)
	}

	// resolve the issuer key from the credential header before touching any
	// signature
	issuerKeyInfo, err := v.resolver.Resolve(ctx, sd.KeyResolutionHeader())
	if err != nil {
		return nil, errors.Wrap(err, "resolving issuer key")
	}

	alg := sd.header.Algorithm()
	if _, err = jws.Verify([]byte(sd.Token), jws.WithKey(alg, issuerKeyInfo.PublicKey)); err != nil {
		logrus.WithError(err).Debug("issuer signature verification failed")
		return failure("issuer signature invalid"), nil
	}

	if result := v.verifyDisclosures(sd); !result.Verified {
		return result, nil
	}

	return v.verifyKeyBinding(sd, clientID, nonce)
}

// verifyDisclosures checks every presented disclosure hashes to a digest
// referenced by the credential, walking nested disclosure values as well.
func (v *Verifier) verifyDisclosures(sd *SDJwtVC) *VerificationResult {
	referenced := make(map[string]struct{})
	collectDigests(sd.claims, referenced)
	for _, disclosure := range sd.Disclosures {
		decoded, err := decodeDisclosure(disclosure)
		if err == nil {
			collectDigests(decoded, referenced)
		}
	}

	for _, disclosure := range sd.Disclosures {
		if _, ok := referenced[disclosureDigest(disclosure)]; !ok {
			return failure("disclosure digest not referenced by credential")
		}
	}
	return &VerificationResult{Verified: true}
}

// verifyKeyBinding verifies the holder's key-binding JWT: signed by the cnf
// key, typed kb+jwt, bound to the verifier's client id and session nonce, and
// hashing the presented token+disclosures.
func (v *Verifier) verifyKeyBinding(sd *SDJwtVC, clientID, nonce string) (*VerificationResult, error) {
	holderJWK, err := sd.HolderKey()
	if err != nil {
		return nil, errors.Wrap(err, "extracting holder key")
	}
	var holderKey gocrypto.PublicKey
	if err = holderJWK.Raw(&holderKey); err != nil {
		return nil, errors.Wrap(err, "converting holder jwk to raw key")
	}

	parsed, err := jws.Parse([]byte(sd.KeyBindingJWT))
	if err != nil {
		return nil, errors.Wrap(err, "parsing key-binding jwt")
	}
	signatures := parsed.Signatures()
	if len(signatures) != 1 {
		return nil, errors.Errorf("expected 1 signature on key-binding jwt, got %d", len(signatures))
	}
	kbHeader := signatures[0].ProtectedHeaders()
	if kbHeader.Type() != KeyBindingType {
		return failure("key-binding jwt has wrong typ header: %s", kbHeader.Type()), nil
	}

	if _, err = jws.Verify([]byte(sd.KeyBindingJWT), jws.WithKey(kbHeader.Algorithm(), holderKey)); err != nil {
		logrus.WithError(err).Debug("key-binding signature verification failed")
		return failure("key-binding signature invalid"), nil
	}

	kbClaims, err := jwt.Parse([]byte(sd.KeyBindingJWT), jwt.WithVerify(false), jwt.WithValidate(false))
	if err != nil {
		return nil, errors.Wrap(err, "parsing key-binding claims")
	}

	if !contains(kbClaims.Audience(), clientID) {
		return failure("key-binding audience does not match client id"), nil
	}
	gotNonce, ok := kbClaims.Get("nonce")
	if !ok || gotNonce != nonce {
		return failure("key-binding nonce does not match session nonce"), nil
	}

	gotHash, ok := kbClaims.Get("sd_hash")
	if !ok {
		return failure("key-binding jwt carries no sd_hash"), nil
	}
	presented := strings.Join(append([]string{sd.Token}, sd.Disclosures...), separator) + separator
	if gotHash != disclosureDigest(presented) {
		return failure("key-binding sd_hash does not match presented credential"), nil
	}

	return &VerificationResult{Verified: true}, nil
}

func decodeDisclosure(encoded string) (any, error) {
	raw, err := base64URLDecode(encoded)
	if err != nil {
		return nil, err
	}
	var decoded any
	if err = json.Unmarshal(raw, &decoded); err != nil {
		return nil, err
	}
	return decoded, nil
}

func contains(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}
