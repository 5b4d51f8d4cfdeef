package verification

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"net/url"

	"github.com/TBD54566975/ssi-sdk/credential/exchange"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/verity-id/oid4vp-verifier/internal/policy"
)

const (
	authorizeBaseURL = "openid4vp://authorize"

	responseEncryptionAlg = "ECDH-ES"
	responseEncryptionEnc = "A256GCM"
)

// CreateSessionRequest is the verifier-side request to open a presentation
// session and mint its authorization request.
type CreateSessionRequest struct {
	Profile                string                           `json:"profile,omitempty"`
	PresentationDefinition *exchange.PresentationDefinition `json:"presentationDefinition" validate:"required"`
	ResponseMode           string                           `json:"responseMode,omitempty"`

	// State correlates wallet-initiated flows; generated when absent.
	State string `json:"state,omitempty"`

	// PresentationDefinitionByReference puts a presentation_definition_uri in
	// the authorization request instead of the inline definition.
	PresentationDefinitionByReference bool `json:"presentationDefinitionByReference,omitempty"`

	VPPolicies       []json.RawMessage            `json:"vpPolicies,omitempty"`
	VCPolicies       []json.RawMessage            `json:"vcPolicies,omitempty"`
	SpecificPolicies map[string][]json.RawMessage `json:"specificPolicies,omitempty"`

	SuccessRedirectURI string          `json:"successRedirectUri,omitempty"`
	ErrorRedirectURI   string          `json:"errorRedirectUri,omitempty"`
	StatusCallback     *StatusCallback `json:"statusCallback,omitempty"`
}

// buildSession creates the session, its ephemeral encryption key when the
// response travels encrypted, and the authorization request URL.
func (s *Service) buildSession(request CreateSessionRequest) (*PresentationSession, error) {
	profile, err := ParseProfile(request.Profile)
	if err != nil {
		return nil, err
	}
	if request.PresentationDefinition == nil || len(request.PresentationDefinition.InputDescriptors) == 0 {
		return nil, errors.New("a presentation definition with at least one input descriptor is required")
	}

	responseMode := ResponseModeDirectPost
	switch ResponseMode(request.ResponseMode) {
	case "":
		if profile == ProfileISOMdoc {
			// mdoc responses carry the wallet nonce in the response JWS
			responseMode = ResponseModeDirectPostJWT
		}
	case ResponseModeDirectPost, ResponseModeDirectPostJWT:
		responseMode = ResponseMode(request.ResponseMode)
	default:
		return nil, errors.Errorf("unsupported response mode: %s", request.ResponseMode)
	}

	now := s.clock.Now()
	session := PresentationSession{
		ID:                     uuid.NewString(),
		Profile:                profile,
		Nonce:                  uuid.NewString(),
		State:                  request.State,
		ResponseMode:           responseMode,
		PresentationDefinition: request.PresentationDefinition,
		CreatedAt:              now,
		ExpiresAt:              now.Add(s.sessionTTL),
	}
	if session.State == "" {
		session.State = uuid.NewString()
	}
	session.ResponseURI = s.serviceEndpoint + "/v1/openid4vc/verify/" + session.ID
	session.ClientID = s.clientID
	if session.ClientID == "" {
		session.ClientID = session.ResponseURI
	}

	var clientMetadata map[string]any
	if responseMode == ResponseModeDirectPostJWT {
		privateJWK, publicJWK, keyErr := generateEncryptionKey()
		if keyErr != nil {
			return nil, keyErr
		}
		session.EphemeralDecryptionKey = privateJWK
		clientMetadata = map[string]any{
			"jwks":                                 map[string]any{"keys": []any{publicJWK}},
			"authorization_encrypted_response_alg": responseEncryptionAlg,
			"authorization_encrypted_response_enc": responseEncryptionEnc,
		}
	}

	requestURL, err := s.authorizationRequestURL(&session, request.PresentationDefinitionByReference, clientMetadata)
	if err != nil {
		return nil, err
	}
	session.AuthorizationRequestURL = requestURL
	return &session, nil
}

func (s *Service) authorizationRequestURL(session *PresentationSession,
	definitionByReference bool, clientMetadata map[string]any) (string, error) {
	params := url.Values{}
	params.Set("response_type", "vp_token")
	params.Set("client_id", session.ClientID)
	params.Set("client_id_scheme", s.clientIDScheme)
	params.Set("response_mode", string(session.ResponseMode))
	params.Set("response_uri", session.ResponseURI)
	params.Set("nonce", session.Nonce)
	params.Set("state", session.State)

	if definitionByReference {
		params.Set("presentation_definition_uri", s.serviceEndpoint+"/v1/openid4vc/pd/"+session.ID)
	} else {
		definitionJSON, err := json.Marshal(session.PresentationDefinition)
		if err != nil {
			return "", errors.Wrap(err, "marshalling presentation definition")
		}
		params.Set("presentation_definition", string(definitionJSON))
	}

	if clientMetadata != nil {
		metadataJSON, err := json.Marshal(clientMetadata)
		if err != nil {
			return "", errors.Wrap(err, "marshalling client metadata")
		}
		params.Set("client_metadata", string(metadataJSON))
	}
	return authorizeBaseURL + "?" + params.Encode(), nil
}

// generateEncryptionKey mints an ephemeral P-256 pair for encrypted
// responses, returning the private and public halves as JWK JSON.
func generateEncryptionKey() (json.RawMessage, map[string]any, error) {
	ephemeralKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, errors.Wrap(err, "generating encryption key")
	}
	privateJWK, err := jwk.FromRaw(ephemeralKey)
	if err != nil {
		return nil, nil, errors.Wrap(err, "building private jwk")
	}
	kid := uuid.NewString()
	if err = privateJWK.Set(jwk.KeyIDKey, kid); err != nil {
		return nil, nil, err
	}
	privateBytes, err := json.Marshal(privateJWK)
	if err != nil {
		return nil, nil, errors.Wrap(err, "marshalling private jwk")
	}

	publicJWK, err := privateJWK.PublicKey()
	if err != nil {
		return nil, nil, errors.Wrap(err, "deriving public jwk")
	}
	publicBytes, err := json.Marshal(publicJWK)
	if err != nil {
		return nil, nil, errors.Wrap(err, "marshalling public jwk")
	}
	var publicMap map[string]any
	if err = json.Unmarshal(publicBytes, &publicMap); err != nil {
		return nil, nil, err
	}
	publicMap["use"] = "enc"
	publicMap["alg"] = responseEncryptionAlg
	return privateBytes, publicMap, nil
}

func (s *Service) verificationInfoFromRequest(session *PresentationSession,
	request CreateSessionRequest) (*SessionVerificationInformation, error) {
	info := SessionVerificationInformation{
		SessionID:          session.ID,
		SuccessRedirectURI: request.SuccessRedirectURI,
		ErrorRedirectURI:   request.ErrorRedirectURI,
		StatusCallback:     request.StatusCallback,
	}
	var err error
	if info.VPPolicies, err = parseRequestedPolicies(request.VPPolicies); err != nil {
		return nil, errors.Wrap(err, "parsing vp policies")
	}
	if info.VCPolicies, err = parseRequestedPolicies(request.VCPolicies); err != nil {
		return nil, errors.Wrap(err, "parsing vc policies")
	}
	if len(request.SpecificPolicies) > 0 {
		info.SpecificPolicies = make(map[string][]policy.RequestedPolicy, len(request.SpecificPolicies))
	}
	for credentialType, raw := range request.SpecificPolicies {
		parsed, parseErr := parseRequestedPolicies(raw)
		if parseErr != nil {
			return nil, errors.Wrapf(parseErr, "parsing policies for %s", credentialType)
		}
		info.SpecificPolicies[credentialType] = parsed
	}
	logrus.Debugf("created verification info for session: %s", session.ID)
	return &info, nil
}

// parseRequestedPolicies accepts either bare policy names or objects with a
// policy name and argument.
func parseRequestedPolicies(raw []json.RawMessage) ([]policy.RequestedPolicy, error) {
	var policies []policy.RequestedPolicy
	for _, entry := range raw {
		var name string
		if err := json.Unmarshal(entry, &name); err == nil {
			policies = append(policies, policy.RequestedPolicy{Name: name})
			continue
		}
		var requested policy.RequestedPolicy
		if err := json.Unmarshal(entry, &requested); err != nil {
			return nil, errors.Wrap(err, "parsing policy entry")
		}
		if requested.Name == "" {
			return nil, errors.New("policy entry has no name")
		}
		policies = append(policies, requested)
	}
	return policies, nil
}
