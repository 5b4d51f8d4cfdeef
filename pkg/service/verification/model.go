package verification

import (
	"time"

	"github.com/TBD54566975/ssi-sdk/credential/exchange"
	"github.com/goccy/go-json"
	"github.com/pkg/errors"

	"github.com/verity-id/oid4vp-verifier/internal/mdoc"
	"github.com/verity-id/oid4vp-verifier/internal/policy"
	"github.com/verity-id/oid4vp-verifier/internal/sdjwt"
)

// Profile selects how a session's presentations are verified. The set is
// closed: dispatching happens on exactly these values.
type Profile string

const (
	// ProfileGeneric verifies W3C JWT presentations through the policy engine.
	ProfileGeneric Profile = "generic"
	// ProfileHAIP verifies SD-JWT VC presentations.
	ProfileHAIP Profile = "haip"
	// ProfileISOMdoc verifies ISO 18013-5 device responses.
	ProfileISOMdoc Profile = "iso-mdoc"
)

// ParseProfile validates a profile name; an empty name is the generic profile.
func ParseProfile(name string) (Profile, error) {
	switch Profile(name) {
	case "":
		return ProfileGeneric, nil
	case ProfileGeneric, ProfileHAIP, ProfileISOMdoc:
		return Profile(name), nil
	default:
		return "", errors.Errorf("unknown verification profile: %s", name)
	}
}

type ResponseMode string

const (
	ResponseModeDirectPost    ResponseMode = "direct_post"
	ResponseModeDirectPostJWT ResponseMode = "direct_post.jwt"
)

// PresentationSession is the unit of correlation between an authorization
// request and the wallet's token response.
type PresentationSession struct {
	ID           string       `json:"id"`
	Profile      Profile      `json:"profile"`
	Nonce        string       `json:"nonce"`
	State        string       `json:"state"`
	ResponseMode ResponseMode `json:"responseMode"`
	ResponseURI  string       `json:"responseUri"`
	ClientID     string       `json:"clientId"`

	PresentationDefinition *exchange.PresentationDefinition `json:"presentationDefinition,omitempty"`

	// AuthorizationRequestURL is the openid4vp:// URL handed to the wallet.
	AuthorizationRequestURL string `json:"authorizationRequestUrl"`

	// EphemeralDecryptionKey holds the private JWK for direct_post.jwt
	// sessions; never exposed through the API.
	EphemeralDecryptionKey json.RawMessage `json:"ephemeralDecryptionKey,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// FirstInputDescriptorID returns the id of the first input descriptor, which
// mdoc sessions use as the requested document type.
func (s *PresentationSession) FirstInputDescriptorID() string {
	if s.PresentationDefinition == nil || len(s.PresentationDefinition.InputDescriptors) == 0 {
		return ""
	}
	return s.PresentationDefinition.InputDescriptors[0].ID
}

// StatusCallback describes where to report a session's outcome.
type StatusCallback struct {
	URI    string `json:"uri"`
	APIKey string `json:"apiKey,omitempty"`
}

// SessionVerificationInformation carries everything needed to verify a token
// response, persisted when the session is created. Its absence at response
// time is a configuration error, not a failed verification.
type SessionVerificationInformation struct {
	SessionID string `json:"sessionId"`

	VPPolicies       []policy.RequestedPolicy            `json:"vpPolicies,omitempty"`
	VCPolicies       []policy.RequestedPolicy            `json:"vcPolicies,omitempty"`
	SpecificPolicies map[string][]policy.RequestedPolicy `json:"specificPolicies,omitempty"`

	SuccessRedirectURI string          `json:"successRedirectUri,omitempty"`
	ErrorRedirectURI   string          `json:"errorRedirectUri,omitempty"`
	StatusCallback     *StatusCallback `json:"statusCallback,omitempty"`
}

// TokenResponse is the wallet's authorization response. MdocGeneratedNonce
// comes from the apu header of an encrypted or signed response.
type TokenResponse struct {
	VPToken                string          `json:"vp_token,omitempty"`
	IDToken                string          `json:"id_token,omitempty"`
	State                  string          `json:"state,omitempty"`
	PresentationSubmission json.RawMessage `json:"presentation_submission,omitempty"`
	MdocGeneratedNonce     string          `json:"-"`
}

// PresentationToken picks the token to verify, preferring id_token.
func (t *TokenResponse) PresentationToken() (string, error) {
	token := t.IDToken
	if token == "" {
		token = t.VPToken
	}
	if token == "" {
		return "", errors.New("token response carries no vp_token or id_token")
	}
	// a structured vp_token (JSON array or object) is not supported; fail
	// closed rather than guessing at its shape
	if len(token) > 0 && (token[0] == '{' || token[0] == '[') {
		return "", errors.New("structured vp_token values are not supported")
	}
	return token, nil
}

// VerificationResult is the stored outcome of verifying a session's response.
type VerificationResult struct {
	SessionID  string    `json:"sessionId"`
	Profile    Profile   `json:"profile"`
	Verified   bool      `json:"verified"`
	Message    string    `json:"message,omitempty"`
	VerifiedAt time.Time `json:"verifiedAt"`

	// PolicyOutcomes is populated for generic-profile sessions.
	PolicyOutcomes []policy.Outcome `json:"policyOutcomes,omitempty"`

	// RedirectURI tells the wallet where to send the user next, when the
	// session was created with redirect URIs.
	RedirectURI string `json:"redirectUri,omitempty"`
}

func resultFromPolicy(session *PresentationSession, policyResult *policy.Result, now time.Time) *VerificationResult {
	result := &VerificationResult{
		SessionID:      session.ID,
		Profile:        session.Profile,
		Verified:       policyResult.Verified,
		PolicyOutcomes: policyResult.Outcomes,
		VerifiedAt:     now,
	}
	if !policyResult.Verified {
		result.Message = "one or more policies failed"
	}
	return result
}

func resultFromSDJWT(session *PresentationSession, sdjwtResult *sdjwt.VerificationResult, now time.Time) *VerificationResult {
	return &VerificationResult{
		SessionID:  session.ID,
		Profile:    session.Profile,
		Verified:   sdjwtResult.Verified,
		Message:    sdjwtResult.Message,
		VerifiedAt: now,
	}
}

func resultFromMdoc(session *PresentationSession, mdocResult *mdoc.VerificationResult, now time.Time) *VerificationResult {
	return &VerificationResult{
		SessionID:  session.ID,
		Profile:    session.Profile,
		Verified:   mdocResult.Verified,
		Message:    mdocResult.Message,
		VerifiedAt: now,
	}
}
