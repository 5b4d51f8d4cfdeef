package verification

import (
	"context"
	"crypto/x509"
	"fmt"
	"strings"
	"time"

	"github.com/TBD54566975/ssi-sdk/credential/exchange"
	"github.com/TBD54566975/ssi-sdk/did/resolution"
	sdkutil "github.com/TBD54566975/ssi-sdk/util"
	"github.com/benbjohnson/clock"
	"github.com/goccy/go-json"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwe"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/verity-id/oid4vp-verifier/config"
	"github.com/verity-id/oid4vp-verifier/internal/keyaccess"
	"github.com/verity-id/oid4vp-verifier/internal/keyresolver"
	"github.com/verity-id/oid4vp-verifier/internal/mdoc"
	"github.com/verity-id/oid4vp-verifier/internal/policy"
	"github.com/verity-id/oid4vp-verifier/internal/sdjwt"
	"github.com/verity-id/oid4vp-verifier/pkg/service/framework"
	"github.com/verity-id/oid4vp-verifier/pkg/storage"
)

// Service orchestrates OpenID4VP presentation sessions: it mints
// authorization requests, correlates wallet responses back to their sessions,
// dispatches verification by profile, and records the outcome.
type Service struct {
	storage  *Storage
	resolver resolution.Resolver

	engine        *policy.Engine
	sdjwtVerifier *sdjwt.Verifier
	mdocVerifier  *mdoc.Verifier
	callback      *CallbackClient

	clock          clock.Clock
	serviceEndpoint string
	clientID       string
	clientIDScheme string
	sessionTTL     time.Duration
}

func (s Service) Type() framework.Type {
	return framework.Verification
}

func (s Service) Status() framework.Status {
	ae := sdkutil.NewAppendError()
	if s.storage == nil {
		ae.AppendString("no storage configured")
	}
	if s.resolver == nil {
		ae.AppendString("no resolver configured")
	}
	if !ae.IsEmpty() {
		return framework.Status{
			Status:  framework.StatusNotReady,
			Message: fmt.Sprintf("verification service is not ready: %s", ae.Error().Error()),
		}
	}
	return framework.Status{Status: framework.StatusReady}
}

func NewVerificationService(cfg config.VerificationServiceConfig, db storage.ServiceStorage,
	resolver resolution.Resolver) (*Service, error) {
	verificationStorage, err := NewVerificationStorage(db, clock.New())
	if err != nil {
		return nil, sdkutil.LoggingErrorMsg(err, "could not instantiate storage for the verification service")
	}
	trustedRoots, err := cfg.TrustedRoots()
	if err != nil {
		return nil, sdkutil.LoggingErrorMsg(err, "could not load trusted roots")
	}
	keyResolver, err := keyresolver.NewMultiStrategyResolver(resolver, trustedRoots, cfg.ChainValidationRequired)
	if err != nil {
		return nil, sdkutil.LoggingErrorMsg(err, "could not instantiate key resolver")
	}
	var rootPool *x509.CertPool
	if len(trustedRoots) > 0 {
		rootPool = x509.NewCertPool()
		for _, root := range trustedRoots {
			rootPool.AddCert(root)
		}
	}
	mdocVerifier, err := mdoc.NewVerifier(rootPool, cfg.ChainValidationRequired)
	if err != nil {
		return nil, sdkutil.LoggingErrorMsg(err, "could not instantiate mdoc verifier")
	}
	engine, err := policy.NewEngine(resolver)
	if err != nil {
		return nil, sdkutil.LoggingErrorMsg(err, "could not instantiate policy engine")
	}
	sdjwtVerifier, err := sdjwt.NewVerifier(keyResolver)
	if err != nil {
		return nil, sdkutil.LoggingErrorMsg(err, "could not instantiate sd-jwt verifier")
	}
	service := Service{
		storage:         verificationStorage,
		resolver:        resolver,
		engine:          engine,
		sdjwtVerifier:   sdjwtVerifier,
		mdocVerifier:    mdocVerifier,
		callback:        NewCallbackClient(nil),
		clock:           clock.New(),
		serviceEndpoint: cfg.ServiceEndpoint,
		clientID:        cfg.ClientID,
		clientIDScheme:  cfg.ClientIDScheme,
		sessionTTL:      cfg.SessionTTL,
	}
	if !service.Status().IsReady() {
		return nil, errors.New(service.Status().Message)
	}
	return &service, nil
}

// CreateSession opens a presentation session. The session and its
// verification information are durable before the authorization request URL
// is returned, so an immediate wallet response always finds them.
func (s *Service) CreateSession(ctx context.Context, request CreateSessionRequest) (*PresentationSession, error) {
	session, err := s.buildSession(request)
	if err != nil {
		return nil, err
	}
	info, err := s.verificationInfoFromRequest(session, request)
	if err != nil {
		return nil, err
	}
	if err = s.storage.StoreVerificationInfo(ctx, info); err != nil {
		return nil, err
	}
	if err = s.storage.StoreSession(ctx, session); err != nil {
		return nil, err
	}
	logrus.Debugf("created presentation session: %s", session.ID)
	return session, nil
}

func (s *Service) GetSession(ctx context.Context, sessionID string) (*PresentationSession, error) {
	return s.storage.GetSession(ctx, sessionID)
}

// RemoveSession deletes a session and its stored verification information and
// result, returning the removed session.
func (s *Service) RemoveSession(ctx context.Context, sessionID string) (*PresentationSession, error) {
	session, err := s.storage.RemoveSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	logrus.Debugf("removed presentation session: %s", sessionID)
	return session, nil
}

// GetPresentationDefinition serves definitions referenced by
// presentation_definition_uri.
func (s *Service) GetPresentationDefinition(ctx context.Context, sessionID string) (*exchange.PresentationDefinition, error) {
	session, err := s.storage.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return session.PresentationDefinition, nil
}

func (s *Service) GetResult(ctx context.Context, sessionID string) (*VerificationResult, error) {
	return s.storage.GetResult(ctx, sessionID)
}

// VerifyTokenResponse verifies a wallet's token response for the session
// named in the response URI path, falling back to state correlation when the
// path carries no id. A failed verification is a stored result, not an
// error; errors mean the response could not be processed at all.
func (s *Service) VerifyTokenResponse(ctx context.Context, sessionID string, response TokenResponse) (*VerificationResult, error) {
	var session *PresentationSession
	var err error
	if sessionID != "" {
		session, err = s.storage.GetSession(ctx, sessionID)
	} else if response.State != "" {
		session, err = s.storage.GetSessionByState(ctx, response.State)
	} else {
		return nil, errors.New("response carries no session id or state")
	}
	if err != nil {
		return nil, err
	}

	info, err := s.storage.GetVerificationInfo(ctx, session.ID)
	if err != nil {
		// a session without verification information was never fully created
		return nil, errors.Wrap(err, "session is missing verification information")
	}

	result, verifyErr := s.verifyByProfile(ctx, session, info, response)
	if verifyErr != nil {
		result = &VerificationResult{
			SessionID:  session.ID,
			Profile:    session.Profile,
			Verified:   false,
			Message:    verifyErr.Error(),
			VerifiedAt: s.clock.Now(),
		}
	}
	result.RedirectURI = redirectURI(session, info, result.Verified)

	if err = s.storage.StoreResult(ctx, result); err != nil {
		return nil, err
	}
	if info.StatusCallback != nil {
		if callbackErr := s.callback.Post(ctx, info.StatusCallback, result); callbackErr != nil {
			logrus.WithError(callbackErr).Warnf("status callback failed for session: %s", session.ID)
		}
	}
	if verifyErr != nil {
		return result, verifyErr
	}
	return result, nil
}

func (s *Service) verifyByProfile(ctx context.Context, session *PresentationSession,
	info *SessionVerificationInformation, response TokenResponse) (*VerificationResult, error) {
	token, err := response.PresentationToken()
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	switch session.Profile {
	case ProfileGeneric:
		policies := policy.PresentationPolicies{
			VP:         info.VPPolicies,
			VC:         info.VCPolicies,
			SpecificVC: info.SpecificPolicies,
		}
		challenge := policy.Challenge{
			SessionID:              session.ID,
			Nonce:                  session.Nonce,
			ClientID:               session.ClientID,
			PresentationDefinition: session.PresentationDefinition,
		}
		policyResult, evalErr := s.engine.Evaluate(ctx, keyaccess.JWT(token), challenge, policies)
		if evalErr != nil {
			return nil, evalErr
		}
		return resultFromPolicy(session, policyResult, now), nil
	case ProfileHAIP:
		sdjwtResult, verifyErr := s.sdjwtVerifier.VerifyPresentation(ctx, token, session.ClientID, session.Nonce)
		if verifyErr != nil {
			return nil, verifyErr
		}
		return resultFromSDJWT(session, sdjwtResult, now), nil
	case ProfileISOMdoc:
		binding := mdoc.RequestBinding{
			ClientID:           session.ClientID,
			ResponseURI:        session.ResponseURI,
			Nonce:              session.Nonce,
			MdocGeneratedNonce: response.MdocGeneratedNonce,
			DocType:            session.FirstInputDescriptorID(),
		}
		mdocResult, verifyErr := s.mdocVerifier.VerifyDeviceResponse(token, binding)
		if verifyErr != nil {
			return nil, verifyErr
		}
		return resultFromMdoc(session, mdocResult, now), nil
	default:
		return nil, errors.Errorf("unknown verification profile: %s", session.Profile)
	}
}

// ParseEncryptedResponse decrypts a direct_post.jwt response with the
// session's ephemeral key and recovers the wallet nonce from the apu header.
func (s *Service) ParseEncryptedResponse(session *PresentationSession, encryptedResponse string) (*TokenResponse, error) {
	if len(session.EphemeralDecryptionKey) == 0 {
		return nil, errors.New("session has no decryption key")
	}
	privateJWK, err := jwk.ParseKey(session.EphemeralDecryptionKey)
	if err != nil {
		return nil, errors.Wrap(err, "parsing session decryption key")
	}
	message, err := jwe.Parse([]byte(encryptedResponse))
	if err != nil {
		return nil, errors.Wrap(err, "parsing encrypted response")
	}
	decrypted, err := jwe.Decrypt([]byte(encryptedResponse), jwe.WithKey(jwa.ECDH_ES, privateJWK))
	if err != nil {
		return nil, errors.Wrap(err, "decrypting response")
	}
	var response TokenResponse
	if err = json.Unmarshal(decrypted, &response); err != nil {
		return nil, errors.Wrap(err, "unmarshalling decrypted response")
	}
	response.MdocGeneratedNonce = string(message.ProtectedHeaders().AgreementPartyUInfo())
	return &response, nil
}

func redirectURI(session *PresentationSession, info *SessionVerificationInformation, verified bool) string {
	uri := info.ErrorRedirectURI
	if verified {
		uri = info.SuccessRedirectURI
	}
	if uri == "" {
		return ""
	}
	return strings.ReplaceAll(uri, "$id", session.ID)
}
