package router

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/pkg/errors"

	"github.com/verity-id/oid4vp-verifier/pkg/server/framework"
	svcframework "github.com/verity-id/oid4vp-verifier/pkg/service/framework"
	"github.com/verity-id/oid4vp-verifier/pkg/service/verification"
)

type VerificationRouter struct {
	service *verification.Service
}

func NewVerificationRouter(s svcframework.Service) (*VerificationRouter, error) {
	if s == nil {
		return nil, errors.New("service cannot be nil")
	}
	service, ok := s.(*verification.Service)
	if !ok {
		return nil, fmt.Errorf("could not create verification router with service type: %s", s.Type())
	}
	return &VerificationRouter{service: service}, nil
}

type CreateSessionResponse struct {
	ID                      string    `json:"id"`
	Profile                 string    `json:"profile"`
	State                   string    `json:"state"`
	AuthorizationRequestURL string    `json:"authorizationRequestUrl"`
	ExpiresAt               time.Time `json:"expiresAt"`
}

// CreateSession opens a presentation session and returns the authorization
// request URL for the wallet.
func (vr VerificationRouter) CreateSession(c *gin.Context) {
	var request verification.CreateSessionRequest
	errMsg := "Invalid Create Session Request"
	if err := framework.Decode(c.Request, &request); err != nil {
		framework.LoggingRespondErrWithMsg(c, err, errMsg, http.StatusBadRequest)
		return
	}

	session, err := vr.service.CreateSession(c, request)
	if err != nil {
		framework.LoggingRespondErrWithMsg(c, err, errMsg, http.StatusBadRequest)
		return
	}
	framework.Respond(c, CreateSessionResponse{
		ID:                      session.ID,
		Profile:                 string(session.Profile),
		State:                   session.State,
		AuthorizationRequestURL: session.AuthorizationRequestURL,
		ExpiresAt:               session.ExpiresAt,
	}, http.StatusCreated)
}

type GetSessionResponse struct {
	ID                      string `json:"id"`
	Profile                 string `json:"profile"`
	Status                  string `json:"status"`
	AuthorizationRequestURL string `json:"authorizationRequestUrl"`
}

const (
	sessionStatusPending  = "pending"
	sessionStatusVerified = "verified"
	sessionStatusFailed   = "failed"
)

// GetSession reports a session's current status. Expired sessions are
// reported as gone, distinct from sessions that never existed.
func (vr VerificationRouter) GetSession(c *gin.Context) {
	sessionID := c.Param("id")
	session, err := vr.service.GetSession(c, sessionID)
	if err != nil {
		respondSessionError(c, sessionID, err)
		return
	}

	status := sessionStatusPending
	if result, resultErr := vr.service.GetResult(c, sessionID); resultErr == nil && result != nil {
		status = sessionStatusFailed
		if result.Verified {
			status = sessionStatusVerified
		}
	}
	framework.Respond(c, GetSessionResponse{
		ID:                      session.ID,
		Profile:                 string(session.Profile),
		Status:                  status,
		AuthorizationRequestURL: session.AuthorizationRequestURL,
	}, http.StatusOK)
}

// DeleteSession removes a session along with its verification information
// and any stored result.
func (vr VerificationRouter) DeleteSession(c *gin.Context) {
	sessionID := c.Param("id")
	if _, err := vr.service.RemoveSession(c, sessionID); err != nil {
		respondSessionError(c, sessionID, err)
		return
	}
	framework.Respond(c, nil, http.StatusNoContent)
}

// GetResult returns the stored verification outcome for a session.
func (vr VerificationRouter) GetResult(c *gin.Context) {
	sessionID := c.Param("id")
	result, err := vr.service.GetResult(c, sessionID)
	if err != nil {
		framework.LoggingRespondErrWithMsg(c, err, "could not get result", http.StatusInternalServerError)
		return
	}
	if result == nil {
		framework.LoggingRespondErrMsg(c, "result not found", http.StatusNotFound)
		return
	}
	framework.Respond(c, result, http.StatusOK)
}

// GetPresentationDefinition serves definitions referenced by
// presentation_definition_uri in authorization requests.
func (vr VerificationRouter) GetPresentationDefinition(c *gin.Context) {
	sessionID := c.Param("id")
	definition, err := vr.service.GetPresentationDefinition(c, sessionID)
	if err != nil {
		respondSessionError(c, sessionID, err)
		return
	}
	framework.Respond(c, definition, http.StatusOK)
}

type VerifyResponse struct {
	Verified    bool   `json:"verified"`
	RedirectURI string `json:"redirect_uri,omitempty"`
}

// VerifyTokenResponse accepts the wallet's form-encoded token response posted
// to the session's response URI. Encrypted direct_post.jwt responses arrive
// in the response parameter; plain direct_post responses carry vp_token and
// friends directly.
func (vr VerificationRouter) VerifyTokenResponse(c *gin.Context) {
	sessionID := c.Param("id")
	if err := c.Request.ParseForm(); err != nil {
		framework.LoggingRespondErrWithMsg(c, err, "could not parse token response", http.StatusBadRequest)
		return
	}

	var tokenResponse verification.TokenResponse
	if encrypted := c.Request.PostFormValue("response"); encrypted != "" {
		session, err := vr.service.GetSession(c, sessionID)
		if err != nil {
			respondSessionError(c, sessionID, err)
			return
		}
		parsed, err := vr.service.ParseEncryptedResponse(session, encrypted)
		if err != nil {
			framework.LoggingRespondErrWithMsg(c, err, "could not decrypt token response", http.StatusBadRequest)
			return
		}
		tokenResponse = *parsed
	} else {
		tokenResponse = verification.TokenResponse{
			VPToken: c.Request.PostFormValue("vp_token"),
			IDToken: c.Request.PostFormValue("id_token"),
			State:   c.Request.PostFormValue("state"),
		}
		if submission := c.Request.PostFormValue("presentation_submission"); submission != "" {
			tokenResponse.PresentationSubmission = json.RawMessage(submission)
		}
	}

	result, err := vr.service.VerifyTokenResponse(c, sessionID, tokenResponse)
	if err != nil {
		if errors.Is(err, verification.ErrSessionNotFound) || errors.Is(err, verification.ErrSessionExpired) {
			respondSessionError(c, sessionID, err)
			return
		}
		framework.LoggingRespondErrWithMsg(c, err, "could not process token response", http.StatusBadRequest)
		return
	}
	framework.Respond(c, VerifyResponse{Verified: result.Verified, RedirectURI: result.RedirectURI}, http.StatusOK)
}

func respondSessionError(c *gin.Context, sessionID string, err error) {
	switch {
	case errors.Is(err, verification.ErrSessionNotFound):
		framework.LoggingRespondErrMsg(c, fmt.Sprintf("session not found: %s", sessionID), http.StatusNotFound)
	case errors.Is(err, verification.ErrSessionExpired):
		framework.LoggingRespondErrMsg(c, fmt.Sprintf("session expired: %s", sessionID), http.StatusGone)
	default:
		framework.LoggingRespondErrWithMsg(c, err, "could not get session", http.StatusInternalServerError)
	}
}
