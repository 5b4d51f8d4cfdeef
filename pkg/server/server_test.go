package server

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/TBD54566975/ssi-sdk/crypto"
	"github.com/TBD54566975/ssi-sdk/crypto/jwx"
	"github.com/TBD54566975/ssi-sdk/did/key"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verity-id/oid4vp-verifier/config"
	"github.com/verity-id/oid4vp-verifier/pkg/server/router"
)

func newTestServer(t *testing.T) *VerifierServer {
	t.Helper()
	shutdown := make(chan os.Signal, 1)
	server, err := NewVerifierServer(shutdown, config.VerifierConfig{
		Server: config.ServerConfig{
			APIHost:      "localhost:0",
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
		},
		Services: config.ServicesConfig{
			StorageProvider: "memory",
			ServiceEndpoint: "http://localhost:8080",
			VerificationConfig: config.VerificationServiceConfig{
				ServiceEndpoint:   "http://localhost:8080",
				ClientIDScheme:    "redirect_uri",
				ResolutionMethods: []string{"key"},
				SessionTTL:        time.Minute,
			},
		},
	})
	require.NoError(t, err)
	return server
}

func doRequest(t *testing.T, server *VerifierServer, method, path, contentType, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	request := httptest.NewRequest(method, path, reader)
	if contentType != "" {
		request.Header.Set("Content-Type", contentType)
	}
	recorder := httptest.NewRecorder()
	server.Handler.ServeHTTP(recorder, request)
	return recorder
}

func TestHealthAndReadiness(t *testing.T) {
	server := newTestServer(t)

	health := doRequest(t, server, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, health.Code)
	var healthResponse router.GetHealthCheckResponse
	require.NoError(t, json.Unmarshal(health.Body.Bytes(), &healthResponse))
	assert.Equal(t, router.HealthOK, healthResponse.Status)

	readiness := doRequest(t, server, http.MethodGet, "/readiness", "", "")
	assert.Equal(t, http.StatusOK, readiness.Code)
}

const createSessionBody = `{
	"presentationDefinition": {
		"id": "definition-1",
		"input_descriptors": [{
			"id": "descriptor-1",
			"constraints": {"fields": [{"path": ["$.vc.type"]}]}
		}]
	}
}`

func createSession(t *testing.T, server *VerifierServer) router.CreateSessionResponse {
	t.Helper()
	recorder := doRequest(t, server, http.MethodPut, "/v1/openid4vc/sessions", "application/json", createSessionBody)
	require.Equal(t, http.StatusCreated, recorder.Code, recorder.Body.String())
	var response router.CreateSessionResponse
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
	return response
}

func TestCreateAndGetSession(t *testing.T) {
	server := newTestServer(t)

	created := createSession(t, server)
	assert.NotEmpty(t, created.ID)
	assert.True(t, strings.HasPrefix(created.AuthorizationRequestURL, "openid4vp://authorize?"))

	recorder := doRequest(t, server, http.MethodGet, "/v1/openid4vc/sessions/"+created.ID, "", "")
	require.Equal(t, http.StatusOK, recorder.Code)
	var session router.GetSessionResponse
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &session))
	assert.Equal(t, "pending", session.Status)

	pd := doRequest(t, server, http.MethodGet, "/v1/openid4vc/pd/"+created.ID, "", "")
	require.Equal(t, http.StatusOK, pd.Code)
	assert.Contains(t, pd.Body.String(), "definition-1")
}

func TestDeleteSession(t *testing.T) {
	server := newTestServer(t)

	created := createSession(t, server)
	recorder := doRequest(t, server, http.MethodDelete, "/v1/openid4vc/sessions/"+created.ID, "", "")
	require.Equal(t, http.StatusNoContent, recorder.Code)

	recorder = doRequest(t, server, http.MethodGet, "/v1/openid4vc/sessions/"+created.ID, "", "")
	assert.Equal(t, http.StatusNotFound, recorder.Code)

	recorder = doRequest(t, server, http.MethodDelete, "/v1/openid4vc/sessions/"+created.ID, "", "")
	assert.Equal(t, http.StatusNotFound, recorder.Code)
}

func TestGetUnknownSession(t *testing.T) {
	server := newTestServer(t)
	recorder := doRequest(t, server, http.MethodGet, "/v1/openid4vc/sessions/does-not-exist", "", "")
	assert.Equal(t, http.StatusNotFound, recorder.Code)
}

func TestCreateSessionMissingDefinition(t *testing.T) {
	server := newTestServer(t)
	recorder := doRequest(t, server, http.MethodPut, "/v1/openid4vc/sessions", "application/json", `{}`)
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestVerifyTokenResponseOverHTTP(t *testing.T) {
	server := newTestServer(t)
	created := createSession(t, server)

	// recover the session challenge from the authorization request url
	requestURL, err := url.Parse(created.AuthorizationRequestURL)
	require.NoError(t, err)
	params := requestURL.Query()
	nonce := params.Get("nonce")
	clientID := params.Get("client_id")
	require.NotEmpty(t, nonce)

	privateKey, didKey, err := key.GenerateDIDKey(crypto.Ed25519)
	require.NoError(t, err)
	doc, err := didKey.Expand()
	require.NoError(t, err)
	signer, err := jwx.NewJWXSigner(didKey.String(), doc.VerificationMethod[0].ID, privateKey)
	require.NoError(t, err)
	vpToken, err := signer.SignWithDefaults(map[string]any{
		"iss":   didKey.String(),
		"aud":   clientID,
		"nonce": nonce,
		"vp":    map[string]any{"verifiableCredential": []any{}},
	})
	require.NoError(t, err)

	form := url.Values{}
	form.Set("vp_token", string(vpToken))
	form.Set("state", created.State)
	recorder := doRequest(t, server, http.MethodPost, "/v1/openid4vc/verify/"+created.ID,
		"application/x-www-form-urlencoded", form.Encode())
	require.Equal(t, http.StatusOK, recorder.Code, recorder.Body.String())

	var verifyResponse router.VerifyResponse
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &verifyResponse))
	assert.True(t, verifyResponse.Verified)

	result := doRequest(t, server, http.MethodGet, "/v1/openid4vc/sessions/"+created.ID+"/result", "", "")
	require.Equal(t, http.StatusOK, result.Code)
	assert.Contains(t, result.Body.String(), `"verified": true`)

	session := doRequest(t, server, http.MethodGet, "/v1/openid4vc/sessions/"+created.ID, "", "")
	require.Equal(t, http.StatusOK, session.Code)
	var sessionResponse router.GetSessionResponse
	require.NoError(t, json.Unmarshal(session.Body.Bytes(), &sessionResponse))
	assert.Equal(t, "verified", sessionResponse.Status)
}

func TestVerifyTokenResponseUnknownSessionOverHTTP(t *testing.T) {
	server := newTestServer(t)

	form := url.Values{}
	form.Set("vp_token", "a.b.c")
	recorder := doRequest(t, server, http.MethodPost, "/v1/openid4vc/verify/ghost",
		"application/x-www-form-urlencoded", form.Encode())
	assert.Equal(t, http.StatusNotFound, recorder.Code)
}
