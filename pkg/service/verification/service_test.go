package verification

import (
	"context"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/TBD54566975/ssi-sdk/credential/exchange"
	"github.com/TBD54566975/ssi-sdk/crypto"
	"github.com/TBD54566975/ssi-sdk/crypto/jwx"
	"github.com/TBD54566975/ssi-sdk/did/key"
	"github.com/goccy/go-json"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwe"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verity-id/oid4vp-verifier/config"
	didint "github.com/verity-id/oid4vp-verifier/internal/did"
	"github.com/verity-id/oid4vp-verifier/pkg/storage"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	db, err := storage.NewServiceStorage(storage.MemoryProvider, storage.Option{})
	require.NoError(t, err)
	resolver, err := didint.BuildMultiMethodResolver([]string{"key"})
	require.NoError(t, err)
	service, err := NewVerificationService(config.VerificationServiceConfig{
		ServiceEndpoint: "http://localhost:8080",
		ClientIDScheme:  "redirect_uri",
		SessionTTL:      time.Minute,
	}, db, resolver)
	require.NoError(t, err)
	return service
}

func testDefinition() *exchange.PresentationDefinition {
	return &exchange.PresentationDefinition{
		ID: "test-definition",
		InputDescriptors: []exchange.InputDescriptor{
			{
				ID: "test-descriptor",
				Constraints: &exchange.Constraints{
					Fields: []exchange.Field{{Path: []string{"$.vc.type"}}},
				},
			},
		},
	}
}

func requestParams(t *testing.T, requestURL string) url.Values {
	t.Helper()
	parsed, err := url.Parse(requestURL)
	require.NoError(t, err)
	return parsed.Query()
}

func TestCreateSession(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	session, err := service.CreateSession(ctx, CreateSessionRequest{
		PresentationDefinition: testDefinition(),
	})
	require.NoError(t, err)
	assert.Equal(t, ProfileGeneric, session.Profile)
	assert.NotEmpty(t, session.Nonce)
	assert.NotEmpty(t, session.State)
	assert.True(t, strings.HasPrefix(session.AuthorizationRequestURL, "openid4vp://authorize?"))

	params := requestParams(t, session.AuthorizationRequestURL)
	assert.Equal(t, "vp_token", params.Get("response_type"))
	assert.Equal(t, session.Nonce, params.Get("nonce"))
	assert.Equal(t, session.State, params.Get("state"))
	assert.Equal(t, session.ResponseURI, params.Get("response_uri"))
	assert.Equal(t, session.ResponseURI, params.Get("client_id"))
	assert.NotEmpty(t, params.Get("presentation_definition"))

	// the session is durable before the request url is handed out
	stored, err := service.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, session.Nonce, stored.Nonce)

	definition, err := service.GetPresentationDefinition(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, "test-definition", definition.ID)
}

func TestCreateSessionDefinitionByReference(t *testing.T) {
	service := newTestService(t)

	session, err := service.CreateSession(context.Background(), CreateSessionRequest{
		PresentationDefinition:            testDefinition(),
		PresentationDefinitionByReference: true,
	})
	require.NoError(t, err)

	params := requestParams(t, session.AuthorizationRequestURL)
	assert.Empty(t, params.Get("presentation_definition"))
	assert.Equal(t, "http://localhost:8080/v1/openid4vc/pd/"+session.ID, params.Get("presentation_definition_uri"))
}

func TestCreateSessionEncryptedResponse(t *testing.T) {
	service := newTestService(t)

	session, err := service.CreateSession(context.Background(), CreateSessionRequest{
		Profile:                string(ProfileISOMdoc),
		PresentationDefinition: testDefinition(),
	})
	require.NoError(t, err)

	// mdoc sessions default to encrypted responses
	assert.Equal(t, ResponseModeDirectPostJWT, session.ResponseMode)
	assert.NotEmpty(t, session.EphemeralDecryptionKey)

	params := requestParams(t, session.AuthorizationRequestURL)
	var metadata map[string]any
	require.NoError(t, json.Unmarshal([]byte(params.Get("client_metadata")), &metadata))
	assert.Equal(t, "ECDH-ES", metadata["authorization_encrypted_response_alg"])
	assert.Equal(t, "A256GCM", metadata["authorization_encrypted_response_enc"])
	jwks, ok := metadata["jwks"].(map[string]any)
	require.True(t, ok)
	keys, ok := jwks["keys"].([]any)
	require.True(t, ok)
	require.Len(t, keys, 1)
	publicKey, ok := keys[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "enc", publicKey["use"])
	assert.Nil(t, publicKey["d"])
}

func TestCreateSessionRejectsEmptyDefinition(t *testing.T) {
	service := newTestService(t)
	_, err := service.CreateSession(context.Background(), CreateSessionRequest{})
	assert.Error(t, err)
}

func TestCreateSessionRejectsUnknownProfile(t *testing.T) {
	service := newTestService(t)
	_, err := service.CreateSession(context.Background(), CreateSessionRequest{
		Profile:                "w3c-but-wrong",
		PresentationDefinition: testDefinition(),
	})
	assert.Error(t, err)
}

type testHolder struct {
	did    string
	signer *jwx.Signer
}

func newTestHolder(t *testing.T) *testHolder {
	t.Helper()
	privateKey, didKey, err := key.GenerateDIDKey(crypto.Ed25519)
	require.NoError(t, err)
	doc, err := didKey.Expand()
	require.NoError(t, err)
	signer, err := jwx.NewJWXSigner(didKey.String(), doc.VerificationMethod[0].ID, privateKey)
	require.NoError(t, err)
	return &testHolder{did: didKey.String(), signer: signer}
}

func (h *testHolder) presentationFor(t *testing.T, session *PresentationSession) string {
	t.Helper()
	tokenBytes, err := h.signer.SignWithDefaults(map[string]any{
		"iss":   h.did,
		"aud":   session.ClientID,
		"nonce": session.Nonce,
		"vp": map[string]any{
			"type":                 []string{"VerifiablePresentation"},
			"verifiableCredential": []any{},
		},
	})
	require.NoError(t, err)
	return string(tokenBytes)
}

func TestVerifyTokenResponseGeneric(t *testing.T) {
	service := newTestService(t)
	holder := newTestHolder(t)
	ctx := context.Background()

	session, err := service.CreateSession(ctx, CreateSessionRequest{
		PresentationDefinition: testDefinition(),
		VPPolicies: []json.RawMessage{
			json.RawMessage(`"signature"`),
			json.RawMessage(`"holder-binding"`),
		},
		SuccessRedirectURI: "https://app.example.com/success?id=$id",
		ErrorRedirectURI:   "https://app.example.com/error?id=$id",
	})
	require.NoError(t, err)

	result, err := service.VerifyTokenResponse(ctx, session.ID, TokenResponse{
		VPToken: holder.presentationFor(t, session),
	})
	require.NoError(t, err)
	assert.True(t, result.Verified)
	assert.Len(t, result.PolicyOutcomes, 2)
	assert.Equal(t, "https://app.example.com/success?id="+session.ID, result.RedirectURI)

	stored, err := service.GetResult(ctx, session.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.True(t, stored.Verified)
}

func TestVerifyTokenResponseFailedPolicy(t *testing.T) {
	service := newTestService(t)
	holder := newTestHolder(t)
	ctx := context.Background()

	session, err := service.CreateSession(ctx, CreateSessionRequest{
		PresentationDefinition: testDefinition(),
		VPPolicies:             []json.RawMessage{json.RawMessage(`"holder-binding"`)},
		ErrorRedirectURI:       "https://app.example.com/error?id=$id",
	})
	require.NoError(t, err)

	// present against a different session's challenge
	otherSession, err := service.CreateSession(ctx, CreateSessionRequest{
		PresentationDefinition: testDefinition(),
	})
	require.NoError(t, err)

	result, err := service.VerifyTokenResponse(ctx, session.ID, TokenResponse{
		VPToken: holder.presentationFor(t, otherSession),
	})
	require.NoError(t, err)
	assert.False(t, result.Verified)
	assert.Equal(t, "https://app.example.com/error?id="+session.ID, result.RedirectURI)
}

func TestVerifyTokenResponseByState(t *testing.T) {
	service := newTestService(t)
	holder := newTestHolder(t)
	ctx := context.Background()

	session, err := service.CreateSession(ctx, CreateSessionRequest{
		PresentationDefinition: testDefinition(),
		State:                  "wallet-initiated-state",
	})
	require.NoError(t, err)

	result, err := service.VerifyTokenResponse(ctx, "", TokenResponse{
		VPToken: holder.presentationFor(t, session),
		State:   "wallet-initiated-state",
	})
	require.NoError(t, err)
	assert.True(t, result.Verified)
	assert.Equal(t, session.ID, result.SessionID)
}

func TestVerifyTokenResponseStructuredTokenFailsClosed(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	session, err := service.CreateSession(ctx, CreateSessionRequest{
		PresentationDefinition: testDefinition(),
	})
	require.NoError(t, err)

	_, err = service.VerifyTokenResponse(ctx, session.ID, TokenResponse{
		VPToken: `{"presentations": []}`,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "structured")

	// the failure is still recorded against the session
	stored, getErr := service.GetResult(ctx, session.ID)
	require.NoError(t, getErr)
	require.NotNil(t, stored)
	assert.False(t, stored.Verified)
}

func TestVerifyTokenResponseUnknownSession(t *testing.T) {
	service := newTestService(t)

	_, err := service.VerifyTokenResponse(context.Background(), "no-such-session", TokenResponse{VPToken: "x.y.z"})
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestParseEncryptedResponse(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	session, err := service.CreateSession(ctx, CreateSessionRequest{
		Profile:                string(ProfileISOMdoc),
		PresentationDefinition: testDefinition(),
	})
	require.NoError(t, err)

	privateJWK, err := jwk.ParseKey(session.EphemeralDecryptionKey)
	require.NoError(t, err)
	publicJWK, err := privateJWK.PublicKey()
	require.NoError(t, err)

	payload, err := json.Marshal(TokenResponse{VPToken: "device-response-b64", State: session.State})
	require.NoError(t, err)

	headers := jwe.NewHeaders()
	require.NoError(t, headers.Set(jwe.AgreementPartyUInfoKey, []byte("wallet-nonce-1")))
	encrypted, err := jwe.Encrypt(payload,
		jwe.WithKey(jwa.ECDH_ES, publicJWK, jwe.WithPerRecipientHeaders(headers)),
		jwe.WithContentEncryption(jwa.A256GCM))
	require.NoError(t, err)

	response, err := service.ParseEncryptedResponse(session, string(encrypted))
	require.NoError(t, err)
	assert.Equal(t, "device-response-b64", response.VPToken)
	assert.Equal(t, "wallet-nonce-1", response.MdocGeneratedNonce)
}
