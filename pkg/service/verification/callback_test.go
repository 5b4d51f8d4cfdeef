package verification

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/h2non/gock.v1"
)

func TestCallbackPost(t *testing.T) {
	defer gock.Off()

	gock.New("https://status.example.com").
		Post("/callback").
		MatchHeader("Authorization", "Bearer secret").
		MatchHeader("Content-Type", "application/json").
		Reply(200)

	client := NewCallbackClient(nil)
	err := client.Post(context.Background(), &StatusCallback{
		URI:    "https://status.example.com/callback",
		APIKey: "secret",
	}, &VerificationResult{SessionID: "session-1", Verified: true})
	require.NoError(t, err)
	assert.True(t, gock.IsDone())
}

func TestCallbackRetriesServerErrors(t *testing.T) {
	defer gock.Off()

	gock.New("https://status.example.com").
		Post("/callback").
		Times(1).
		Reply(500)
	gock.New("https://status.example.com").
		Post("/callback").
		Reply(200)

	client := NewCallbackClient(nil)
	err := client.Post(context.Background(), &StatusCallback{
		URI: "https://status.example.com/callback",
	}, &VerificationResult{SessionID: "session-1"})
	require.NoError(t, err)
	assert.True(t, gock.IsDone())
}

func TestCallbackNilIsNoop(t *testing.T) {
	client := NewCallbackClient(nil)
	assert.NoError(t, client.Post(context.Background(), nil, &VerificationResult{}))
	assert.NoError(t, client.Post(context.Background(), &StatusCallback{}, &VerificationResult{}))
}
