package verification

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verity-id/oid4vp-verifier/pkg/storage"
)

func newTestStorage(t *testing.T) (*Storage, *clock.Mock) {
	t.Helper()
	db, err := storage.NewServiceStorage(storage.MemoryProvider, storage.Option{})
	require.NoError(t, err)
	mockClock := clock.NewMock()
	verificationStorage, err := NewVerificationStorage(db, mockClock)
	require.NoError(t, err)
	return verificationStorage, mockClock
}

func testSession(c clock.Clock, ttl time.Duration) *PresentationSession {
	now := c.Now()
	return &PresentationSession{
		ID:        "session-1",
		Profile:   ProfileGeneric,
		Nonce:     "nonce-1",
		State:     "state-1",
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
}

func TestSessionRoundTrip(t *testing.T) {
	verificationStorage, mockClock := newTestStorage(t)
	ctx := context.Background()

	session := testSession(mockClock, time.Minute)
	require.NoError(t, verificationStorage.StoreSession(ctx, session))

	got, err := verificationStorage.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, session.ID, got.ID)
	assert.Equal(t, session.Nonce, got.Nonce)

	byState, err := verificationStorage.GetSessionByState(ctx, session.State)
	require.NoError(t, err)
	assert.Equal(t, session.ID, byState.ID)
}

func TestGetSessionNotFound(t *testing.T) {
	verificationStorage, _ := newTestStorage(t)

	_, err := verificationStorage.GetSession(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = verificationStorage.GetSessionByState(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestGetSessionExpiredIsDistinctFromNotFound(t *testing.T) {
	verificationStorage, mockClock := newTestStorage(t)
	ctx := context.Background()

	session := testSession(mockClock, time.Minute)
	require.NoError(t, verificationStorage.StoreSession(ctx, session))

	mockClock.Add(2 * time.Minute)

	_, err := verificationStorage.GetSession(ctx, session.ID)
	assert.ErrorIs(t, err, ErrSessionExpired)

	// expired sessions are dropped lazily; subsequent reads see absence
	_, err = verificationStorage.GetSession(ctx, session.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRemoveSession(t *testing.T) {
	verificationStorage, mockClock := newTestStorage(t)
	ctx := context.Background()

	session := testSession(mockClock, time.Minute)
	require.NoError(t, verificationStorage.StoreSession(ctx, session))
	require.NoError(t, verificationStorage.StoreVerificationInfo(ctx,
		&SessionVerificationInformation{SessionID: session.ID}))

	removed, err := verificationStorage.RemoveSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, session.ID, removed.ID)

	_, err = verificationStorage.GetSession(ctx, session.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = verificationStorage.GetSessionByState(ctx, session.State)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = verificationStorage.GetVerificationInfo(ctx, session.ID)
	assert.Error(t, err)

	_, err = verificationStorage.RemoveSession(ctx, session.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestVerificationInfoRoundTrip(t *testing.T) {
	verificationStorage, _ := newTestStorage(t)
	ctx := context.Background()

	info := &SessionVerificationInformation{
		SessionID:          "session-1",
		SuccessRedirectURI: "https://app.example.com/ok?id=$id",
		StatusCallback:     &StatusCallback{URI: "https://status.example.com/cb", APIKey: "secret"},
	}
	require.NoError(t, verificationStorage.StoreVerificationInfo(ctx, info))

	got, err := verificationStorage.GetVerificationInfo(ctx, "session-1")
	require.NoError(t, err)
	assert.Equal(t, info.SuccessRedirectURI, got.SuccessRedirectURI)
	require.NotNil(t, got.StatusCallback)
	assert.Equal(t, "secret", got.StatusCallback.APIKey)

	_, err = verificationStorage.GetVerificationInfo(ctx, "absent")
	assert.Error(t, err)
}

func TestResultRoundTrip(t *testing.T) {
	verificationStorage, mockClock := newTestStorage(t)
	ctx := context.Background()

	got, err := verificationStorage.GetResult(ctx, "session-1")
	require.NoError(t, err)
	assert.Nil(t, got)

	result := &VerificationResult{
		SessionID:  "session-1",
		Profile:    ProfileHAIP,
		Verified:   true,
		VerifiedAt: mockClock.Now(),
	}
	require.NoError(t, verificationStorage.StoreResult(ctx, result))

	got, err = verificationStorage.GetResult(ctx, "session-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Verified)
	assert.Equal(t, ProfileHAIP, got.Profile)
}
