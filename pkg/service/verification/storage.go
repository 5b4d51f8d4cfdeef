package verification

import (
	"context"

	"github.com/benbjohnson/clock"
	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/verity-id/oid4vp-verifier/pkg/storage"
)

const (
	sessionNamespace    = "presentation_session"
	infoNamespace       = "session_verification_info"
	resultNamespace     = "session_result"
	stateIndexNamespace = "session_state_index"
)

var (
	// ErrSessionNotFound means no session was ever created under the id.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExpired means the session existed but its window has passed.
	ErrSessionExpired = errors.New("session expired")
)

// Storage persists sessions, their verification information, and results.
// Sessions past their expiry read back as expired, distinct from absent.
type Storage struct {
	db    storage.ServiceStorage
	clock clock.Clock
}

func NewVerificationStorage(db storage.ServiceStorage, c clock.Clock) (*Storage, error) {
	if db == nil {
		return nil, errors.New("storage is required")
	}
	if c == nil {
		c = clock.New()
	}
	return &Storage{db: db, clock: c}, nil
}

// StoreSession writes the session and, when the session has a state value,
// the state correlation index. Both are durable before the authorization
// request is handed out.
func (s *Storage) StoreSession(ctx context.Context, session *PresentationSession) error {
	sessionBytes, err := json.Marshal(session)
	if err != nil {
		return errors.Wrap(err, "marshalling session")
	}
	if err = s.db.Write(ctx, sessionNamespace, session.ID, sessionBytes); err != nil {
		return errors.Wrap(err, "writing session")
	}
	if session.State != "" {
		if err = s.db.Write(ctx, stateIndexNamespace, session.State, []byte(session.ID)); err != nil {
			return errors.Wrap(err, "writing state index")
		}
	}
	return nil
}

// GetSession reads a session by id. Expired sessions are deleted lazily and
// reported as ErrSessionExpired.
func (s *Storage) GetSession(ctx context.Context, id string) (*PresentationSession, error) {
	sessionBytes, err := s.db.Read(ctx, sessionNamespace, id)
	if err != nil {
		return nil, errors.Wrap(err, "reading session")
	}
	if len(sessionBytes) == 0 {
		return nil, ErrSessionNotFound
	}
	var session PresentationSession
	if err = json.Unmarshal(sessionBytes, &session); err != nil {
		return nil, errors.Wrap(err, "unmarshalling session")
	}
	if s.clock.Now().After(session.ExpiresAt) {
		if deleteErr := s.deleteSession(ctx, &session); deleteErr != nil {
			logrus.WithError(deleteErr).Warnf("deleting expired session: %s", id)
		}
		return nil, ErrSessionExpired
	}
	return &session, nil
}

// GetSessionByState resolves a session through the state correlation index,
// for responses that arrive without a session id in the path.
func (s *Storage) GetSessionByState(ctx context.Context, state string) (*PresentationSession, error) {
	idBytes, err := s.db.Read(ctx, stateIndexNamespace, state)
	if err != nil {
		return nil, errors.Wrap(err, "reading state index")
	}
	if len(idBytes) == 0 {
		return nil, ErrSessionNotFound
	}
	return s.GetSession(ctx, string(idBytes))
}

// RemoveSession deletes a session and everything stored under it, returning
// the removed session. Expired sessions can still be removed explicitly.
func (s *Storage) RemoveSession(ctx context.Context, id string) (*PresentationSession, error) {
	sessionBytes, err := s.db.Read(ctx, sessionNamespace, id)
	if err != nil {
		return nil, errors.Wrap(err, "reading session")
	}
	if len(sessionBytes) == 0 {
		return nil, ErrSessionNotFound
	}
	var session PresentationSession
	if err = json.Unmarshal(sessionBytes, &session); err != nil {
		return nil, errors.Wrap(err, "unmarshalling session")
	}
	if err = s.deleteSession(ctx, &session); err != nil {
		return nil, errors.Wrap(err, "deleting session")
	}
	if err = s.db.Delete(ctx, infoNamespace, id); err != nil {
		logrus.WithError(err).Warnf("deleting verification info for session: %s", id)
	}
	if err = s.db.Delete(ctx, resultNamespace, id); err != nil {
		logrus.WithError(err).Warnf("deleting result for session: %s", id)
	}
	return &session, nil
}

func (s *Storage) deleteSession(ctx context.Context, session *PresentationSession) error {
	if session.State != "" {
		if err := s.db.Delete(ctx, stateIndexNamespace, session.State); err != nil {
			return err
		}
	}
	return s.db.Delete(ctx, sessionNamespace, session.ID)
}

func (s *Storage) StoreVerificationInfo(ctx context.Context, info *SessionVerificationInformation) error {
	infoBytes, err := json.Marshal(info)
	if err != nil {
		return errors.Wrap(err, "marshalling verification info")
	}
	return s.db.Write(ctx, infoNamespace, info.SessionID, infoBytes)
}

// GetVerificationInfo reads the verification information stored at session
// creation. Absence is an error: a response arrived for a session this
// verifier never fully set up.
func (s *Storage) GetVerificationInfo(ctx context.Context, sessionID string) (*SessionVerificationInformation, error) {
	infoBytes, err := s.db.Read(ctx, infoNamespace, sessionID)
	if err != nil {
		return nil, errors.Wrap(err, "reading verification info")
	}
	if len(infoBytes) == 0 {
		return nil, errors.Errorf("no verification information for session: %s", sessionID)
	}
	var info SessionVerificationInformation
	if err = json.Unmarshal(infoBytes, &info); err != nil {
		return nil, errors.Wrap(err, "unmarshalling verification info")
	}
	return &info, nil
}

func (s *Storage) StoreResult(ctx context.Context, result *VerificationResult) error {
	resultBytes, err := json.Marshal(result)
	if err != nil {
		return errors.Wrap(err, "marshalling result")
	}
	return s.db.Write(ctx, resultNamespace, result.SessionID, resultBytes)
}

func (s *Storage) GetResult(ctx context.Context, sessionID string) (*VerificationResult, error) {
	resultBytes, err := s.db.Read(ctx, resultNamespace, sessionID)
	if err != nil {
		return nil, errors.Wrap(err, "reading result")
	}
	if len(resultBytes) == 0 {
		return nil, nil
	}
	var result VerificationResult
	if err = json.Unmarshal(resultBytes, &result); err != nil {
		return nil, errors.Wrap(err, "unmarshalling result")
	}
	return &result, nil
}
