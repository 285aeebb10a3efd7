package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"time"

	"parley/internal/content"
	"parley/internal/models"

	"github.com/c-pro/geche"
	"golang.org/x/crypto/blake2b"
)

const DefaultTokenExpiry = 12 * time.Hour

// SessionStore persists sessions so they survive restarts.
type SessionStore interface {
	UpsertSession(tokenHash string, session models.Session) error
	DeleteSession(tokenHash string) error
	ListSessions() (map[string]models.Session, error)
}

type Config struct {
	TokenExpiry time.Duration `json:"tokenExpiry"`
}

// SessionService resolves connection tokens to user identities.
// Only token hashes are kept, in memory and on disk.
type SessionService struct {
	Config
	store    SessionStore
	sessions geche.Geche[string, models.Session]
	now      func() time.Time
}

func (c *Config) Validate() error {
	if c.TokenExpiry < 0 {
		return fmt.Errorf("token expiry must not be negative")
	}
	if c.TokenExpiry == 0 {
		c.TokenExpiry = DefaultTokenExpiry
	}
	return nil
}

func NewSessionService(ctx context.Context, config Config, store SessionStore) (*SessionService, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &SessionService{
		Config:   config,
		store:    store,
		sessions: geche.NewMapTTLCache[string, models.Session](ctx, config.TokenExpiry, time.Minute),
		now:      time.Now,
	}, nil
}

// Load restores unexpired sessions from the store and prunes the rest.
func (s *SessionService) Load() error {
	stored, err := s.store.ListSessions()
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}
	now := s.now().Unix()
	for hash, session := range stored {
		if session.ExpiresAt <= now {
			if err := s.store.DeleteSession(hash); err != nil {
				slog.Warn("failed to prune expired session", "user_id", session.UserID, "error", err)
			}
			continue
		}
		s.sessions.Set(hash, session)
	}
	return nil
}

// IssueSession creates a token for the user. The token itself is returned
// once and never stored.
func (s *SessionService) IssueSession(userID, username string) (string, models.Session, error) {
	if err := content.ValidateIdentifier(userID); err != nil {
		return "", models.Session{}, fmt.Errorf("invalid user id: %v: %w", err, models.ErrValidation)
	}
	if len(username) > 128 {
		return "", models.Session{}, fmt.Errorf("username is longer than 128 characters: %w", models.ErrValidation)
	}
	if username == "" {
		username = userID
	}

	token, err := generateToken()
	if err != nil {
		return "", models.Session{}, err
	}

	session := models.Session{
		UserID:    userID,
		Username:  content.Sanitize(username),
		ExpiresAt: s.now().Add(s.TokenExpiry).Unix(),
	}
	hash := HashToken(token)
	if err := s.store.UpsertSession(hash, session); err != nil {
		return "", models.Session{}, fmt.Errorf("failed to store session: %w", err)
	}
	s.sessions.Set(hash, session)
	return token, session, nil
}

// Resolve returns the identity bound to token.
func (s *SessionService) Resolve(token string) (models.Session, error) {
	if token == "" {
		return models.Session{}, models.ErrNotAuthenticated
	}
	session, err := s.sessions.Get(HashToken(token))
	if err != nil || session.ExpiresAt <= s.now().Unix() {
		return models.Session{}, models.ErrNotAuthenticated
	}
	return session, nil
}

func (s *SessionService) Revoke(token string) error {
	hash := HashToken(token)
	_ = s.sessions.Del(hash)
	if err := s.store.DeleteSession(hash); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// HashToken returns the storage key of a token.
func HashToken(token string) string {
	sum := blake2b.Sum256([]byte(token))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
