// Package session tracks the resource owner's login state independent of any client.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"oidc-server/internal/models"
	"oidc-server/internal/storage"
	"oidc-server/internal/store"
)

// ErrNoSession is returned when a token does not resolve to a live session
var ErrNoSession = errors.New("no active session")

// CookieName is the browser cookie carrying the session token
const CookieName = "oidc_session"

// BindingCookieName is the browser cookie tying suspended interactions to the
// browser that started them
const BindingCookieName = "oidc_interaction"

// Config holds session lifetimes
type Config struct {
	Secret []byte
	// IdleTimeout ends a session that has not been used for this long
	IdleTimeout time.Duration
	// AbsoluteTimeout ends a session this long after login, regardless of activity
	AbsoluteTimeout time.Duration
}

// Manager starts, resolves and ends sessions. The token handed to the browser
// is the sealed session id; the subject never appears in it.
type Manager struct {
	kv       storage.KV
	sealer   *Sealer
	idle     time.Duration
	absolute time.Duration
	logger   *logrus.Logger
	now      func() time.Time
}

// NewManager creates a session manager storing sessions in kv
func NewManager(kv storage.KV, cfg Config, logger *logrus.Logger) (*Manager, error) {
	sealer, err := NewSealer(cfg.Secret)
	if err != nil {
		return nil, err
	}
	if cfg.AbsoluteTimeout <= 0 {
		return nil, errors.New("absolute session timeout must be positive")
	}
	if cfg.IdleTimeout <= 0 || cfg.IdleTimeout > cfg.AbsoluteTimeout {
		cfg.IdleTimeout = cfg.AbsoluteTimeout
	}
	return &Manager{
		kv:       kv,
		sealer:   sealer,
		idle:     cfg.IdleTimeout,
		absolute: cfg.AbsoluteTimeout,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// IdleTimeout returns the idle lifetime, used as the cookie max age
func (m *Manager) IdleTimeout() time.Duration {
	return m.idle
}

// StartSession creates a session for subjectID and returns it with its token
func (m *Manager) StartSession(ctx context.Context, subjectID, idp string, claims map[string][]string) (*models.Session, string, error) {
	if subjectID == "" {
		return nil, "", errors.New("subject is required")
	}
	now := m.now()
	sess := &models.Session{
		ID:        uuid.NewString(),
		SubjectID: subjectID,
		AuthTime:  now,
		IdP:       idp,
		Claims:    claims,
		LastSeen:  now,
		ExpiresAt: now.Add(m.absolute),
	}
	if err := m.save(ctx, sess); err != nil {
		return nil, "", err
	}
	token, err := m.sealer.Seal(sess.ID)
	if err != nil {
		return nil, "", err
	}
	m.logger.Debugf("🔑 Started session for subject %s via %s", subjectID, idp)
	return sess, token, nil
}

// GetSession resolves a token and slides the idle window.
// The absolute expiry never moves.
func (m *Manager) GetSession(ctx context.Context, token string) (*models.Session, error) {
	sess, err := m.load(ctx, token)
	if err != nil {
		return nil, err
	}
	now := m.now()
	if !now.Before(sess.ExpiresAt) || now.Sub(sess.LastSeen) >= m.idle {
		_ = m.kv.Delete(ctx, store.NamespaceSession, sess.ID)
		return nil, ErrNoSession
	}
	sess.LastSeen = now
	if err := m.save(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// EndSession destroys the session behind token and returns it
func (m *Manager) EndSession(ctx context.Context, token string) (*models.Session, error) {
	sess, err := m.load(ctx, token)
	if err != nil {
		return nil, err
	}
	if err := m.kv.Delete(ctx, store.NamespaceSession, sess.ID); err != nil {
		return nil, fmt.Errorf("failed to delete session: %w", err)
	}
	return sess, nil
}

func (m *Manager) load(ctx context.Context, token string) (*models.Session, error) {
	if token == "" {
		return nil, ErrNoSession
	}
	id, err := m.sealer.Open(token)
	if err != nil {
		return nil, ErrNoSession
	}
	data, err := m.kv.Get(ctx, store.NamespaceSession, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNoSession
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	var sess models.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &sess, nil
}

// save stores the session with a TTL that is the earlier of the idle and absolute deadlines
func (m *Manager) save(ctx context.Context, sess *models.Session) error {
	ttl := sess.ExpiresAt.Sub(sess.LastSeen)
	if ttl > m.idle {
		ttl = m.idle
	}
	if ttl <= 0 {
		return ErrNoSession
	}
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	if err := m.kv.Put(ctx, store.NamespaceSession, sess.ID, data, ttl); err != nil {
		return fmt.Errorf("failed to store session: %w", err)
	}
	return nil
}
