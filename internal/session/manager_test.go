package session

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oidc-server/internal/storage"
)

func newTestManager(t *testing.T) (*Manager, *time.Time) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	m, err := NewManager(storage.NewMemoryStorage(), Config{
		Secret:          []byte(strings.Repeat("s", 32)),
		IdleTimeout:     30 * time.Minute,
		AbsoluteTimeout: 2 * time.Hour,
	}, logger)
	require.NoError(t, err)

	now := time.Now()
	m.now = func() time.Time { return now }
	return m, &now
}

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	sess, token, err := m.StartSession(ctx, "alice", "local", map[string][]string{"name": {"Alice"}})
	require.NoError(t, err)
	assert.NotContains(t, token, "alice")
	assert.NotEqual(t, sess.ID, token)

	got, err := m.GetSession(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.SubjectID)
	assert.Equal(t, []string{"Alice"}, got.Claims["name"])

	ended, err := m.EndSession(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, ended.ID)

	_, err = m.GetSession(ctx, token)
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestSessionRejectsForgedTokens(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	sess, token, err := m.StartSession(ctx, "alice", "local", nil)
	require.NoError(t, err)

	for name, tok := range map[string]string{
		"empty":      "",
		"raw id":     sess.ID,
		"subject":    "alice",
		"truncated":  token[:len(token)-2],
		"not base64": "!!!",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := m.GetSession(ctx, tok)
			assert.ErrorIs(t, err, ErrNoSession)
		})
	}

	t.Run("other secret", func(t *testing.T) {
		other, _ := newTestManager(t)
		other.sealer, err = NewSealer([]byte(strings.Repeat("x", 32)))
		require.NoError(t, err)
		_, err := other.GetSession(ctx, token)
		assert.ErrorIs(t, err, ErrNoSession)
	})
}

func TestSessionIdleExpiry(t *testing.T) {
	ctx := context.Background()
	m, now := newTestManager(t)

	_, token, err := m.StartSession(ctx, "alice", "local", nil)
	require.NoError(t, err)

	*now = now.Add(20 * time.Minute)
	_, err = m.GetSession(ctx, token)
	require.NoError(t, err, "activity inside the idle window keeps the session")

	*now = now.Add(31 * time.Minute)
	_, err = m.GetSession(ctx, token)
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestSessionAbsoluteExpiryIsNotRenewable(t *testing.T) {
	ctx := context.Background()
	m, now := newTestManager(t)

	_, token, err := m.StartSession(ctx, "alice", "local", nil)
	require.NoError(t, err)

	for i := 0; i < 7; i++ {
		*now = now.Add(15 * time.Minute)
		_, err = m.GetSession(ctx, token)
		require.NoError(t, err)
	}

	*now = now.Add(15 * time.Minute)
	_, err = m.GetSession(ctx, token)
	assert.ErrorIs(t, err, ErrNoSession)
}
