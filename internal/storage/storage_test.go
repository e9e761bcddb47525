package storage

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oidc-server/internal/models"
)

type backend struct {
	name string
	open func(t *testing.T) Storage
}

func backends() []backend {
	return []backend{
		{"memory", func(*testing.T) Storage { return NewMemoryStorage() }},
		{"sqlite", func(t *testing.T) Storage {
			s, err := NewSQLiteStorage(filepath.Join(t.TempDir(), "test.db"))
			require.NoError(t, err)
			return s
		}},
		{"redis", func(t *testing.T) Storage {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			return NewRedisStorageWithClient(client, "test:")
		}},
	}
}

func newCode(subject, client string, ttl time.Duration) *models.Grant {
	return &models.Grant{
		Kind:          models.GrantKindAuthorizationCode,
		SubjectID:     subject,
		ClientID:      client,
		GrantedScopes: []string{"openid", "api1"},
		RedirectURI:   "https://app/cb",
		IssuedAt:      time.Now(),
		ExpiresAt:     time.Now().Add(ttl),
	}
}

func TestGrantStore(t *testing.T) {
	ctx := context.Background()

	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			t.Run("redeem once", func(t *testing.T) {
				s := b.open(t)
				defer s.Close()

				g := newCode("alice", "c1", time.Minute)
				handle, err := s.CreateGrant(ctx, g)
				require.NoError(t, err)
				require.NotEmpty(t, handle)
				assert.Equal(t, handle, g.Handle)
				assert.NotEmpty(t, g.FamilyID)

				got, err := s.GetGrant(ctx, handle)
				require.NoError(t, err)
				assert.False(t, got.Consumed)

				redeemed, err := s.RedeemGrant(ctx, handle)
				require.NoError(t, err)
				assert.Equal(t, "alice", redeemed.SubjectID)
				assert.Equal(t, "c1", redeemed.ClientID)
				assert.Equal(t, []string{"openid", "api1"}, redeemed.GrantedScopes)
				assert.Equal(t, g.FamilyID, redeemed.FamilyID)
				assert.True(t, redeemed.Consumed)

				replay, err := s.RedeemGrant(ctx, handle)
				require.ErrorIs(t, err, ErrAlreadyConsumed)
				require.NotNil(t, replay)
				assert.Equal(t, g.FamilyID, replay.FamilyID)
			})

			t.Run("unknown handle", func(t *testing.T) {
				s := b.open(t)
				defer s.Close()

				_, err := s.RedeemGrant(ctx, "does-not-exist")
				assert.ErrorIs(t, err, ErrNotFound)
				_, err = s.GetGrant(ctx, "does-not-exist")
				assert.ErrorIs(t, err, ErrNotFound)
			})

			t.Run("expired grant", func(t *testing.T) {
				s := b.open(t)
				defer s.Close()

				g := newCode("alice", "c1", time.Minute)
				g.ExpiresAt = time.Now().Add(-2 * time.Second)
				handle, err := s.CreateGrant(ctx, g)
				require.NoError(t, err)

				_, err = s.RedeemGrant(ctx, handle)
				assert.ErrorIs(t, err, ErrExpired)
			})

			t.Run("concurrent redemption has one winner", func(t *testing.T) {
				s := b.open(t)
				defer s.Close()

				handle, err := s.CreateGrant(ctx, newCode("alice", "c1", time.Minute))
				require.NoError(t, err)

				const workers = 16
				var wg sync.WaitGroup
				var mu sync.Mutex
				wins, replays := 0, 0
				for i := 0; i < workers; i++ {
					wg.Add(1)
					go func() {
						defer wg.Done()
						_, err := s.RedeemGrant(ctx, handle)
						mu.Lock()
						defer mu.Unlock()
						switch {
						case err == nil:
							wins++
						case assert.ErrorIs(t, err, ErrAlreadyConsumed):
							replays++
						}
					}()
				}
				wg.Wait()
				assert.Equal(t, 1, wins)
				assert.Equal(t, workers-1, replays)
			})

			t.Run("revoke family", func(t *testing.T) {
				s := b.open(t)
				defer s.Close()

				code := newCode("alice", "c1", time.Minute)
				codeHandle, err := s.CreateGrant(ctx, code)
				require.NoError(t, err)

				refresh := newCode("alice", "c1", time.Hour)
				refresh.Kind = models.GrantKindRefreshToken
				refresh.FamilyID = code.FamilyID
				refreshHandle, err := s.CreateGrant(ctx, refresh)
				require.NoError(t, err)

				other, err := s.CreateGrant(ctx, newCode("alice", "c2", time.Minute))
				require.NoError(t, err)

				n, err := s.RevokeFamily(ctx, code.FamilyID)
				require.NoError(t, err)
				assert.Equal(t, 2, n)

				_, err = s.GetGrant(ctx, codeHandle)
				assert.ErrorIs(t, err, ErrNotFound)
				_, err = s.RedeemGrant(ctx, refreshHandle)
				assert.ErrorIs(t, err, ErrNotFound)
				_, err = s.GetGrant(ctx, other)
				assert.NoError(t, err)
			})

			t.Run("revoke subject", func(t *testing.T) {
				s := b.open(t)
				defer s.Close()

				a1, err := s.CreateGrant(ctx, newCode("alice", "c1", time.Minute))
				require.NoError(t, err)
				a2, err := s.CreateGrant(ctx, newCode("alice", "c2", time.Minute))
				require.NoError(t, err)
				b1, err := s.CreateGrant(ctx, newCode("bob", "c1", time.Minute))
				require.NoError(t, err)

				n, err := s.RevokeAllForSubject(ctx, "alice")
				require.NoError(t, err)
				assert.Equal(t, 2, n)

				for _, h := range []string{a1, a2} {
					_, err = s.GetGrant(ctx, h)
					assert.ErrorIs(t, err, ErrNotFound)
				}
				_, err = s.GetGrant(ctx, b1)
				assert.NoError(t, err)
			})

			t.Run("revoke single", func(t *testing.T) {
				s := b.open(t)
				defer s.Close()

				h, err := s.CreateGrant(ctx, newCode("alice", "c1", time.Minute))
				require.NoError(t, err)
				require.NoError(t, s.RevokeGrant(ctx, h))
				_, err = s.RedeemGrant(ctx, h)
				assert.ErrorIs(t, err, ErrNotFound)
			})

			t.Run("missing client is rejected", func(t *testing.T) {
				s := b.open(t)
				defer s.Close()

				g := newCode("alice", "", time.Minute)
				_, err := s.CreateGrant(ctx, g)
				assert.Error(t, err)
			})
		})
	}
}

func TestKV(t *testing.T) {
	ctx := context.Background()

	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			defer s.Close()

			require.NoError(t, s.Put(ctx, "consent", "alice|c1", []byte(`{"scopes":["openid"]}`), 0))
			require.NoError(t, s.Put(ctx, "consent", "bob|c1", []byte(`{}`), time.Hour))
			require.NoError(t, s.Put(ctx, "session", "s1", []byte(`x`), time.Hour))

			got, err := s.Get(ctx, "consent", "alice|c1")
			require.NoError(t, err)
			assert.JSONEq(t, `{"scopes":["openid"]}`, string(got))

			require.NoError(t, s.Put(ctx, "consent", "alice|c1", []byte(`{"scopes":["openid","api1"]}`), 0))
			got, err = s.Get(ctx, "consent", "alice|c1")
			require.NoError(t, err)
			assert.JSONEq(t, `{"scopes":["openid","api1"]}`, string(got))

			all, err := s.List(ctx, "consent")
			require.NoError(t, err)
			assert.Len(t, all, 2)
			assert.Contains(t, all, "bob|c1")

			require.NoError(t, s.Delete(ctx, "consent", "alice|c1"))
			_, err = s.Get(ctx, "consent", "alice|c1")
			assert.ErrorIs(t, err, ErrNotFound)

			_, err = s.Get(ctx, "missing", "nope")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestSweep(t *testing.T) {
	ctx := context.Background()

	t.Run("memory", func(t *testing.T) {
		s := NewMemoryStorage()
		_, err := s.CreateGrant(ctx, newCode("alice", "c1", time.Minute))
		require.NoError(t, err)
		require.NoError(t, s.Put(ctx, "interaction", "i1", []byte(`x`), time.Minute))
		require.NoError(t, s.Put(ctx, "profile", "alice", []byte(`x`), 0))

		later := time.Now().Add(2 * time.Minute)
		n, err := s.SweepGrants(ctx, later)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		n, err = s.SweepKV(ctx, later)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		_, err = s.Get(ctx, "profile", "alice")
		assert.NoError(t, err)
	})

	t.Run("sqlite", func(t *testing.T) {
		s, err := NewSQLiteStorage(filepath.Join(t.TempDir(), "sweep.db"))
		require.NoError(t, err)
		defer s.Close()

		_, err = s.CreateGrant(ctx, newCode("alice", "c1", time.Minute))
		require.NoError(t, err)
		require.NoError(t, s.Put(ctx, "interaction", "i1", []byte(`x`), time.Minute))

		later := time.Now().Add(2 * time.Minute)
		n, err := s.SweepGrants(ctx, later)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		n, err = s.SweepKV(ctx, later)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("sweeper reports counts", func(t *testing.T) {
		s := NewMemoryStorage()
		_, err := s.CreateGrant(ctx, newCode("alice", "c1", time.Minute))
		require.NoError(t, err)

		sw := NewSweeper(s, 0, newTestLogger())
		sw.now = func() time.Time { return time.Now().Add(time.Hour) }
		var reported int
		sw.OnSweep = func(grants, _ int) { reported = grants }

		grants, entries := sw.SweepOnce(ctx)
		assert.Equal(t, 1, grants)
		assert.Equal(t, 0, entries)
		assert.Equal(t, 1, reported)
	})
}

func TestKVExpiry(t *testing.T) {
	ctx := context.Background()

	s := NewMemoryStorage()
	base := time.Now()
	s.now = func() time.Time { return base }
	require.NoError(t, s.Put(ctx, "session", "s1", []byte(`x`), time.Minute))

	s.now = func() time.Time { return base.Add(2 * time.Minute) }
	_, err := s.Get(ctx, "session", "s1")
	assert.ErrorIs(t, err, ErrNotFound)

	t.Run("redis ttl", func(t *testing.T) {
		mr := miniredis.RunT(t)
		rs := NewRedisStorageWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test:")
		require.NoError(t, rs.Put(ctx, "session", "s1", []byte(`x`), time.Minute))
		mr.FastForward(2 * time.Minute)
		_, err := rs.Get(ctx, "session", "s1")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestRedisIndexesOutliveShortGrants(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	s := NewRedisStorageWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test:")

	refresh := newCode("alice", "c1", 30*24*time.Hour)
	refresh.Kind = models.GrantKindRefreshToken
	refresh.FamilyID = "fam-1"
	refreshHandle, err := s.CreateGrant(ctx, refresh)
	require.NoError(t, err)

	code := newCode("alice", "c1", time.Minute)
	code.FamilyID = "fam-1"
	_, err = s.CreateGrant(ctx, code)
	require.NoError(t, err)

	assert.Greater(t, mr.TTL("test:subject:alice"), 24*time.Hour)
	assert.Greater(t, mr.TTL("test:family:fam-1"), 24*time.Hour)

	// The code and its replay marker are gone; the refresh token is not
	mr.FastForward(2 * time.Hour)

	n, err := s.RevokeAllForSubject(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = s.GetGrant(ctx, refreshHandle)
	assert.ErrorIs(t, err, ErrNotFound)

	t.Run("family index", func(t *testing.T) {
		again := newCode("bob", "c1", 30*24*time.Hour)
		again.Kind = models.GrantKindRefreshToken
		again.FamilyID = "fam-2"
		h, err := s.CreateGrant(ctx, again)
		require.NoError(t, err)
		short := newCode("bob", "c1", time.Minute)
		short.FamilyID = "fam-2"
		_, err = s.CreateGrant(ctx, short)
		require.NoError(t, err)

		mr.FastForward(2 * time.Hour)
		n, err := s.RevokeFamily(ctx, "fam-2")
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		_, err = s.GetGrant(ctx, h)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}
