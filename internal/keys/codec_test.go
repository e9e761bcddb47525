package keys

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testIssuer = "https://id.example.test"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestCodec(t *testing.T, alg string, retention time.Duration) (*Codec, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	key, err := GenerateKey(alg, clock.Now())
	require.NoError(t, err)
	m := NewManagerWithKey(key, retention, clock.Now)
	return NewCodec(m, testIssuer, 0), clock
}

func baseClaims(clock *fakeClock) Claims {
	return Claims{
		"sub":   "alice",
		"aud":   []string{"api1", "api2"},
		"scope": "openid api1",
		"exp":   clock.Now().Add(time.Hour).Unix(),
		"jti":   "token-1",
	}
}

// normalize re-encodes claims so typed Go values compare equal to decoded JSON values
func normalize(t *testing.T, c Claims) map[string]any {
	t.Helper()
	raw, err := json.Marshal(c)
	require.NoError(t, err)
	out := map[string]any{}
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func TestSignVerifyRoundTrip(t *testing.T) {
	for _, alg := range []string{AlgorithmRS256, AlgorithmES256} {
		t.Run(alg, func(t *testing.T) {
			codec, clock := newTestCodec(t, alg, time.Hour)
			in := baseClaims(clock)

			token, err := codec.Sign(in)
			require.NoError(t, err)

			out, err := codec.Verify(token, Expectations{Audience: "api1"})
			require.NoError(t, err)

			got := normalize(t, out)
			delete(got, "iat")
			delete(got, "iss")
			assert.Equal(t, normalize(t, in), got)
			assert.Equal(t, testIssuer, out["iss"])
		})
	}
}

func TestSignWithKey(t *testing.T) {
	codec, clock := newTestCodec(t, AlgorithmRS256, time.Hour)
	active := codec.Keys().Active()

	token, err := codec.SignWithKey(baseClaims(clock), active.KeyID)
	require.NoError(t, err)
	_, err = codec.Verify(token, Expectations{})
	require.NoError(t, err)

	_, err = codec.SignWithKey(baseClaims(clock), "not-a-key")
	assert.ErrorIs(t, err, ErrKeyNotActive)
}

func TestVerifyErrorKinds(t *testing.T) {
	codec, clock := newTestCodec(t, AlgorithmRS256, time.Hour)
	other, _ := newTestCodec(t, AlgorithmRS256, time.Hour)

	valid, err := codec.Sign(baseClaims(clock))
	require.NoError(t, err)

	expired := baseClaims(clock)
	expired["exp"] = clock.Now().Add(-time.Minute).Unix()
	expiredToken, err := codec.Sign(expired)
	require.NoError(t, err)

	future := baseClaims(clock)
	future["nbf"] = clock.Now().Add(time.Hour).Unix()
	futureToken, err := codec.Sign(future)
	require.NoError(t, err)

	foreignIss := baseClaims(clock)
	foreignIss["iss"] = "https://evil.example.test"
	foreignIssToken, err := codec.Sign(foreignIss)
	require.NoError(t, err)

	foreignKeyToken, err := other.Sign(baseClaims(clock))
	require.NoError(t, err)

	parts := strings.Split(valid, ".")
	sig := []byte(parts[2])
	if sig[5] == 'A' {
		sig[5] = 'B'
	} else {
		sig[5] = 'A'
	}
	tamperedSig := parts[0] + "." + parts[1] + "." + string(sig)

	tests := []struct {
		name  string
		token string
		exp   Expectations
		kind  error
	}{
		{"garbage", "not-a-jwt", Expectations{}, ErrMalformedToken},
		{"two segments", parts[0] + "." + parts[1], Expectations{}, ErrMalformedToken},
		{"tampered signature", tamperedSig, Expectations{}, ErrBadSignature},
		{"unknown key", foreignKeyToken, Expectations{}, ErrBadSignature},
		{"expired", expiredToken, Expectations{}, ErrExpiredToken},
		{"not yet valid", futureToken, Expectations{}, ErrNotYetValid},
		{"issuer mismatch", foreignIssToken, Expectations{}, ErrIssuerMismatch},
		{"audience mismatch", valid, Expectations{Audience: "api3"}, ErrAudienceMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := codec.Verify(tt.token, tt.exp)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.kind)

			var ve *VerificationError
			assert.ErrorAs(t, err, &ve)
		})
	}
}

func TestVerifyAllowExpired(t *testing.T) {
	codec, clock := newTestCodec(t, AlgorithmES256, time.Hour)
	claims := baseClaims(clock)
	claims["exp"] = clock.Now().Add(-time.Hour).Unix()
	token, err := codec.Sign(claims)
	require.NoError(t, err)

	out, err := codec.Verify(token, Expectations{AllowExpired: true, Audience: "api2"})
	require.NoError(t, err)
	assert.Equal(t, "alice", out["sub"])

	_, err = codec.Verify(token, Expectations{AllowExpired: true, Audience: "nope"})
	assert.ErrorIs(t, err, ErrAudienceMismatch)
}

func TestRotationKeepsOldTokensVerifiable(t *testing.T) {
	codec, clock := newTestCodec(t, AlgorithmRS256, 2*time.Hour)
	ctx := context.Background()

	claims := baseClaims(clock)
	claims["exp"] = clock.Now().Add(10 * time.Hour).Unix()
	oldToken, err := codec.Sign(claims)
	require.NoError(t, err)
	oldKID := codec.Keys().Active().KeyID
	oldVersion := codec.Keys().Version()

	next, err := codec.Keys().Rotate(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, oldKID, next.KeyID)
	assert.Greater(t, codec.Keys().Version(), oldVersion)

	newToken, err := codec.Sign(claims)
	require.NoError(t, err)

	_, err = codec.Verify(oldToken, Expectations{})
	require.NoError(t, err, "token signed before rotation must still verify")
	_, err = codec.Verify(newToken, Expectations{})
	require.NoError(t, err)

	jwks := codec.Keys().PublicJWKS()
	require.Len(t, jwks.Keys, 2)
	assert.Equal(t, next.KeyID, jwks.Keys[0].KeyID)
	assert.Equal(t, oldKID, jwks.Keys[1].KeyID)

	clock.Advance(2*time.Hour + time.Second)

	_, err = codec.Verify(oldToken, Expectations{})
	assert.ErrorIs(t, err, ErrBadSignature, "retired key must stop verifying after retention")
	_, err = codec.Verify(newToken, Expectations{})
	require.NoError(t, err)
	assert.Len(t, codec.Keys().PublicJWKS().Keys, 1)
}

func TestConcurrentVerifyDuringRotation(t *testing.T) {
	codec, clock := newTestCodec(t, AlgorithmES256, time.Hour)
	token, err := codec.Sign(baseClaims(clock))
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 200)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if _, err := codec.Verify(token, Expectations{}); err != nil {
					errs <- err
				}
			}
		}()
	}
	for i := 0; i < 3; i++ {
		_, err := codec.Keys().Rotate(context.Background())
		require.NoError(t, err)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("verification failed during rotation: %v", err)
	}
}

func TestKeyPEMRoundTrip(t *testing.T) {
	key, err := GenerateKey(AlgorithmES256, time.Now())
	require.NoError(t, err)

	pemBytes, err := EncodePrivateKeyPEM(key.Private)
	require.NoError(t, err)

	signer, err := ParsePrivateKeyPEM(pemBytes)
	require.NoError(t, err)

	loaded, err := NewSigningKey(signer, time.Now())
	require.NoError(t, err)
	assert.Equal(t, key.KeyID, loaded.KeyID)
	assert.Equal(t, AlgorithmES256, loaded.Algorithm)

	_, err = ParsePrivateKeyPEM([]byte("nope"))
	assert.Error(t, err)
}
