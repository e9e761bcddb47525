package keys

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/sirupsen/logrus"
)

// ErrUnknownKey is returned when a kid is not in the verification set
var ErrUnknownKey = errors.New("unknown signing key")

// DefaultRetention keeps retired keys long enough for every issued token to expire
const DefaultRetention = 24 * time.Hour

// keySet is an immutable snapshot; rotation swaps the whole value
type keySet struct {
	version uint64
	active  *SigningKey
	retired []*SigningKey
}

// Manager holds the active signing key and the retained retired keys
type Manager struct {
	algorithm string
	retention time.Duration
	now       func() time.Time
	log       *logrus.Logger

	mu      sync.Mutex // serializes rotation
	current atomic.Pointer[keySet]
}

// ManagerConfig configures a Manager
type ManagerConfig struct {
	Algorithm string
	// Retention is how long a retired key keeps verifying tokens
	Retention time.Duration
	// KeyDir, SigningKeyFile and FallbackKeyFiles load PEM keys instead of generating one
	KeyDir           string
	SigningKeyFile   string
	FallbackKeyFiles []string
	Now              func() time.Time
}

// NewManager builds a manager from files when configured, otherwise with a generated key
func NewManager(cfg ManagerConfig, log *logrus.Logger) (*Manager, error) {
	m := &Manager{
		algorithm: cfg.Algorithm,
		retention: cfg.Retention,
		now:       cfg.Now,
		log:       log,
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.algorithm == "" {
		m.algorithm = DefaultAlgorithm
	}
	if m.retention <= 0 {
		m.retention = DefaultRetention
	}
	if m.log == nil {
		m.log = logrus.New()
	}

	now := m.now()
	set := &keySet{version: 1}

	if cfg.SigningKeyFile != "" {
		active, err := LoadKeyFile(filepath.Join(cfg.KeyDir, cfg.SigningKeyFile), now)
		if err != nil {
			return nil, fmt.Errorf("failed to load signing key: %w", err)
		}
		set.active = active
		for _, name := range cfg.FallbackKeyFiles {
			k, err := LoadKeyFile(filepath.Join(cfg.KeyDir, name), now)
			if err != nil {
				return nil, fmt.Errorf("failed to load fallback key %s: %w", name, err)
			}
			// Fallback keys have no known retirement time; keep them for one retention window
			k.RetiredAt = now
			k.VerifyUntil = now.Add(m.retention)
			set.retired = append(set.retired, k)
		}
		m.log.Printf("🔑 Loaded signing key %s (%s) with %d fallback keys", active.KeyID, active.Algorithm, len(set.retired))
	} else {
		active, err := GenerateKey(m.algorithm, now)
		if err != nil {
			return nil, err
		}
		set.active = active
		m.log.Warnf("🔑 Generated ephemeral %s signing key %s; tokens will not verify after restart", active.Algorithm, active.KeyID)
	}

	m.current.Store(set)
	return m, nil
}

// NewManagerWithKey builds a manager around an existing key, used by tests and tooling
func NewManagerWithKey(active *SigningKey, retention time.Duration, now func() time.Time) *Manager {
	if now == nil {
		now = time.Now
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	m := &Manager{
		algorithm: active.Algorithm,
		retention: retention,
		now:       now,
		log:       logrus.New(),
	}
	m.current.Store(&keySet{version: 1, active: active})
	return m
}

// Active returns the key new tokens are signed with
func (m *Manager) Active() *SigningKey {
	return m.current.Load().active
}

// Version increases on every rotation
func (m *Manager) Version() uint64 {
	return m.current.Load().version
}

// VerificationKey finds a key that may verify tokens at the current time
func (m *Manager) VerificationKey(kid string) (*SigningKey, error) {
	set := m.current.Load()
	if set.active.KeyID == kid {
		return set.active, nil
	}
	now := m.now()
	for _, k := range set.retired {
		if k.KeyID == kid && k.usableAt(now) {
			return k, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownKey, kid)
}

// VerificationKeys lists the active key followed by still-valid retired keys
func (m *Manager) VerificationKeys() []*SigningKey {
	set := m.current.Load()
	now := m.now()
	out := []*SigningKey{set.active}
	for _, k := range set.retired {
		if k.usableAt(now) {
			out = append(out, k)
		}
	}
	return out
}

// Rotate generates a new active key and retires the current one
func (m *Manager) Rotate(_ context.Context) (*SigningKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	next, err := GenerateKey(m.algorithm, now)
	if err != nil {
		return nil, err
	}

	old := m.current.Load()
	retiring := *old.active
	retiring.RetiredAt = now
	retiring.VerifyUntil = now.Add(m.retention)

	retired := []*SigningKey{&retiring}
	for _, k := range old.retired {
		if k.usableAt(now) {
			retired = append(retired, k)
		}
	}

	m.current.Store(&keySet{
		version: old.version + 1,
		active:  next,
		retired: retired,
	})

	m.log.Printf("🔄 Rotated signing key %s -> %s (%d retained)", retiring.KeyID, next.KeyID, len(retired))
	return next, nil
}

// RunRotation rotates every interval until ctx is cancelled
func (m *Manager) RunRotation(ctx context.Context, interval time.Duration, onRotate func(*SigningKey)) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			k, err := m.Rotate(ctx)
			if err != nil {
				m.log.Errorf("❌ Key rotation failed: %v", err)
				continue
			}
			if onRotate != nil {
				onRotate(k)
			}
		}
	}
}

// PublicJWKS returns the published key set
func (m *Manager) PublicJWKS() jose.JSONWebKeySet {
	keys := m.VerificationKeys()
	set := jose.JSONWebKeySet{Keys: make([]jose.JSONWebKey, 0, len(keys))}
	for _, k := range keys {
		set.Keys = append(set.Keys, jose.JSONWebKey{
			Key:       k.Public(),
			KeyID:     k.KeyID,
			Algorithm: k.Algorithm,
			Use:       "sig",
		})
	}
	return set
}

// Algorithms lists the distinct signing algorithms in the verification set
func (m *Manager) Algorithms() []string {
	seen := make(map[string]bool)
	var algs []string
	for _, k := range m.VerificationKeys() {
		if !seen[k.Algorithm] {
			seen[k.Algorithm] = true
			algs = append(algs, k.Algorithm)
		}
	}
	return algs
}
