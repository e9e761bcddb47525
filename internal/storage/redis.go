package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"oidc-server/internal/models"
)

// replayWindow keeps consumed grant markers after expiry so late replays are still detected
const replayWindow = time.Hour

const (
	keyTypeGrant   = "grant"
	keyTypeFamily  = "family"
	keyTypeSubject = "subject"
	keyTypeKV      = "kv"
)

// redeemScript atomically checks and sets the consumed flag.
// Returns {0} when missing, {1, data} on success, {2, data} when already consumed, {3} when expired.
var redeemScript = redis.NewScript(`
local fields = redis.call('HMGET', KEYS[1], 'data', 'consumed', 'exp')
if not fields[1] then
	return {0}
end
if fields[2] == '1' then
	return {2, fields[1]}
end
if tonumber(fields[3]) <= tonumber(ARGV[1]) then
	return {3}
end
redis.call('HSET', KEYS[1], 'consumed', '1')
return {1, fields[1]}
`)

// revokeIndexScript deletes every grant listed in an index set and the set itself
var revokeIndexScript = redis.NewScript(`
local members = redis.call('SMEMBERS', KEYS[1])
local n = 0
for _, h in ipairs(members) do
	n = n + redis.call('DEL', ARGV[1] .. h)
end
redis.call('DEL', KEYS[1])
return n
`)

// indexScript adds a handle to each index set and extends, never shortens, the set's TTL.
// A set shared by grants of different lifetimes must live as long as its longest member.
var indexScript = redis.NewScript(`
local ttl = tonumber(ARGV[2])
for _, k in ipairs(KEYS) do
	redis.call('SADD', k, ARGV[1])
	local cur = redis.call('PTTL', k)
	-- PTTL is -1 for a set created by the SADD above
	if cur < ttl then
		redis.call('PEXPIRE', k, ttl)
	end
end
return 1
`)

// RedisStorage implements Storage on Redis
type RedisStorage struct {
	client    redis.UniversalClient
	keyPrefix string
	now       func() time.Time
}

// RedisConfig configures a standalone Redis connection
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// NewRedisStorage connects to Redis and verifies the connection
func NewRedisStorage(ctx context.Context, cfg RedisConfig) (*RedisStorage, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        []string{cfg.Addr},
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedisStorageWithClient(client, cfg.KeyPrefix), nil
}

// NewRedisStorageWithClient creates a RedisStorage with a pre-configured client.
// This is useful for testing with miniredis.
func NewRedisStorageWithClient(client redis.UniversalClient, keyPrefix string) *RedisStorage {
	return &RedisStorage{
		client:    client,
		keyPrefix: keyPrefix,
		now:       time.Now,
	}
}

func (s *RedisStorage) key(parts ...string) string {
	return s.keyPrefix + strings.Join(parts, ":")
}

// CreateGrant stores the grant hash and adds it to the family and subject indexes
func (s *RedisStorage) CreateGrant(ctx context.Context, grant *models.Grant) (string, error) {
	handle, stored, err := prepareGrant(grant)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(stored)
	if err != nil {
		return "", fmt.Errorf("failed to marshal grant: %w", err)
	}

	hk := handleKey(handle)
	grantKey := s.key(keyTypeGrant, hk)
	retainUntil := stored.ExpiresAt.Add(replayWindow)
	indexTTL := time.Until(retainUntil)

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, grantKey, "data", string(data), "consumed", "0", "exp", stored.ExpiresAt.Unix())
		pipe.ExpireAt(ctx, grantKey, retainUntil)
		indexScript.Eval(ctx, pipe,
			[]string{s.key(keyTypeFamily, stored.FamilyID), s.key(keyTypeSubject, stored.SubjectID)},
			hk, indexTTL.Milliseconds())
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to store grant: %w", err)
	}
	return handle, nil
}

// RedeemGrant runs the consume script
func (s *RedisStorage) RedeemGrant(ctx context.Context, handle string) (*models.Grant, error) {
	res, err := redeemScript.Run(ctx, s.client, []string{s.key(keyTypeGrant, handleKey(handle))}, s.now().Unix()).Slice()
	if err != nil {
		return nil, fmt.Errorf("failed to redeem grant: %w", err)
	}
	status, _ := res[0].(int64)
	switch status {
	case 0:
		return nil, ErrNotFound
	case 3:
		return nil, ErrExpired
	}

	raw, _ := res[1].(string)
	var g models.Grant
	if err := json.Unmarshal([]byte(raw), &g); err != nil {
		return nil, fmt.Errorf("failed to unmarshal grant: %w", err)
	}
	g.Handle = handle
	g.Consumed = true
	if status == 2 {
		return &g, ErrAlreadyConsumed
	}
	return &g, nil
}

// GetGrant reads a grant without consuming it
func (s *RedisStorage) GetGrant(ctx context.Context, handle string) (*models.Grant, error) {
	vals, err := s.client.HMGet(ctx, s.key(keyTypeGrant, handleKey(handle)), "data", "consumed").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get grant: %w", err)
	}
	raw, ok := vals[0].(string)
	if !ok {
		return nil, ErrNotFound
	}
	var g models.Grant
	if err := json.Unmarshal([]byte(raw), &g); err != nil {
		return nil, fmt.Errorf("failed to unmarshal grant: %w", err)
	}
	if g.Expired(s.now()) {
		return nil, ErrExpired
	}
	g.Handle = handle
	g.Consumed = vals[1] == "1"
	return &g, nil
}

// RevokeGrant deletes a single grant
func (s *RedisStorage) RevokeGrant(ctx context.Context, handle string) error {
	return s.client.Del(ctx, s.key(keyTypeGrant, handleKey(handle))).Err()
}

// RevokeFamily deletes every grant in the family index
func (s *RedisStorage) RevokeFamily(ctx context.Context, familyID string) (int, error) {
	return s.revokeIndex(ctx, s.key(keyTypeFamily, familyID))
}

// RevokeAllForSubject deletes every grant in the subject index
func (s *RedisStorage) RevokeAllForSubject(ctx context.Context, subjectID string) (int, error) {
	return s.revokeIndex(ctx, s.key(keyTypeSubject, subjectID))
}

func (s *RedisStorage) revokeIndex(ctx context.Context, indexKey string) (int, error) {
	n, err := revokeIndexScript.Run(ctx, s.client, []string{indexKey}, s.key(keyTypeGrant, "")).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to revoke grants: %w", err)
	}
	return n, nil
}

// SweepGrants is a no-op; Redis key expiry reclaims grants
func (s *RedisStorage) SweepGrants(context.Context, time.Time) (int, error) {
	return 0, nil
}

// Put stores a namespaced value with an optional TTL
func (s *RedisStorage) Put(ctx context.Context, namespace, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := s.client.Set(ctx, s.key(keyTypeKV, namespace, key), value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store %s entry: %w", namespace, err)
	}
	return nil
}

// Get loads a namespaced value
func (s *RedisStorage) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.key(keyTypeKV, namespace, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s entry: %w", namespace, err)
	}
	return data, nil
}

// Delete removes a namespaced value
func (s *RedisStorage) Delete(ctx context.Context, namespace, key string) error {
	return s.client.Del(ctx, s.key(keyTypeKV, namespace, key)).Err()
}

// List scans every entry in a namespace
func (s *RedisStorage) List(ctx context.Context, namespace string) (map[string][]byte, error) {
	prefix := s.key(keyTypeKV, namespace, "")
	out := make(map[string][]byte)

	iter := s.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		full := iter.Val()
		data, err := s.client.Get(ctx, full).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list %s entries: %w", namespace, err)
		}
		out[strings.TrimPrefix(full, prefix)] = data
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to list %s entries: %w", namespace, err)
	}
	return out, nil
}

// SweepKV is a no-op; Redis TTLs reclaim entries
func (s *RedisStorage) SweepKV(context.Context, time.Time) (int, error) {
	return 0, nil
}

// Ping checks Redis connectivity
func (s *RedisStorage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis client connection
func (s *RedisStorage) Close() error {
	return s.client.Close()
}
