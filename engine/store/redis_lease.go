package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/distflow/corewf/engine"
)

// RedisLeaseStore implements engine.LeaseStore against a single Redis
// instance, using a key per workflow holding the JSON-encoded engine.Lease
// and Lua scripts to make acquire/heartbeat/release fencing-safe without a
// round trip.
type RedisLeaseStore struct {
	client *redis.Client
	prefix string
}

// RedisLeaseConfig configures a RedisLeaseStore.
type RedisLeaseConfig struct {
	RedisURL  string // defaults to COREWF_REDIS_URL or redis://localhost:6379/0
	KeyPrefix string // defaults to "corewf:lease:"
}

// NewRedisLeaseStore connects to Redis and returns a ready RedisLeaseStore.
func NewRedisLeaseStore(ctx context.Context, cfg RedisLeaseConfig) (*RedisLeaseStore, error) {
	redisURL := cfg.RedisURL
	if redisURL == "" {
		redisURL = os.Getenv("COREWF_REDIS_URL")
	}
	if redisURL == "" {
		redisURL = "redis://localhost:6379/0"
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "corewf:lease:"
	}
	return &RedisLeaseStore{client: client, prefix: prefix}, nil
}

// Close releases the underlying Redis connection.
func (r *RedisLeaseStore) Close() error { return r.client.Close() }

func (r *RedisLeaseStore) key(workflowID string) string { return r.prefix + workflowID }

// acquireScript atomically acquires or re-acquires a lease: if no lease
// exists, or the existing one has expired, or it's already held by the
// same owner, it bumps the fencing token and writes a fresh lease, all in
// one round trip. Returns the encoded lease JSON, or an empty string if the
// workflow is locked by another live owner.
var acquireScript = redis.NewScript(`
local key = KEYS[1]
local owner_id = ARGV[1]
local ttl_ms = tonumber(ARGV[2])
local now_ms = tonumber(ARGV[3])

local existing = redis.call('GET', key)
if existing then
	local lease = cjson.decode(existing)
	if lease.lease_expires_at_ms > now_ms and lease.owner_id ~= owner_id then
		return nil
	end
end
-- The counter key has no TTL, so tokens keep increasing after the lease
-- key expires or is released.
local fencing_token = redis.call('INCR', key .. ':fencing_token')

local lease = {
	workflow_id = ARGV[4],
	owner_id = owner_id,
	acquired_at_ms = now_ms,
	lease_expires_at_ms = now_ms + ttl_ms,
	heartbeat_at_ms = now_ms,
	fencing_token = fencing_token,
}
local encoded = cjson.encode(lease)
redis.call('SET', key, encoded, 'PX', ttl_ms)
return encoded
`)

// heartbeatScript renews a lease iff the caller still holds the matching
// owner/fencing token pair.
var heartbeatScript = redis.NewScript(`
local key = KEYS[1]
local owner_id = ARGV[1]
local fencing_token = tonumber(ARGV[2])
local ttl_ms = tonumber(ARGV[3])
local now_ms = tonumber(ARGV[4])

local existing = redis.call('GET', key)
if not existing then
	return nil
end
local lease = cjson.decode(existing)
if lease.owner_id ~= owner_id or lease.fencing_token ~= fencing_token then
	return nil
end

lease.lease_expires_at_ms = now_ms + ttl_ms
lease.heartbeat_at_ms = now_ms
local encoded = cjson.encode(lease)
redis.call('SET', key, encoded, 'PX', ttl_ms)
return encoded
`)

// releaseScript deletes a lease iff the caller still holds it.
var releaseScript = redis.NewScript(`
local key = KEYS[1]
local owner_id = ARGV[1]
local fencing_token = tonumber(ARGV[2])

local existing = redis.call('GET', key)
if not existing then
	return 0
end
local lease = cjson.decode(existing)
if lease.owner_id ~= owner_id or lease.fencing_token ~= fencing_token then
	return 0
end
redis.call('DEL', key)
return 1
`)

type redisLeaseJSON struct {
	WorkflowID       string `json:"workflow_id"`
	OwnerID          string `json:"owner_id"`
	AcquiredAtMS     int64  `json:"acquired_at_ms"`
	LeaseExpiresAtMS int64  `json:"lease_expires_at_ms"`
	HeartbeatAtMS    int64  `json:"heartbeat_at_ms"`
	FencingToken     int64  `json:"fencing_token"`
}

func (j redisLeaseJSON) toLease() engine.Lease {
	return engine.Lease{
		WorkflowID:     j.WorkflowID,
		OwnerID:        j.OwnerID,
		AcquiredAt:     time.UnixMilli(j.AcquiredAtMS).UTC(),
		LeaseExpiresAt: time.UnixMilli(j.LeaseExpiresAtMS).UTC(),
		HeartbeatAt:    time.UnixMilli(j.HeartbeatAtMS).UTC(),
		FencingToken:   j.FencingToken,
	}
}

// Acquire implements engine.LeaseStore.
func (r *RedisLeaseStore) Acquire(ctx context.Context, workflowID, ownerID string, ttl time.Duration) (engine.Lease, error) {
	now := time.Now().UTC()
	res, err := acquireScript.Run(ctx, r.client, []string{r.key(workflowID)},
		ownerID, ttl.Milliseconds(), now.UnixMilli(), workflowID).Result()
	if err == redis.Nil {
		return engine.Lease{}, engine.ErrWorkflowLocked
	}
	if err != nil {
		return engine.Lease{}, fmt.Errorf("acquire lease: %w", err)
	}
	if res == nil {
		return engine.Lease{}, engine.ErrWorkflowLocked
	}

	var decoded redisLeaseJSON
	if err := json.Unmarshal([]byte(res.(string)), &decoded); err != nil {
		return engine.Lease{}, fmt.Errorf("decode lease: %w", err)
	}
	return decoded.toLease(), nil
}

// Heartbeat implements engine.LeaseStore.
func (r *RedisLeaseStore) Heartbeat(ctx context.Context, lease engine.Lease, ttl time.Duration) (engine.Lease, error) {
	now := time.Now().UTC()
	res, err := heartbeatScript.Run(ctx, r.client, []string{r.key(lease.WorkflowID)},
		lease.OwnerID, lease.FencingToken, ttl.Milliseconds(), now.UnixMilli()).Result()
	if err == redis.Nil || res == nil {
		return engine.Lease{}, engine.ErrFenced
	}
	if err != nil {
		return engine.Lease{}, fmt.Errorf("heartbeat lease: %w", err)
	}

	var decoded redisLeaseJSON
	if err := json.Unmarshal([]byte(res.(string)), &decoded); err != nil {
		return engine.Lease{}, fmt.Errorf("decode lease: %w", err)
	}
	return decoded.toLease(), nil
}

// Release implements engine.LeaseStore.
func (r *RedisLeaseStore) Release(ctx context.Context, lease engine.Lease) error {
	_, err := releaseScript.Run(ctx, r.client, []string{r.key(lease.WorkflowID)},
		lease.OwnerID, lease.FencingToken).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

// Get implements engine.LeaseStore.
func (r *RedisLeaseStore) Get(ctx context.Context, workflowID string) (engine.Lease, bool, error) {
	res, err := r.client.Get(ctx, r.key(workflowID)).Result()
	if err == redis.Nil {
		return engine.Lease{}, false, nil
	}
	if err != nil {
		return engine.Lease{}, false, fmt.Errorf("get lease: %w", err)
	}

	var decoded redisLeaseJSON
	if err := json.Unmarshal([]byte(res), &decoded); err != nil {
		return engine.Lease{}, false, fmt.Errorf("decode lease: %w", err)
	}
	return decoded.toLease(), true, nil
}

var _ engine.LeaseStore = (*RedisLeaseStore)(nil)
