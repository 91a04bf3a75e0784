package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"crm-enrichment/internal/domain"
	"crm-enrichment/internal/domain/model"
	"crm-enrichment/internal/domain/ports/repository"
	"crm-enrichment/internal/infra/metrics"
)

var _ repository.SnapshotStore = (*SnapshotStore)(nil)

const cacheName = "snapshot"

// putIfNewer stores the snapshot unless the stored one is at least as recent.
// Writes come from a worker pool, so they can land out of order.
// KEYS[1]=key ARGV[1]=updated_at (unix micros) ARGV[2]=version ARGV[3]=data ARGV[4]=ttl ms
var putIfNewer = redis.NewScript(`
local cur = redis.call("HMGET", KEYS[1], "ts", "v")
if cur[1] then
  local ts, v = tonumber(cur[1]), tonumber(cur[2])
  local nts, nv = tonumber(ARGV[1]), tonumber(ARGV[2])
  if ts > nts or (ts == nts and v >= nv) then
    return 0
  end
end
redis.call("HSET", KEYS[1], "ts", ARGV[1], "v", ARGV[2], "data", ARGV[3])
if tonumber(ARGV[4]) > 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[4])
end
return 1
`)

// SnapshotStore keeps the last snapshot per tracker in a Redis hash.
type SnapshotStore struct {
	cli *redis.Client
	ttl time.Duration
}

func NewSnapshotStore(c *Client, ttl time.Duration) *SnapshotStore {
	return &SnapshotStore{cli: c.cli, ttl: ttl}
}

func SnapshotKey(workflow, key string) string {
	return fmt.Sprintf("tracker:%s:%s", workflow, key)
}

func (s *SnapshotStore) Put(ctx context.Context, snap model.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	_, err = putIfNewer.Run(ctx, s.cli,
		[]string{SnapshotKey(snap.Workflow, snap.Key)},
		snap.UpdatedAt.UnixMicro(), snap.Version, data, s.ttl.Milliseconds(),
	).Result()
	if err != nil {
		metrics.IncCacheRequest(cacheName, "write_error")
		return fmt.Errorf("store snapshot: %w", err)
	}
	return nil
}

func (s *SnapshotStore) Get(ctx context.Context, workflow, key string) (*model.Snapshot, error) {
	data, err := s.cli.HGet(ctx, SnapshotKey(workflow, key), "data").Bytes()
	if errors.Is(err, redis.Nil) {
		metrics.IncCacheRequest(cacheName, "miss")
		return nil, domain.ErrNotFound
	}
	if err != nil {
		metrics.IncCacheRequest(cacheName, "error")
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	var snap model.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		metrics.IncCacheRequest(cacheName, "error")
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	metrics.IncCacheRequest(cacheName, "hit")
	return &snap, nil
}

func (s *SnapshotStore) Delete(ctx context.Context, workflow, key string) error {
	return s.cli.Del(ctx, SnapshotKey(workflow, key)).Err()
}
