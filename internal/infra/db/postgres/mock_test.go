//go:build !integration

package postgres

import (
	"context"
	"time"

	"crm-enrichment/internal/domain/model"
	"crm-enrichment/internal/domain/ports/repository"
	red "crm-enrichment/internal/infra/redis"
)

// --- Mocks for Cache Decorator Tests ---

// mockInnerJobRepo mocks the database repository that the history decorator wraps.
type mockInnerJobRepo struct {
	SaveFunc           func(ctx context.Context, tx repository.Tx, rec *model.JobRecord) error
	FindByHandleIDFunc func(ctx context.Context, tx repository.Tx, handleID string) (*model.JobRecord, error)
	ListByKeyFunc      func(ctx context.Context, tx repository.Tx, workflow, key string, limit int) ([]*model.JobRecord, error)
	PruneFunc          func(ctx context.Context, tx repository.Tx, workflow, key string, keep int) (int64, error)
}

func (m *mockInnerJobRepo) Save(ctx context.Context, tx repository.Tx, rec *model.JobRecord) error {
	return m.SaveFunc(ctx, tx, rec)
}
func (m *mockInnerJobRepo) FindByHandleID(ctx context.Context, tx repository.Tx, handleID string) (*model.JobRecord, error) {
	return m.FindByHandleIDFunc(ctx, tx, handleID)
}
func (m *mockInnerJobRepo) ListByKey(ctx context.Context, tx repository.Tx, workflow, key string, limit int) ([]*model.JobRecord, error) {
	return m.ListByKeyFunc(ctx, tx, workflow, key, limit)
}
func (m *mockInnerJobRepo) Prune(ctx context.Context, tx repository.Tx, workflow, key string, keep int) (int64, error) {
	return m.PruneFunc(ctx, tx, workflow, key, keep)
}

// mockRedisClient mocks the cache subset of the Redis client.
type mockRedisClient struct {
	GetFunc func(ctx context.Context, key string) (string, error)
	SetFunc func(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	DelFunc func(ctx context.Context, keys ...string) error
}

var _ red.Cache = (*mockRedisClient)(nil)

func (m *mockRedisClient) Get(ctx context.Context, key string) (string, error) {
	return m.GetFunc(ctx, key)
}
func (m *mockRedisClient) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	if m.SetFunc == nil {
		return nil
	}
	return m.SetFunc(ctx, key, value, expiration)
}
func (m *mockRedisClient) Del(ctx context.Context, keys ...string) error {
	if m.DelFunc == nil {
		return nil
	}
	return m.DelFunc(ctx, keys...)
}
