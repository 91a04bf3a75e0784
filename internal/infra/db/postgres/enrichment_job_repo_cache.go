package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"crm-enrichment/internal/domain/model"
	"crm-enrichment/internal/domain/ports/repository"
	"crm-enrichment/internal/infra/metrics"
	red "crm-enrichment/internal/infra/redis"
)

var _ repository.JobRecordRepository = (*jobRecordCacheDecorator)(nil)

// A cached history entry holds maxHistoryLimit records; smaller limits are
// served by slicing it.
type jobRecordCacheDecorator struct {
	inner repository.JobRecordRepository
	cache red.Cache
	ttl   time.Duration
}

// NewJobRecordCacheDecorator serves history reads from Redis and drops the
// cached list whenever a record for the same tracker is saved.
func NewJobRecordCacheDecorator(inner repository.JobRecordRepository, cache red.Cache, ttl time.Duration) repository.JobRecordRepository {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &jobRecordCacheDecorator{inner: inner, cache: cache, ttl: ttl}
}

func HistoryKey(workflow, key string) string {
	return fmt.Sprintf("history:%s:%s", workflow, key)
}

func recordKey(handleID string) string {
	return fmt.Sprintf("job_record:%s", handleID)
}

func (d *jobRecordCacheDecorator) Save(ctx context.Context, tx repository.Tx, rec *model.JobRecord) error {
	if err := d.inner.Save(ctx, tx, rec); err != nil {
		return err
	}
	if err := d.cache.Del(ctx, HistoryKey(rec.Workflow, rec.TrackerKey)); err != nil {
		metrics.IncCacheRequest("history", "error")
	}
	return nil
}

func (d *jobRecordCacheDecorator) Prune(ctx context.Context, tx repository.Tx, workflow, key string, keep int) (int64, error) {
	n, err := d.inner.Prune(ctx, tx, workflow, key, keep)
	if err != nil || n == 0 {
		return n, err
	}
	if err := d.cache.Del(ctx, HistoryKey(workflow, key)); err != nil {
		metrics.IncCacheRequest("history", "error")
	}
	return n, nil
}

// Records never change once written, so they are cached without invalidation.
func (d *jobRecordCacheDecorator) FindByHandleID(ctx context.Context, tx repository.Tx, handleID string) (*model.JobRecord, error) {
	if tx == nil {
		if rec := d.lookupRecord(ctx, handleID); rec != nil {
			return rec, nil
		}
	}
	rec, err := d.inner.FindByHandleID(ctx, tx, handleID)
	if err != nil {
		return nil, err
	}
	if b, err := json.Marshal(rec); err == nil {
		_ = d.cache.Set(ctx, recordKey(handleID), b, d.ttl)
	}
	return rec, nil
}

func (d *jobRecordCacheDecorator) ListByKey(ctx context.Context, tx repository.Tx, workflow, key string, limit int) ([]*model.JobRecord, error) {
	// Reads inside a transaction must see uncommitted rows.
	if tx != nil {
		return d.inner.ListByKey(ctx, tx, workflow, key, limit)
	}
	limit = historyLimit(limit)

	ck := HistoryKey(workflow, key)
	val, err := d.cache.Get(ctx, ck)
	switch {
	case err == nil:
		var recs []*model.JobRecord
		if json.Unmarshal([]byte(val), &recs) == nil {
			metrics.IncCacheRequest("history", "hit")
			return head(recs, limit), nil
		}
		metrics.IncCacheRequest("history", "error")
	case errors.Is(err, redis.Nil):
		metrics.IncCacheRequest("history", "miss")
	default:
		metrics.IncCacheRequest("history", "error")
	}

	recs, err := d.inner.ListByKey(ctx, nil, workflow, key, maxHistoryLimit)
	if err != nil {
		return nil, err
	}
	if b, err := json.Marshal(recs); err == nil {
		_ = d.cache.Set(ctx, ck, b, d.ttl)
	}
	return head(recs, limit), nil
}

func (d *jobRecordCacheDecorator) lookupRecord(ctx context.Context, handleID string) *model.JobRecord {
	val, err := d.cache.Get(ctx, recordKey(handleID))
	if err != nil {
		if errors.Is(err, redis.Nil) {
			metrics.IncCacheRequest("job_record", "miss")
		} else {
			metrics.IncCacheRequest("job_record", "error")
		}
		return nil
	}
	var rec model.JobRecord
	if json.Unmarshal([]byte(val), &rec) != nil {
		metrics.IncCacheRequest("job_record", "error")
		return nil
	}
	metrics.IncCacheRequest("job_record", "hit")
	return &rec
}

func head(recs []*model.JobRecord, n int) []*model.JobRecord {
	if len(recs) > n {
		return recs[:n]
	}
	if recs == nil {
		return []*model.JobRecord{}
	}
	return recs
}
