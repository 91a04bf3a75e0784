package repository

import (
	"context"

	"crm-enrichment/internal/domain/model"
)

type JobRecordRepository interface {
	Save(ctx context.Context, tx Tx, rec *model.JobRecord) error
	FindByHandleID(ctx context.Context, tx Tx, handleID string) (*model.JobRecord, error)
	// ListByKey returns the newest records first.
	ListByKey(ctx context.Context, tx Tx, workflow, key string, limit int) ([]*model.JobRecord, error)
	// Prune keeps the newest keep records for (workflow, key) and reports how many it removed.
	Prune(ctx context.Context, tx Tx, workflow, key string, keep int) (int64, error)
}
