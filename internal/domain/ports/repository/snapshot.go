package repository

import (
	"context"

	"crm-enrichment/internal/domain/model"
)

// SnapshotStore keeps the last known snapshot of every tracker so readers survive
// tracker eviction and process restarts.
type SnapshotStore interface {
	Put(ctx context.Context, snap model.Snapshot) error
	// Get returns domain.ErrNotFound when nothing is stored.
	Get(ctx context.Context, workflow, key string) (*model.Snapshot, error)
	Delete(ctx context.Context, workflow, key string) error
}
