package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog"

	"crm-enrichment/internal/domain"
	"crm-enrichment/internal/domain/model"
	"crm-enrichment/internal/domain/ports/adapter"
	"crm-enrichment/internal/domain/ports/repository"
	"crm-enrichment/internal/infra/metrics"
	"crm-enrichment/internal/infra/worker"
)

// Compile-time check
var _ TrackerUseCase = (*trackerUC)(nil)

const maxKeyLen = 128

// TrackerUseCase owns one EnrichmentTracker per (workflow, key), e.g. per lead id.
type TrackerUseCase interface {
	Submit(ctx context.Context, workflow, key string, request json.RawMessage) (model.Snapshot, error)
	Reset(ctx context.Context, workflow, key string) (model.Snapshot, error)
	Snapshot(ctx context.Context, workflow, key string) (model.Snapshot, error)
	History(ctx context.Context, workflow, key string, limit int) ([]*model.JobRecord, error)
	Workflows() []string
	// Sweep evicts trackers that have sat outside processing longer than the idle TTL.
	Sweep(ctx context.Context) (int, error)
	Close()
}

// Workflow is everything the registry needs to build trackers for one job type.
type Workflow struct {
	Name     string
	Budget   model.RetryBudget
	Resolver StateResolver
	Backend  adapter.WorkflowBackend
	Poller   adapter.Poller
}

// TaskRunner runs persistence writes off the tracker's callback path.
// *worker.Pool satisfies it.
type TaskRunner interface {
	Submit(task worker.Task) error
}

type RegistryConfig struct {
	Workflows []Workflow
	// Optional. Without Snapshots, evicted trackers read back as idle.
	Snapshots repository.SnapshotStore
	// Optional. Without Records, History returns nothing.
	Records repository.JobRecordRepository
	// Optional. When set, saving a record and pruning old ones share a transaction.
	Tx repository.TransactionManager
	// Records kept per tracker; 0 keeps everything.
	HistoryKeep int
	// Optional. Without a runner, writes happen inline.
	Runner  TaskRunner
	IdleTTL time.Duration
	Logger  *zerolog.Logger
	Now     func() time.Time
}

type trackerKey struct {
	workflow string
	key      string
}

type trackerUC struct {
	workflows map[string]Workflow
	snapshots repository.SnapshotStore
	records   repository.JobRecordRepository
	tx        repository.TransactionManager
	keep      int
	runner    TaskRunner
	idleTTL   time.Duration
	now       func() time.Time
	log       *zerolog.Logger

	mu       sync.Mutex
	trackers map[trackerKey]*EnrichmentTracker
	closed   bool
}

func NewTrackerUseCase(cfg RegistryConfig) (*trackerUC, error) {
	if len(cfg.Workflows) == 0 {
		return nil, fmt.Errorf("%w: at least one workflow is required", domain.ErrInvalidArgument)
	}
	wfs := make(map[string]Workflow, len(cfg.Workflows))
	for _, wf := range cfg.Workflows {
		if wf.Name == "" || wf.Backend == nil || wf.Poller == nil {
			return nil, fmt.Errorf("%w: workflow %q is incomplete", domain.ErrInvalidArgument, wf.Name)
		}
		if err := wf.Budget.Validate(); err != nil {
			return nil, fmt.Errorf("workflow %s: %w", wf.Name, err)
		}
		wfs[wf.Name] = wf
	}
	log := cfg.Logger
	if log == nil {
		l := zerolog.Nop()
		log = &l
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 30 * time.Minute
	}
	return &trackerUC{
		workflows: wfs,
		snapshots: cfg.Snapshots,
		records:   cfg.Records,
		tx:        cfg.Tx,
		keep:      cfg.HistoryKeep,
		runner:    cfg.Runner,
		idleTTL:   cfg.IdleTTL,
		now:       cfg.Now,
		log:       log,
		trackers:  make(map[trackerKey]*EnrichmentTracker),
	}, nil
}

func (u *trackerUC) Workflows() []string {
	names := make([]string, 0, len(u.workflows))
	for n := range u.workflows {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (u *trackerUC) Submit(ctx context.Context, workflow, key string, request json.RawMessage) (model.Snapshot, error) {
	// A sweep can close the tracker between lookup and use; one retry gets a fresh one.
	for i := 0; ; i++ {
		tr, err := u.tracker(workflow, key, true)
		if err != nil {
			return model.Snapshot{}, err
		}
		err = tr.Submit(ctx, request)
		if errors.Is(err, domain.ErrTrackerClosed) && i == 0 {
			continue
		}
		return tr.Snapshot(), err
	}
}

func (u *trackerUC) Reset(ctx context.Context, workflow, key string) (model.Snapshot, error) {
	tr, err := u.tracker(workflow, key, false)
	if err != nil {
		return model.Snapshot{}, err
	}
	if tr != nil {
		tr.Reset()
		return tr.Snapshot(), nil
	}
	// Not in memory: drop whatever was persisted so reads come back idle.
	if u.snapshots != nil {
		if err := u.snapshots.Delete(ctx, workflow, key); err != nil {
			u.log.Warn().Err(err).Str("workflow", workflow).Str("tracker_key", key).Msg("could not delete stored snapshot")
		}
	}
	return u.idleSnapshot(workflow, key), nil
}

func (u *trackerUC) Snapshot(ctx context.Context, workflow, key string) (model.Snapshot, error) {
	tr, err := u.tracker(workflow, key, false)
	if err != nil {
		return model.Snapshot{}, err
	}
	if tr != nil {
		return tr.Snapshot(), nil
	}
	if u.snapshots != nil {
		snap, err := u.snapshots.Get(ctx, workflow, key)
		switch {
		case err == nil:
			return *snap, nil
		case errors.Is(err, domain.ErrNotFound):
		default:
			u.log.Warn().Err(err).Str("workflow", workflow).Str("tracker_key", key).Msg("snapshot store read failed")
		}
	}
	return u.idleSnapshot(workflow, key), nil
}

func (u *trackerUC) History(ctx context.Context, workflow, key string, limit int) ([]*model.JobRecord, error) {
	if err := u.validate(workflow, key); err != nil {
		return nil, err
	}
	if u.records == nil {
		return []*model.JobRecord{}, nil
	}
	return u.records.ListByKey(ctx, repository.NoTX, workflow, key, limit)
}

func (u *trackerUC) Sweep(ctx context.Context) (int, error) {
	now := u.now()
	var evicted []*EnrichmentTracker

	u.mu.Lock()
	for k, tr := range u.trackers {
		if ctx.Err() != nil {
			break
		}
		if idle, ok := tr.Idle(now); ok && idle >= u.idleTTL {
			delete(u.trackers, k)
			evicted = append(evicted, tr)
		}
	}
	u.reportActiveLocked()
	u.mu.Unlock()

	for _, tr := range evicted {
		tr.Close()
	}
	return len(evicted), ctx.Err()
}

func (u *trackerUC) Close() {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return
	}
	u.closed = true
	all := make([]*EnrichmentTracker, 0, len(u.trackers))
	for k, tr := range u.trackers {
		all = append(all, tr)
		delete(u.trackers, k)
	}
	u.reportActiveLocked()
	u.mu.Unlock()

	for _, tr := range all {
		tr.Close()
	}
}

func (u *trackerUC) validate(workflow, key string) error {
	if _, ok := u.workflows[workflow]; !ok {
		return fmt.Errorf("%w: %q", domain.ErrUnknownWorkflow, workflow)
	}
	key = strings.TrimSpace(key)
	if key == "" || len(key) > maxKeyLen {
		return fmt.Errorf("%w: tracker key must be 1..%d characters", domain.ErrInvalidArgument, maxKeyLen)
	}
	return nil
}

// tracker looks up the tracker for (workflow, key). With create it builds one
// on demand; otherwise a missing tracker is (nil, nil).
func (u *trackerUC) tracker(workflow, key string, create bool) (*EnrichmentTracker, error) {
	if err := u.validate(workflow, key); err != nil {
		return nil, err
	}
	k := trackerKey{workflow: workflow, key: strings.TrimSpace(key)}

	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return nil, domain.ErrTrackerClosed
	}
	if tr, ok := u.trackers[k]; ok || !create {
		return tr, nil
	}

	wf := u.workflows[workflow]
	tr, err := NewEnrichmentTracker(TrackerConfig{
		Workflow:  wf.Name,
		Key:       k.key,
		Budget:    wf.Budget,
		Resolver:  wf.Resolver,
		Submitter: wf.Backend,
		Poller:    wf.Poller,
		Logger:    u.log,
		Now:       u.now,
	})
	if err != nil {
		return nil, err
	}
	tr.OnTransition(func(_ model.TrackerState, snap model.Snapshot) { u.persist(snap) })
	u.trackers[k] = tr
	u.reportActiveLocked()
	return tr, nil
}

// persist hands snap to the runner. Failures are logged and never touch tracker state.
func (u *trackerUC) persist(snap model.Snapshot) {
	if u.snapshots == nil && u.records == nil {
		return
	}
	finishedAt := u.now()
	task := func(ctx context.Context) error {
		var errs []error
		if u.snapshots != nil {
			if err := u.snapshots.Put(ctx, snap); err != nil {
				errs = append(errs, err)
			}
		}
		if u.records != nil && snap.State.IsTerminal() && snap.Handle != nil {
			if err := u.saveRecord(ctx, snap.Record(finishedAt)); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}

	if u.runner == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := task(ctx); err != nil {
			u.log.Warn().Err(err).Str("workflow", snap.Workflow).Str("tracker_key", snap.Key).Msg("persisting snapshot failed")
		}
		return
	}
	if err := u.runner.Submit(task); err != nil {
		metrics.IncPersistDropped(snap.Workflow)
		u.log.Warn().Err(err).Str("workflow", snap.Workflow).Str("tracker_key", snap.Key).
			Str("state", string(snap.State)).Msg("persistence queue rejected snapshot")
	}
}

func (u *trackerUC) saveRecord(ctx context.Context, rec *model.JobRecord) error {
	write := func(ctx context.Context, tx repository.Tx) error {
		if err := u.records.Save(ctx, tx, rec); err != nil {
			return err
		}
		if u.keep <= 0 {
			return nil
		}
		_, err := u.records.Prune(ctx, tx, rec.Workflow, rec.TrackerKey, u.keep)
		return err
	}
	if u.tx == nil {
		return write(ctx, repository.NoTX)
	}
	return u.tx.WithTx(ctx, pgx.TxOptions{}, write)
}

func (u *trackerUC) idleSnapshot(workflow, key string) model.Snapshot {
	return model.Snapshot{
		Workflow: workflow,
		Key:      strings.TrimSpace(key),
		State:    model.TrackerStateIdle,
		Message:  model.TrackerStateIdle.Message(),
	}
}

func (u *trackerUC) reportActiveLocked() {
	counts := make(map[string]int, len(u.workflows))
	for name := range u.workflows {
		counts[name] = 0
	}
	for k := range u.trackers {
		counts[k.workflow]++
	}
	for name, n := range counts {
		metrics.SetTrackersActive(name, n)
	}
}
