// Package coordinator implements the run coordinator: the nine-step
// sequence that drives one lease-guarded extract → diff → sync → publish
// cycle, shared by both pipeline variants.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/Spatial-Information-QLD/cam-location-addressing-feature-service-etl/internal/diff"
	"github.com/Spatial-Information-QLD/cam-location-addressing-feature-service-etl/internal/errs"
	"github.com/Spatial-Information-QLD/cam-location-addressing-feature-service-etl/internal/lease"
	"github.com/Spatial-Information-QLD/cam-location-addressing-feature-service-etl/internal/snapshot"
	"github.com/Spatial-Information-QLD/cam-location-addressing-feature-service-etl/internal/sync"
)

// EntitySpec binds one entity's table and diff/sync specs together. The
// order entities appear in Pipeline.Entities() is the insert order. Each
// entity's deletes and inserts are applied together before the next entity
// is synced, so deletes follow the same order; they are not applied in
// reverse.
type EntitySpec struct {
	Table        snapshot.Table
	DiffSpec     diff.Spec
	SyncSpec     sync.Spec
	ExtraIndexes []string // additional columns to index, beyond business key/foreign keys/hash
}

// Pipeline is the concrete wiring supplied by internal/pipeline/locationaddress
// and internal/pipeline/pls. The coordinator owns steps 1, 2, 3, 7, 8, 9; the
// pipeline owns the extraction-specific steps 4, 5, 6 via Extract.
type Pipeline interface {
	Name() string
	LockID() string
	SnapshotName() string

	// CreateSchema creates every current/previous/staging/loaded/id-map
	// table the pipeline needs, via the snapshot package (step 2).
	CreateSchema(ctx context.Context, s *snapshot.Store) error

	// Extract performs SPARQL and geocode extraction, id-map rewriting,
	// indexing, and the geocode join.
	// watermark is the previous run's start time, when one exists;
	// previousAttached reports whether a previous snapshot is attached under
	// "previous" at all (independent of whether it carried a watermark).
	Extract(ctx context.Context, s *snapshot.Store, watermark time.Time, hasWatermark, previousAttached bool) error

	// Entities lists the tables to hash/diff/sync, in insert order.
	Entities() []EntitySpec
}

// LeaseHandle is the subset of *lease.Handle the coordinator needs.
type LeaseHandle interface {
	Release(ctx context.Context) error
}

// LeaseSource is the subset of *lease.Lease the coordinator needs, narrowed
// so tests can supply a fake. Wrap a real *lease.Lease with WrapLease.
type LeaseSource interface {
	Acquire(ctx context.Context) (LeaseHandle, error)
}

type leaseAdapter struct{ l *lease.Lease }

func (a leaseAdapter) Acquire(ctx context.Context) (LeaseHandle, error) { return a.l.Acquire(ctx) }

// WrapLease adapts a *lease.Lease to LeaseSource.
func WrapLease(l *lease.Lease) LeaseSource { return leaseAdapter{l} }

// SnapshotPublisher is the subset of *publisher.Publisher the coordinator
// needs, narrowed so tests can supply a fake. A *publisher.Publisher
// satisfies this interface directly.
type SnapshotPublisher interface {
	FetchPrevious(ctx context.Context, localPath string) (bool, error)
	PublishCurrent(ctx context.Context, ts time.Time, name, localPath string) (string, error)
}

// Notifier reports a failed run to an out-of-band channel. The Slack
// implementation skips silently when unconfigured; a nil Notifier is also
// valid. Sentry capture is separate and happens in reportFailure.
type Notifier interface {
	NotifyFailure(ctx context.Context, pipeline string, runID uuid.UUID, err error)
}

// Config wires one pipeline run together.
type Config struct {
	Pipeline     Pipeline
	SnapshotPath string
	Lease        LeaseSource
	Publisher    SnapshotPublisher
	Tokens       sync.TokenSource // shared ESRI token broker for the whole run
	Clock        clockwork.Clock
	Log          *slog.Logger
	Notifier     Notifier // optional
}

// Coordinator drives one Pipeline through the full run sequence.
type Coordinator struct {
	cfg Config
}

// New constructs a Coordinator from cfg.
func New(cfg Config) *Coordinator {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Coordinator{cfg: cfg}
}

// Run executes the nine-step sequence. On any error between lease
// acquisition and release, the lease is always released, the local database
// file is closed, and the error propagates; no partial snapshot is
// published.
func (c *Coordinator) Run(ctx context.Context) (err error) {
	runID := uuid.New()
	log := c.cfg.Log.With("run_id", runID.String(), "pipeline", c.cfg.Pipeline.Name())
	log.Info("run starting")

	defer func() {
		if err != nil {
			log.Error("run failed", "error", err)
			c.reportFailure(ctx, runID, err)
		} else {
			log.Info("run completed")
		}
	}()

	// Step 1: acquire exclusive lease.
	handle, err := c.cfg.Lease.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire lease: %w", err)
	}
	defer func() {
		releaseCtx := context.WithoutCancel(ctx)
		if releaseErr := handle.Release(releaseCtx); releaseErr != nil {
			log.Error("failed to release lease", "error", releaseErr)
		}
	}()

	// Step 2: open snapshot database, create schema, write start time.
	store, err := snapshot.Open(ctx, log, c.cfg.SnapshotPath)
	if err != nil {
		return fmt.Errorf("open snapshot store: %w", err)
	}
	defer store.Close()

	if err := c.cfg.Pipeline.CreateSchema(ctx, store); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	start := c.cfg.Clock.Now()
	if err := snapshot.WriteMetadataStartTime(ctx, store, start); err != nil {
		return fmt.Errorf("write start time: %w", err)
	}

	// Step 3: fetch previous snapshot, attach, copy rows, read watermark.
	previousPath := c.cfg.SnapshotPath + ".previous"
	watermark, hasWatermark, attached, err := c.attachPrevious(ctx, store, previousPath, log)
	if err != nil {
		return err
	}
	if attached {
		defer func() {
			if detachErr := store.DetachPrevious(ctx); detachErr != nil {
				log.Error("failed to detach previous snapshot", "error", detachErr)
			}
			os.Remove(previousPath)
		}()
	}

	// Steps 4-6: pipeline-specific extraction, geocode join, id-map rewrite,
	// indexing.
	if err := c.cfg.Pipeline.Extract(ctx, store, watermark, hasWatermark, attached); err != nil {
		return fmt.Errorf("extract: %w", err)
	}

	// Finalize restores durability/FK enforcement and runs the foreign-key
	// integrity gate; it must not be skipped even though sync never rolls
	// back on a violation found here.
	if err := store.Finalize(ctx); err != nil {
		return fmt.Errorf("finalize schema: %w", err)
	}

	entities := c.cfg.Pipeline.Entities()

	// Step 7: hash every entity table, then index it. Indexes (including the
	// hash column's uniqueness constraint) are built after load so bulk
	// insert throughput is unaffected.
	for _, e := range entities {
		if err := snapshot.HashTable(ctx, log, store, e.Table); err != nil {
			return fmt.Errorf("hash %s: %w", e.Table.Name, err)
		}
		if err := e.Table.Indexes(ctx, store, e.ExtraIndexes...); err != nil {
			return fmt.Errorf("index %s: %w", e.Table.Name, err)
		}
	}

	// Step 8: diff and sync each entity in insert order (leaves-to-root).
	// Each entity's deletes and inserts run in one delete-then-insert-union
	// pass before the next entity, so deletes are not applied root-to-leaves.
	engine := sync.New(store, c.cfg.Tokens)
	for _, e := range entities {
		result, err := diff.Compute(ctx, store, e.DiffSpec)
		if err != nil {
			return fmt.Errorf("diff %s: %w", e.Table.Name, err)
		}
		log.Info("diff computed", "entity", e.Table.Name, "deleted", len(result.Deleted), "added", len(result.Added))

		if err := engine.Sync(ctx, e.SyncSpec, result.Deleted, result.Added); err != nil {
			return fmt.Errorf("sync %s: %w", e.Table.Name, err)
		}
	}

	// Step 9: write end time, detach previous (handled by defer above),
	// publish current snapshot, release lease (handled by defer above).
	end := c.cfg.Clock.Now()
	if err := snapshot.WriteMetadataEndTime(ctx, store, end); err != nil {
		return fmt.Errorf("write end time: %w", err)
	}

	if err := store.Checkpoint(ctx); err != nil {
		return fmt.Errorf("checkpoint snapshot before publish: %w", err)
	}
	url, err := c.cfg.Publisher.PublishCurrent(ctx, end, c.cfg.Pipeline.SnapshotName(), c.cfg.SnapshotPath)
	if err != nil {
		return fmt.Errorf("publish current snapshot: %w", err)
	}
	log.Info("snapshot published", "url", url)

	return nil
}

// attachPrevious downloads the previous snapshot (if any), attaches it, and
// copies its rows into each entity's _previous table. attached is false on a
// first run, in which case every _previous table stays empty and every
// current row is reported as "added".
func (c *Coordinator) attachPrevious(ctx context.Context, store *snapshot.Store, previousPath string, log *slog.Logger) (watermark time.Time, hasWatermark, attached bool, err error) {
	fetched, err := c.cfg.Publisher.FetchPrevious(ctx, previousPath)
	if err != nil {
		return time.Time{}, false, false, fmt.Errorf("fetch previous snapshot: %w", err)
	}
	if !fetched {
		log.Info("no previous snapshot found, treating as first run")
		return time.Time{}, false, false, nil
	}

	if err := store.AttachPrevious(ctx, previousPath); err != nil {
		return time.Time{}, false, false, fmt.Errorf("attach previous snapshot: %w", err)
	}
	for _, e := range c.cfg.Pipeline.Entities() {
		if err := snapshot.CopyPreviousRows(ctx, store, e.Table.Name); err != nil {
			return time.Time{}, false, true, fmt.Errorf("copy previous rows for %s: %w", e.Table.Name, err)
		}
	}

	watermark, hasWatermark, err = snapshot.ReadPreviousStartTime(ctx, store)
	if err != nil {
		return time.Time{}, false, true, fmt.Errorf("read previous start time: %w", err)
	}
	return watermark, hasWatermark, true, nil
}

func (c *Coordinator) reportFailure(ctx context.Context, runID uuid.UUID, runErr error) {
	if c.cfg.Notifier != nil {
		c.cfg.Notifier.NotifyFailure(ctx, c.cfg.Pipeline.Name(), runID, runErr)
	}
	if !errs.IsFatal(runErr) {
		return
	}
	sentry.CaptureException(runErr)
}
