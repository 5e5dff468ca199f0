package coordinator_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Spatial-Information-QLD/cam-location-addressing-feature-service-etl/internal/coordinator"
	"github.com/Spatial-Information-QLD/cam-location-addressing-feature-service-etl/internal/diff"
	"github.com/Spatial-Information-QLD/cam-location-addressing-feature-service-etl/internal/featureservice"
	"github.com/Spatial-Information-QLD/cam-location-addressing-feature-service-etl/internal/logger"
	"github.com/Spatial-Information-QLD/cam-location-addressing-feature-service-etl/internal/snapshot"
	"github.com/Spatial-Information-QLD/cam-location-addressing-feature-service-etl/internal/sync"
)

type fakeHandle struct{ released bool }

func (h *fakeHandle) Release(ctx context.Context) error {
	h.released = true
	return nil
}

type fakeLease struct {
	handle *fakeHandle
	fail   error
}

func (f *fakeLease) Acquire(ctx context.Context) (coordinator.LeaseHandle, error) {
	if f.fail != nil {
		return nil, f.fail
	}
	f.handle = &fakeHandle{}
	return f.handle, nil
}

type fakePublisher struct {
	previousPath string // non-empty when a previous snapshot exists on "disk"
	published    []byte
	publishedAt  time.Time
}

func (f *fakePublisher) FetchPrevious(ctx context.Context, localPath string) (bool, error) {
	if f.previousPath == "" {
		return false, nil
	}
	data, err := os.ReadFile(f.previousPath)
	if err != nil {
		return false, err
	}
	return true, os.WriteFile(localPath, data, 0o644)
}

func (f *fakePublisher) PublishCurrent(ctx context.Context, ts time.Time, name, localPath string) (string, error) {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return "", err
	}
	f.published = data
	f.publishedAt = ts
	return "https://storage.example/" + name, nil
}

type fakeTokens struct{}

func (fakeTokens) Token(ctx context.Context) (string, error)        { return "tok", nil }
func (fakeTokens) ForceRefresh(ctx context.Context) (string, error) { return "tok", nil }

// fakeESRI simulates the widget layer's query/applyEdits endpoints.
type fakeESRI struct {
	deletedObjectIDs []any
	insertedFeatures []featureservice.Feature
}

func (f *fakeESRI) ServiceRequest(ctx context.Context, method, target string, form url.Values) (map[string]any, error) {
	if deletes := form.Get("deletes"); deletes != "" {
		var ids []any
		_ = json.Unmarshal([]byte(deletes), &ids)
		f.deletedObjectIDs = append(f.deletedObjectIDs, ids...)
		return map[string]any{}, nil
	}
	return map[string]any{
		"features": []any{
			map[string]any{"attributes": map[string]any{"objectid": float64(1)}},
		},
	}, nil
}

func (f *fakeESRI) BulkServiceRequest(ctx context.Context, target string, form url.Values) (map[string]any, error) {
	var features []featureservice.Feature
	_ = json.Unmarshal([]byte(form.Get("adds")), &features)
	f.insertedFeatures = append(f.insertedFeatures, features...)
	return map[string]any{}, nil
}

// widgetPipeline is a minimal single-entity coordinator.Pipeline used to
// exercise the run sequence without a real SPARQL/geocode extraction.
type widgetPipeline struct {
	esri       *fakeESRI
	rowsToLoad []string // business ids to insert into widget_current on Extract
}

func (p *widgetPipeline) Name() string         { return "widget-etl" }
func (p *widgetPipeline) LockID() string       { return "widget-etl" }
func (p *widgetPipeline) SnapshotName() string { return "widget" }

func (p *widgetPipeline) CreateSchema(ctx context.Context, s *snapshot.Store) error {
	table := p.table()
	if err := table.CreateCurrent(ctx, s); err != nil {
		return err
	}
	if err := table.CreatePrevious(ctx, s); err != nil {
		return err
	}
	if err := snapshot.CreateLoadedQueue(ctx, s, "widget", "TEXT"); err != nil {
		return err
	}
	return snapshot.CreateMetadataTable(ctx, s)
}

func (p *widgetPipeline) Extract(ctx context.Context, s *snapshot.Store, watermark time.Time, hasWatermark, previousAttached bool) error {
	for _, id := range p.rowsToLoad {
		_, err := s.DB().ExecContext(ctx, `INSERT INTO widget (widget_id, value) VALUES (?, ?)`, id, "v-"+id)
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *widgetPipeline) table() snapshot.Table {
	return snapshot.Table{
		Name: "widget",
		Columns: []snapshot.Column{
			{Name: "widget_id", Type: snapshot.ColText, NotNull: true},
			{Name: "value", Type: snapshot.ColText},
			{Name: "hash", Type: snapshot.ColText},
		},
		HashColumn:  "hash",
		BusinessKey: "widget_id",
	}
}

func (p *widgetPipeline) Entities() []coordinator.EntitySpec {
	client := featureservice.New(p.esri, "https://esri.example/widget/query", "https://esri.example/widget/applyEdits")
	return []coordinator.EntitySpec{
		{
			Table: p.table(),
			DiffSpec: diff.Spec{
				PreviousTable: "widget_previous",
				CurrentTable:  "widget",
				HashColumn:    "hash",
				BusinessKey:   "widget_id",
			},
			SyncSpec: sync.Spec{
				Entity:              "widget",
				CurrentTable:        "widget",
				BusinessKey:         "widget_id",
				BusinessKeyIsString: true,
				OutFields:           []string{"widget_id", "value"},
				Client:              client,
			},
		},
	}
}

func TestRunPublishesFirstRunSnapshotWithAllRowsAdded(t *testing.T) {
	ctx := context.Background()
	esri := &fakeESRI{}
	pipeline := &widgetPipeline{esri: esri, rowsToLoad: []string{"1", "2"}}
	pub := &fakePublisher{}
	lease := &fakeLease{}

	c := coordinator.New(coordinator.Config{
		Pipeline:     pipeline,
		SnapshotPath: filepath.Join(t.TempDir(), "widget.db"),
		Lease:        lease,
		Publisher:    pub,
		Tokens:       fakeTokens{},
		Log:          logger.New(true),
	})

	err := c.Run(ctx)
	require.NoError(t, err)

	require.True(t, lease.handle.released)
	require.NotEmpty(t, pub.published)
	require.Len(t, esri.insertedFeatures, 2)
	require.Empty(t, esri.deletedObjectIDs)
}

func TestRunReleasesLeaseEvenWhenExtractFails(t *testing.T) {
	ctx := context.Background()
	pipeline := &failingExtractPipeline{}
	lease := &fakeLease{}

	c := coordinator.New(coordinator.Config{
		Pipeline:     pipeline,
		SnapshotPath: filepath.Join(t.TempDir(), "widget.db"),
		Lease:        lease,
		Publisher:    &fakePublisher{},
		Tokens:       fakeTokens{},
		Log:          logger.New(true),
	})

	err := c.Run(ctx)
	require.Error(t, err)
	require.True(t, lease.handle.released)
}

type failingExtractPipeline struct{ widgetPipeline }

var errExtractBoom = errors.New("extract boom")

func (p *failingExtractPipeline) Extract(ctx context.Context, s *snapshot.Store, watermark time.Time, hasWatermark, previousAttached bool) error {
	return errExtractBoom
}
