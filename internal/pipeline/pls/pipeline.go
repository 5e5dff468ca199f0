// Package pls wires the shared core to the six Parcel/Lot/Survey
// collections (local authority, locality, road, parcel, site, address) plus
// their shared geocode table. Every collection's own identifier is an
// opaque IRI rewritten to a dense integer via internal/snapshot's id-map;
// the same rewrite is reused to translate the foreign-key column each
// child collection carries.
package pls

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Spatial-Information-QLD/cam-location-addressing-feature-service-etl/internal/coordinator"
	"github.com/Spatial-Information-QLD/cam-location-addressing-feature-service-etl/internal/diff"
	"github.com/Spatial-Information-QLD/cam-location-addressing-feature-service-etl/internal/featureservice"
	"github.com/Spatial-Information-QLD/cam-location-addressing-feature-service-etl/internal/paginate"
	"github.com/Spatial-Information-QLD/cam-location-addressing-feature-service-etl/internal/pipeline/geocode"
	"github.com/Spatial-Information-QLD/cam-location-addressing-feature-service-etl/internal/pipeline/sparqlload"
	"github.com/Spatial-Information-QLD/cam-location-addressing-feature-service-etl/internal/snapshot"
	"github.com/Spatial-Information-QLD/cam-location-addressing-feature-service-etl/internal/sparql"
	"github.com/Spatial-Information-QLD/cam-location-addressing-feature-service-etl/internal/sync"
)

// foreignKey names a TEXT column on a collection holding another
// collection's IRI, rewritten to INTEGER by idmap against that other
// collection's own map table.
type foreignKey struct {
	column   string // e.g. "local_authority_id"
	mapTable string // the referenced collection's id-map table name
}

// collection describes one of the six PLS entities: its own id column, any
// number of foreign-key columns referencing other collections' own ids, and
// the SPARQL templates used to populate it.
type collection struct {
	name        string
	idColumn    string         // e.g. "local_authority_id"
	fks         []foreignKey   // e.g. site_id, road_id on address
	dataColumns []string       // non-id, non-fk columns, e.g. ["la_name", "la_code"]
	maxLengths  map[string]int // optional CHECK(length(col) <= n) constraints
	irisQuery   func() string
	detailQuery func(chunk []string) string
}

var collections = []collection{
	{
		name:        "local_authority",
		idColumn:    "local_authority_id",
		dataColumns: []string{"la_name", "la_code"},
		maxLengths:  map[string]int{"la_name": 40},
		irisQuery:   func() string { return sparql.LocalAuthorityIRIs(nil) },
		detailQuery: sparql.LocalAuthorityRows,
	},
	{
		name:        "locality",
		idColumn:    "locality_id",
		fks:         []foreignKey{{column: "local_authority_id", mapTable: "local_authority_map"}},
		dataColumns: []string{"locality_code", "locality_name", "locality_type", "la_code", "state", "status"},
		irisQuery:   func() string { return sparql.LocalityIRIs(nil) },
		detailQuery: sparql.LocalityRows,
	},
	{
		name:        "road",
		idColumn:    "road_id",
		fks:         []foreignKey{{column: "locality_id", mapTable: "locality_map"}},
		dataColumns: []string{"road_name", "road_name_suffix", "road_name_type", "road_cat_desc", "locality_code"},
		irisQuery:   func() string { return sparql.RoadIRIs(nil) },
		detailQuery: sparql.RoadRows,
	},
	{
		name:        "parcel",
		idColumn:    "parcel_id",
		dataColumns: []string{"plan_no", "lot_no"},
		irisQuery:   func() string { return sparql.ParcelIRIs(nil) },
		detailQuery: sparql.ParcelRows,
	},
	{
		name:        "site",
		idColumn:    "site_id",
		fks:         []foreignKey{{column: "parcel_id", mapTable: "parcel_map"}},
		dataColumns: []string{"parent_site_id", "site_type"},
		irisQuery:   func() string { return sparql.SiteIRIs(nil) },
		detailQuery: sparql.SiteRows,
	},
	{
		name:     "address",
		idColumn: "address_id",
		fks: []foreignKey{
			{column: "site_id", mapTable: "site_map"},
			{column: "road_id", mapTable: "road_map"},
		},
		dataColumns: []string{
			"address_pid", "parcel_id", "addr_status_code", "unit_type", "unit_no", "unit_suffix",
			"level_type", "level_no", "level_suffix", "street_no_first", "street_no_first_suffix",
			"street_no_last", "street_no_last_suffix", "location_desc", "address_standard",
		},
		irisQuery:   func() string { return sparql.PLSAddressRows(nil) }, // the unrestricted detail query doubles as the listing
		detailQuery: sparql.PLSAddressRows,
	},
}

func (c collection) mapTable() string { return c.name + "_map" }

// rawColumns is the table shape as initially loaded: every id/fk column is
// TEXT (the raw IRI), rewritten to INTEGER in place by id-map Rewrite.
func (c collection) rawColumns() []snapshot.Column {
	cols := []snapshot.Column{{Name: c.idColumn, Type: snapshot.ColText, NotNull: true}}
	for _, name := range c.dataColumns {
		col := snapshot.Column{Name: name, Type: snapshot.ColText}
		if max, ok := c.maxLengths[name]; ok {
			col.MaxLength = max
		}
		cols = append(cols, col)
	}
	for _, fk := range c.fks {
		cols = append(cols, snapshot.Column{Name: fk.column, Type: snapshot.ColText})
	}
	cols = append(cols, snapshot.Column{Name: "hash", Type: snapshot.ColText})
	return cols
}

// columnsWithIntegerFKs is rawColumns with the id column and the first n fk
// columns (in declared order) redefined as INTEGER: the rebuild target for
// the n-th step of idmap.Rewrite, since a column must stay TEXT until its
// own Rewrite call runs.
func (c collection) columnsWithIntegerFKs(n int) []snapshot.Column {
	cols := c.rawColumns()
	integer := map[string]bool{c.idColumn: true}
	for _, fk := range c.fks[:n] {
		integer[fk.column] = true
	}
	for i := range cols {
		if integer[cols[i].Name] {
			cols[i].Type = snapshot.ColInteger
		}
	}
	return cols
}

// rewrittenColumns is the final shape with every id/fk column redefined as
// INTEGER, used for both CreateSchema and idmap.Rewrite's last step.
func (c collection) rewrittenColumns() []snapshot.Column {
	return c.columnsWithIntegerFKs(len(c.fks))
}

func (c collection) table() snapshot.Table {
	t := snapshot.Table{
		Name:        c.name,
		Columns:     c.rewrittenColumns(),
		HashColumn:  "hash",
		BusinessKey: c.idColumn,
	}
	for _, fk := range c.fks {
		t.ForeignKeys = append(t.ForeignKeys, snapshot.ForeignKey{Column: fk.column, RefTable: refTableFor(fk.mapTable), RefColumn: refIDFor(fk.mapTable)})
	}
	return t
}

func refTableFor(mapTable string) string {
	for _, c := range collections {
		if c.mapTable() == mapTable {
			return c.name
		}
	}
	return ""
}

func refIDFor(mapTable string) string {
	for _, c := range collections {
		if c.mapTable() == mapTable {
			return c.idColumn
		}
	}
	return ""
}

func (c collection) columnsForLoad() []string {
	cols := []string{c.idColumn}
	cols = append(cols, c.dataColumns...)
	for _, fk := range c.fks {
		cols = append(cols, fk.column)
	}
	return cols
}

// Pipeline implements coordinator.Pipeline for the six PLS collections.
type Pipeline struct {
	log            *slog.Logger
	sparqlEndpoint string

	sparqlClient paginate.SparqlQuerier
	clients      map[string]*featureservice.Client // keyed by collection name, plus "geocode"
	tokens       sync.TokenSource
}

// Config wires a Pipeline's dependencies.
type Config struct {
	Log            *slog.Logger
	SparqlEndpoint string
	SparqlClient   paginate.SparqlQuerier
	Clients        map[string]*featureservice.Client // "local_authority", "locality", "road", "parcel", "site", "address", "geocode"
	Tokens         sync.TokenSource
}

// New constructs a Pipeline from cfg.
func New(cfg Config) *Pipeline {
	return &Pipeline{
		log:            cfg.Log,
		sparqlEndpoint: cfg.SparqlEndpoint,
		sparqlClient:   cfg.SparqlClient,
		clients:        cfg.Clients,
		tokens:         cfg.Tokens,
	}
}

func (p *Pipeline) Name() string         { return "pls" }
func (p *Pipeline) LockID() string       { return "address-etl-pls" }
func (p *Pipeline) SnapshotName() string { return "pls" }

func (p *Pipeline) CreateSchema(ctx context.Context, s *snapshot.Store) error {
	for _, c := range collections {
		if err := snapshot.CreateIDMap(ctx, s, c.mapTable()); err != nil {
			return err
		}
		if err := snapshot.IDMapUniqueIndex(ctx, s, c.mapTable()); err != nil {
			return err
		}
		raw := snapshot.Table{Name: c.name, Columns: c.rawColumns(), HashColumn: "hash", BusinessKey: c.idColumn}
		if err := raw.CreateCurrent(ctx, s); err != nil {
			return err
		}
		if err := c.table().CreatePrevious(ctx, s); err != nil {
			return err
		}
		if err := snapshot.CreateLoadedQueue(ctx, s, c.name, "INTEGER"); err != nil {
			return err
		}
	}
	if err := geocode.CreateSchema(ctx, s, "site_id"); err != nil {
		return err
	}
	return snapshot.CreateMetadataTable(ctx, s)
}

func (p *Pipeline) Extract(ctx context.Context, s *snapshot.Store, watermark time.Time, hasWatermark, previousAttached bool) error {
	for _, c := range collections {
		entity := sparqlload.Entity{
			Table:       c.name,
			Columns:     c.columnsForLoad(),
			IRIsQuery:   c.irisQuery(),
			IRIVar:      c.idColumn,
			ChunkSize:   paginate.ChunkSize(c.name),
			DetailQuery: c.detailQuery,
		}
		n, err := sparqlload.Load(ctx, s, p.sparqlClient, p.sparqlEndpoint, entity)
		if err != nil {
			return fmt.Errorf("pls: extract %s: %w", c.name, err)
		}
		p.log.Info("pls collection extracted", "collection", c.name, "count", n)

		if err := rewriteCollectionIDs(ctx, s, c); err != nil {
			return err
		}
	}

	if err := geocode.Extract(ctx, s, geocode.Source{
		Client:   p.clients["geocode"],
		Tokens:   p.tokens,
		KeyField: "site_id",
	}, watermark, hasWatermark, previousAttached); err != nil {
		return fmt.Errorf("pls: extract geocodes: %w", err)
	}
	return nil
}

// rewriteCollectionIDs rewrites c's own id column to a dense integer, then
// each of c's foreign-key columns in turn against its parent collection's
// already-populated map, widening the rebuild target by one integer column
// per step (a column must stay TEXT until its own Rewrite call runs).
func rewriteCollectionIDs(ctx context.Context, s *snapshot.Store, c collection) error {
	idMap := snapshot.IDMap{MapTable: c.mapTable(), FocusTable: c.name, Column: c.idColumn}
	if len(c.fks) == 0 {
		if err := idMap.Rewrite(ctx, s, c.rewrittenColumns()); err != nil {
			return fmt.Errorf("pls: rewrite %s id: %w", c.name, err)
		}
		return nil
	}

	if err := idMap.Rewrite(ctx, s, c.columnsWithIntegerFKs(0)); err != nil {
		return fmt.Errorf("pls: rewrite %s id: %w", c.name, err)
	}
	for i, fk := range c.fks {
		fkMap := snapshot.IDMap{MapTable: fk.mapTable, FocusTable: c.name, Column: fk.column}
		if err := fkMap.Rewrite(ctx, s, c.columnsWithIntegerFKs(i+1)); err != nil {
			return fmt.Errorf("pls: rewrite %s.%s: %w", c.name, fk.column, err)
		}
	}
	return nil
}

func (p *Pipeline) Entities() []coordinator.EntitySpec {
	specs := make([]coordinator.EntitySpec, 0, len(collections))
	for _, c := range collections {
		outFields := append([]string{}, c.dataColumns...)
		for _, fk := range c.fks {
			outFields = append(outFields, fk.column)
		}
		specs = append(specs, coordinator.EntitySpec{
			Table: c.table(),
			DiffSpec: diff.Spec{
				PreviousTable: c.name + "_previous",
				CurrentTable:  c.name,
				HashColumn:    "hash",
				BusinessKey:   c.idColumn,
			},
			SyncSpec: sync.Spec{
				Entity:              c.name,
				CurrentTable:        c.name,
				BusinessKey:         c.idColumn,
				BusinessKeyIsString: false,
				OutFields:           outFields,
				Client:              p.clients[c.name],
			},
		})
	}
	return specs
}
