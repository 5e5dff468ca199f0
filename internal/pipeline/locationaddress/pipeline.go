// Package locationaddress wires the shared core to the single
// location-addressing feature-service collection: one address table whose
// hash column ("id") doubles as its own content-addressed identity, joined
// to a geocode table on address_pid.
package locationaddress

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
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

// addressColumns is the raw SPARQL-extracted column order, matching the
// SELECT list of sparql.AddressRows. These land in the address_staging
// table; geocode_type, x, y and the computed address string are only
// known once address_staging is joined against geocode.
var addressColumns = []string{
	"iri", "name", "lot", "plan", "unit_number", "unit_type", "street_number",
	"street_name", "street_type", "state", "street_suffix", "property_name",
	"street_no_1", "street_no_1_suffix", "street_no_2", "street_no_2_suffix",
	"street_full", "locality", "local_authority", "address_status",
	"address_standard", "lotplan_status", "address_pid",
}

func rawAddressColumn(name string) snapshot.Column {
	col := snapshot.Column{Name: name, Type: snapshot.ColText}
	if name == "iri" || name == "address_pid" {
		col.NotNull = true
	}
	if name == "state" {
		col.Equals = "QLD"
	}
	return col
}

// addressStagingTable holds the raw SPARQL extraction, one row per address
// IRI, before the geocode join. Its name, via CreateStaging, is
// "address_staging".
func addressStagingTable() snapshot.Table {
	cols := make([]snapshot.Column, 0, len(addressColumns))
	for _, name := range addressColumns {
		cols = append(cols, rawAddressColumn(name))
	}
	return snapshot.Table{
		Name:        "address",
		Columns:     cols,
		BusinessKey: "address_pid",
	}
}

// addressTable is the final, synced table: address_staging joined to
// geocode on address_pid, plus the computed full address string.
func addressTable() snapshot.Table {
	cols := make([]snapshot.Column, 0, len(addressColumns)+4)
	for _, name := range addressColumns {
		cols = append(cols, rawAddressColumn(name))
	}
	cols = append(cols, snapshot.Column{Name: "address", Type: snapshot.ColText})
	cols = append(cols, snapshot.Column{Name: "geocode_type", Type: snapshot.ColText})
	cols = append(cols, snapshot.Column{Name: "x", Type: snapshot.ColReal})
	cols = append(cols, snapshot.Column{Name: "y", Type: snapshot.ColReal})
	cols = append(cols, snapshot.Column{Name: "id", Type: snapshot.ColText})

	return snapshot.Table{
		Name:        "address",
		Columns:     cols,
		HashColumn:  "id",
		BusinessKey: "address_pid",
	}
}

// Pipeline implements coordinator.Pipeline for the location-addressing
// collection.
type Pipeline struct {
	log            *slog.Logger
	sparqlEndpoint string
	addressIRILim  int

	sparqlClient paginate.SparqlQuerier
	addrClient   *featureservice.Client
	geoClient    *featureservice.Client
	tokens       sync.TokenSource
}

// Config wires a Pipeline's dependencies, already constructed by the
// caller (cmd/etl): an httpclient.Client adapted to paginate.SparqlQuerier,
// a token broker, and the two feature-service clients.
type Config struct {
	Log            *slog.Logger
	SparqlEndpoint string
	SparqlClient   paginate.SparqlQuerier
	AddressClient  *featureservice.Client
	GeocodeClient  *featureservice.Client
	Tokens         sync.TokenSource
	AddressIRILimit int
}

// New constructs a Pipeline from cfg.
func New(cfg Config) *Pipeline {
	return &Pipeline{
		log:            cfg.Log,
		sparqlEndpoint: cfg.SparqlEndpoint,
		addressIRILim:  cfg.AddressIRILimit,
		sparqlClient:   cfg.SparqlClient,
		addrClient:     cfg.AddressClient,
		geoClient:      cfg.GeocodeClient,
		tokens:         cfg.Tokens,
	}
}

func (p *Pipeline) Name() string         { return "location-address" }
func (p *Pipeline) LockID() string       { return "address-etl" }
func (p *Pipeline) SnapshotName() string { return "address" }

func (p *Pipeline) CreateSchema(ctx context.Context, s *snapshot.Store) error {
	t := addressTable()
	if err := t.CreateCurrent(ctx, s); err != nil {
		return err
	}
	if err := t.CreatePrevious(ctx, s); err != nil {
		return err
	}
	if err := addressStagingTable().CreateStaging(ctx, s); err != nil {
		return err
	}
	if err := snapshot.CreateLoadedQueue(ctx, s, "address", "TEXT"); err != nil {
		return err
	}
	if err := geocode.CreateSchema(ctx, s, "address_pid"); err != nil {
		return err
	}
	return snapshot.CreateMetadataTable(ctx, s)
}

func (p *Pipeline) Extract(ctx context.Context, s *snapshot.Store, watermark time.Time, hasWatermark, previousAttached bool) error {
	irisQuery := sparql.AddressIRIs(p.addressIRILim)
	entity := sparqlload.Entity{
		Table:     "address_staging",
		Columns:   addressColumns,
		IRIsQuery: irisQuery,
		IRIVar:    "iri",
		ChunkSize: paginate.ChunkSize("address"),
		DetailQuery: func(chunk []string) string {
			return sparql.AddressRows(chunk)
		},
	}
	n, err := sparqlload.Load(ctx, s, p.sparqlClient, p.sparqlEndpoint, entity)
	if err != nil {
		return fmt.Errorf("location-address: extract addresses: %w", err)
	}
	p.log.Info("addresses extracted", "count", n)

	if err := geocode.Extract(ctx, s, geocode.Source{
		Client:   p.geoClient,
		Tokens:   p.tokens,
		KeyField: "address_pid",
	}, watermark, hasWatermark, previousAttached); err != nil {
		return fmt.Errorf("location-address: extract geocodes: %w", err)
	}

	return joinGeocodesIntoAddress(ctx, s)
}

// joinGeocodesIntoAddress populates the final address table from
// address_staging joined to geocode on address_pid: addresses with no
// matching geocode are dropped, addresses with more than one matching
// geocode produce one address row per match.
func joinGeocodesIntoAddress(ctx context.Context, s *snapshot.Store) error {
	insert := fmt.Sprintf(`
		INSERT INTO address (%s, address, geocode_type, x, y)
		SELECT %s, %s, g.geocode_type, g.x, g.y
		FROM address_staging a
		JOIN geocode g ON a.address_pid = g.address_pid
	`, joinColumns("", addressColumns), joinColumns("a.", addressColumns), addressConcatExpr)
	if _, err := s.DB().ExecContext(ctx, insert); err != nil {
		return fmt.Errorf("location-address: join geocode onto staged addresses: %w", err)
	}
	return nil
}

func joinColumns(prefix string, cols []string) string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = prefix + c
	}
	return strings.Join(out, ", ")
}

// addressConcatExpr computes the full address string directly in SQL,
// matching get_address_concatenation's unit/street-number/street_full/
// locality/state concatenation.
const addressConcatExpr = `
	coalesce(a.unit_type, '') || coalesce(a.unit_number, '') ||
	CASE WHEN coalesce(a.unit_number, '') <> '' THEN '/' ELSE '' END ||
	coalesce(a.street_no_1, '') || coalesce(a.street_no_1_suffix, '') ||
	CASE WHEN coalesce(a.street_no_2, '') <> '' THEN '-' ELSE '' END ||
	coalesce(a.street_no_2, '') || coalesce(a.street_no_2_suffix, '') ||
	' ' || coalesce(a.street_full, '') ||
	' ' || coalesce(a.locality, '') ||
	' ' || coalesce(a.state, '')
`

func (p *Pipeline) Entities() []coordinator.EntitySpec {
	return []coordinator.EntitySpec{
		{
			Table: addressTable(),
			DiffSpec: diff.Spec{
				PreviousTable: "address_previous",
				CurrentTable:  "address",
				HashColumn:    "id",
				BusinessKey:   "address_pid",
			},
			SyncSpec: sync.Spec{
				Entity:              "address",
				CurrentTable:        "address",
				BusinessKey:         "address_pid",
				BusinessKeyIsString: true,
				OutFields:           addressOutFields,
				GeometryX:           "x",
				GeometryY:           "y",
				Client:              p.addrClient,
			},
			ExtraIndexes: []string{"local_authority", "locality"},
		},
	}
}

// addressOutFields is the attribute set uploaded on insert, excluding the
// content-hash id (not an ESRI field) and the raw iri (internal only).
var addressOutFields = []string{
	"name", "lot", "plan", "unit_number", "unit_type", "street_number",
	"street_name", "street_type", "state", "street_suffix", "property_name",
	"street_no_1", "street_no_1_suffix", "street_no_2", "street_no_2_suffix",
	"street_full", "locality", "local_authority", "address_status", "address",
	"address_standard", "lotplan_status", "address_pid", "geocode_type",
	"x", "y",
}
