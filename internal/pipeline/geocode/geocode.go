// Package geocode implements the incremental geocode extraction shared by
// both pipeline variants: carry forward every geocode row known as of the
// previous run, then upsert only the rows the feature service reports
// changed since the watermark, keyed on the service's own objectid per
// populate_geocode_table.py's upsert shape.
package geocode

import (
	"context"
	"fmt"
	"time"

	"github.com/Spatial-Information-QLD/cam-location-addressing-feature-service-etl/internal/featureservice"
	"github.com/Spatial-Information-QLD/cam-location-addressing-feature-service-etl/internal/paginate"
	"github.com/Spatial-Information-QLD/cam-location-addressing-feature-service-etl/internal/snapshot"
)

// TableName is the fixed name of the geocode table in every pipeline's
// schema.
const TableName = "geocode"

// Schema returns the geocode table definition, keyed on the feature
// service's objectid and joined to the owning entity on keyColumn (e.g.
// "address_pid" for location-address, "site_id" for PLS).
func Schema(keyColumn string) snapshot.Table {
	return snapshot.Table{
		Name: TableName,
		Columns: []snapshot.Column{
			{Name: "objectid", Type: snapshot.ColInteger, NotNull: true},
			{Name: keyColumn, Type: snapshot.ColText, NotNull: true},
			{Name: "geocode_type", Type: snapshot.ColText},
			{Name: "x", Type: snapshot.ColReal},
			{Name: "y", Type: snapshot.ColReal},
			{Name: "last_edited_date", Type: snapshot.ColText},
		},
		BusinessKey: "objectid",
	}
}

// CreateSchema creates the geocode table and its objectid uniqueness
// constraint.
func CreateSchema(ctx context.Context, s *snapshot.Store, keyColumn string) error {
	t := Schema(keyColumn)
	if err := t.CreateCurrent(ctx, s); err != nil {
		return err
	}
	_, err := s.DB().ExecContext(ctx, fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS idx_geocode_objectid ON %s (objectid)", TableName))
	if err != nil {
		return fmt.Errorf("geocode: create objectid index: %w", err)
	}
	return nil
}

// Source names the feature-service client and key field used to extract one
// pipeline's geocode collection.
type Source struct {
	Client   *featureservice.Client
	Tokens   paginate.TokenSource
	KeyField string // ESRI field name of the join key
}

// Extract copies forward every row of the attached previous run's geocode
// table (when one exists), then fetches and upserts every row whose
// last_edited_date is newer than watermark. On a first run (hasWatermark
// false) every current row is fetched.
func Extract(ctx context.Context, s *snapshot.Store, src Source, watermark time.Time, hasWatermark, previousAttached bool) error {
	if previousAttached {
		copyStmt := fmt.Sprintf("INSERT INTO %s SELECT * FROM previous.%s", TableName, TableName)
		if _, err := s.DB().ExecContext(ctx, copyStmt); err != nil {
			return fmt.Errorf("geocode: carry forward previous rows: %w", err)
		}
	}

	where := "1=1"
	if hasWatermark {
		where = fmt.Sprintf("last_edited_date > TIMESTAMP '%s'", watermark.UTC().Format("2006-01-02 15:04:05"))
	}

	outFields := []string{"objectid", src.KeyField, "geocode_type", "x", "y", "last_edited_date"}
	upsert := fmt.Sprintf(`INSERT INTO %s (objectid, %s, geocode_type, x, y, last_edited_date) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(objectid) DO UPDATE SET %s = excluded.%s, geocode_type = excluded.geocode_type, x = excluded.x, y = excluded.y, last_edited_date = excluded.last_edited_date`,
		TableName, src.KeyField, src.KeyField, src.KeyField)

	stmt, err := s.DB().PrepareContext(ctx, upsert)
	if err != nil {
		return fmt.Errorf("geocode: prepare upsert: %w", err)
	}
	defer stmt.Close()

	pager := paginate.OffsetPaginator{Client: src.Client, Tokens: src.Tokens, BatchSize: paginate.ReadOnlyBatchSize}
	return pager.Pages(ctx, where, outFields, func(rows []map[string]any) error {
		for _, row := range rows {
			objectID, _ := toInt64(row["objectid"])
			key, _ := row[src.KeyField].(string)
			geocodeType, _ := row["geocode_type"].(string)
			x, _ := toFloat(row["x"])
			y, _ := toFloat(row["y"])
			edited, _ := row["last_edited_date"].(string)
			if _, err := stmt.ExecContext(ctx, objectID, key, geocodeType, x, y, edited); err != nil {
				return fmt.Errorf("geocode: upsert objectid %v: %w", objectID, err)
			}
		}
		return nil
	})
}

func toInt64(v any) (int64, bool) {
	switch val := v.(type) {
	case float64:
		return int64(val), true
	case int64:
		return val, true
	default:
		return 0, false
	}
}

func toFloat(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case int64:
		return float64(val), true
	default:
		return 0, false
	}
}
