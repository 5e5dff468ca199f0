// Package featureservice wraps internal/httpclient with the ESRI-style
// feature-service REST protocol: paged queries, applyEdits mutations, and
// the request/response shapes the rest of the core works with.
package featureservice

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/Spatial-Information-QLD/cam-location-addressing-feature-service-etl/internal/errs"
)

// Requester is the subset of httpclient.Client the feature-service client
// needs for non-bulk requests.
type Requester interface {
	ServiceRequest(ctx context.Context, method, target string, form url.Values) (map[string]any, error)
}

// BulkRequester additionally exposes the long-timeout path used for
// applyEdits inserts, which can carry thousands of features.
type BulkRequester interface {
	Requester
	BulkServiceRequest(ctx context.Context, target string, form url.Values) (map[string]any, error)
}

// Client issues query/applyEdits requests against one feature-service layer
// (e.g. location-addressing, or one of the six PLS collections).
type Client struct {
	http     BulkRequester
	queryURL string
	editsURL string
}

// New constructs a Client bound to one layer's query/applyEdits URL pair.
func New(http BulkRequester, queryURL, applyEditsURL string) *Client {
	return &Client{http: http, queryURL: queryURL, editsURL: applyEditsURL}
}

// Feature is one ESRI feature: a flat attribute map plus an optional point
// geometry (used for address/geocode inserts).
type Feature struct {
	Attributes map[string]any `json:"attributes"`
	Geometry   *Geometry      `json:"geometry,omitempty"`
}

// Geometry is an ESRI point geometry in the WKID 4283 (GDA94) spatial
// reference.
type Geometry struct {
	X                float64 `json:"x"`
	Y                float64 `json:"y"`
	SpatialReference struct {
		WKID int `json:"wkid"`
	} `json:"spatialReference"`
}

// NewGDA94Geometry builds a Geometry with the fixed WKID 4283 spatial
// reference used by every insert.
func NewGDA94Geometry(x, y float64) *Geometry {
	g := &Geometry{X: x, Y: y}
	g.SpatialReference.WKID = 4283
	return g
}

// Count issues a returnCountOnly query and returns the matching row count.
func (c *Client) Count(ctx context.Context, token, where string) (int, error) {
	form := url.Values{}
	form.Set("where", where)
	form.Set("returnCountOnly", "true")
	form.Set("f", "json")
	form.Set("token", token)

	resp, err := c.http.ServiceRequest(ctx, "GET", c.queryURL, form)
	if err != nil {
		return 0, err
	}
	count, ok := resp["count"].(float64)
	if !ok {
		return 0, &errs.DataIntegrity{Op: "featureservice.count", Err: fmt.Errorf("response missing count field")}
	}
	return int(count), nil
}

// QueryObjectIDs runs a where-clause query, returning only the attribute
// named field for each matching feature (used by the sync engine to resolve
// objectids for deletion).
func (c *Client) QueryObjectIDs(ctx context.Context, token, where, field string, offset, limit int) ([]any, error) {
	form := url.Values{}
	form.Set("where", where)
	form.Set("outFields", field)
	form.Set("returnGeometry", "false")
	form.Set("f", "json")
	form.Set("resultOffset", strconv.Itoa(offset))
	form.Set("resultRecordCount", strconv.Itoa(limit))
	form.Set("token", token)

	resp, err := c.http.ServiceRequest(ctx, "POST", c.queryURL, form)
	if err != nil {
		return nil, err
	}
	return extractFieldValues(resp, field)
}

// Query runs a where-clause query returning full feature attribute sets,
// used by the pagination paths of internal/paginate.
func (c *Client) Query(ctx context.Context, token, where string, outFields []string, offset, limit int) ([]map[string]any, error) {
	form := url.Values{}
	form.Set("where", where)
	form.Set("outFields", outFieldsOrAll(outFields))
	form.Set("returnGeometry", "false")
	form.Set("f", "json")
	form.Set("resultOffset", strconv.Itoa(offset))
	form.Set("resultRecordCount", strconv.Itoa(limit))
	form.Set("token", token)

	resp, err := c.http.ServiceRequest(ctx, "POST", c.queryURL, form)
	if err != nil {
		return nil, err
	}
	return extractFeatureAttributes(resp)
}

// ApplyDeletes issues an applyEdits delete of the given objectids.
func (c *Client) ApplyDeletes(ctx context.Context, token string, objectIDs []any) error {
	encoded, err := json.Marshal(objectIDs)
	if err != nil {
		return fmt.Errorf("featureservice: marshal objectids: %w", err)
	}
	form := url.Values{}
	form.Set("deletes", string(encoded))
	form.Set("f", "json")
	form.Set("token", token)

	_, err = c.http.ServiceRequest(ctx, "POST", c.editsURL, form)
	return err
}

// ApplyInserts issues an applyEdits insert of features, using the
// long-timeout bulk path since adds payloads can carry thousands of rows.
func (c *Client) ApplyInserts(ctx context.Context, token string, features []Feature) error {
	encoded, err := json.Marshal(features)
	if err != nil {
		return fmt.Errorf("featureservice: marshal features: %w", err)
	}
	form := url.Values{}
	form.Set("adds", string(encoded))
	form.Set("f", "json")
	form.Set("token", token)

	_, err = c.http.BulkServiceRequest(ctx, c.editsURL, form)
	return err
}

func extractFieldValues(resp map[string]any, field string) ([]any, error) {
	features, ok := resp["features"].([]any)
	if !ok {
		return nil, nil
	}
	values := make([]any, 0, len(features))
	for _, f := range features {
		feature, ok := f.(map[string]any)
		if !ok {
			continue
		}
		attrs, ok := feature["attributes"].(map[string]any)
		if !ok {
			continue
		}
		values = append(values, attrs[field])
	}
	return values, nil
}

func extractFeatureAttributes(resp map[string]any) ([]map[string]any, error) {
	features, ok := resp["features"].([]any)
	if !ok {
		return nil, nil
	}
	rows := make([]map[string]any, 0, len(features))
	for _, f := range features {
		feature, ok := f.(map[string]any)
		if !ok {
			continue
		}
		attrs, ok := feature["attributes"].(map[string]any)
		if !ok {
			continue
		}
		rows = append(rows, attrs)
	}
	return rows, nil
}

func outFieldsOrAll(fields []string) string {
	if len(fields) == 0 {
		return "*"
	}
	return strings.Join(fields, ",")
}
