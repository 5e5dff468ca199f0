// Package paginate implements the paginator: offset-mode iteration
// over feature-service queries, and IRI-batch-mode iteration over SPARQL
// detail queries.
package paginate

import (
	"context"
	"errors"
	"fmt"

	"github.com/Spatial-Information-QLD/cam-location-addressing-feature-service-etl/internal/errs"
	"github.com/Spatial-Information-QLD/cam-location-addressing-feature-service-etl/internal/httpclient"
)

const (
	// MutatingBatchSize is the page size used against feature services that
	// will later be mutated by the sync engine.
	MutatingBatchSize = 2000
	// ReadOnlyBatchSize is the larger page size used for read-only queries.
	ReadOnlyBatchSize = 10000
)

// ChunkSize returns the IRI-batch detail-query chunk size for entity.
func ChunkSize(entity string) int {
	switch entity {
	case "address":
		return 5000
	case "road", "parcel", "site", "place-name", "placename":
		return 10000
	default:
		return 10000
	}
}

// ServiceQuerier is the subset of featureservice.Client the offset
// paginator needs, named narrowly so tests can supply a fake.
type ServiceQuerier interface {
	Count(ctx context.Context, token, where string) (int, error)
	Query(ctx context.Context, token, where string, outFields []string, offset, limit int) ([]map[string]any, error)
}

// TokenSource supplies the bearer token used for each page, refreshing once
// on an auth-expiry error.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	ForceRefresh(ctx context.Context) (string, error)
}

// OffsetPaginator drives resultOffset/resultRecordCount iteration over one
// feature-service query ("offset mode").
type OffsetPaginator struct {
	Client    ServiceQuerier
	Tokens    TokenSource
	BatchSize int // default MutatingBatchSize
}

func (p OffsetPaginator) batchSize() int {
	if p.BatchSize > 0 {
		return p.BatchSize
	}
	return MutatingBatchSize
}

// Pages calls yield once per page of attribute rows in offset order. It
// stops at the first error yield returns, or when every row up to the
// initial count query has been delivered. A single 498 mid-run triggers one
// token refresh and one retry of the same page before surfacing
// RemoteFatal.
func (p OffsetPaginator) Pages(ctx context.Context, where string, outFields []string, yield func([]map[string]any) error) error {
	token, err := p.Tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("paginate: acquire token: %w", err)
	}

	total, err := p.Client.Count(ctx, token, where)
	if isAuthExpired(err) {
		token, err = p.Tokens.ForceRefresh(ctx)
		if err != nil {
			return fmt.Errorf("paginate: refresh token after count: %w", err)
		}
		total, err = p.Client.Count(ctx, token, where)
	}
	if err != nil {
		return fmt.Errorf("paginate: count: %w", err)
	}

	batch := p.batchSize()
	for offset := 0; offset < total; offset += batch {
		rows, err := p.Client.Query(ctx, token, where, outFields, offset, batch)
		if isAuthExpired(err) {
			token, err = p.Tokens.ForceRefresh(ctx)
			if err != nil {
				return fmt.Errorf("paginate: refresh token at offset %d: %w", offset, err)
			}
			rows, err = p.Client.Query(ctx, token, where, outFields, offset, batch)
			if isAuthExpired(err) {
				err = &errs.RemoteFatal{Op: "paginate.query", Err: err}
			}
		}
		if err != nil {
			return fmt.Errorf("paginate: query at offset %d: %w", offset, err)
		}
		if err := yield(rows); err != nil {
			return err
		}
	}
	return nil
}

func isAuthExpired(err error) bool {
	var authErr *errs.AuthExpired
	return errors.As(err, &authErr)
}

// SparqlResult is the decoded shape of httpclient.Client.SparqlPost's
// return value: a row is a binding-name -> value map.
type SparqlResult interface {
	Rows() []map[string]string
}

// SparqlQuerier is the subset of httpclient.Client the IRI-batch paginator
// needs for SPARQL detail queries.
type SparqlQuerier interface {
	SparqlPost(ctx context.Context, endpoint, query string) (SparqlResult, error)
}

// NewSparqlQuerier adapts an *httpclient.Client to SparqlQuerier.
func NewSparqlQuerier(c *httpclient.Client) SparqlQuerier { return sparqlAdapter{c} }

type sparqlAdapter struct{ c *httpclient.Client }

func (a sparqlAdapter) SparqlPost(ctx context.Context, endpoint, query string) (SparqlResult, error) {
	return a.c.SparqlPost(ctx, endpoint, query)
}

// IRIBatchPaginator lists every matching IRI with IRIsQuery, then issues
// one detail query per chunk of ChunkSize IRIs via DetailQuery ("IRI-batch
// mode").
type IRIBatchPaginator struct {
	Endpoint    string
	Client      SparqlQuerier
	ChunkSize   int
	IRIsQuery   string // the fully-rendered "IRIs only" query
	IRIVar      string // the SELECT variable bound to the IRI, e.g. "iri"
	DetailQuery func(chunk []string) string
}

// Pages lists all matching IRIs, then calls yield once per detail-query
// chunk of rows.
func (p IRIBatchPaginator) Pages(ctx context.Context, yield func([]map[string]string) error) error {
	iriResult, err := p.Client.SparqlPost(ctx, p.Endpoint, p.IRIsQuery)
	if err != nil {
		return fmt.Errorf("paginate: list iris: %w", err)
	}
	iriRows := iriResult.Rows()
	iris := make([]string, 0, len(iriRows))
	for _, row := range iriRows {
		if v, ok := row[p.IRIVar]; ok {
			iris = append(iris, v)
		}
	}

	chunkSize := p.ChunkSize
	if chunkSize <= 0 {
		chunkSize = ReadOnlyBatchSize
	}
	for i := 0; i < len(iris); i += chunkSize {
		end := i + chunkSize
		if end > len(iris) {
			end = len(iris)
		}
		chunk := iris[i:end]

		result, err := p.Client.SparqlPost(ctx, p.Endpoint, p.DetailQuery(chunk))
		if err != nil {
			return fmt.Errorf("paginate: detail query for chunk [%d:%d]: %w", i, end, err)
		}
		if err := yield(result.Rows()); err != nil {
			return err
		}
	}
	return nil
}
