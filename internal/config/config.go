// Package config holds the immutable, process-wide configuration for the
// ETL core. It is constructed once from flags and environment variables and
// passed explicitly through constructors; there is no package-level mutable
// state (see spec design note on global state).
package config

import (
	"fmt"
	"time"
)

// FeatureServiceURLs is the pair of endpoints exposed by one feature-service
// layer: a query endpoint and an applyEdits endpoint.
type FeatureServiceURLs struct {
	QueryURL      string
	ApplyEditsURL string
}

func (u FeatureServiceURLs) Validate(name string) error {
	if u.QueryURL == "" {
		return fmt.Errorf("%s query url is required", name)
	}
	if u.ApplyEditsURL == "" {
		return fmt.Errorf("%s apply-edits url is required", name)
	}
	return nil
}

// Auth holds ESRI feature-service credentials.
type Auth struct {
	AuthURL  string
	Referer  string
	Username string
	Password string
}

func (a Auth) Validate() error {
	if a.AuthURL == "" {
		return fmt.Errorf("esri auth url is required")
	}
	if a.Username == "" || a.Password == "" {
		return fmt.Errorf("esri username and password are required")
	}
	return nil
}

// S3Config describes the object-storage backend used to persist snapshots.
type S3Config struct {
	Endpoint              string // empty for real AWS
	Region                string
	AccessKeyID            string
	SecretAccessKey        string
	UsePathStyle           bool
	Bucket                 string
	Prefix                 string
	PresignedURLExpiry     time.Duration
}

// LeaseConfig describes the distributed-lease backend.
type LeaseConfig struct {
	TableName     string
	Endpoint      string // empty for real AWS DynamoDB
	Region        string
	LockID        string
	TTL           time.Duration
	RetryTimeout  time.Duration
	RetryInterval time.Duration
}

// HTTPConfig bounds every outbound HTTP call made by the core.
type HTTPConfig struct {
	RequestTimeout    time.Duration
	BulkRequestTimeout time.Duration
	BackoffBudget     time.Duration
	RateLimitPerSecond float64
}

// Common fields shared by both pipeline variants.
type Common struct {
	SparqlEndpoint string
	Auth           Auth
	HTTP           HTTPConfig
	S3             S3Config
	Lease          LeaseConfig
	SnapshotPath   string
	RowLimit       int  // 0 = unlimited; used for test runs
	Debug          bool // restricted-IRI debug runs
	Timezone       string
}

func (c Common) Validate() error {
	if c.SparqlEndpoint == "" {
		return fmt.Errorf("sparql endpoint is required")
	}
	if err := c.Auth.Validate(); err != nil {
		return err
	}
	if c.SnapshotPath == "" {
		return fmt.Errorf("snapshot path is required")
	}
	if c.S3.Bucket == "" {
		return fmt.Errorf("s3 bucket is required")
	}
	if c.Lease.TableName == "" {
		return fmt.Errorf("lease table name is required")
	}
	return nil
}

// LocationAddress is the configuration specific to the single-collection
// location-address pipeline.
type LocationAddress struct {
	Common
	AddressIRILimit     int
	LocationAddressing  FeatureServiceURLs
	Geocode             FeatureServiceURLs
}

func (c LocationAddress) Validate() error {
	if err := c.Common.Validate(); err != nil {
		return err
	}
	if err := c.LocationAddressing.Validate("location-addressing"); err != nil {
		return err
	}
	return c.Geocode.Validate("geocode")
}

// PLS is the configuration specific to the six-collection PLS pipeline.
type PLS struct {
	Common
	LocalAuthority FeatureServiceURLs
	Locality       FeatureServiceURLs
	Road           FeatureServiceURLs
	Parcel         FeatureServiceURLs
	Site           FeatureServiceURLs
	Address        FeatureServiceURLs
	Geocode        FeatureServiceURLs
}

func (c PLS) Validate() error {
	if err := c.Common.Validate(); err != nil {
		return err
	}
	for name, u := range map[string]FeatureServiceURLs{
		"local-authority": c.LocalAuthority,
		"locality":        c.Locality,
		"road":            c.Road,
		"parcel":          c.Parcel,
		"site":            c.Site,
		"address":         c.Address,
		"geocode":         c.Geocode,
	} {
		if err := u.Validate(name); err != nil {
			return err
		}
	}
	return nil
}

// DefaultHTTPConfig mirrors the standard request-timeout/backoff-budget
// defaults used across the ETL core.
func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{
		RequestTimeout:     120 * time.Second,
		BulkRequestTimeout: 600 * time.Second,
		BackoffBudget:      900 * time.Second,
		RateLimitPerSecond: 10,
	}
}

// DefaultLeaseConfig mirrors dynamodb_lock.py's constants.
func DefaultLeaseConfig(lockID string) LeaseConfig {
	return LeaseConfig{
		LockID:        lockID,
		TTL:           24 * time.Hour,
		RetryTimeout:  10 * time.Minute,
		RetryInterval: time.Minute,
	}
}
