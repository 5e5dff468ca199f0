package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	flag "github.com/spf13/pflag"

	"github.com/Spatial-Information-QLD/cam-location-addressing-feature-service-etl/internal/config"
	"github.com/Spatial-Information-QLD/cam-location-addressing-feature-service-etl/internal/coordinator"
	"github.com/Spatial-Information-QLD/cam-location-addressing-feature-service-etl/internal/featureservice"
	"github.com/Spatial-Information-QLD/cam-location-addressing-feature-service-etl/internal/httpclient"
	"github.com/Spatial-Information-QLD/cam-location-addressing-feature-service-etl/internal/lease"
	"github.com/Spatial-Information-QLD/cam-location-addressing-feature-service-etl/internal/loader"
	"github.com/Spatial-Information-QLD/cam-location-addressing-feature-service-etl/internal/logger"
	"github.com/Spatial-Information-QLD/cam-location-addressing-feature-service-etl/internal/metrics"
	"github.com/Spatial-Information-QLD/cam-location-addressing-feature-service-etl/internal/notify/slack"
	"github.com/Spatial-Information-QLD/cam-location-addressing-feature-service-etl/internal/paginate"
	"github.com/Spatial-Information-QLD/cam-location-addressing-feature-service-etl/internal/pipeline/locationaddress"
	"github.com/Spatial-Information-QLD/cam-location-addressing-feature-service-etl/internal/pipeline/pls"
	"github.com/Spatial-Information-QLD/cam-location-addressing-feature-service-etl/internal/publisher"
	"github.com/Spatial-Information-QLD/cam-location-addressing-feature-service-etl/internal/tokenbroker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// featureServiceFlags registers a --<prefix>-query-url/--<prefix>-apply-edits-url
// pair and returns a func reading them back once flag.Parse has run.
func featureServiceFlags(prefix, label string) func() config.FeatureServiceURLs {
	query := flag.String(prefix+"-query-url", "", label+" query URL")
	edits := flag.String(prefix+"-apply-edits-url", "", label+" applyEdits URL")
	return func() config.FeatureServiceURLs {
		return config.FeatureServiceURLs{QueryURL: *query, ApplyEditsURL: *edits}
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	pipelineFlag := flag.String("pipeline", "", "pipeline to run: location-address or pls")

	// Commands
	runFlag := flag.Bool("run", false, "run one full extract/diff/sync cycle for --pipeline")
	purgeFlag := flag.Bool("purge", false, "delete every feature from --entity's remote layer (requires --yes)")
	seedGeocodesFlag := flag.Bool("seed-geocodes", false, "fetch every geocode row from the remote service and write snapshot-free to --csv-path")
	loadGeocodesCSVFlag := flag.Bool("load-geocodes-csv", false, "bulk-upsert a geocode CSV seed file into an existing snapshot")

	entityFlag := flag.String("entity", "", "entity name, for --purge")
	yesFlag := flag.Bool("yes", false, "confirm --purge; without it --purge refuses to run")
	csvPathFlag := flag.String("csv-path", "", "CSV path, for --load-geocodes-csv")
	keyColumnFlag := flag.String("key-column", "address_pid", "geocode join key column, for --load-geocodes-csv (address_pid or site_id)")
	workersFlag := flag.Int("workers", loader.DefaultWorkers, "worker pool width, for --load-geocodes-csv")

	sparqlEndpointFlag := flag.String("sparql-endpoint", "", "SPARQL query endpoint")
	addressIRILimitFlag := flag.Int("address-iri-limit", 0, "cap on the number of address IRIs extracted (0 = unlimited)")
	snapshotPathFlag := flag.String("snapshot-path", "", "local path for the working snapshot database")
	rowLimitFlag := flag.Int("row-limit", 0, "cap rows extracted per entity, for test runs (0 = unlimited)")
	debugFlag := flag.Bool("debug", false, "restrict extraction to a fixed IRI set for repeatable local runs")

	esriAuthURLFlag := flag.String("esri-auth-url", "", "ESRI token endpoint")
	esriRefererFlag := flag.String("esri-referer", "", "ESRI referer header value")
	esriUsernameFlag := flag.String("esri-username", "", "ESRI username (or set ESRI_USERNAME env var)")
	esriPasswordFlag := flag.String("esri-password", "", "ESRI password (or set ESRI_PASSWORD env var)")

	s3EndpointFlag := flag.String("s3-endpoint", "", "custom S3 endpoint, e.g. for MinIO (empty = real AWS)")
	s3RegionFlag := flag.String("s3-region", "ap-southeast-2", "S3 region")
	s3BucketFlag := flag.String("s3-bucket", "", "S3 bucket for snapshot publication")
	s3PrefixFlag := flag.String("s3-prefix", "", "S3 key prefix")
	s3AccessKeyIDFlag := flag.String("s3-access-key-id", "", "S3 static access key id (or set S3_ACCESS_KEY_ID env var)")
	s3SecretAccessKeyFlag := flag.String("s3-secret-access-key", "", "S3 static secret access key (or set S3_SECRET_ACCESS_KEY env var)")
	s3UsePathStyleFlag := flag.Bool("s3-use-path-style", false, "use path-style S3 addressing (required by MinIO)")
	s3PresignExpiryFlag := flag.Duration("s3-presigned-url-expiry", time.Hour, "presigned snapshot URL expiry")

	leaseTableFlag := flag.String("lease-table", "", "DynamoDB table backing the run lease")
	leaseEndpointFlag := flag.String("lease-endpoint", "", "custom DynamoDB endpoint (empty = real AWS)")
	leaseRegionFlag := flag.String("lease-region", "ap-southeast-2", "DynamoDB region")

	metricsAddrFlag := flag.String("metrics-addr", "", "address to serve Prometheus /metrics on (empty = disabled)")
	slackTokenFlag := flag.String("slack-token", "", "Slack bot token for failure notifications (or set SLACK_TOKEN env var)")
	slackChannelFlag := flag.String("slack-channel", "", "Slack channel for failure notifications")
	sentryDSNFlag := flag.String("sentry-dsn", "", "Sentry DSN for fatal-error capture (or set SENTRY_DSN env var)")

	addressQueryURL := featureServiceFlags("address", "location-addressing")
	geocodeQueryURL := featureServiceFlags("geocode", "geocode")
	localAuthorityQueryURL := featureServiceFlags("local-authority", "PLS local authority")
	localityQueryURL := featureServiceFlags("locality", "PLS locality")
	roadQueryURL := featureServiceFlags("road", "PLS road")
	parcelQueryURL := featureServiceFlags("parcel", "PLS parcel")
	siteQueryURL := featureServiceFlags("site", "PLS site")
	plsAddressQueryURL := featureServiceFlags("pls-address", "PLS address")
	plsGeocodeQueryURL := featureServiceFlags("pls-geocode", "PLS geocode")

	flag.Parse()

	log := logger.New(*verboseFlag)

	if v := os.Getenv("ESRI_USERNAME"); v != "" {
		*esriUsernameFlag = v
	}
	if v := os.Getenv("ESRI_PASSWORD"); v != "" {
		*esriPasswordFlag = v
	}
	if v := os.Getenv("S3_ACCESS_KEY_ID"); v != "" {
		*s3AccessKeyIDFlag = v
	}
	if v := os.Getenv("S3_SECRET_ACCESS_KEY"); v != "" {
		*s3SecretAccessKeyFlag = v
	}
	if v := os.Getenv("SLACK_TOKEN"); v != "" {
		*slackTokenFlag = v
	}
	if v := os.Getenv("SENTRY_DSN"); v != "" {
		*sentryDSNFlag = v
	}

	if *sentryDSNFlag != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: *sentryDSNFlag}); err != nil {
			log.Error("failed to initialize sentry", "error", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *metricsAddrFlag != "" {
		if err := metrics.Serve(ctx, *metricsAddrFlag, func(err error) {
			log.Error("metrics server error", "error", err)
		}); err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
		log.Info("metrics server listening", "addr", *metricsAddrFlag)
	}

	common := config.Common{
		SparqlEndpoint: *sparqlEndpointFlag,
		Auth: config.Auth{
			AuthURL:  *esriAuthURLFlag,
			Referer:  *esriRefererFlag,
			Username: *esriUsernameFlag,
			Password: *esriPasswordFlag,
		},
		HTTP: config.DefaultHTTPConfig(),
		S3: config.S3Config{
			Endpoint:           *s3EndpointFlag,
			Region:             *s3RegionFlag,
			AccessKeyID:        *s3AccessKeyIDFlag,
			SecretAccessKey:    *s3SecretAccessKeyFlag,
			UsePathStyle:       *s3UsePathStyleFlag,
			Bucket:             *s3BucketFlag,
			Prefix:             *s3PrefixFlag,
			PresignedURLExpiry: *s3PresignExpiryFlag,
		},
		Lease:        config.DefaultLeaseConfig(""),
		SnapshotPath: *snapshotPathFlag,
		RowLimit:     *rowLimitFlag,
		Debug:        *debugFlag,
	}
	common.Lease.TableName = *leaseTableFlag
	common.Lease.Endpoint = *leaseEndpointFlag
	common.Lease.Region = *leaseRegionFlag

	switch {
	case *runFlag:
		return runPipeline(ctx, log, *pipelineFlag, common, *addressIRILimitFlag,
			addressQueryURL, geocodeQueryURL,
			localAuthorityQueryURL, localityQueryURL, roadQueryURL, parcelQueryURL, siteQueryURL, plsAddressQueryURL, plsGeocodeQueryURL,
			*slackTokenFlag, *slackChannelFlag)

	case *purgeFlag:
		if *entityFlag == "" {
			return fmt.Errorf("--entity is required for --purge")
		}
		if !*yesFlag {
			return fmt.Errorf("--purge requires --yes to confirm deleting every feature from %q", *entityFlag)
		}
		return purgeEntity(ctx, log, common, *entityFlag,
			addressQueryURL, geocodeQueryURL,
			localAuthorityQueryURL, localityQueryURL, roadQueryURL, parcelQueryURL, siteQueryURL, plsAddressQueryURL, plsGeocodeQueryURL)

	case *seedGeocodesFlag:
		if *csvPathFlag == "" {
			return fmt.Errorf("--csv-path is required for --seed-geocodes")
		}
		return seedGeocodes(ctx, log, common, *keyColumnFlag, *csvPathFlag, geocodeQueryURL, plsGeocodeQueryURL)

	case *loadGeocodesCSVFlag:
		if *csvPathFlag == "" {
			return fmt.Errorf("--csv-path is required for --load-geocodes-csv")
		}
		if *snapshotPathFlag == "" {
			return fmt.Errorf("--snapshot-path is required for --load-geocodes-csv")
		}
		n, err := loader.Load(ctx, loader.Config{
			SnapshotPath: *snapshotPathFlag,
			CSVPath:      *csvPathFlag,
			KeyColumn:    *keyColumnFlag,
			Workers:      *workersFlag,
			Log:          log,
		})
		if err != nil {
			return err
		}
		log.Info("geocode seed loaded", "rows", n)
		return nil

	default:
		return fmt.Errorf("no command given: pass one of --run, --purge, --seed-geocodes, --load-geocodes-csv")
	}
}

func buildHTTPClient(log *slog.Logger, cfg config.HTTPConfig) (*httpclient.Client, error) {
	return httpclient.New(httpclient.Config{Logger: log, HTTP: cfg})
}

func runPipeline(
	ctx context.Context,
	log *slog.Logger,
	pipelineName string,
	common config.Common,
	addressIRILimit int,
	addressURLs, geocodeURLs func() config.FeatureServiceURLs,
	localAuthorityURLs, localityURLs, roadURLs, parcelURLs, siteURLs, plsAddressURLs, plsGeocodeURLs func() config.FeatureServiceURLs,
	slackToken, slackChannel string,
) error {
	httpClient, err := buildHTTPClient(log, common.HTTP)
	if err != nil {
		return fmt.Errorf("build http client: %w", err)
	}

	broker, err := tokenbroker.New(tokenbroker.Config{Requester: httpClient, Auth: common.Auth, Logger: log})
	if err != nil {
		return fmt.Errorf("build token broker: %w", err)
	}

	pub, err := publisher.New(ctx, common.S3)
	if err != nil {
		return fmt.Errorf("build publisher: %w", err)
	}
	if err := pub.EnsureBucket(ctx); err != nil {
		return fmt.Errorf("ensure bucket: %w", err)
	}

	notifier := slack.New(slackToken, slackChannel, log)

	var pipeline coordinator.Pipeline
	switch pipelineName {
	case "location-address":
		if err := (config.LocationAddress{Common: common, AddressIRILimit: addressIRILimit, LocationAddressing: addressURLs(), Geocode: geocodeURLs()}).Validate(); err != nil {
			return err
		}
		pipeline = locationaddress.New(locationaddress.Config{
			Log:             log,
			SparqlEndpoint:  common.SparqlEndpoint,
			SparqlClient:    paginate.NewSparqlQuerier(httpClient),
			AddressClient:   featureservice.New(httpClient, addressURLs().QueryURL, addressURLs().ApplyEditsURL),
			GeocodeClient:   featureservice.New(httpClient, geocodeURLs().QueryURL, geocodeURLs().ApplyEditsURL),
			Tokens:          broker,
			AddressIRILimit: addressIRILimit,
		})

	case "pls":
		p := config.PLS{
			Common:         common,
			LocalAuthority: localAuthorityURLs(),
			Locality:       localityURLs(),
			Road:           roadURLs(),
			Parcel:         parcelURLs(),
			Site:           siteURLs(),
			Address:        plsAddressURLs(),
			Geocode:        plsGeocodeURLs(),
		}
		if err := p.Validate(); err != nil {
			return err
		}
		pipeline = pls.New(pls.Config{
			Log:            log,
			SparqlEndpoint: common.SparqlEndpoint,
			SparqlClient:   paginate.NewSparqlQuerier(httpClient),
			Tokens:         broker,
			Clients: map[string]*featureservice.Client{
				"local_authority": featureservice.New(httpClient, p.LocalAuthority.QueryURL, p.LocalAuthority.ApplyEditsURL),
				"locality":        featureservice.New(httpClient, p.Locality.QueryURL, p.Locality.ApplyEditsURL),
				"road":            featureservice.New(httpClient, p.Road.QueryURL, p.Road.ApplyEditsURL),
				"parcel":          featureservice.New(httpClient, p.Parcel.QueryURL, p.Parcel.ApplyEditsURL),
				"site":            featureservice.New(httpClient, p.Site.QueryURL, p.Site.ApplyEditsURL),
				"address":         featureservice.New(httpClient, p.Address.QueryURL, p.Address.ApplyEditsURL),
				"geocode":         featureservice.New(httpClient, p.Geocode.QueryURL, p.Geocode.ApplyEditsURL),
			},
		})

	default:
		return fmt.Errorf("unknown --pipeline %q: must be location-address or pls", pipelineName)
	}

	common.Lease.LockID = pipeline.LockID()
	leaseSource, err := lease.New(ctx, common.Lease, log)
	if err != nil {
		return fmt.Errorf("build lease: %w", err)
	}

	c := coordinator.New(coordinator.Config{
		Pipeline:     pipeline,
		SnapshotPath: common.SnapshotPath,
		Lease:        coordinator.WrapLease(leaseSource),
		Publisher:    pub,
		Tokens:       broker,
		Log:          log,
		Notifier:     notifier,
	})

	start := time.Now()
	err = c.Run(ctx)
	metrics.RunDuration.WithLabelValues(pipelineName).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.RunTotal.WithLabelValues(pipelineName, "error").Inc()
		return err
	}
	metrics.RunTotal.WithLabelValues(pipelineName, "success").Inc()
	return nil
}

// seedGeocodes fetches every row of the geocode layer matching keyColumn
// ("address_pid" selects the location-address geocode service, "site_id"
// selects the PLS one) and writes it to csvPath, ready for --load-geocodes-csv.
func seedGeocodes(
	ctx context.Context,
	log *slog.Logger,
	common config.Common,
	keyColumn, csvPath string,
	geocodeURLs, plsGeocodeURLs func() config.FeatureServiceURLs,
) error {
	var urls config.FeatureServiceURLs
	switch keyColumn {
	case "address_pid":
		urls = geocodeURLs()
	case "site_id":
		urls = plsGeocodeURLs()
	default:
		return fmt.Errorf("unknown --key-column %q: must be address_pid or site_id", keyColumn)
	}
	if urls.QueryURL == "" {
		return fmt.Errorf("query URL is required for --seed-geocodes with --key-column %s", keyColumn)
	}

	httpClient, err := buildHTTPClient(log, common.HTTP)
	if err != nil {
		return fmt.Errorf("build http client: %w", err)
	}
	broker, err := tokenbroker.New(tokenbroker.Config{Requester: httpClient, Auth: common.Auth, Logger: log})
	if err != nil {
		return fmt.Errorf("build token broker: %w", err)
	}

	client := featureservice.New(httpClient, urls.QueryURL, urls.ApplyEditsURL)

	n, err := loader.Seed(ctx, loader.SeedSource{
		Client:   client,
		Tokens:   broker,
		KeyField: keyColumn,
	}, csvPath, log)
	if err != nil {
		return err
	}
	log.Info("geocode seed written", "rows", n, "path", csvPath)
	return nil
}

// purgeEntity deletes every feature from one remote layer's entire extent,
// an administrative reset used against non-production layers between test
// runs.
func purgeEntity(
	ctx context.Context,
	log *slog.Logger,
	common config.Common,
	entity string,
	addressURLs, geocodeURLs func() config.FeatureServiceURLs,
	localAuthorityURLs, localityURLs, roadURLs, parcelURLs, siteURLs, plsAddressURLs, plsGeocodeURLs func() config.FeatureServiceURLs,
) error {
	httpClient, err := buildHTTPClient(log, common.HTTP)
	if err != nil {
		return fmt.Errorf("build http client: %w", err)
	}
	broker, err := tokenbroker.New(tokenbroker.Config{Requester: httpClient, Auth: common.Auth, Logger: log})
	if err != nil {
		return fmt.Errorf("build token broker: %w", err)
	}

	urlsByEntity := map[string]func() config.FeatureServiceURLs{
		"address":         addressURLs,
		"geocode":         geocodeURLs,
		"local_authority": localAuthorityURLs,
		"locality":        localityURLs,
		"road":            roadURLs,
		"parcel":          parcelURLs,
		"site":            siteURLs,
		"pls_address":     plsAddressURLs,
		"pls_geocode":     plsGeocodeURLs,
	}
	entityKey := strings.ReplaceAll(entity, "-", "_")
	urls, ok := urlsByEntity[entityKey]
	if !ok {
		return fmt.Errorf("unknown --entity %q", entity)
	}

	client := featureservice.New(httpClient, urls().QueryURL, urls().ApplyEditsURL)

	token, err := broker.Token(ctx)
	if err != nil {
		return fmt.Errorf("fetch token: %w", err)
	}

	const pageSize = 2000
	var totalDeleted int
	for {
		ids, err := client.QueryObjectIDs(ctx, token, "1=1", "objectid", 0, pageSize)
		if err != nil {
			return fmt.Errorf("query object ids: %w", err)
		}
		if len(ids) == 0 {
			break
		}
		if err := client.ApplyDeletes(ctx, token, ids); err != nil {
			return fmt.Errorf("apply deletes: %w", err)
		}
		totalDeleted += len(ids)
		log.Info("purge batch deleted", "entity", entity, "count", len(ids), "total", totalDeleted)
	}

	log.Info("purge complete", "entity", entity, "total_deleted", totalDeleted)
	return nil
}
