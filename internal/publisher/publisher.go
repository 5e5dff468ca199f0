// Package publisher implements the snapshot publisher: fetching the
// previous run's snapshot from S3-compatible object storage and publishing
// the current run's snapshot back.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/Spatial-Information-QLD/cam-location-addressing-feature-service-etl/internal/config"
	"github.com/Spatial-Information-QLD/cam-location-addressing-feature-service-etl/internal/errs"
)

// Publisher fetches and publishes snapshot files against one S3-compatible
// bucket.
type Publisher struct {
	client  *s3.Client
	presign *s3.PresignClient
	cfg     config.S3Config
}

// BuildKey is the exported form of key(), used by tests and by callers
// that need to predict a key before publishing.
func BuildKey(prefix string, ts time.Time, name string) string {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return fmt.Sprintf("%s%s/%s.db", prefix, ts.Format(time.RFC3339), name)
}

// New builds a Publisher from cfg. A non-empty cfg.Endpoint selects a
// custom (e.g. MinIO) endpoint with path-style addressing, matching a
// "production vs. test profile" switch.
func New(ctx context.Context, cfg config.S3Config) (*Publisher, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(staticCredentials(cfg)),
	)
	if err != nil {
		return nil, &errs.StorageFatal{Op: "publisher.New", Err: fmt.Errorf("load aws config: %w", err)}
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return &Publisher{client: client, presign: s3.NewPresignClient(client), cfg: cfg}, nil
}

func staticCredentials(cfg config.S3Config) aws.CredentialsProviderFunc {
	return func(ctx context.Context) (aws.Credentials, error) {
		if cfg.AccessKeyID == "" {
			return aws.Credentials{}, fmt.Errorf("no static credentials configured")
		}
		return aws.Credentials{AccessKeyID: cfg.AccessKeyID, SecretAccessKey: cfg.SecretAccessKey}, nil
	}
}

// EnsureBucket creates the configured bucket if it does not already exist.
func (p *Publisher) EnsureBucket(ctx context.Context) error {
	_, err := p.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(p.cfg.Bucket)})
	if err == nil {
		return nil
	}
	if !isNotFound(err) {
		return &errs.StorageFatal{Op: "publisher.EnsureBucket", Err: err}
	}
	if _, err := p.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(p.cfg.Bucket)}); err != nil {
		return &errs.StorageFatal{Op: "publisher.EnsureBucket", Err: fmt.Errorf("create bucket: %w", err)}
	}
	return nil
}

// FetchPrevious downloads the most recent snapshot under the configured
// prefix to localPath, grounded on s3.py's list-objects-sorted-descending
// then download-first-match. ok is false when no prior snapshot exists
// (first run).
func (p *Publisher) FetchPrevious(ctx context.Context, localPath string) (ok bool, err error) {
	key, ok, err := p.latestKey(ctx)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	obj, err := p.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return false, &errs.StorageFatal{Op: "publisher.FetchPrevious", Err: fmt.Errorf("get object %s: %w", key, err)}
	}
	defer obj.Body.Close()

	f, err := os.Create(localPath)
	if err != nil {
		return false, &errs.StorageFatal{Op: "publisher.FetchPrevious", Err: fmt.Errorf("create local file: %w", err)}
	}
	defer f.Close()

	if _, err := io.Copy(f, obj.Body); err != nil {
		return false, &errs.StorageFatal{Op: "publisher.FetchPrevious", Err: fmt.Errorf("copy object body: %w", err)}
	}
	return true, nil
}

// latestKey lists the configured prefix and returns the lexicographically
// greatest key, which equals the most recent one because keys embed an
// ISO-8601 timestamp with a fixed offset.
func (p *Publisher) latestKey(ctx context.Context) (string, bool, error) {
	out, err := p.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(p.cfg.Bucket),
		Prefix: aws.String(p.cfg.Prefix),
	})
	if err != nil {
		return "", false, &errs.StorageFatal{Op: "publisher.latestKey", Err: fmt.Errorf("list objects: %w", err)}
	}
	if len(out.Contents) == 0 {
		return "", false, nil
	}

	keys := make([]string, len(out.Contents))
	for i, obj := range out.Contents {
		keys[i] = aws.ToString(obj.Key)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(keys)))
	return keys[0], true, nil
}

// PublishCurrent uploads localPath under a new timestamped key and returns
// a presigned GET URL for it, using the
// "<prefix><ISO-8601 datetime with offset>/<name>.db" key format.
func (p *Publisher) PublishCurrent(ctx context.Context, ts time.Time, name, localPath string) (presignedURL string, err error) {
	key := p.key(ts, name)

	f, err := os.Open(localPath)
	if err != nil {
		return "", &errs.StorageFatal{Op: "publisher.PublishCurrent", Err: fmt.Errorf("open local file: %w", err)}
	}
	defer f.Close()

	if _, err := p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(p.cfg.Bucket),
		Key:    aws.String(key),
		Body:   f,
	}); err != nil {
		return "", &errs.StorageFatal{Op: "publisher.PublishCurrent", Err: fmt.Errorf("put object %s: %w", key, err)}
	}

	expiry := p.cfg.PresignedURLExpiry
	if expiry <= 0 {
		expiry = time.Hour
	}
	req, err := p.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.cfg.Bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(expiry))
	if err != nil {
		return "", &errs.StorageFatal{Op: "publisher.PublishCurrent", Err: fmt.Errorf("presign %s: %w", key, err)}
	}
	return req.URL, nil
}

// key builds "<prefix><ISO-8601 with offset>/<name>.db".
func (p *Publisher) key(ts time.Time, name string) string {
	return BuildKey(p.cfg.Prefix, ts, name)
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "NotFound", "404":
		return true
	default:
		return false
	}
}
