// Package lease implements the distributed run lease: a conditional-write
// lock against a DynamoDB-backed table that prevents two instances of the
// same pipeline from running concurrently, keyed on
// acquire(lock_id, ttl, retry_timeout, retry_interval).
package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/Spatial-Information-QLD/cam-location-addressing-feature-service-etl/internal/config"
	"github.com/Spatial-Information-QLD/cam-location-addressing-feature-service-etl/internal/errs"
)

// api is the subset of *dynamodb.Client the lease needs, narrowed so tests
// can supply a fake table.
type api interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// Lease guards one lock_id in the configured DynamoDB table.
type Lease struct {
	client api
	cfg    config.LeaseConfig
	clock  clockwork.Clock
	log    *slog.Logger
}

// New builds a Lease backed by real DynamoDB (or a MinIO/LocalStack-style
// endpoint when cfg.Endpoint is set), mirroring the production/test switch
// in dynamodb_lock.py's get_lock_table.
func New(ctx context.Context, cfg config.LeaseConfig, log *slog.Logger) (*Lease, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, &errs.StorageFatal{Op: "lease.New", Err: fmt.Errorf("load aws config: %w", err)}
	}
	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return newWithClient(client, cfg, clockwork.NewRealClock(), log), nil
}

func newWithClient(client api, cfg config.LeaseConfig, clock clockwork.Clock, log *slog.Logger) *Lease {
	return &Lease{client: client, cfg: cfg, clock: clock, log: log}
}

// Handle is a held lease. Callers must Release it, typically via defer,
// once the guarded run completes.
type Handle struct {
	lease *Lease
	owner string
}

type lockItem struct {
	LockID    string `dynamodbav:"lock_id"`
	Owner     string `dynamodbav:"owner"`
	ExpiresAt int64  `dynamodbav:"expires_at"`
}

// Acquire blocks until the lease is obtained or cfg.RetryTimeout elapses,
// polling every cfg.RetryInterval. A lease held by
// another owner whose TTL has expired is stolen on the next attempt,
// matching dynamodb_lock.py's "expired lock is takeable" behavior.
func (l *Lease) Acquire(ctx context.Context) (*Handle, error) {
	owner := uuid.NewString()
	deadline := l.clock.Now().Add(l.cfg.RetryTimeout)

	for {
		err := l.tryAcquire(ctx, owner)
		if err == nil {
			l.log.Info("lease acquired", "lock_id", l.cfg.LockID, "owner", owner)
			return &Handle{lease: l, owner: owner}, nil
		}
		if !isConditionFailed(err) {
			return nil, &errs.LeaseUnavailable{LockID: l.cfg.LockID, Err: err}
		}

		if !l.clock.Now().Before(deadline) {
			return nil, &errs.LeaseUnavailable{
				LockID: l.cfg.LockID,
				Err:    fmt.Errorf("lease held by another run, timed out after %s", l.cfg.RetryTimeout),
			}
		}
		l.log.Debug("lease held, retrying", "lock_id", l.cfg.LockID)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-l.clock.After(l.cfg.RetryInterval):
		}
	}
}

func (l *Lease) tryAcquire(ctx context.Context, owner string) error {
	item, err := attributevalue.MarshalMap(lockItem{
		LockID:    l.cfg.LockID,
		Owner:     owner,
		ExpiresAt: l.clock.Now().Add(l.cfg.TTL).Unix(),
	})
	if err != nil {
		return fmt.Errorf("marshal lock item: %w", err)
	}
	now, err := attributevalue.Marshal(l.clock.Now().Unix())
	if err != nil {
		return fmt.Errorf("marshal now: %w", err)
	}

	_, err = l.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(l.cfg.TableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(lock_id) OR expires_at < :now"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": now,
		},
	})
	return err
}

// Release deletes the lease, but only if it is still owned by this handle.
// A condition-check failure here means the TTL already expired and another
// run took over; that is not an error.
func (h *Handle) Release(ctx context.Context) error {
	owner, err := attributevalue.Marshal(h.owner)
	if err != nil {
		return fmt.Errorf("marshal owner: %w", err)
	}

	_, err = h.lease.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(h.lease.cfg.TableName),
		Key: map[string]types.AttributeValue{
			"lock_id": &types.AttributeValueMemberS{Value: h.lease.cfg.LockID},
		},
		ConditionExpression: aws.String("owner = :owner"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":owner": owner,
		},
	})
	if err == nil {
		h.lease.log.Info("lease released", "lock_id", h.lease.cfg.LockID, "owner", h.owner)
		return nil
	}
	if isConditionFailed(err) {
		h.lease.log.Warn("lease already reassigned before release", "lock_id", h.lease.cfg.LockID, "owner", h.owner)
		return nil
	}
	return &errs.StorageFatal{Op: "lease.Release", Err: err}
}

func isConditionFailed(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.ErrorCode() == "ConditionalCheckFailedException"
}
