package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/cenkalti/backoff/v4"
)

// DynamoDBStorage implements Storage on AWS DynamoDB for serverless
// deployments. Atomicity comes from a compare-and-swap loop: each write
// carries a condition on the exact state that was read, and a conditional
// check failure means another instance won the race, so the cycle retries
// with backoff.
type DynamoDBStorage struct {
	client    dynamoDBAPI
	tableName string
	now       func() time.Time
}

// dynamoDBAPI is the slice of the DynamoDB client the backend uses.
type dynamoDBAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

type dynamoDBItem struct {
	Key        string  `dynamodbav:"key"`
	Tokens     float64 `dynamodbav:"tokens"`
	LastRefill int64   `dynamodbav:"last_refill"` // unix microseconds
	ExpiresAt  int64   `dynamodbav:"expires_at"`  // DynamoDB TTL attribute
}

// NewDynamoDBStorage creates a DynamoDB-backed Storage.
func NewDynamoDBStorage(tableName, region string) (*DynamoDBStorage, error) {
	cfg, err := awsconfig.LoadDefaultConfig(context.TODO(),
		awsconfig.WithRegion(region),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &DynamoDBStorage{
		client:    dynamodb.NewFromConfig(cfg),
		tableName: tableName,
		now:       time.Now,
	}, nil
}

// NewDynamoDBStorageWithClient wraps an existing client. Test use.
func NewDynamoDBStorageWithClient(client dynamoDBAPI, tableName string, now func() time.Time) *DynamoDBStorage {
	if now == nil {
		now = time.Now
	}
	return &DynamoDBStorage{client: client, tableName: tableName, now: now}
}

// CheckAndConsume implements Storage.
func (d *DynamoDBStorage) CheckAndConsume(ctx context.Context, key string, maxTokens int, refillRate float64, cost int) (Decision, error) {
	var decision Decision

	// Conditional-check conflicts are contention, not outages; retry the
	// read-evaluate-write cycle briefly before giving up.
	policy := backoff.WithContext(newCASBackoff(), ctx)
	err := backoff.Retry(func() error {
		var err error
		decision, err = d.tryConsume(ctx, key, maxTokens, refillRate, cost)
		if err != nil && !isConditionalCheckFailed(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
	if err != nil {
		return Decision{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	return decision, nil
}

// tryConsume performs one optimistic read-evaluate-write cycle.
func (d *DynamoDBStorage) tryConsume(ctx context.Context, key string, maxTokens int, refillRate float64, cost int) (Decision, error) {
	now := d.now()

	item, expired, err := d.readItem(ctx, key)
	if err != nil {
		return Decision{}, err
	}

	state := bucketState{Tokens: float64(maxTokens), LastRefill: now}
	if item != nil && !expired {
		state = bucketState{
			Tokens:     item.Tokens,
			LastRefill: time.UnixMicro(item.LastRefill),
		}
	}

	decision, next := evaluate(state, now, maxTokens, refillRate, cost)

	write := dynamoDBItem{
		Key:        key,
		Tokens:     next.Tokens,
		LastRefill: next.LastRefill.UnixMicro(),
		ExpiresAt:  now.Add(stateTTL(maxTokens, refillRate)).Unix(),
	}
	av, err := attributevalue.MarshalMap(write)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to marshal bucket state: %w", err)
	}

	input := &dynamodb.PutItemInput{
		TableName: aws.String(d.tableName),
		Item:      av,
	}
	if item != nil {
		// Only replace the exact state we read. Items past their TTL still
		// exist physically until DynamoDB's deleter gets to them, so an
		// expired item is conditioned on its stale values, not on absence.
		input.ConditionExpression = aws.String("tokens = :tokens AND last_refill = :last_refill")
		input.ExpressionAttributeValues = map[string]types.AttributeValue{
			":tokens":      &types.AttributeValueMemberN{Value: formatFloat(item.Tokens)},
			":last_refill": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", item.LastRefill)},
		}
	} else {
		input.ConditionExpression = aws.String("attribute_not_exists(#k)")
		input.ExpressionAttributeNames = map[string]string{"#k": "key"}
	}

	if _, err := d.client.PutItem(ctx, input); err != nil {
		return Decision{}, err
	}

	return decision, nil
}

// readItem returns the stored item, if any, and whether it is past its
// TTL. Expired items count as fresh buckets but must still be carried to
// the write path: DynamoDB deletes them lazily, so their stale values are
// what the conditional write has to match.
func (d *DynamoDBStorage) readItem(ctx context.Context, key string) (*dynamoDBItem, bool, error) {
	result, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(d.tableName),
		Key: map[string]types.AttributeValue{
			"key": &types.AttributeValueMemberS{Value: key},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to get item from DynamoDB: %w", err)
	}
	if result.Item == nil {
		return nil, false, nil
	}

	var item dynamoDBItem
	if err := attributevalue.UnmarshalMap(result.Item, &item); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal DynamoDB item: %w", err)
	}

	expired := item.ExpiresAt > 0 && d.now().Unix() > item.ExpiresAt
	return &item, expired, nil
}

// GetRemaining implements Storage.
func (d *DynamoDBStorage) GetRemaining(ctx context.Context, key string, maxTokens int, refillRate float64) int {
	item, expired, err := d.readItem(ctx, key)
	if err != nil || item == nil || expired {
		return maxTokens
	}

	state := bucketState{
		Tokens:     item.Tokens,
		LastRefill: time.UnixMicro(item.LastRefill),
	}
	return int(math.Floor(state.refilled(d.now(), maxTokens, refillRate)))
}

// Reset implements Storage.
func (d *DynamoDBStorage) Reset(ctx context.Context, key string) error {
	_, err := d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(d.tableName),
		Key: map[string]types.AttributeValue{
			"key": &types.AttributeValueMemberS{Value: key},
		},
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}

// Ping implements Storage.
func (d *DynamoDBStorage) Ping(ctx context.Context) error {
	_, err := d.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(d.tableName),
	})
	if err != nil {
		return fmt.Errorf("DynamoDB health check failed: %w", err)
	}
	return nil
}

// Close implements Storage. The DynamoDB client holds no connections that
// need explicit closing.
func (d *DynamoDBStorage) Close() error {
	return nil
}

func newCASBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Millisecond
	b.MaxInterval = 20 * time.Millisecond
	b.MaxElapsedTime = 200 * time.Millisecond
	return b
}

func isConditionalCheckFailed(err error) bool {
	var cfe *types.ConditionalCheckFailedException
	return errors.As(err, &cfe)
}

func formatFloat(f float64) string {
	return fmt.Sprintf("%g", f)
}
