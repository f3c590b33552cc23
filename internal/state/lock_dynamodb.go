package state

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoDBClient defines the DynamoDB operations used by DynamoDBLocker.
type DynamoDBClient interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// DynamoDBLocker keeps locks as items of a table keyed by "pk".
type DynamoDBLocker struct {
	client DynamoDBClient
	table  string
	now    func() time.Time
}

// NewDynamoDBLocker returns a locker over table.
func NewDynamoDBLocker(client DynamoDBClient, table string) *DynamoDBLocker {
	return &DynamoDBLocker{client: client, table: table, now: time.Now}
}

func lockItemKey(key string) map[string]dbtypes.AttributeValue {
	return map[string]dbtypes.AttributeValue{
		"pk": &dbtypes.AttributeValueMemberS{Value: lockObjectKey(key)},
	}
}

func (l *DynamoDBLocker) TryLock(ctx context.Context, lock *Lock) error {
	item := lockItemKey(lock.Key)
	item["lockId"] = &dbtypes.AttributeValueMemberS{Value: lock.ID}
	item["holder"] = &dbtypes.AttributeValueMemberS{Value: lock.Holder}
	item["acquiredAt"] = &dbtypes.AttributeValueMemberS{Value: lock.AcquiredAt.UTC().Format(time.RFC3339)}
	item["expiresAt"] = &dbtypes.AttributeValueMemberN{Value: strconv.FormatInt(lock.ExpiresAt.Unix(), 10)}

	_, err := l.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(l.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(pk) OR expiresAt < :now"),
		ExpressionAttributeValues: map[string]dbtypes.AttributeValue{
			":now": &dbtypes.AttributeValueMemberN{Value: strconv.FormatInt(l.now().Unix(), 10)},
		},
	})
	if err == nil {
		return nil
	}
	var ccf *dbtypes.ConditionalCheckFailedException
	if !errors.As(err, &ccf) {
		return fmt.Errorf("state: acquire lock %s: %w", lock.Key, err)
	}

	contended := &LockContendedError{Key: lock.Key}
	if cur, err := l.get(ctx, lock.Key); err == nil && cur != nil {
		contended.Holder = stringAttr(cur, "holder")
		if n, err := strconv.ParseInt(numberAttr(cur, "expiresAt"), 10, 64); err == nil {
			contended.ExpiresAt = time.Unix(n, 0)
		}
	}
	return contended
}

func (l *DynamoDBLocker) get(ctx context.Context, key string) (map[string]dbtypes.AttributeValue, error) {
	out, err := l.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(l.table),
		Key:            lockItemKey(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("state: read lock %s: %w", key, err)
	}
	return out.Item, nil
}

func (l *DynamoDBLocker) Verify(ctx context.Context, lock *Lock) error {
	cur, err := l.get(ctx, lock.Key)
	if err != nil {
		return err
	}
	if cur == nil || stringAttr(cur, "lockId") != lock.ID {
		return ErrLockLost
	}
	return nil
}

func (l *DynamoDBLocker) Unlock(ctx context.Context, lock *Lock) error {
	_, err := l.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(l.table),
		Key:                 lockItemKey(lock.Key),
		ConditionExpression: aws.String("attribute_not_exists(pk) OR lockId = :lid"),
		ExpressionAttributeValues: map[string]dbtypes.AttributeValue{
			":lid": &dbtypes.AttributeValueMemberS{Value: lock.ID},
		},
	})
	if err == nil {
		return nil
	}
	var ccf *dbtypes.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return ErrLockLost
	}
	return fmt.Errorf("state: release lock %s: %w", lock.Key, err)
}

func stringAttr(item map[string]dbtypes.AttributeValue, name string) string {
	if v, ok := item[name].(*dbtypes.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func numberAttr(item map[string]dbtypes.AttributeValue, name string) string {
	if v, ok := item[name].(*dbtypes.AttributeValueMemberN); ok {
		return v.Value
	}
	return ""
}
