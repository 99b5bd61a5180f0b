package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/partvault/partvault/internal/errs"
)

// DynamoDBLock is an alternative distributed lock backend for
// deployments that already run DynamoDB rather than etcd: one item per
// lock key, with a conditional put guarding acquisition and a TTL
// attribute so a crashed holder's lock expires instead of wedging the
// replica set forever.
type DynamoDBLock struct {
	client   *dynamodb.Client
	table    string
	key      string
	owner    string
	ttl      time.Duration
	acquired bool
}

// NewDynamoDBLock builds a lock at key in table, owned by this process
// (identified by hostname plus pid so two locks never collide on owner
// identity), expiring after ttl if never released.
func NewDynamoDBLock(client *dynamodb.Client, table, key string, ttl time.Duration) *DynamoDBLock {
	host, _ := os.Hostname()
	owner := fmt.Sprintf("%s-%d", host, os.Getpid())
	return &DynamoDBLock{client: client, table: table, key: key, owner: owner, ttl: ttl}
}

func (l *DynamoDBLock) TryLock(ctx context.Context) (bool, error) {
	now := time.Now()
	expiresAt := now.Add(l.ttl).Unix()

	cond := expression.Or(
		expression.AttributeNotExists(expression.Name("lock_key")),
		expression.LessThan(expression.Name("expires_at"), expression.Value(now.Unix())),
	)
	expr, err := expression.NewBuilder().WithCondition(cond).Build()
	if err != nil {
		return false, &errs.LockError{Lock: l.key, Cause: err}
	}

	_, err = l.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(l.table),
		Item: map[string]types.AttributeValue{
			"lock_key":   &types.AttributeValueMemberS{Value: l.key},
			"owner":      &types.AttributeValueMemberS{Value: l.owner},
			"expires_at": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", expiresAt)},
		},
		ConditionExpression:      expr.Condition(),
		ExpressionAttributeNames: expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return false, nil
		}
		return false, &errs.LockError{Lock: l.key, Cause: err}
	}

	l.acquired = true
	return true, nil
}

func (l *DynamoDBLock) Unlock(ctx context.Context) error {
	if !l.acquired {
		return nil
	}

	cond := expression.Equal(expression.Name("owner"), expression.Value(l.owner))
	expr, err := expression.NewBuilder().WithCondition(cond).Build()
	if err != nil {
		return &errs.LockError{Lock: l.key, Cause: err}
	}

	_, err = l.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(l.table),
		Key: map[string]types.AttributeValue{
			"lock_key": &types.AttributeValueMemberS{Value: l.key},
		},
		ConditionExpression:      expr.Condition(),
		ExpressionAttributeNames: expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	l.acquired = false
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			// Another holder already took over after our TTL lapsed; not
			// our lock to release anymore.
			return nil
		}
		return &errs.LockError{Lock: l.key, Cause: err}
	}
	return nil
}

var _ Locker = (*DynamoDBLock)(nil)
