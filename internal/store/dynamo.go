package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// dynamodbAPI is the minimal DynamoDB interface required by DynamoKV.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// DynamoKV maps the KV contract onto a single DynamoDB table with a string
// partition key "pk", a string attribute "val" and a numeric epoch attribute
// "ttl" registered as the table's TTL attribute. DynamoDB deletes expired
// items lazily, so reads must treat a past-due ttl as absence.
type DynamoKV struct {
	api       dynamodbAPI
	tableName string

	now func() time.Time
}

// NewDynamoKV creates a DynamoKV over the given table.
func NewDynamoKV(api dynamodbAPI, tableName string) (*DynamoKV, error) {
	if api == nil {
		return nil, errors.New("store: dynamodb api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("store: table name must not be empty")
	}
	return &DynamoKV{api: api, tableName: tableName, now: time.Now}, nil
}

func (d *DynamoKV) Get(ctx context.Context, key string) (string, bool, error) {
	out, err := d.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(d.tableName),
		Key: map[string]types.AttributeValue{
			"pk": &types.AttributeValueMemberS{Value: key},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return "", false, fmt.Errorf("store: get %q: %w", key, err)
	}
	if out == nil || len(out.Item) == 0 {
		return "", false, nil
	}

	expiresAt, err := int64Attr(out.Item, "ttl")
	if err != nil {
		return "", false, fmt.Errorf("store: get %q: %w", key, err)
	}
	if expiresAt <= d.now().Unix() {
		return "", false, nil
	}

	val, err := strAttr(out.Item, "val")
	if err != nil {
		return "", false, fmt.Errorf("store: get %q: %w", key, err)
	}
	return val, true, nil
}

func (d *DynamoKV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := d.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.tableName),
		Item:      d.item(key, value, ttl),
	})
	if err != nil {
		return fmt.Errorf("store: set %q: %w", key, err)
	}
	return nil
}

func (d *DynamoKV) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	_, err := d.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(d.tableName),
		Item:                d.item(key, value, ttl),
		ConditionExpression: aws.String("attribute_not_exists(pk) OR #ttl <= :now"),
		ExpressionAttributeNames: map[string]string{
			"#ttl": "ttl",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": &types.AttributeValueMemberN{Value: strconv.FormatInt(d.now().Unix(), 10)},
		},
	})
	if err != nil {
		var conditionFailed *types.ConditionalCheckFailedException
		if errors.As(err, &conditionFailed) {
			return false, nil
		}
		return false, fmt.Errorf("store: setnx %q: %w", key, err)
	}
	return true, nil
}

func (d *DynamoKV) Del(ctx context.Context, key string) error {
	_, err := d.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(d.tableName),
		Key: map[string]types.AttributeValue{
			"pk": &types.AttributeValueMemberS{Value: key},
		},
	})
	if err != nil {
		return fmt.Errorf("store: del %q: %w", key, err)
	}
	return nil
}

func (d *DynamoKV) item(key, value string, ttl time.Duration) map[string]types.AttributeValue {
	expiresAt := d.now().Add(ttl).Unix()
	return map[string]types.AttributeValue{
		"pk":  &types.AttributeValueMemberS{Value: key},
		"val": &types.AttributeValueMemberS{Value: value},
		"ttl": &types.AttributeValueMemberN{Value: strconv.FormatInt(expiresAt, 10)},
	}
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("attribute %q is not a string", key)
	}
	return s.Value, nil
}

func int64Attr(item map[string]types.AttributeValue, key string) (int64, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("attribute %q is not a number", key)
	}
	parsed, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse attribute %q: %w", key, err)
	}
	return parsed, nil
}
