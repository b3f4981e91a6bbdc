package store

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/marcus-qen/actiongate/internal/gwerrors"
)

// DynamoDB is a State Store backend extending the aws-sdk-go-v2 family
// already used for cloud-provider dispatch to DynamoDB as a storage
// target. Table schema: partition key "pk" (string), attributes "value"
// (binary), "expire_at" (number, unix seconds, used as a DynamoDB TTL
// attribute), "count" (number, written by Incr). List items are stored
// one per item under pk=list#<key>#<unix nanos>.
type DynamoDB struct {
	client    *dynamodb.Client
	tableName string
}

// NewDynamoDB loads the default AWS config chain and targets table.
func NewDynamoDB(ctx context.Context, table string) (*DynamoDB, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &DynamoDB{client: dynamodb.NewFromConfig(cfg), tableName: table}, nil
}

func (d *DynamoDB) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(d.tableName),
		Key:       map[string]types.AttributeValue{"pk": &types.AttributeValueMemberS{Value: key}},
	})
	if err != nil {
		return nil, &gwerrors.TransientBackend{Backend: "dynamodb", Err: err}
	}
	if out.Item == nil {
		return nil, fmt.Errorf("key %s: %w", key, gwerrors.ErrNotFound)
	}
	if expired(out.Item) {
		return nil, fmt.Errorf("key %s: %w", key, gwerrors.ErrNotFound)
	}
	v, ok := out.Item["value"].(*types.AttributeValueMemberB)
	if !ok {
		if c, ok := out.Item["count"].(*types.AttributeValueMemberN); ok {
			return []byte(c.Value), nil
		}
		return nil, fmt.Errorf("key %s: %w", key, gwerrors.ErrNotFound)
	}
	return v.Value, nil
}

func (d *DynamoDB) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	item := map[string]types.AttributeValue{
		"pk":    &types.AttributeValueMemberS{Value: key},
		"value": &types.AttributeValueMemberB{Value: value},
	}
	if ttl > 0 {
		item["expire_at"] = &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", time.Now().Add(ttl).Unix())}
	}
	_, err := d.client.PutItem(ctx, &dynamodb.PutItemInput{TableName: aws.String(d.tableName), Item: item})
	if err != nil {
		return &gwerrors.TransientBackend{Backend: "dynamodb", Err: err}
	}
	return nil
}

func (d *DynamoDB) Delete(ctx context.Context, key string) error {
	_, err := d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(d.tableName),
		Key:       map[string]types.AttributeValue{"pk": &types.AttributeValueMemberS{Value: key}},
	})
	if err != nil {
		return &gwerrors.TransientBackend{Backend: "dynamodb", Err: err}
	}
	return nil
}

func (d *DynamoDB) CAS(ctx context.Context, key string, expected, new []byte, ttl time.Duration) error {
	item := map[string]types.AttributeValue{
		"pk":    &types.AttributeValueMemberS{Value: key},
		"value": &types.AttributeValueMemberB{Value: new},
	}
	if ttl > 0 {
		item["expire_at"] = &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", time.Now().Add(ttl).Unix())}
	}

	var cond expression.ConditionBuilder
	if expected == nil {
		cond = expression.AttributeNotExists(expression.Name("pk"))
	} else {
		cond = expression.Name("value").Equal(expression.Value(expected))
	}
	expr, err := expression.NewBuilder().WithCondition(cond).Build()
	if err != nil {
		return fmt.Errorf("build cas condition: %w", err)
	}

	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                 aws.String(d.tableName),
		Item:                      item,
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		var ccfe *types.ConditionalCheckFailedException
		if asConditionalCheckFailed(err, &ccfe) {
			return fmt.Errorf("key %s: %w", key, gwerrors.ErrConflict)
		}
		return &gwerrors.TransientBackend{Backend: "dynamodb", Err: err}
	}
	return nil
}

func (d *DynamoDB) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	out, err := d.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(d.tableName),
		Key:       map[string]types.AttributeValue{"pk": &types.AttributeValueMemberS{Value: key}},
		UpdateExpression: aws.String("ADD #c :one SET expire_at = if_not_exists(expire_at, :exp)"),
		ExpressionAttributeNames: map[string]string{"#c": "count"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":one": &types.AttributeValueMemberN{Value: "1"},
			":exp": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", time.Now().Add(window).Unix())},
		},
		ReturnValues: types.ReturnValueAllNew,
	})
	if err != nil {
		return 0, &gwerrors.TransientBackend{Backend: "dynamodb", Err: err}
	}
	v, ok := out.Attributes["count"].(*types.AttributeValueMemberN)
	if !ok {
		return 0, &gwerrors.TransientBackend{Backend: "dynamodb", Err: fmt.Errorf("missing count attribute")}
	}
	var n int64
	fmt.Sscanf(v.Value, "%d", &n)
	return n, nil
}

func (d *DynamoDB) List(ctx context.Context, prefix string, limit int, cursor string) ([]string, string, error) {
	cond := expression.Name("pk").BeginsWith(prefix)
	expr, err := expression.NewBuilder().WithFilter(cond).Build()
	if err != nil {
		return nil, "", fmt.Errorf("build list filter: %w", err)
	}
	out, err := d.client.Scan(ctx, &dynamodb.ScanInput{
		TableName:                 aws.String(d.tableName),
		FilterExpression:          expr.Filter(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		Limit:                     aws.Int32(int32(limit)),
	})
	if err != nil {
		return nil, "", &gwerrors.TransientBackend{Backend: "dynamodb", Err: err}
	}
	var keys []string
	for _, item := range out.Items {
		if v, ok := item["pk"].(*types.AttributeValueMemberS); ok {
			keys = append(keys, v.Value)
		}
	}
	return keys, "", nil
}

func (d *DynamoDB) PushTail(ctx context.Context, key string, item []byte, ttl time.Duration) error {
	seqKey := "list#" + key
	_, err := d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.tableName),
		Item: map[string]types.AttributeValue{
			"pk":    &types.AttributeValueMemberS{Value: fmt.Sprintf("%s#%d", seqKey, time.Now().UnixNano())},
			"value": &types.AttributeValueMemberB{Value: item},
		},
	})
	if err != nil {
		return &gwerrors.TransientBackend{Backend: "dynamodb", Err: err}
	}
	return nil
}

func (d *DynamoDB) Drain(ctx context.Context, key string) ([][]byte, error) {
	keys, _, err := d.List(ctx, "list#"+key+"#", 0, "")
	if err != nil {
		return nil, err
	}
	var items [][]byte
	for _, k := range keys {
		v, err := d.Get(ctx, k)
		if err != nil {
			continue
		}
		items = append(items, v)
		_ = d.Delete(ctx, k)
	}
	return items, nil
}

func expired(item map[string]types.AttributeValue) bool {
	v, ok := item["expire_at"].(*types.AttributeValueMemberN)
	if !ok {
		return false
	}
	var unixSecs int64
	fmt.Sscanf(v.Value, "%d", &unixSecs)
	return time.Now().Unix() > unixSecs
}

func asConditionalCheckFailed(err error, target **types.ConditionalCheckFailedException) bool {
	type unwrapper interface{ Unwrap() error }
	for err != nil {
		if ccfe, ok := err.(*types.ConditionalCheckFailedException); ok {
			*target = ccfe
			return true
		}
		u, ok := err.(unwrapper)
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
