package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"github.com/marcus-qen/actiongate/internal/action"
	"github.com/marcus-qen/actiongate/internal/config"
	"github.com/marcus-qen/actiongate/internal/gwerrors"
)

// cloudProvider writes the action payload as an item into a DynamoDB
// table, dispatching to a cloud API side effect rather than reading it
// back as State Store state. Reuses the same aws-sdk-go-v2 family
// already wired for the DynamoDB state store backend.
type cloudProvider struct {
	name      string
	client    *dynamodb.Client
	tableName string
}

func newCloudProvider(c config.ProviderConfig) (Provider, error) {
	if c.Endpoint == "" {
		return nil, fmt.Errorf("cloud provider requires endpoint (target table name)")
	}
	cfg, err := awsconfig.LoadDefaultConfig(context.Background())
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &cloudProvider{
		name:      c.Name,
		client:    dynamodb.NewFromConfig(cfg),
		tableName: c.Endpoint,
	}, nil
}

func (p *cloudProvider) Name() string { return p.name }

func (p *cloudProvider) Execute(ctx context.Context, a action.Action) (map[string]any, error) {
	payload, err := json.Marshal(a.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal cloud item: %w", err)
	}
	_, err = p.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(p.tableName),
		Item: map[string]types.AttributeValue{
			"pk":          &types.AttributeValueMemberS{Value: a.ID},
			"action_type": &types.AttributeValueMemberS{Value: a.ActionType},
			"payload":     &types.AttributeValueMemberB{Value: payload},
			"written_at":  &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", time.Now().Unix())},
		},
	})
	if err != nil {
		return nil, &gwerrors.ProviderError{
			Provider:  p.name,
			Retryable: dynamoRetryable(err),
			Code:      "dynamodb",
			Err:       fmt.Errorf("put item into %s: %w", p.tableName, err),
		}
	}
	return map[string]any{"table": p.tableName, "item_id": a.ID}, nil
}

// dynamoRetryable classifies an AWS SDK v2 API error by its smithy
// fault: server-side faults (throttling, internal errors) are
// retryable, client faults (validation, missing table, bad
// credentials) are terminal.
func dynamoRetryable(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorFault() == smithy.FaultServer
	}
	return true
}
