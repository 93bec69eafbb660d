package jobstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoDBAPI is the subset of the DynamoDB client used by DynamoStore.
type DynamoDBAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// DynamoStore keeps jobs in a DynamoDB table keyed by jobId.
type DynamoStore struct {
	client    DynamoDBAPI
	tableName string
}

// NewDynamoStore ...
func NewDynamoStore(client DynamoDBAPI, tableName string) *DynamoStore {
	return &DynamoStore{
		client:    client,
		tableName: tableName,
	}
}

// NewDynamoDBClient creates a DynamoDB client, optionally against a custom endpoint.
func NewDynamoDBClient(cfg aws.Config, endpoint string) *dynamodb.Client {
	return dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
}

// Ping checks that the table is reachable.
func (s *DynamoStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.tableName),
	})
	return err
}

// Get ...
func (s *DynamoStore) Get(ctx context.Context, id string) (*Job, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            jobKey(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	if len(out.Item) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}

	var job Job
	if err := attributevalue.UnmarshalMap(out.Item, &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &job, nil
}

// Put stores a new job. Overwriting an existing job id is rejected.
func (s *DynamoStore) Put(ctx context.Context, job Job) error {
	item, err := attributevalue.MarshalMap(job)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.ID, err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(jobId)"),
	})
	var conditionFailed *types.ConditionalCheckFailedException
	if errors.As(err, &conditionFailed) {
		return fmt.Errorf("%w: %s: %w", ErrJobExists, job.ID, err)
	}
	if err != nil {
		return fmt.Errorf("put job %s: %w", job.ID, err)
	}
	return nil
}

// MarkReady ...
func (s *DynamoStore) MarkReady(ctx context.Context, id, downloadURL string) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.tableName),
		Key:                 jobKey(id),
		UpdateExpression:    aws.String("SET #s = :ready, downloadUrl = :url"),
		ConditionExpression: aws.String("attribute_exists(jobId) AND #s = :pending"),
		ExpressionAttributeNames: map[string]string{
			"#s": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":ready":   &types.AttributeValueMemberS{Value: string(StatusReady)},
			":pending": &types.AttributeValueMemberS{Value: string(StatusPending)},
			":url":     &types.AttributeValueMemberS{Value: downloadURL},
		},
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err == nil {
		return nil
	}

	var conditionFailed *types.ConditionalCheckFailedException
	if errors.As(err, &conditionFailed) {
		if len(conditionFailed.Item) == 0 {
			return fmt.Errorf("%w: %s", ErrJobNotFound, id)
		}
		return fmt.Errorf("%w: %s", ErrAlreadyReady, id)
	}
	return fmt.Errorf("mark job %s ready: %w", id, err)
}

func jobKey(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"jobId": &types.AttributeValueMemberS{Value: id},
	}
}
