package jobstore

import (
	"context"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// fakeDynamoDB understands just enough of the expressions DynamoStore sends.
type fakeDynamoDB struct {
	mu       sync.Mutex
	items    map[string]map[string]types.AttributeValue
	updates  []*dynamodb.UpdateItemInput
	failWith error
}

func newFakeDynamoDB() *fakeDynamoDB {
	return &fakeDynamoDB{items: map[string]map[string]types.AttributeValue{}}
}

func keyOf(key map[string]types.AttributeValue) string {
	return key["jobId"].(*types.AttributeValueMemberS).Value
}

func (f *fakeDynamoDB) GetItem(_ context.Context, params *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	return &dynamodb.GetItemOutput{Item: f.items[keyOf(params.Key)]}, nil
}

func (f *fakeDynamoDB) PutItem(_ context.Context, params *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := keyOf(params.Item)
	if _, exists := f.items[id]; exists && aws.ToString(params.ConditionExpression) != "" {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("exists")}
	}
	f.items[id] = params.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamoDB) UpdateItem(_ context.Context, params *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, params)

	item, ok := f.items[keyOf(params.Key)]
	if !ok {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("condition failed")}
	}
	status := item["status"].(*types.AttributeValueMemberS).Value
	pending := params.ExpressionAttributeValues[":pending"].(*types.AttributeValueMemberS).Value
	if status != pending {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("condition failed"), Item: item}
	}

	updated := map[string]types.AttributeValue{}
	for k, v := range item {
		updated[k] = v
	}
	updated["status"] = params.ExpressionAttributeValues[":ready"]
	updated["downloadUrl"] = params.ExpressionAttributeValues[":url"]
	f.items[keyOf(params.Key)] = updated
	return &dynamodb.UpdateItemOutput{}, nil
}

func (f *fakeDynamoDB) DescribeTable(_ context.Context, params *dynamodb.DescribeTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	if aws.ToString(params.TableName) != "zip-jobs" {
		return nil, &types.ResourceNotFoundException{Message: aws.String("no table")}
	}
	return &dynamodb.DescribeTableOutput{}, nil
}

type fakeCache struct {
	jobs    map[string]Job
	sets    int
	failGet error
}

func (c *fakeCache) Get(_ context.Context, id string) (*Job, error) {
	if c.failGet != nil {
		return nil, c.failGet
	}
	job, ok := c.jobs[id]
	if !ok {
		return nil, ErrCacheMiss
	}
	return &job, nil
}

func (c *fakeCache) Set(_ context.Context, job Job, _ time.Duration) error {
	c.sets++
	c.jobs[job.ID] = job
	return nil
}
