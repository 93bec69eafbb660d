//go:build integration

// Package integration runs the bundler against localstack.
package integration

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/zip-bundler/bundle/network"
	"github.com/bitrise-io/zip-bundler/jobstore"
	"github.com/bitrise-io/zip-bundler/queue"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var logger = log.NewLogger()

const (
	region    = "us-east-1"
	tableName = "zip-jobs"
	queueName = "zip-jobs"
)

type localstackEnv struct {
	endpoint string
	s3       *s3.Client
	dynamodb *dynamodb.Client
	sqs      *sqs.Client
	queueURL string
}

func startLocalstack(t *testing.T, ctx context.Context, buckets ...string) *localstackEnv {
	t.Helper()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "localstack/localstack:3.4",
			ExposedPorts: []string{"4566/tcp"},
			Env:          map[string]string{"SERVICES": "s3,sqs,dynamodb"},
			WaitingFor:   wait.ForHTTP("/_localstack/health").WithPort("4566/tcp"),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("start localstack container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("get container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "4566")
	if err != nil {
		t.Fatalf("get container port: %v", err)
	}
	endpoint := fmt.Sprintf("http://%s:%s", host, port.Port())

	cfg, err := network.LoadAWSConfig(ctx, network.AWSParams{
		Region:          region,
		AccessKeyID:     "test",
		SecretAccessKey: "test",
		Endpoint:        endpoint,
	}, logger)
	if err != nil {
		t.Fatalf("load aws config: %v", err)
	}

	env := &localstackEnv{
		endpoint: endpoint,
		s3:       network.NewS3Client(*cfg, endpoint),
		dynamodb: jobstore.NewDynamoDBClient(*cfg, endpoint),
		sqs:      queue.NewSQSClient(*cfg, endpoint),
	}

	for _, bucket := range buckets {
		if _, err := env.s3.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(bucket)}); err != nil {
			t.Fatalf("create bucket %s: %v", bucket, err)
		}
	}

	_, err = env.dynamodb.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName:   aws.String(tableName),
		BillingMode: types.BillingModePayPerRequest,
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("jobId"), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("jobId"), KeyType: types.KeyTypeHash},
		},
	})
	if err != nil {
		t.Fatalf("create table: %v", err)
	}

	out, err := env.sqs.CreateQueue(ctx, &sqs.CreateQueueInput{QueueName: aws.String(queueName)})
	if err != nil {
		t.Fatalf("create queue: %v", err)
	}
	env.queueURL = aws.ToString(out.QueueUrl)

	return env
}

func (e *localstackEnv) putObject(t *testing.T, ctx context.Context, bucket, key string, data []byte) {
	t.Helper()
	if _, err := e.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	}); err != nil {
		t.Fatalf("put object %s: %v", key, err)
	}
}

func (e *localstackEnv) openUploads(t *testing.T, ctx context.Context, bucket string) int {
	t.Helper()
	out, err := e.s3.ListMultipartUploads(ctx, &s3.ListMultipartUploadsInput{Bucket: aws.String(bucket)})
	if err != nil {
		t.Fatalf("list multipart uploads: %v", err)
	}
	return len(out.Uploads)
}

func testData(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}
