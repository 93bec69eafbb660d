package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

type fakeSQS struct {
	mu       sync.Mutex
	pending  []types.Message
	sent     []string
	deleted  []string
	receives int
	nextID   int
}

func (f *fakeSQS) enqueue(body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.pending = append(f.pending, types.Message{
		MessageId:     aws.String(fmt.Sprintf("msg-%d", f.nextID)),
		ReceiptHandle: aws.String(fmt.Sprintf("rh-%d", f.nextID)),
		Body:          aws.String(body),
	})
}

func (f *fakeSQS) ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	f.receives++
	n := int(params.MaxNumberOfMessages)
	if n > len(f.pending) {
		n = len(f.pending)
	}
	batch := f.pending[:n]
	f.pending = f.pending[n:]
	f.mu.Unlock()

	if len(batch) == 0 {
		// Emulate a long poll that returns when the context ends.
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return &sqs.ReceiveMessageOutput{Messages: batch}, nil
}

func (f *fakeSQS) DeleteMessage(_ context.Context, params *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, aws.ToString(params.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func (f *fakeSQS) SendMessage(_ context.Context, params *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, aws.ToString(params.MessageBody))
	return &sqs.SendMessageOutput{MessageId: aws.String("sent")}, nil
}

func (f *fakeSQS) deletedHandles() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}
