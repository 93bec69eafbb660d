package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/bitrise-io/go-utils/v2/log"
)

// SQSAPI is the subset of the SQS client used by this package.
type SQSAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// NewSQSClient creates an SQS client, optionally against a custom endpoint.
func NewSQSClient(cfg aws.Config, endpoint string) *sqs.Client {
	return sqs.NewFromConfig(cfg, func(o *sqs.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
}

// Publisher ...
type Publisher struct {
	client   SQSAPI
	queueURL string
}

// NewPublisher ...
func NewPublisher(client SQSAPI, queueURL string) *Publisher {
	return &Publisher{client: client, queueURL: queueURL}
}

// Publish enqueues a job id.
func (p *Publisher) Publish(ctx context.Context, jobID string) error {
	body, err := EncodeJobMessage(jobID)
	if err != nil {
		return err
	}

	_, err = p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(body),
	})
	if err != nil {
		return fmt.Errorf("send job %s: %w", jobID, err)
	}
	return nil
}

// ReceiverConfig ...
type ReceiverConfig struct {
	QueueURL string
	// Pollers is the number of independent receive loops.
	Pollers int
	// MaxMessages per receive call, at most 10.
	MaxMessages int32
	// WaitTime of the long poll, at most 20 seconds.
	WaitTime time.Duration
	// VisibilityTimeout should cover the processing time of a whole batch.
	VisibilityTimeout time.Duration
	// ErrorBackoff is the pause after a failed receive call.
	ErrorBackoff time.Duration
}

// DefaultReceiverConfig ...
func DefaultReceiverConfig(queueURL string) ReceiverConfig {
	return ReceiverConfig{
		QueueURL:          queueURL,
		Pollers:           1,
		MaxMessages:       10,
		WaitTime:          20 * time.Second,
		VisibilityTimeout: 15 * time.Minute,
		ErrorBackoff:      time.Second,
	}
}

// Receiver long-polls the queue and hands every batch to HandleBatch.
type Receiver struct {
	client  SQSAPI
	config  ReceiverConfig
	handler Handler
	logger  log.Logger

	// cancel stops the receive loops; stopWork cancels the batches being processed.
	cancel   context.CancelFunc
	stopWork context.CancelFunc
	wg       sync.WaitGroup
}

// NewReceiver ...
func NewReceiver(client SQSAPI, config ReceiverConfig, handler Handler, logger log.Logger) *Receiver {
	if config.Pollers <= 0 {
		config.Pollers = 1
	}
	return &Receiver{
		client:  client,
		config:  config,
		handler: handler,
		logger:  logger,
	}
}

// Start runs the receive loops until ctx is cancelled or Shutdown is called.
// Batches already received keep running when ctx ends; only Shutdown's deadline cancels them.
func (r *Receiver) Start(ctx context.Context) {
	workCtx, stopWork := context.WithCancel(context.WithoutCancel(ctx))
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.stopWork = stopWork

	for i := 0; i < r.config.Pollers; i++ {
		r.wg.Add(1)
		go func(poller int) {
			defer r.wg.Done()
			r.pollLoop(ctx, workCtx, poller)
		}(i)
	}
}

// Shutdown stops receiving and waits for in-flight batches to finish. When ctx expires
// first, the batches are cancelled, which aborts their uploads, and ctx's error is returned
// once they have returned.
func (r *Receiver) Shutdown(ctx context.Context) error {
	if r.cancel == nil {
		return nil
	}
	r.cancel()
	defer r.stopWork()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		r.logger.Warnf("Shutdown deadline reached, cancelling in-flight jobs")
		r.stopWork()
		<-done
		return ctx.Err()
	}
}

func (r *Receiver) pollLoop(ctx, workCtx context.Context, poller int) {
	r.logger.Debugf("Poller %d started on %s", poller, r.config.QueueURL)
	for {
		if ctx.Err() != nil {
			r.logger.Debugf("Poller %d stopped", poller)
			return
		}

		if _, err := r.poll(ctx, workCtx); err != nil {
			if ctx.Err() != nil {
				continue
			}
			r.logger.Warnf("Receive from %s failed: %s", r.config.QueueURL, err)
			select {
			case <-ctx.Done():
			case <-time.After(r.config.ErrorBackoff):
			}
		}
	}
}

// PollOnce receives one batch, processes it and deletes the handled messages.
func (r *Receiver) PollOnce(ctx context.Context) ([]Result, error) {
	return r.poll(ctx, ctx)
}

// poll receives on receiveCtx and processes the batch on workCtx.
func (r *Receiver) poll(receiveCtx, workCtx context.Context) ([]Result, error) {
	out, err := r.client.ReceiveMessage(receiveCtx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(r.config.QueueURL),
		MaxNumberOfMessages: r.config.MaxMessages,
		WaitTimeSeconds:     int32(r.config.WaitTime.Seconds()),
		VisibilityTimeout:   int32(r.config.VisibilityTimeout.Seconds()),
	})
	if err != nil {
		return nil, err
	}
	if len(out.Messages) == 0 {
		return nil, nil
	}

	results := HandleBatch(workCtx, r.handler, toMessages(out.Messages), r.logger)
	for _, result := range results {
		if !result.Deletable() {
			continue
		}
		// The job is already handled; a cancelled context must still remove the message.
		if err := r.deleteMessage(context.WithoutCancel(workCtx), result.Message); err != nil {
			r.logger.Warnf("Failed to delete message %s: %s", result.Message.ID, err)
		}
	}
	return results, nil
}

func (r *Receiver) deleteMessage(ctx context.Context, msg Message) error {
	_, err := r.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(r.config.QueueURL),
		ReceiptHandle: aws.String(msg.ReceiptHandle),
	})
	return err
}

func toMessages(in []types.Message) []Message {
	messages := make([]Message, 0, len(in))
	for _, m := range in {
		messages = append(messages, Message{
			ID:            aws.ToString(m.MessageId),
			Body:          aws.ToString(m.Body),
			ReceiptHandle: aws.ToString(m.ReceiptHandle),
		})
	}
	return messages
}
