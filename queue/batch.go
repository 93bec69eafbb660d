package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/bitrise-io/go-utils/v2/log"
)

// Outcome ...
type Outcome int

const (
	// OutcomeDone means the job was handled and the message can be deleted.
	OutcomeDone Outcome = iota
	// OutcomePoison means the message is unreadable; it is deleted without processing.
	OutcomePoison
	// OutcomeFailed means the message stays on the queue for redelivery.
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDone:
		return "done"
	case OutcomePoison:
		return "poison"
	case OutcomeFailed:
		return "failed"
	}
	return "unknown"
}

// Message is a received queue message.
type Message struct {
	ID            string
	Body          string
	ReceiptHandle string
}

// Result ...
type Result struct {
	Message Message
	JobID   string
	Outcome Outcome
	Err     error
}

// Deletable reports whether the message should be removed from the queue.
func (r Result) Deletable() bool {
	return r.Outcome == OutcomeDone || r.Outcome == OutcomePoison
}

// HandleBatch processes every message of a batch in order. A failing or panicking message
// is logged and recorded; it never stops the remaining messages.
func HandleBatch(ctx context.Context, handler Handler, messages []Message, logger log.Logger) []Result {
	results := make([]Result, 0, len(messages))
	for _, msg := range messages {
		results = append(results, handleMessage(ctx, handler, msg, logger))
	}
	return results
}

func handleMessage(ctx context.Context, handler Handler, msg Message, logger log.Logger) (result Result) {
	result = Result{Message: msg}

	defer func() {
		if r := recover(); r != nil {
			result.Outcome = OutcomeFailed
			result.Err = fmt.Errorf("panic while processing job %s: %v", result.JobID, r)
			logger.Errorf("Message %s: %s", msg.ID, result.Err)
		}
	}()

	jobID, err := ParseJobMessage(msg.Body)
	if err != nil {
		logger.Warnf("Dropping message %s: %s", msg.ID, err)
		result.Outcome = OutcomePoison
		result.Err = err
		return result
	}
	result.JobID = jobID

	if err := handler.Process(ctx, jobID); err != nil {
		if errors.Is(err, ErrPoisonMessage) {
			logger.Warnf("Dropping message %s: %s", msg.ID, err)
			result.Outcome = OutcomePoison
		} else {
			logger.Errorf("Processing job %s failed: %s", jobID, err)
			result.Outcome = OutcomeFailed
		}
		result.Err = err
		return result
	}

	result.Outcome = OutcomeDone
	return result
}
