// Package queue moves job ids between the intake and the worker over SQS.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrPoisonMessage marks a message that can never be processed and should not be redelivered.
var ErrPoisonMessage = errors.New("poison message")

// Handler processes one job.
type Handler interface {
	Process(ctx context.Context, jobID string) error
}

// HandlerFunc ...
type HandlerFunc func(ctx context.Context, jobID string) error

// Process ...
func (f HandlerFunc) Process(ctx context.Context, jobID string) error {
	return f(ctx, jobID)
}

// JobMessage is the body of every queue message.
type JobMessage struct {
	JobID string `json:"jobId"`
}

// EncodeJobMessage ...
func EncodeJobMessage(jobID string) (string, error) {
	body, err := json.Marshal(JobMessage{JobID: jobID})
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// ParseJobMessage returns the job id of a message body, or ErrPoisonMessage.
func ParseJobMessage(body string) (string, error) {
	if strings.TrimSpace(body) == "" {
		return "", fmt.Errorf("%w: empty body", ErrPoisonMessage)
	}

	var msg JobMessage
	if err := json.Unmarshal([]byte(body), &msg); err != nil {
		return "", fmt.Errorf("%w: %w", ErrPoisonMessage, err)
	}
	if strings.TrimSpace(msg.JobID) == "" {
		return "", fmt.Errorf("%w: missing jobId", ErrPoisonMessage)
	}
	return msg.JobID, nil
}
