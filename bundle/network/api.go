package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/hashicorp/go-retryablehttp"
)

// ErrJobPending is returned by WaitForJob when the job did not become ready in time.
var ErrJobPending = errors.New("job is still pending")

// SubmitJobRequest ...
type SubmitJobRequest struct {
	SourceBucket      string   `json:"sourceBucket"`
	Keys              []string `json:"keys"`
	TargetBucket      string   `json:"targetBucket,omitempty"`
	TargetPrefix      string   `json:"targetPrefix,omitempty"`
	PresignTTLSeconds int64    `json:"presignTtlSeconds,omitempty"`
}

// SubmitJobResponse ...
type SubmitJobResponse struct {
	JobID  string `json:"jobId"`
	Status string `json:"status"`
}

// JobStatusResponse ...
type JobStatusResponse struct {
	JobID        string `json:"jobId"`
	Status       string `json:"status"`
	DownloadURL  string `json:"downloadUrl,omitempty"`
	TargetBucket string `json:"targetBucket,omitempty"`
	TargetKey    string `json:"targetKey,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// APIClient talks to the job intake HTTP API.
type APIClient struct {
	httpClient *retryablehttp.Client
	baseURL    string
	logger     log.Logger
}

// NewAPIClient ...
func NewAPIClient(client *retryablehttp.Client, baseURL string, logger log.Logger) APIClient {
	return APIClient{
		httpClient: client,
		baseURL:    baseURL,
		logger:     logger,
	}
}

// SubmitJob ...
func (c APIClient) SubmitJob(ctx context.Context, requestBody SubmitJobRequest) (SubmitJobResponse, error) {
	url := fmt.Sprintf("%s/jobs", c.baseURL)

	body, err := json.Marshal(requestBody)
	if err != nil {
		return SubmitJobResponse{}, err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return SubmitJobResponse{}, err
	}
	req.Header.Set("Content-type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return SubmitJobResponse{}, err
	}
	defer c.closeBody(resp.Body)

	if resp.StatusCode != http.StatusAccepted {
		return SubmitJobResponse{}, unwrapError(resp)
	}

	var response SubmitJobResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return SubmitJobResponse{}, err
	}
	return response, nil
}

// JobStatus ...
func (c APIClient) JobStatus(ctx context.Context, jobID string) (JobStatusResponse, error) {
	url := fmt.Sprintf("%s/jobs/%s", c.baseURL, url.PathEscape(jobID))

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return JobStatusResponse{}, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return JobStatusResponse{}, err
	}
	defer c.closeBody(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return JobStatusResponse{}, unwrapError(resp)
	}

	var response JobStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return JobStatusResponse{}, err
	}
	return response, nil
}

// WaitForJob polls the job status until it is READY or the attempts run out.
func (c APIClient) WaitForJob(ctx context.Context, jobID string, attempts uint, interval time.Duration) (JobStatusResponse, error) {
	var status JobStatusResponse
	err := retry.Times(attempts).Wait(interval).TryWithAbort(func(attempt uint) (error, bool) {
		if err := ctx.Err(); err != nil {
			return err, true
		}

		var err error
		status, err = c.JobStatus(ctx, jobID)
		if err != nil {
			return err, true
		}
		if status.Status != "READY" {
			c.logger.Debugf("Job %s is %s (attempt %d)", jobID, status.Status, attempt+1)
			return ErrJobPending, false
		}
		return nil, true
	})
	if err != nil {
		return status, err
	}
	return status, nil
}

func (c APIClient) closeBody(body io.ReadCloser) {
	if err := body.Close(); err != nil {
		c.logger.Printf(err.Error())
	}
}

func unwrapError(resp *http.Response) error {
	errorResp, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var decoded errorResponse
	if json.Unmarshal(errorResp, &decoded) == nil && decoded.Error != "" {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, decoded.Error)
	}
	return fmt.Errorf("HTTP %d: %s", resp.StatusCode, errorResp)
}
