package network

import (
	"context"
	"fmt"
	"net/http"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/melbahja/got"
)

// NewRetryableClient returns the HTTP client shared by the API client and the archive downloader.
func NewRetryableClient(logger log.Logger) *retryablehttp.Client {
	client := retryhttp.NewClient(logger)
	client.CheckRetry = createCustomRetryFunction(logger)
	return client
}

// DownloadArchive fetches a finished archive through its presigned link.
func DownloadArchive(ctx context.Context, client *http.Client, downloadURL, dest string) error {
	if downloadURL == "" {
		return fmt.Errorf("download URL is empty")
	}
	if dest == "" {
		return fmt.Errorf("destination path is empty")
	}

	// NewDownload pins got.DefaultClient, so the client is set on the download itself.
	dl := got.NewDownload(ctx, downloadURL, dest)
	if client != nil {
		dl.Client = client
	}

	return got.New().Do(dl)
}

func createCustomRetryFunction(logger log.Logger) func(context.Context, *http.Response, error) (bool, error) {
	return func(ctx context.Context, resp *http.Response, downloadErr error) (bool, error) {
		retry, err := retryablehttp.DefaultRetryPolicy(ctx, resp, downloadErr)
		logger.Debugf("CheckRetry: retry=%v ; err=%+v ; downloadErr=%+v", retry, err, downloadErr)
		return retry, err
	}
}
