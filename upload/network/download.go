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

// DownloadParams ...
type DownloadParams struct {
	APIBaseURL   string
	Token        string
	CID          string
	DownloadPath string
}

// Download fetches a stored file by its content identifier into
// params.DownloadPath, using parallel range requests.
func Download(ctx context.Context, params DownloadParams, logger log.Logger) error {
	if params.APIBaseURL == "" {
		return fmt.Errorf("API base URL is empty")
	}
	if params.Token == "" {
		return ErrMissingToken
	}
	if params.CID == "" {
		return fmt.Errorf("content ID is empty")
	}

	retryableHTTPClient := retryhttp.NewClient(logger)
	retryableHTTPClient.CheckRetry = createCustomRetryFunction(logger)

	url := fmt.Sprintf("%s/api/v1/files/%s/download", params.APIBaseURL, params.CID)
	logger.Debugf("Downloading %s", url)

	return downloadFile(ctx, retryableHTTPClient.StandardClient(), url, params.DownloadPath, params.Token)
}

func createCustomRetryFunction(logger log.Logger) func(context.Context, *http.Response, error) (bool, error) {
	return func(ctx context.Context, resp *http.Response, downloadErr error) (bool, error) {
		retry, err := retryablehttp.DefaultRetryPolicy(ctx, resp, downloadErr)
		logger.Debugf("CheckRetry: retry=%v ; err=%+v ; downloadErr=%+v", retry, err, downloadErr)
		return retry, err
	}
}

func downloadFile(ctx context.Context, client *http.Client, url string, dest string, token string) error {
	downloader := got.New()
	downloader.Client = client

	dl := got.NewDownload(ctx, url, dest)
	dl.Header = append(dl.Header, got.GotHeader{
		Key:   "Authorization",
		Value: fmt.Sprintf("Bearer %s", token),
	})

	return downloader.Do(dl)
}
