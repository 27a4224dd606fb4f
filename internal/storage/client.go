// Package storage wraps the platform's object storage API.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"chat-sync/internal/faults"
)

// ObjectStorage is the engine's view of the blob store.
type ObjectStorage interface {
	Put(ctx context.Context, path string, data []byte, contentType string) (string, error)
	PublicURL(path string) string
	Delete(ctx context.Context, path string) error
}

// Client implements ObjectStorage over the platform's HTTP surface.
type Client struct {
	baseURL string
	bucket  string
	apiKey  string
	http    *http.Client
}

// NewClient constructs the wrapper.
func NewClient(baseURL, bucket, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		bucket:  bucket,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 60 * time.Second},
	}
}

// Put uploads the blob with overwrite-on-conflict semantics, so retrying a
// failed send never produces duplicate objects. Failures are staged:
// permission errors are terminal, transfer errors retryable, commit errors
// mean the platform accepted bytes but refused to finalize.
func (c *Client) Put(ctx context.Context, path string, data []byte, contentType string) (string, error) {
	url := fmt.Sprintf("%s/object/%s/%s", c.baseURL, c.bucket, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return "", &faults.UploadError{Stage: faults.StageTransfer, Path: path, Err: err}
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("x-upsert", "true")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", &faults.UploadError{Stage: faults.StageTransfer, Path: path, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", &faults.UploadError{Stage: faults.StagePermission, Path: path, Err: fmt.Errorf("status %d", resp.StatusCode)}
	case resp.StatusCode >= 500:
		return "", &faults.UploadError{Stage: faults.StageTransfer, Path: path, Err: fmt.Errorf("status %d", resp.StatusCode)}
	case resp.StatusCode >= 300:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", &faults.UploadError{Stage: faults.StageCommit, Path: path, Err: fmt.Errorf("status %d: %s", resp.StatusCode, body)}
	}

	return c.PublicURL(path), nil
}

// PublicURL returns the stable public reference for a stored object.
func (c *Client) PublicURL(path string) string {
	return fmt.Sprintf("%s/object/public/%s/%s", c.baseURL, c.bucket, path)
}

// Delete removes the blob. An already-absent object is a benign no-op.
func (c *Client) Delete(ctx context.Context, path string) error {
	url := fmt.Sprintf("%s/object/%s/%s", c.baseURL, c.bucket, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return faults.Network("storage delete", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return faults.ErrNotFound
	case resp.StatusCode >= 300:
		return faults.Network("storage delete", fmt.Errorf("status %d", resp.StatusCode))
	}
	return nil
}
