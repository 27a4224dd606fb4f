// Package uploader runs the attachment upload pipeline: deterministic path
// construction, bounded retry on transfer failures, and metadata assembly.
package uploader

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"chat-sync/internal/faults"
	"chat-sync/internal/models"
	"chat-sync/internal/observability"
	"chat-sync/internal/storage"
)

const maxTransferRetries = 3

// Request describes one blob to upload.
type Request struct {
	ConversationID int64
	Data           []byte
	ContentType    string
	Name           string
	DurationMs     int64
}

// Uploader uploads blobs and returns stable references plus metadata.
type Uploader struct {
	store storage.ObjectStorage
	log   *zap.Logger
	now   func() time.Time
}

// New constructs an Uploader.
func New(store storage.ObjectStorage, log *zap.Logger) *Uploader {
	if log == nil {
		log = zap.NewNop()
	}
	return &Uploader{store: store, log: log, now: time.Now}
}

// Upload persists the blob and returns its attachment reference. Transfer
// failures retry on an exponential schedule; permission and commit failures
// surface immediately. The storage path is deterministic per attempt series,
// and overwrite-on-conflict semantics make retries idempotent.
func (u *Uploader) Upload(ctx context.Context, req Request) (models.Attachment, error) {
	if len(req.Data) == 0 {
		return models.Attachment{}, &faults.UploadError{Stage: faults.StageTransfer, Err: fmt.Errorf("empty blob")}
	}

	path := fmt.Sprintf("%d/%d_%s", req.ConversationID, u.now().UnixMilli(), sanitizeName(req.Name))

	var url string
	operation := func() error {
		var err error
		url, err = u.store.Put(ctx, path, req.Data, req.ContentType)
		if err == nil {
			return nil
		}
		if ue, ok := faults.AsUpload(err); ok {
			observability.IncUploadFailure(string(ue.Stage))
			if !ue.Retryable() {
				return backoff.Permanent(err)
			}
			u.log.Warn("upload transfer failed, retrying",
				zap.String("path", path), zap.Error(err))
			return err
		}
		return backoff.Permanent(err)
	}

	schedule := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxTransferRetries), ctx)
	if err := backoff.Retry(operation, schedule); err != nil {
		return models.Attachment{}, err
	}

	att := models.Attachment{
		URL:         url,
		Type:        attachmentType(req.ContentType),
		StoragePath: path,
		Meta: models.AttachmentMeta{
			Name:       req.Name,
			Size:       int64(len(req.Data)),
			MimeType:   req.ContentType,
			DurationMs: req.DurationMs,
		},
	}
	return att, nil
}

func attachmentType(contentType string) string {
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return "image"
	case strings.HasPrefix(contentType, "video/"):
		return "video"
	case strings.HasPrefix(contentType, "audio/"):
		return "audio"
	default:
		return "file"
	}
}

func sanitizeName(name string) string {
	if name == "" {
		return "blob"
	}
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "..", "_")
	return strings.ReplaceAll(name, " ", "_")
}
