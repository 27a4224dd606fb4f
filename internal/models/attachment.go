package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// AttachmentMeta carries descriptive fields for the uploaded blob.
type AttachmentMeta struct {
	Name       string `json:"name,omitempty"`
	Size       int64  `json:"size,omitempty"`
	MimeType   string `json:"mime_type,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
}

// Attachment is media owned by exactly one message. The blob lives in object
// storage at StoragePath; URL is its public address.
type Attachment struct {
	URL         string         `json:"url"`
	Type        string         `json:"type"`
	StoragePath string         `json:"storage_path,omitempty"`
	Meta        AttachmentMeta `json:"meta,omitempty"`
}

// Value serializes the attachment for a JSONB column.
func (a Attachment) Value() (driver.Value, error) {
	return json.Marshal(a)
}

// Scan decodes a JSONB column into the attachment.
func (a *Attachment) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, a)
	case string:
		return json.Unmarshal([]byte(v), a)
	default:
		return fmt.Errorf("unsupported attachment column type %T", src)
	}
}
