package ingest

import "github.com/WessleyAI/wessley-photos/engine/domain"

// Message is the ingestion request published on IngestSubject. Payload
// carries optional explicit fields (project_name, year, upload_date, or any
// extra scalar) that override or extend what the object key yields.
type Message struct {
	ObjectKey string         `json:"object_key"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Image is a message whose bytes have been fetched.
type Image struct {
	Message
	Data []byte
}

// EmbeddedImage is a fetched image with its normalized embedding.
type EmbeddedImage struct {
	Message
	Path   domain.ObjectPath
	Vector []float32
}

// payload merges the message payload with the parsed object-key fields.
// Parsed fields (after explicit overrides) win; path is always the key.
func (e EmbeddedImage) payload() map[string]any {
	out := make(map[string]any, len(e.Payload)+6)
	for k, v := range e.Payload {
		out[k] = v
	}
	for k, v := range e.Path.Payload() {
		out[k] = v
	}
	return out
}
