package models

import (
	"github.com/rescale/rescale-ingest/internal/cloud/storage"
)

// StoreOptions selects where the service stores the assembled file
type StoreOptions struct {
	Location  string `json:"location"`
	Region    string `json:"region,omitempty"`
	Container string `json:"container,omitempty"`
	Path      string `json:"path,omitempty"`
	Access    string `json:"access,omitempty"`
}

// Security is a signed policy sent alongside requests
type Security struct {
	EncodedPolicy string `json:"policy"`
	Signature     string `json:"signature"`
}

// UploadOptions are the per-upload tunables
type UploadOptions struct {
	InitialChunkSize int64
	MinChunkSize     int64
	ChunkConcurrency int
	PartConcurrency  int
	MaxRetries       int
	Intelligent      bool // Adaptive chunking with fii=true on completion
	UploadTags       map[string]string
	Store            StoreOptions
}

// UploadDescriptor is everything the engine knows about one upload. It is shared
// by reference across all part and chunk work and never modified by it.
type UploadDescriptor struct {
	APIKey    string
	UploadURL string // Base URL of the upload service

	// Assigned by the service on start
	URI      string
	Region   string
	UploadID string

	Filename string
	MIMEType string
	Size     int64

	Options  UploadOptions
	Security *Security // nil when requests are unsigned

	Reader *storage.SerialReader
}

// StartResponse is the service's reply to a multipart start request
type StartResponse struct {
	URI      string `json:"uri"`
	Region   string `json:"region"`
	UploadID string `json:"upload_id"`
}

// CompleteResponse describes the assembled file
type CompleteResponse struct {
	Handle    string `json:"handle"`
	URL       string `json:"url"`
	Filename  string `json:"filename"`
	Size      int64  `json:"size"`
	MIMEType  string `json:"mimetype"`
	Status    string `json:"status,omitempty"`
	Key       string `json:"key,omitempty"`
	Container string `json:"container,omitempty"`
}
