// Package state is the durable store for ingestion progress: per-entity
// processing state, fetched pages, run manifests and request usage records.
//
// It is backed by a single SQLite file through gorm. All writes for one
// page commit (page row plus updated processing state) happen in one
// transaction, so a crash leaves either both or neither.
package state

import (
	"time"
)

// PageError is one recorded failure for an entity.
type PageError struct {
	Page      int       `json:"page"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// ProcessingState is the checkpoint of one entity within one run.
type ProcessingState struct {
	RunID          string `gorm:"primaryKey;column:run_id"`
	EntityID       string `gorm:"primaryKey;column:entity_id"`
	DataSource     string `gorm:"column:data_source;index"`
	LastPage       int    `gorm:"column:last_page"`
	LastStartIndex int    `gorm:"column:last_start_index"`

	// Cursor is the token for the page after LastPage (cursor strategies).
	Cursor string `gorm:"column:cursor"`

	TotalResults   *int `gorm:"column:total_results"`
	PagesProcessed int  `gorm:"column:pages_processed"`
	Completed      bool `gorm:"column:completed;index"`

	// ProcessedItems maps each item id to the page it was first seen on.
	ProcessedItems map[string]int `gorm:"column:processed_items;serializer:json"`

	// FileNames lists artifact names in page order; FileHashes maps them
	// to content hashes.
	FileNames  []string          `gorm:"column:file_names;serializer:json"`
	FileHashes map[string]string `gorm:"column:file_hashes;serializer:json"`

	Errors []PageError `gorm:"column:errors;serializer:json"`

	CreatedAt time.Time `gorm:"column:created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

// TableName implements gorm's tabler.
func (ProcessingState) TableName() string { return "processing_state" }

// NewProcessingState returns an empty state for the pair.
func NewProcessingState(runID, entityID, source string) *ProcessingState {
	return &ProcessingState{
		RunID:          runID,
		EntityID:       entityID,
		DataSource:     source,
		ProcessedItems: map[string]int{},
		FileNames:      []string{},
		FileHashes:     map[string]string{},
		Errors:         []PageError{},
	}
}

// ensureCollections replaces nil collections so they serialize as empty JSON.
func (s *ProcessingState) ensureCollections() {
	if s.ProcessedItems == nil {
		s.ProcessedItems = map[string]int{}
	}
	if s.FileNames == nil {
		s.FileNames = []string{}
	}
	if s.FileHashes == nil {
		s.FileHashes = map[string]string{}
	}
	if s.Errors == nil {
		s.Errors = []PageError{}
	}
}

// PageMetadata is the technical context of a page fetch.
type PageMetadata struct {
	URL        string              `json:"url"`
	Method     string              `json:"method"`
	Params     map[string][]string `json:"params"`
	StatusCode int                 `json:"status_code"`
	Attempts   int                 `json:"attempts"`
	Cursor     string              `json:"cursor,omitempty"`
	FromCache  bool                `json:"from_cache"`
}

// Page is one raw API response.
type Page struct {
	RunID             string       `gorm:"primaryKey;column:run_id"`
	EntityID          string       `gorm:"primaryKey;column:entity_id"`
	PageNumber        int          `gorm:"primaryKey;autoIncrement:false;column:page_number"`
	DataSource        string       `gorm:"column:data_source;index"`
	RequestTimestamp  time.Time    `gorm:"column:request_timestamp"`
	ResponseTimestamp time.Time    `gorm:"column:response_timestamp"`
	RawPayload        []byte       `gorm:"column:raw_payload"`
	Metadata          PageMetadata `gorm:"column:technical_metadata;serializer:json"`
	ContentHash       string       `gorm:"column:content_hash;index"`
	ArtifactName      string       `gorm:"column:artifact_name"`
}

// TableName implements gorm's tabler.
func (Page) TableName() string { return "pages" }

// ManifestRecord is the stored summary of a run.
type ManifestRecord struct {
	RunID       string    `gorm:"primaryKey;column:run_id"`
	DataSource  string    `gorm:"column:data_source;index"`
	Status      string    `gorm:"column:status"`
	GeneratedAt time.Time `gorm:"column:generated_at"`
	Body        []byte    `gorm:"column:body"`
}

// TableName implements gorm's tabler.
func (ManifestRecord) TableName() string { return "manifests" }

// RateUsage is one dispatched request.
type RateUsage struct {
	ID          uint   `gorm:"primaryKey;autoIncrement"`
	DataSource  string `gorm:"column:data_source;index:idx_rate_usage_source_ts"`
	TimestampMs int64  `gorm:"column:timestamp_ms;index:idx_rate_usage_source_ts"`
}

// TableName implements gorm's tabler.
func (RateUsage) TableName() string { return "rate_usage" }
