package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/Sternrassler/biblio-ingest/pkg/state"
)

// ManifestVersion is the manifest format version.
const ManifestVersion = "1.0"

// RunStatus summarises a run.
type RunStatus string

const (
	StatusSuccess RunStatus = "success"
	StatusPartial RunStatus = "partial"
	StatusAborted RunStatus = "aborted"
)

// Entity states within a manifest.
const (
	EntityCompleted = "completed"
	EntityFailed    = "failed"
	EntityPending   = "pending"
)

// Manifest is the end-of-run summary derived from the processing states.
type Manifest struct {
	ManifestID  string    `json:"manifest_id"`
	Version     string    `json:"version"`
	RunID       string    `json:"run_id"`
	DataSource  string    `json:"data_source"`
	Status      RunStatus `json:"status"`
	AbortReason string    `json:"abort_reason,omitempty"`

	StartedAt       time.Time `json:"started_at"`
	FinishedAt      time.Time `json:"finished_at"`
	DurationSeconds float64   `json:"duration_seconds"`

	TotalEntities     int     `json:"total_entities"`
	CompletedEntities int     `json:"completed_entities"`
	FailedEntities    int     `json:"failed_entities"`
	PendingEntities   int     `json:"pending_entities"`
	SuccessRate       float64 `json:"success_rate"`

	TotalPages int `json:"total_pages"`
	TotalItems int `json:"total_items"`

	ErrorKinds map[string]int  `json:"error_kinds"`
	Entities   []EntitySummary `json:"entities"`
}

// EntitySummary is one entity's line in the manifest.
type EntitySummary struct {
	EntityID        string    `json:"entity_id"`
	Status          string    `json:"status"`
	LastPage        int       `json:"last_page"`
	PagesProcessed  int       `json:"pages_processed"`
	Items           int       `json:"items"`
	TotalResults    *int      `json:"total_results,omitempty"`
	Errors          int       `json:"errors"`
	LastError       string    `json:"last_error,omitempty"`
	StartedAt       time.Time `json:"started_at,omitempty"`
	UpdatedAt       time.Time `json:"updated_at,omitempty"`
	DurationSeconds float64   `json:"duration_seconds"`
}

// BuildManifest summarises the states of a run. requested lists the entity
// ids the run was asked to process; ids without a state count as pending.
// runErr is the run-fatal error, if any.
func BuildManifest(runID, source string, requested []string, states []state.ProcessingState, started, finished time.Time, runErr error) *Manifest {
	m := &Manifest{
		ManifestID: uuid.NewString(),
		Version:    ManifestVersion,
		RunID:      runID,
		DataSource: source,
		StartedAt:  started.UTC(),
		FinishedAt: finished.UTC(),
		ErrorKinds: map[string]int{},
	}
	m.DurationSeconds = finished.Sub(started).Seconds()

	byID := make(map[string]EntitySummary, len(states))
	for i := range states {
		st := &states[i]
		s := EntitySummary{
			EntityID:        st.EntityID,
			LastPage:        st.LastPage,
			PagesProcessed:  st.PagesProcessed,
			Items:           len(st.ProcessedItems),
			TotalResults:    st.TotalResults,
			Errors:          len(st.Errors),
			StartedAt:       st.CreatedAt.UTC(),
			UpdatedAt:       st.UpdatedAt.UTC(),
			DurationSeconds: st.UpdatedAt.Sub(st.CreatedAt).Seconds(),
		}
		switch {
		case st.Completed:
			s.Status = EntityCompleted
		case len(st.Errors) > 0:
			s.Status = EntityFailed
		default:
			s.Status = EntityPending
		}
		if n := len(st.Errors); n > 0 {
			s.LastError = st.Errors[n-1].Message
		}
		for _, e := range st.Errors {
			m.ErrorKinds[e.Kind]++
		}
		byID[st.EntityID] = s
	}
	for _, id := range requested {
		if _, ok := byID[id]; !ok {
			byID[id] = EntitySummary{EntityID: id, Status: EntityPending}
		}
	}

	m.Entities = make([]EntitySummary, 0, len(byID))
	for _, s := range byID {
		m.Entities = append(m.Entities, s)
		m.TotalPages += s.PagesProcessed
		m.TotalItems += s.Items
		switch s.Status {
		case EntityCompleted:
			m.CompletedEntities++
		case EntityFailed:
			m.FailedEntities++
		default:
			m.PendingEntities++
		}
	}
	sort.Slice(m.Entities, func(i, j int) bool { return m.Entities[i].EntityID < m.Entities[j].EntityID })

	m.TotalEntities = len(m.Entities)
	if m.TotalEntities > 0 {
		m.SuccessRate = float64(m.CompletedEntities) / float64(m.TotalEntities)
	}

	switch {
	case runErr != nil:
		m.Status = StatusAborted
		m.AbortReason = runErr.Error()
	case m.CompletedEntities == m.TotalEntities:
		m.Status = StatusSuccess
	default:
		m.Status = StatusPartial
	}
	return m
}

// ManifestStore persists manifests.
type ManifestStore interface {
	SaveManifest(ctx context.Context, m *state.ManifestRecord) error
}

// SaveManifest stores m, replacing any earlier manifest of the same run.
func SaveManifest(ctx context.Context, store ManifestStore, m *Manifest) error {
	body, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	return store.SaveManifest(ctx, &state.ManifestRecord{
		RunID:       m.RunID,
		DataSource:  m.DataSource,
		Status:      string(m.Status),
		GeneratedAt: m.FinishedAt,
		Body:        body,
	})
}

// DecodeManifest parses a stored manifest.
func DecodeManifest(rec *state.ManifestRecord) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(rec.Body, &m); err != nil {
		return nil, fmt.Errorf("decode manifest %s: %w", rec.RunID, err)
	}
	return &m, nil
}
