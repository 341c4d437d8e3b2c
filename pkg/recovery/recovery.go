// Package recovery decides where an entity's ingestion resumes.
//
// Before any page is fetched for an incomplete entity the Planner re-reads
// every recorded page artifact, re-hashes it and compares the result with
// the hash stored in the processing state. The first page that is missing,
// mismatched or recorded as failed becomes the resume point: everything
// recorded for it and later pages is discarded and the state is rewound.
package recovery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/biblio-ingest/pkg/artifact"
	"github.com/Sternrassler/biblio-ingest/pkg/hashing"
	"github.com/Sternrassler/biblio-ingest/pkg/pagination"
	"github.com/Sternrassler/biblio-ingest/pkg/state"
)

var rollbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ingest_recovery_rollbacks_total",
	Help: "Total state rollbacks performed before resuming an entity",
}, []string{"source", "reason"})

// Rollback reasons.
const (
	ReasonMissing  = "missing"
	ReasonMismatch = "mismatch"
	ReasonGap      = "gap"
	ReasonFailed   = "failed_page"
	ReasonCursor   = "cursor_unavailable"
)

// Store is the subset of the state store the planner needs.
type Store interface {
	Load(ctx context.Context, runID, entityID string) (*state.ProcessingState, error)
	LoadPage(ctx context.Context, runID, entityID string, page int) (*state.Page, error)
	PageNumbers(ctx context.Context, runID, entityID string) ([]int, error)
	Rewind(ctx context.Context, st *state.ProcessingState) error
}

// Plan is the outcome of planning one entity.
type Plan struct {
	State    *state.ProcessingState
	Position pagination.Position

	// Completed means there is nothing left to fetch.
	Completed bool

	// Resumed is true when an existing state was found.
	Resumed bool

	// RolledBackFrom is the last_page before a rollback, 0 if none happened.
	RolledBackFrom int
	Reason         string

	// FailedPages are recorded failures without a stored page, ascending.
	FailedPages []int
}

// Planner computes resume points.
type Planner struct {
	store     Store
	artifacts artifact.Store
	strategy  pagination.Strategy
	source    string
	logger    zerolog.Logger
}

// NewPlanner creates a planner. artifacts may be nil, in which case stored
// page payloads are verified instead of artifact files.
func NewPlanner(store Store, artifacts artifact.Store, strategy pagination.Strategy, source string, logger zerolog.Logger) *Planner {
	if store == nil {
		panic("recovery store cannot be nil")
	}
	if strategy == nil {
		panic("pagination strategy cannot be nil")
	}
	return &Planner{
		store:     store,
		artifacts: artifacts,
		strategy:  strategy,
		source:    source,
		logger:    logger.With().Str("component", "recovery").Str("data_source", source).Logger(),
	}
}

// Plan loads the entity's state and returns where to resume.
func (p *Planner) Plan(ctx context.Context, runID, entityID string) (*Plan, error) {
	st, err := p.store.Load(ctx, runID, entityID)
	if errors.Is(err, state.ErrNotFound) {
		return &Plan{
			State:    state.NewProcessingState(runID, entityID, p.source),
			Position: pagination.Position{Page: 1},
		}, nil
	}
	if err != nil {
		return nil, err
	}

	plan := &Plan{State: st, Resumed: true}
	if st.Completed {
		plan.Completed = true
		return plan, nil
	}

	stored, err := p.store.PageNumbers(ctx, runID, entityID)
	if err != nil {
		return nil, err
	}
	storedSet := make(map[int]bool, len(stored))
	for _, n := range stored {
		storedSet[n] = true
	}

	resume, reason, err := p.firstInvalid(ctx, st, storedSet)
	if err != nil {
		return nil, err
	}

	// No page N+1 while page N is outstanding.
	plan.FailedPages = failedPages(st, storedSet)
	if len(plan.FailedPages) > 0 {
		if fp := plan.FailedPages[0]; fp <= st.LastPage && (resume == 0 || fp < resume) {
			resume, reason = fp, ReasonFailed
		}
	}

	if resume == 0 {
		plan.Position = p.position(st, st.LastPage+1, st.Cursor)
		p.logger.Info().
			Str("run_id", runID).
			Str("entity_id", entityID).
			Int("page", plan.Position.Page).
			Msg("Resuming entity")
		return plan, nil
	}

	cursor := ""
	if p.strategy.Kind() == pagination.KindCursorBased && resume > 1 {
		var ok bool
		cursor, ok, err = p.cursorFor(ctx, runID, entityID, resume)
		if err != nil {
			return nil, err
		}
		if !ok {
			p.logger.Warn().
				Str("run_id", runID).
				Str("entity_id", entityID).
				Int("page", resume).
				Msg("No cursor available for resume page - restarting at page 1")
			resume, reason = 1, ReasonCursor
		}
	}

	plan.RolledBackFrom = st.LastPage
	plan.Reason = reason
	truncate(st, resume, p.strategy.PageSize())
	st.Cursor = cursor

	if err := p.store.Rewind(ctx, st); err != nil {
		return nil, fmt.Errorf("rewind %s/%s to page %d: %w", runID, entityID, resume, err)
	}
	rollbacksTotal.WithLabelValues(p.source, reason).Inc()

	p.logger.Warn().
		Str("run_id", runID).
		Str("entity_id", entityID).
		Int("from_page", plan.RolledBackFrom).
		Int("page", resume).
		Str("reason", reason).
		Msg("Rolled back entity state")

	plan.Position = p.position(st, resume, cursor)
	return plan, nil
}

func (p *Planner) position(st *state.ProcessingState, page int, cursor string) pagination.Position {
	if page < 1 {
		page = 1
	}
	return pagination.Position{
		Page:         page,
		StartIndex:   (page - 1) * p.strategy.PageSize(),
		Cursor:       cursor,
		TotalResults: st.TotalResults,
	}
}

// firstInvalid returns the lowest page whose recorded artifact is missing
// or does not match its hash, or 0 when every recorded page verifies.
func (p *Planner) firstInvalid(ctx context.Context, st *state.ProcessingState, stored map[int]bool) (int, string, error) {
	byPage := make(map[int]string, len(st.FileNames))
	for _, name := range st.FileNames {
		if n, ok := artifact.PageFromName(name); ok {
			byPage[n] = name
		}
	}

	for page := 1; page <= st.LastPage; page++ {
		if err := ctx.Err(); err != nil {
			return 0, "", err
		}

		name, ok := byPage[page]
		if !ok {
			return page, ReasonGap, nil
		}
		want, ok := st.FileHashes[name]
		if !ok {
			return page, ReasonMissing, nil
		}

		data, err := p.read(ctx, st, name, page, stored)
		if errors.Is(err, artifact.ErrNotFound) || errors.Is(err, state.ErrNotFound) {
			return page, ReasonMissing, nil
		}
		if err != nil {
			return 0, "", err
		}

		got, err := hashing.HashBytes(data)
		if err != nil || got != want {
			p.logger.Warn().
				Str("entity_id", st.EntityID).
				Int("page", page).
				Str("expected_hash", want).
				Str("actual_hash", got).
				Msg("Page content does not match recorded hash")
			return page, ReasonMismatch, nil
		}
	}
	return 0, "", nil
}

func (p *Planner) read(ctx context.Context, st *state.ProcessingState, name string, page int, stored map[int]bool) ([]byte, error) {
	if p.artifacts != nil {
		data, err := p.artifacts.Get(ctx, name)
		if err != nil && !errors.Is(err, artifact.ErrNotFound) {
			return nil, fmt.Errorf("%w: read artifact %s: %w", state.ErrStorage, name, err)
		}
		return data, err
	}
	if !stored[page] {
		return nil, state.ErrNotFound
	}
	pg, err := p.store.LoadPage(ctx, st.RunID, st.EntityID, page)
	if err != nil {
		return nil, err
	}
	return pg.RawPayload, nil
}

// cursorFor returns the token that fetches page. It prefers the cursor
// recorded with the page itself and falls back to deriving it from the
// previous page's payload.
func (p *Planner) cursorFor(ctx context.Context, runID, entityID string, page int) (string, bool, error) {
	pg, err := p.store.LoadPage(ctx, runID, entityID, page)
	switch {
	case err == nil && pg.Metadata.Cursor != "":
		return pg.Metadata.Cursor, true, nil
	case err != nil && !errors.Is(err, state.ErrNotFound):
		return "", false, err
	}

	prev, err := p.store.LoadPage(ctx, runID, entityID, page-1)
	if errors.Is(err, state.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}

	dec := json.NewDecoder(bytes.NewReader(prev.RawPayload))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return "", false, nil
	}
	req, more := p.strategy.Next(pagination.Position{Page: page - 1, Cursor: prev.Metadata.Cursor}, doc)
	if !more || req.Cursor == "" {
		return "", false, nil
	}
	return req.Cursor, true, nil
}

// failedPages lists error-log pages that have no stored page, ascending.
func failedPages(st *state.ProcessingState, stored map[int]bool) []int {
	seen := map[int]bool{}
	var out []int
	for _, e := range st.Errors {
		if e.Page < 1 || stored[e.Page] || seen[e.Page] {
			continue
		}
		seen[e.Page] = true
		out = append(out, e.Page)
	}
	sort.Ints(out)
	return out
}

// truncate drops everything recorded for page and later pages.
func truncate(st *state.ProcessingState, page, pageSize int) {
	names := st.FileNames[:0:0]
	for _, name := range st.FileNames {
		if n, ok := artifact.PageFromName(name); ok && n < page {
			names = append(names, name)
			continue
		}
		delete(st.FileHashes, name)
	}
	for name := range st.FileHashes {
		if n, ok := artifact.PageFromName(name); !ok || n >= page {
			delete(st.FileHashes, name)
		}
	}
	st.FileNames = names

	for id, n := range st.ProcessedItems {
		if n >= page {
			delete(st.ProcessedItems, id)
		}
	}

	errs := st.Errors[:0:0]
	for _, e := range st.Errors {
		if e.Page < page {
			errs = append(errs, e)
		}
	}
	st.Errors = errs

	st.LastPage = page - 1
	st.PagesProcessed = len(st.FileNames)
	st.LastStartIndex = 0
	if st.LastPage > 1 {
		st.LastStartIndex = (st.LastPage - 1) * pageSize
	}
	st.Completed = false
	st.UpdatedAt = time.Now().UTC()
}
