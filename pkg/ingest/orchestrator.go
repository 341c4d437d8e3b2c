// Package ingest drives a run: it narrows the entity list to unfinished
// work, checks the weekly budget up front, then walks every entity page by
// page, committing each page together with the entity's updated checkpoint.
//
// Failures of a single entity are recorded on its processing state and the
// run moves on. Quota, authentication, storage and cancellation errors stop
// the run; a manifest is produced either way.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/biblio-ingest/internal/fieldpath"
	"github.com/Sternrassler/biblio-ingest/pkg/artifact"
	"github.com/Sternrassler/biblio-ingest/pkg/cache"
	"github.com/Sternrassler/biblio-ingest/pkg/client"
	"github.com/Sternrassler/biblio-ingest/pkg/hashing"
	"github.com/Sternrassler/biblio-ingest/pkg/pagination"
	"github.com/Sternrassler/biblio-ingest/pkg/ratelimit"
	"github.com/Sternrassler/biblio-ingest/pkg/recovery"
	"github.com/Sternrassler/biblio-ingest/pkg/state"
)

// EntityPlaceholder in Config.Path is replaced by the escaped entity id.
const EntityPlaceholder = "{entity}"

// Fetcher performs provider requests. *client.Client implements it.
type Fetcher interface {
	Fetch(ctx context.Context, req client.Request) (*client.Result, error)
	Decode(raw []byte, header http.Header) (map[string]any, bool, error)
	URL(req client.Request) string
	Params(req client.Request) url.Values
}

// Planner decides where an entity resumes. *recovery.Planner implements it.
type Planner interface {
	Plan(ctx context.Context, runID, entityID string) (*recovery.Plan, error)
}

// Store is the persistence the orchestrator needs. *state.Store implements it.
type Store interface {
	Save(ctx context.Context, st *state.ProcessingState) error
	CommitPage(ctx context.Context, p *state.Page, st *state.ProcessingState) error
	IncompleteEntities(ctx context.Context, runID string, candidates []string) ([]string, error)
	ListStates(ctx context.Context, runID string) ([]state.ProcessingState, error)
	SaveManifest(ctx context.Context, m *state.ManifestRecord) error
}

// QuotaChecker answers whether n more requests fit the weekly budget.
type QuotaChecker interface {
	CheckWeeklyLimit(ctx context.Context, n int) (bool, error)
}

// Config describes how entities map onto requests.
type Config struct {
	Source string

	// Path is the request path; it may contain {entity}.
	Path string

	// EntityParam, when set, carries the entity as a query parameter
	// formatted with EntityTemplate (default "%s"), e.g. query=AU-ID(%s).
	EntityParam    string
	EntityTemplate string

	// ItemIDPaths are tried in order on every item; the first non-empty
	// value identifies the item.
	ItemIDPaths []string

	// Workers bounds concurrent entities. 1 keeps the run strictly sequential.
	Workers int

	// CacheTTL is the expiration of cached responses.
	CacheTTL time.Duration

	// AllowEmptyPages lets an empty page end a sequence whose provider
	// declares no total. By default such a page past page 1 is an
	// empty-result validation error and the entity resumes there.
	AllowEmptyPages bool
}

// Deps are the collaborators of an Orchestrator. Cache, Artifacts and
// Quota are optional.
type Deps struct {
	Fetcher   Fetcher
	Strategy  pagination.Strategy
	Planner   Planner
	Store     Store
	Quota     QuotaChecker
	Cache     cache.Store
	Artifacts artifact.Store
}

// RunResult is returned by Run.
type RunResult struct {
	RunID    string
	Status   RunStatus
	Manifest *Manifest
}

// Orchestrator runs ingestion for one data source.
type Orchestrator struct {
	cfg    Config
	deps   Deps
	logger zerolog.Logger
	now    func() time.Time
}

// New creates an orchestrator.
func New(cfg Config, deps Deps, logger zerolog.Logger) (*Orchestrator, error) {
	switch {
	case deps.Fetcher == nil:
		return nil, fmt.Errorf("fetcher is required")
	case deps.Strategy == nil:
		return nil, fmt.Errorf("pagination strategy is required")
	case deps.Planner == nil:
		return nil, fmt.Errorf("recovery planner is required")
	case deps.Store == nil:
		return nil, fmt.Errorf("state store is required")
	}
	if cfg.Source == "" {
		return nil, fmt.Errorf("data source is required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.EntityTemplate == "" {
		cfg.EntityTemplate = "%s"
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = cache.DefaultExpiration
	}

	return &Orchestrator{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With().Str("component", "orchestrator").Str("data_source", cfg.Source).Logger(),
		now:    time.Now,
	}, nil
}

// Run ingests every entity of entityIDs that is not yet completed under
// runID. The returned error is the run-fatal error, if any; the result and
// its manifest are returned in both cases.
func (o *Orchestrator) Run(ctx context.Context, entityIDs []string, runID string) (*RunResult, error) {
	started := o.now()
	log := o.logger.With().Str("run_id", runID).Logger()

	pending, err := o.deps.Store.IncompleteEntities(ctx, runID, entityIDs)
	if err != nil {
		return nil, fmt.Errorf("list incomplete entities: %w", err)
	}

	log.Info().
		Int("requested", len(entityIDs)).
		Int("pending", len(pending)).
		Int("workers", o.cfg.Workers).
		Msg("Starting run")

	runErr := o.preflight(ctx, len(pending))
	if runErr == nil {
		runErr = runPool(ctx, o.cfg.Workers, pending, log, func(ctx context.Context, id string) error {
			return o.processEntity(ctx, runID, id)
		})
	}
	if runErr == nil && ctx.Err() != nil {
		runErr = fmt.Errorf("%w: %w", client.ErrContextCancelled, ctx.Err())
	}

	manifest, err := o.finish(ctx, runID, entityIDs, started, runErr)
	if err != nil {
		if runErr != nil {
			return nil, errors.Join(runErr, err)
		}
		return nil, err
	}

	result := &RunResult{RunID: runID, Status: manifest.Status, Manifest: manifest}
	runDuration.WithLabelValues(o.cfg.Source, string(manifest.Status)).Observe(manifest.DurationSeconds)

	ev := log.Info()
	if runErr != nil {
		ev = log.Error().Err(runErr).Str("error_kind", string(Classify(runErr)))
	}
	ev.Str("status", string(manifest.Status)).
		Int("completed", manifest.CompletedEntities).
		Int("failed", manifest.FailedEntities).
		Int("pending", manifest.PendingEntities).
		Int("pages", manifest.TotalPages).
		Msg("Run finished")

	return result, runErr
}

// preflight refuses to start when the weekly budget cannot cover at least
// one request per pending entity.
func (o *Orchestrator) preflight(ctx context.Context, pending int) error {
	if o.deps.Quota == nil || pending == 0 {
		return nil
	}
	ok, err := o.deps.Quota.CheckWeeklyLimit(ctx, pending)
	if err != nil {
		return fmt.Errorf("%w: weekly usage check: %w", state.ErrStorage, err)
	}
	if !ok {
		return fmt.Errorf("%w: weekly budget cannot cover %d pending entities", ratelimit.ErrQuotaExceeded, pending)
	}
	return nil
}

// finish builds and stores the manifest. It runs even when ctx is cancelled.
func (o *Orchestrator) finish(ctx context.Context, runID string, requested []string, started time.Time, runErr error) (*Manifest, error) {
	ctx = context.WithoutCancel(ctx)

	states, err := o.deps.Store.ListStates(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("list states for manifest: %w", err)
	}
	m := BuildManifest(runID, o.cfg.Source, requested, states, started, o.now(), runErr)
	if err := SaveManifest(ctx, o.deps.Store, m); err != nil {
		return nil, fmt.Errorf("save manifest: %w", err)
	}
	return m, nil
}

// processEntity walks one entity. It returns an error only when the run
// must stop.
func (o *Orchestrator) processEntity(ctx context.Context, runID, entityID string) error {
	log := o.logger.With().Str("run_id", runID).Str("entity_id", entityID).Logger()

	plan, err := o.deps.Planner.Plan(ctx, runID, entityID)
	if err != nil {
		entitiesTotal.WithLabelValues(o.cfg.Source, outcomeAborted).Inc()
		return newEntityError(entityID, 0, fmt.Errorf("plan: %w", err))
	}
	if plan.Completed {
		entitiesTotal.WithLabelValues(o.cfg.Source, outcomeSkipped).Inc()
		log.Debug().Msg("Entity already completed")
		return nil
	}

	st := plan.State
	req, more := o.deps.Strategy.Next(plan.Position, nil)
	if !more {
		// The previous attempt ended exactly on the last page.
		st.Completed = true
		if err := o.deps.Store.Save(ctx, st); err != nil {
			return newEntityError(entityID, plan.Position.Page, err)
		}
		entitiesTotal.WithLabelValues(o.cfg.Source, outcomeCompleted).Inc()
		return nil
	}

	log.Info().Int("page", req.Page).Bool("resumed", plan.Resumed).Msg("Processing entity")

	for {
		if err := ctx.Err(); err != nil {
			entitiesTotal.WithLabelValues(o.cfg.Source, outcomeAborted).Inc()
			return newEntityError(entityID, req.Page, fmt.Errorf("%w: %w", client.ErrContextCancelled, err))
		}

		next, more, err := o.processPage(ctx, runID, entityID, st, req)
		if err != nil {
			return o.fail(ctx, log, st, req.Page, err)
		}
		if !more {
			break
		}
		req = next
	}

	entitiesTotal.WithLabelValues(o.cfg.Source, outcomeCompleted).Inc()
	log.Info().
		Int("pages", st.PagesProcessed).
		Int("items", len(st.ProcessedItems)).
		Msg("Entity completed")
	return nil
}

// processPage fetches, records and commits one page, returning the next
// request.
func (o *Orchestrator) processPage(ctx context.Context, runID, entityID string, st *state.ProcessingState, req pagination.Request) (pagination.Request, bool, error) {
	page, doc, empty, err := o.fetchPage(ctx, runID, entityID, req)
	if err != nil {
		return pagination.Request{}, false, err
	}

	strategy := o.deps.Strategy
	if total, ok := strategy.TotalResults(doc); ok {
		st.TotalResults = &total
	}

	if err := o.checkEmpty(empty, req.Page, st.TotalResults); err != nil {
		return pagination.Request{}, false, err
	}

	hash, err := hashing.HashBytes(page.RawPayload)
	if err != nil {
		return pagination.Request{}, false, &client.ValidationError{Check: "hash", Message: err.Error(), Err: err}
	}
	page.ContentHash = hash

	name := artifact.Name(runID, o.cfg.Source, entityID, req.Page)
	page.ArtifactName = name
	if o.deps.Artifacts != nil {
		if err := o.deps.Artifacts.Put(ctx, name, page.RawPayload); err != nil {
			return pagination.Request{}, false, fmt.Errorf("%w: write artifact %s: %w", state.ErrStorage, name, err)
		}
	}

	pos := pagination.Position{Page: req.Page, StartIndex: req.StartIndex, Cursor: req.Cursor, TotalResults: st.TotalResults}
	next, more := strategy.Next(pos, doc)

	st.LastPage = req.Page
	st.LastStartIndex = req.StartIndex
	st.Cursor = ""
	if more {
		st.Cursor = next.Cursor
	}
	if _, seen := st.FileHashes[name]; !seen {
		st.FileNames = append(st.FileNames, name)
		st.PagesProcessed++
	}
	st.FileHashes[name] = hash
	newItems := o.recordItems(st, strategy.Items(doc), req.Page)
	st.Completed = !more

	if err := o.deps.Store.CommitPage(ctx, page, st); err != nil {
		return pagination.Request{}, false, err
	}

	origin := "provider"
	if page.Metadata.FromCache {
		origin = "cache"
	}
	pagesCommittedTotal.WithLabelValues(o.cfg.Source, origin).Inc()

	o.logger.Debug().
		Str("run_id", runID).
		Str("entity_id", entityID).
		Int("page", req.Page).
		Int("new_items", newItems).
		Str("content_hash", hash).
		Bool("from_cache", page.Metadata.FromCache).
		Bool("more", more).
		Msg("Page committed")

	return next, more, nil
}

// checkEmpty rejects an empty page the provider promised to fill: one
// before the declared total is covered, or, without a total, any page the
// previous response continued to.
func (o *Orchestrator) checkEmpty(empty bool, page int, total *int) error {
	if !empty {
		return nil
	}
	var msg string
	switch {
	case total != nil && (page-1)*o.deps.Strategy.PageSize() < *total:
		msg = fmt.Sprintf("page %d empty but %d results declared", page, *total)
	case total == nil && page > 1 && !o.cfg.AllowEmptyPages:
		msg = fmt.Sprintf("page %d empty after a full page and no total declared", page)
	default:
		return nil
	}
	return &client.ValidationError{Check: client.CheckEmptyResult, Message: msg, Err: client.ErrEmptyResult}
}

// recordItems adds unseen item ids to the state and returns how many were new.
func (o *Orchestrator) recordItems(st *state.ProcessingState, items []any, page int) int {
	if len(o.cfg.ItemIDPaths) == 0 {
		return 0
	}
	added := 0
	for _, it := range items {
		doc, ok := it.(map[string]any)
		if !ok {
			continue
		}
		for _, path := range o.cfg.ItemIDPaths {
			id := fieldpath.LookupString(doc, path)
			if id == "" {
				continue
			}
			if _, dup := st.ProcessedItems[id]; !dup {
				st.ProcessedItems[id] = page
				added++
			}
			break
		}
	}
	return added
}

// fetchPage returns the page from the cache when enabled, otherwise from
// the provider. Cache hits are neither paced nor counted against quotas.
func (o *Orchestrator) fetchPage(ctx context.Context, runID, entityID string, preq pagination.Request) (*state.Page, map[string]any, bool, error) {
	creq := o.request(entityID, preq)
	meta := state.PageMetadata{
		URL:    o.deps.Fetcher.URL(creq),
		Method: creq.Method,
		Params: o.deps.Fetcher.Params(creq),
		Cursor: preq.Cursor,
	}
	page := &state.Page{
		RunID:      runID,
		EntityID:   entityID,
		PageNumber: preq.Page,
		DataSource: o.cfg.Source,
	}

	var fp string
	if o.deps.Cache != nil {
		fp = cache.Key{Method: creq.Method, URL: meta.URL, Params: meta.Params}.Fingerprint()
		if doc, empty, ok := o.fromCache(ctx, fp, page, &meta); ok {
			page.Metadata = meta
			return page, doc, empty, nil
		}
	}

	res, err := o.deps.Fetcher.Fetch(ctx, creq)
	if err != nil {
		return nil, nil, false, err
	}

	meta.StatusCode = res.Response.StatusCode
	meta.Attempts = res.Response.Attempts
	page.RequestTimestamp = res.Response.RequestedAt
	page.ResponseTimestamp = res.Response.ReceivedAt
	page.RawPayload = res.Response.Body
	page.Metadata = meta

	if o.deps.Cache != nil {
		entry := cache.NewEntry(res.Response.StatusCode, res.Response.Header, res.Response.Body, o.cfg.CacheTTL)
		if err := o.deps.Cache.Put(ctx, fp, entry); err != nil {
			ev := o.logger.Warn()
			if errors.Is(err, cache.ErrLockHeld) {
				ev = o.logger.Debug()
			}
			ev.Err(err).Str("entity_id", entityID).Int("page", preq.Page).Msg("Cache write skipped")
		}
	}
	return page, res.Doc, res.Empty, nil
}

func (o *Orchestrator) fromCache(ctx context.Context, fp string, page *state.Page, meta *state.PageMetadata) (map[string]any, bool, bool) {
	entry, err := o.deps.Cache.Get(ctx, fp)
	if err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) && !errors.Is(err, cache.ErrInvalidEntry) {
			o.logger.Warn().Err(err).Msg("Cache read failed - fetching from provider")
		}
		return nil, false, false
	}
	doc, empty, err := o.deps.Fetcher.Decode(entry.Data, nil)
	if err != nil {
		o.logger.Warn().Err(err).Msg("Cached payload failed validation - fetching from provider")
		return nil, false, false
	}

	meta.StatusCode = entry.StatusCode
	meta.FromCache = true
	page.RequestTimestamp = o.now().UTC()
	page.ResponseTimestamp = page.RequestTimestamp
	page.RawPayload = entry.Data
	return doc, empty, true
}

// request turns a pagination request into a provider request for entityID.
func (o *Orchestrator) request(entityID string, preq pagination.Request) client.Request {
	params := url.Values{}
	for k, v := range preq.Params {
		params[k] = append([]string(nil), v...)
	}
	if o.cfg.EntityParam != "" {
		params.Set(o.cfg.EntityParam, fmt.Sprintf(o.cfg.EntityTemplate, entityID))
	}
	return client.Request{
		Method: http.MethodGet,
		Path:   strings.ReplaceAll(o.cfg.Path, EntityPlaceholder, url.PathEscape(entityID)),
		Params: params,
	}
}

// fail records err on the entity. It returns a non-nil error only when the
// run must stop.
func (o *Orchestrator) fail(ctx context.Context, log zerolog.Logger, st *state.ProcessingState, page int, err error) error {
	ee := newEntityError(st.EntityID, page, err)

	if ee.Kind == KindCancelled {
		entitiesTotal.WithLabelValues(o.cfg.Source, outcomeAborted).Inc()
		log.Warn().Int("page", page).Msg("Entity interrupted by cancellation")
		return ee
	}

	st.Errors = append(st.Errors, ee.pageError())
	st.Completed = false
	if saveErr := o.deps.Store.Save(context.WithoutCancel(ctx), st); saveErr != nil {
		entitiesTotal.WithLabelValues(o.cfg.Source, outcomeAborted).Inc()
		log.Error().Err(saveErr).Int("page", page).Msg("Failed to record entity error")
		return newEntityError(st.EntityID, page, errors.Join(err, saveErr))
	}

	if ee.Kind.RunFatal() {
		entitiesTotal.WithLabelValues(o.cfg.Source, outcomeAborted).Inc()
		log.Error().Err(err).Int("page", page).Str("error_kind", string(ee.Kind)).Msg("Run-fatal error")
		return ee
	}

	entitiesTotal.WithLabelValues(o.cfg.Source, outcomeFailed).Inc()
	log.Warn().Err(err).Int("page", page).Str("error_kind", string(ee.Kind)).Msg("Entity failed - continuing with next entity")
	return nil
}
