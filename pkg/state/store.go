package state

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

var (
	// ErrNotFound is returned when no row exists for the requested key.
	ErrNotFound = errors.New("not found")

	// ErrStateRegression is returned when a save would move an entity backwards
	// (lower last_page or completed true -> false) outside of recovery.
	ErrStateRegression = errors.New("processing state regression")

	// ErrCompleted is returned when recovery tries to rewind a completed entity.
	ErrCompleted = errors.New("entity already completed")

	// ErrStorage wraps every failure of the underlying database.
	ErrStorage = errors.New("storage failure")
)

// processingStateUpdates are the columns overwritten on upsert; created_at
// keeps the value from the first insert.
var processingStateUpdates = []string{
	"data_source", "last_page", "last_start_index", "cursor", "total_results",
	"pages_processed", "completed", "processed_items", "file_names",
	"file_hashes", "errors", "updated_at",
}

// Store persists ingestion state in SQLite.
type Store struct {
	db     *gorm.DB
	path   string
	logger zerolog.Logger
}

// Open opens (creating if needed) the database file at path and migrates
// the schema.
func Open(path string, logger zerolog.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("state database path is required")
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, fs.ModePerm); err != nil {
			return nil, fmt.Errorf("create state dir: %w", err)
		}
	}

	// WAL lets the status API read while a run writes.
	connOpts := "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := gorm.Open(
		sqlite.Open(fmt.Sprintf("file:%s?%s", path, connOpts)),
		&gorm.Config{
			Logger:                 gormlogger.Discard,
			SkipDefaultTransaction: true,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrStorage, path, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	// SQLite has a single writer; one connection serializes transactions
	// instead of surfacing SQLITE_BUSY.
	sqlDB.SetMaxOpenConns(1)

	for _, model := range []any{&ProcessingState{}, &Page{}, &ManifestRecord{}, &RateUsage{}} {
		if err := db.AutoMigrate(model); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("%w: migrate %T: %w", ErrStorage, model, err)
		}
	}

	logger.Debug().Str("path", path).Msg("State store opened")

	return &Store{db: db, path: path, logger: logger}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}

// Load returns the processing state of an entity, or ErrNotFound.
func (s *Store) Load(ctx context.Context, runID, entityID string) (*ProcessingState, error) {
	var st ProcessingState
	err := s.db.WithContext(ctx).
		Where("run_id = ? AND entity_id = ?", runID, entityID).
		First(&st).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, storageErr("load state", err)
	}
	st.ensureCollections()
	return &st, nil
}

// Save upserts a processing state. It refuses to lower last_page or to
// reopen a completed entity.
func (s *Store) Save(ctx context.Context, st *ProcessingState) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return saveState(tx, st, false)
	})
}

// Rewind overwrites a processing state without the monotonic checks and
// discards the page rows after st.LastPage. It is reserved for recovery
// rollback and refuses completed entities.
func (s *Store) Rewind(ctx context.Context, st *ProcessingState) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := saveState(tx, st, true); err != nil {
			return err
		}
		err := tx.Where("run_id = ? AND entity_id = ? AND page_number > ?", st.RunID, st.EntityID, st.LastPage).
			Delete(&Page{}).Error
		if err != nil {
			return storageErr("discard pages", err)
		}
		return nil
	})
}

func saveState(tx *gorm.DB, st *ProcessingState, rewind bool) error {
	var existing ProcessingState
	err := tx.Where("run_id = ? AND entity_id = ?", st.RunID, st.EntityID).First(&existing).Error
	switch {
	case err == nil:
		if existing.Completed && !st.Completed {
			if rewind {
				return fmt.Errorf("%w: %s/%s", ErrCompleted, st.RunID, st.EntityID)
			}
			return fmt.Errorf("%w: %s/%s is completed", ErrStateRegression, st.RunID, st.EntityID)
		}
		if !rewind && st.LastPage < existing.LastPage {
			return fmt.Errorf("%w: %s/%s last_page %d < %d",
				ErrStateRegression, st.RunID, st.EntityID, st.LastPage, existing.LastPage)
		}
		st.CreatedAt = existing.CreatedAt
	case errors.Is(err, gorm.ErrRecordNotFound):
	default:
		return storageErr("read state", err)
	}

	st.ensureCollections()
	now := time.Now().UTC()
	if st.CreatedAt.IsZero() {
		st.CreatedAt = now
	}
	st.UpdatedAt = now

	err = tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "run_id"}, {Name: "entity_id"}},
		DoUpdates: clause.AssignmentColumns(processingStateUpdates),
	}).Create(st).Error
	if err != nil {
		return storageErr("upsert state", err)
	}
	return nil
}

// UpsertPage inserts or overwrites a page row.
func (s *Store) UpsertPage(ctx context.Context, p *Page) error {
	return upsertPage(s.db.WithContext(ctx), p)
}

func upsertPage(tx *gorm.DB, p *Page) error {
	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "run_id"}, {Name: "entity_id"}, {Name: "page_number"}},
		UpdateAll: true,
	}).Create(p).Error
	if err != nil {
		return storageErr("upsert page", err)
	}
	return nil
}

// CommitPage stores a fetched page and the entity state that accounts for
// it in a single transaction.
func (s *Store) CommitPage(ctx context.Context, p *Page, st *ProcessingState) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := upsertPage(tx, p); err != nil {
			return err
		}
		return saveState(tx, st, false)
	})
}

// LoadPage returns one stored page, or ErrNotFound.
func (s *Store) LoadPage(ctx context.Context, runID, entityID string, page int) (*Page, error) {
	var p Page
	err := s.db.WithContext(ctx).
		Where("run_id = ? AND entity_id = ? AND page_number = ?", runID, entityID, page).
		First(&p).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, storageErr("load page", err)
	}
	return &p, nil
}

// PageNumbers returns the stored page numbers of an entity in ascending order.
func (s *Store) PageNumbers(ctx context.Context, runID, entityID string) ([]int, error) {
	var pages []int
	err := s.db.WithContext(ctx).
		Model(&Page{}).
		Where("run_id = ? AND entity_id = ?", runID, entityID).
		Order("page_number").
		Pluck("page_number", &pages).Error
	if err != nil {
		return nil, storageErr("list pages", err)
	}
	return pages, nil
}

// IncompleteEntities filters candidates down to the entities of the run that
// have no state yet or are not completed. Order is preserved and duplicates
// are dropped.
func (s *Store) IncompleteEntities(ctx context.Context, runID string, candidates []string) ([]string, error) {
	var done []string
	err := s.db.WithContext(ctx).
		Model(&ProcessingState{}).
		Where("run_id = ? AND completed = ?", runID, true).
		Pluck("entity_id", &done).Error
	if err != nil {
		return nil, storageErr("list completed entities", err)
	}

	skip := make(map[string]struct{}, len(done)+len(candidates))
	for _, id := range done {
		skip[id] = struct{}{}
	}

	pending := make([]string, 0, len(candidates))
	for _, id := range candidates {
		if _, ok := skip[id]; ok {
			continue
		}
		skip[id] = struct{}{}
		pending = append(pending, id)
	}
	return pending, nil
}

// ListStates returns every processing state of a run ordered by entity id.
func (s *Store) ListStates(ctx context.Context, runID string) ([]ProcessingState, error) {
	var states []ProcessingState
	err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("entity_id").
		Find(&states).Error
	if err != nil {
		return nil, storageErr("list states", err)
	}
	for i := range states {
		states[i].ensureCollections()
	}
	return states, nil
}

// SaveManifest stores the manifest of a run, replacing an earlier one.
func (s *Store) SaveManifest(ctx context.Context, m *ManifestRecord) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "run_id"}},
		UpdateAll: true,
	}).Create(m).Error
	if err != nil {
		return storageErr("save manifest", err)
	}
	return nil
}

// LoadManifest returns the stored manifest of a run, or ErrNotFound.
func (s *Store) LoadManifest(ctx context.Context, runID string) (*ManifestRecord, error) {
	var m ManifestRecord
	err := s.db.WithContext(ctx).Where("run_id = ?", runID).First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, storageErr("load manifest", err)
	}
	return &m, nil
}

// RecordRequest appends a usage record. Store satisfies ratelimit.UsageLedger.
func (s *Store) RecordRequest(ctx context.Context, source string, at time.Time) error {
	err := s.db.WithContext(ctx).Create(&RateUsage{
		DataSource:  source,
		TimestampMs: at.UnixMilli(),
	}).Error
	if err != nil {
		return storageErr("record usage", err)
	}
	return nil
}

// CountSince counts usage records of source at or after since.
func (s *Store) CountSince(ctx context.Context, source string, since time.Time) (int, error) {
	var n int64
	err := s.db.WithContext(ctx).
		Model(&RateUsage{}).
		Where("data_source = ? AND timestamp_ms >= ?", source, since.UnixMilli()).
		Count(&n).Error
	if err != nil {
		return 0, storageErr("count usage", err)
	}
	return int(n), nil
}
