// Package database implements storage.Repository on GORM, backed by SQLite
// or PostgreSQL.
package database

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/file-connector/internal/models"
	"github.com/file-connector/internal/storage"
	"github.com/file-connector/internal/syncerr"
)

// Supported drivers
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config selects and tunes the database connection
type Config struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Repository implements storage.Repository using GORM
type Repository struct {
	db     *gorm.DB
	driver string
}

// New opens a repository for the configured driver
func New(cfg Config) (*Repository, error) {
	var dialector gorm.Dialector

	switch cfg.Driver {
	case DriverSQLite, "":
		// Ensure directory exists
		path := strings.TrimPrefix(cfg.DSN, "file:")
		if i := strings.IndexByte(path, '?'); i >= 0 {
			path = path[:i]
		}
		dir := filepath.Dir(path)
		if path != ":memory:" && dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create data directory: %w", err)
			}
		}
		dialector = sqlite.Open(cfg.DSN)
	case DriverPostgres:
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database handle: %w", err)
	}
	if cfg.Driver == DriverPostgres {
		if cfg.MaxOpenConns > 0 {
			sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		if cfg.MaxIdleConns > 0 {
			sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
		}
		if cfg.ConnMaxLifetime > 0 {
			sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
		}
	} else {
		// SQLite allows one writer at a time
		sqlDB.SetMaxOpenConns(1)
	}

	return &Repository{db: db, driver: cfg.Driver}, nil
}

// Migrate runs database migrations
func (r *Repository) Migrate() error {
	return r.db.AutoMigrate(
		&models.Endpoint{},
		&models.SyncRun{},
		&models.FileRecord{},
	)
}

// Ping checks the database connection
func (r *Repository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the database connection
func (r *Repository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func notFound(kind, id string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s %s: %w", kind, id, syncerr.ErrNotFound)
	}
	return err
}

// Endpoint operations

// endpointConfigColumns are overwritten when an endpoint is re-registered.
// Cursor and last status belong to the orchestrator and are preserved.
var endpointConfigColumns = []string{
	"name", "source_type", "project_id", "user_id", "description", "credential",
	"details", "file_types", "max_results", "schedule_type", "interval_minutes",
	"cron_expr", "enabled", "updated_at",
}

func (r *Repository) SaveEndpoint(ctx context.Context, endpoint *models.Endpoint) error {
	if endpoint.ID == "" {
		return errors.New("endpoint id is required")
	}
	if endpoint.LastStatus == "" {
		endpoint.LastStatus = models.RunStatusPending
	}

	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns(endpointConfigColumns),
	}).Create(endpoint).Error
}

func (r *Repository) GetEndpoint(ctx context.Context, id string) (*models.Endpoint, error) {
	var endpoint models.Endpoint
	if err := r.db.WithContext(ctx).First(&endpoint, "id = ?", id).Error; err != nil {
		return nil, notFound("endpoint", id, err)
	}
	return &endpoint, nil
}

func (r *Repository) ListEndpoints(ctx context.Context) ([]*models.Endpoint, error) {
	var endpoints []*models.Endpoint
	if err := r.db.WithContext(ctx).Order("id ASC").Find(&endpoints).Error; err != nil {
		return nil, err
	}
	return endpoints, nil
}

func (r *Repository) SetEndpointEnabled(ctx context.Context, id string, enabled bool) error {
	res := r.db.WithContext(ctx).Model(&models.Endpoint{}).
		Where("id = ?", id).
		Update("enabled", enabled)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("endpoint %s: %w", id, syncerr.ErrNotFound)
	}
	return nil
}

func (r *Repository) UpdateEndpointStatus(ctx context.Context, endpointID string, status models.RunStatus, at time.Time) error {
	res := r.db.WithContext(ctx).Model(&models.Endpoint{}).
		Where("id = ?", endpointID).
		Updates(map[string]interface{}{
			"last_status":  status,
			"last_sync_at": models.TimePtr(at),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("endpoint %s: %w", endpointID, syncerr.ErrNotFound)
	}
	return nil
}

func (r *Repository) AdvanceCursor(ctx context.Context, endpointID string, cursor time.Time) (time.Time, error) {
	cursor = models.NormalizeTime(cursor)
	var effective time.Time

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var endpoint models.Endpoint
		if err := tx.Select("id", "sync_cursor").First(&endpoint, "id = ?", endpointID).Error; err != nil {
			return notFound("endpoint", endpointID, err)
		}

		if endpoint.Cursor != nil && !cursor.After(*endpoint.Cursor) {
			effective = *endpoint.Cursor
			return nil
		}

		if err := tx.Model(&models.Endpoint{}).
			Where("id = ?", endpointID).
			Update("sync_cursor", cursor).Error; err != nil {
			return err
		}
		effective = cursor
		return nil
	})
	if err != nil {
		return time.Time{}, err
	}
	return effective, nil
}

// Record operations

func (r *Repository) GetExisting(ctx context.Context, endpointID, externalID string) (*models.FileRecord, error) {
	var rec models.FileRecord
	err := r.db.WithContext(ctx).
		Where("endpoint_id = ? AND external_id = ?", endpointID, externalID).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

var recordUpdateColumns = []string{
	"title", "link", "external_created_at", "external_updated_at",
	"project_id", "user_id", "metadata", "synced_at", "updated_at",
}

// upsertClause never lets an older copy overwrite a newer one, even when two
// writers race past the in-transaction staleness check.
var upsertClause = clause.OnConflict{
	Columns:   []clause.Column{{Name: "endpoint_id"}, {Name: "external_id"}},
	DoUpdates: clause.AssignmentColumns(recordUpdateColumns),
	Where: clause.Where{Exprs: []clause.Expression{
		clause.Expr{SQL: "file_records.external_updated_at IS NULL OR excluded.external_updated_at IS NULL OR excluded.external_updated_at > file_records.external_updated_at"},
	}},
}

// UpsertMany writes the batch in one statement inside a transaction. When the
// batch statement fails, each record is retried on its own so failures can be
// attributed to individual items.
func (r *Repository) UpsertMany(ctx context.Context, records []*models.FileRecord) ([]storage.ItemResult, error) {
	results := make([]storage.ItemResult, len(records))
	if len(records) == 0 {
		return results, nil
	}

	unique, owner := storage.Dedupe(records)
	outcome := make([]storage.ItemResult, len(unique))
	for i, rec := range unique {
		outcome[i].ExternalID = rec.ExternalID
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := loadExisting(tx, unique)
		if err != nil {
			return err
		}

		pending := make([]*models.FileRecord, 0, len(unique))
		index := make([]int, 0, len(unique))
		for i, rec := range unique {
			if !rec.Supersedes(existing[recordKey(rec)]) {
				outcome[i].Stale = true
				continue
			}
			pending = append(pending, rec)
			index = append(index, i)
		}
		if len(pending) == 0 {
			return nil
		}

		if err := tx.Clauses(upsertClause).Create(&pending).Error; err != nil {
			return err
		}
		for _, i := range index {
			outcome[i].Written = true
		}
		return nil
	})

	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		r.upsertEach(ctx, unique, outcome)
	}

	for i, rec := range records {
		if unique[owner[i]] != rec {
			results[i] = storage.ItemResult{ExternalID: rec.ExternalID, Stale: true}
			continue
		}
		results[i] = outcome[owner[i]]
	}
	return results, nil
}

func (r *Repository) upsertEach(ctx context.Context, records []*models.FileRecord, outcome []storage.ItemResult) {
	for i, rec := range records {
		outcome[i] = storage.ItemResult{ExternalID: rec.ExternalID}

		current, err := r.GetExisting(ctx, rec.EndpointID, rec.ExternalID)
		if err != nil {
			outcome[i].Err = err
			continue
		}
		if !rec.Supersedes(current) {
			outcome[i].Stale = true
			continue
		}

		rec.ID = 0
		if err := r.db.WithContext(ctx).Clauses(upsertClause).Create(rec).Error; err != nil {
			outcome[i].Err = err
			continue
		}
		outcome[i].Written = true
	}
}

type key struct{ endpoint, external string }

func recordKey(rec *models.FileRecord) key {
	return key{rec.EndpointID, rec.ExternalID}
}

func loadExisting(tx *gorm.DB, records []*models.FileRecord) (map[key]*models.FileRecord, error) {
	byEndpoint := make(map[string][]string)
	for _, rec := range records {
		byEndpoint[rec.EndpointID] = append(byEndpoint[rec.EndpointID], rec.ExternalID)
	}

	existing := make(map[key]*models.FileRecord, len(records))
	for endpointID, externalIDs := range byEndpoint {
		var found []*models.FileRecord
		if err := tx.Select("id", "endpoint_id", "external_id", "external_updated_at").
			Where("endpoint_id = ? AND external_id IN ?", endpointID, externalIDs).
			Find(&found).Error; err != nil {
			return nil, err
		}
		for _, rec := range found {
			existing[recordKey(rec)] = rec
		}
	}
	return existing, nil
}

func (r *Repository) ListRecords(ctx context.Context, filter storage.RecordFilter) ([]*models.FileRecord, error) {
	var records []*models.FileRecord
	query := r.db.WithContext(ctx).Model(&models.FileRecord{})

	if filter.EndpointID != "" {
		query = query.Where("endpoint_id = ?", filter.EndpointID)
	}
	if filter.ProjectID != "" {
		query = query.Where("project_id = ?", filter.ProjectID)
	}
	if filter.UpdatedSince != nil {
		query = query.Where("external_updated_at > ?", models.NormalizeTime(*filter.UpdatedSince))
	}

	query = query.Order("external_updated_at DESC").Order("id DESC")

	// Pagination
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}

	if err := query.Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

// Sync run operations

func (r *Repository) RecordSyncRun(ctx context.Context, run *models.SyncRun) error {
	if run.ID == "" {
		return errors.New("sync run id is required")
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.SyncRun
		err := tx.Select("id", "completed_at").First(&existing, "id = ?", run.ID).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			return tx.Create(run).Error
		case err != nil:
			return err
		case existing.Sealed():
			return fmt.Errorf("run %s: %w", run.ID, storage.ErrSealedRun)
		default:
			return tx.Save(run).Error
		}
	})
}

func (r *Repository) ListSyncRuns(ctx context.Context, filter storage.RunFilter) ([]*models.SyncRun, error) {
	var runs []*models.SyncRun
	query := r.db.WithContext(ctx).Model(&models.SyncRun{})

	if filter.EndpointID != "" {
		query = query.Where("endpoint_id = ?", filter.EndpointID)
	}
	if filter.Status != nil {
		query = query.Where("status = ?", *filter.Status)
	}

	query = query.Order("started_at DESC")

	// Pagination
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}

	if err := query.Find(&runs).Error; err != nil {
		return nil, err
	}
	return runs, nil
}
