// Package metadb is the relational metadata store: tenants, API keys,
// experiments and rate-limit events. Span documents do not live here.
package metadb

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

const (
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

type Config struct {
	Backend  string         `yaml:"backend"`
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres"`
	// Migrate creates or updates the schema on startup.
	Migrate bool `yaml:"migrate"`
}

type SQLiteConfig struct {
	Path string `yaml:"path"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Backend, prefix+".backend", BackendSQLite, "Metadata store backend, sqlite or postgres.")
	f.StringVar(&cfg.SQLite.Path, prefix+".sqlite.path", "weft-meta.db", "SQLite database path.")
	f.StringVar(&cfg.Postgres.DSN, prefix+".postgres.dsn", os.Getenv("PGDSN"), "Postgres DSN. Defaults from PGDSN.")
	f.BoolVar(&cfg.Migrate, prefix+".migrate", true, "Create or update the schema on startup.")
}

// DB is the metadata store handle.
type DB struct {
	db     *gorm.DB
	logger log.Logger
}

func Open(cfg Config, logger log.Logger) (*DB, error) {
	var dialector gorm.Dialector
	switch cfg.Backend {
	case BackendSQLite:
		dialector = sqlite.Open(cfg.SQLite.Path)
	case BackendPostgres:
		dialector = postgres.Open(cfg.Postgres.DSN)
	default:
		return nil, fmt.Errorf("unknown metadb backend %q", cfg.Backend)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Discard,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata store: %w", err)
	}

	if cfg.Migrate {
		if err := db.AutoMigrate(&Tenant{}, &APIKey{}, &Experiment{}, &RateLimitEvent{}); err != nil {
			return nil, fmt.Errorf("failed to migrate metadata store: %w", err)
		}
		level.Info(logger).Log("msg", "metadata store migrated", "backend", cfg.Backend)
	}

	return &DB{db: db, logger: logger}, nil
}

// Close releases the underlying connection pool.
func (d *DB) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (d *DB) TenantByID(ctx context.Context, id string) (*Tenant, error) {
	var t Tenant
	err := d.db.WithContext(ctx).First(&t, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (d *DB) APIKeyByHash(ctx context.Context, hash string) (*APIKey, error) {
	var k APIKey
	err := d.db.WithContext(ctx).First(&k, "hash = ?", hash).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &k, nil
}

func (d *DB) ExperimentByID(ctx context.Context, tenant, id string) (*Experiment, error) {
	var e Experiment
	err := d.db.WithContext(ctx).First(&e, "id = ? AND tenant_id = ?", id, tenant).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// UpdateExperimentResults replaces the experiment's result rows and summaries.
func (d *DB) UpdateExperimentResults(ctx context.Context, tenant, id string, results []ExperimentResult, summaries any) error {
	resultsJSON, err := json.Marshal(results)
	if err != nil {
		return err
	}
	summariesJSON, err := json.Marshal(summaries)
	if err != nil {
		return err
	}

	res := d.db.WithContext(ctx).Model(&Experiment{}).
		Where("id = ? AND tenant_id = ?", id, tenant).
		Updates(map[string]any{
			"results":   datatypes.JSON(resultsJSON),
			"summaries": datatypes.JSON(summariesJSON),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendRateLimitEvent records one rejected ingest.
func (d *DB) AppendRateLimitEvent(ctx context.Context, tenant string, at time.Time) error {
	return d.db.WithContext(ctx).Create(&RateLimitEvent{
		ID:         uuid.NewString(),
		TenantID:   tenant,
		OccurredAt: at,
	}).Error
}

// RateLimitEvents returns a tenant's recorded rejections, newest first. Used
// by tests and operational tooling.
func (d *DB) RateLimitEvents(ctx context.Context, tenant string) ([]RateLimitEvent, error) {
	var events []RateLimitEvent
	err := d.db.WithContext(ctx).
		Where("tenant_id = ?", tenant).
		Order("occurred_at DESC").
		Find(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}

// CreateTenant inserts a tenant row. Used by provisioning and tests.
func (d *DB) CreateTenant(ctx context.Context, t *Tenant) error {
	return d.db.WithContext(ctx).Create(t).Error
}

// CreateAPIKey inserts an API key row. Used by provisioning and tests.
func (d *DB) CreateAPIKey(ctx context.Context, k *APIKey) error {
	return d.db.WithContext(ctx).Create(k).Error
}

// CreateExperiment inserts an experiment row. Used by provisioning and tests.
func (d *DB) CreateExperiment(ctx context.Context, e *Experiment) error {
	return d.db.WithContext(ctx).Create(e).Error
}
