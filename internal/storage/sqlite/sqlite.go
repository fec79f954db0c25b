// Package sqlite is the zero-configuration storage backend. It runs the
// PostgreSQL package's GORM repositories on a single-file database through
// the pure-Go glebarez/sqlite driver.
package sqlite

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/jkaninda/kazi/internal/storage"
	pgstore "github.com/jkaninda/kazi/internal/storage/postgres"
)

const (
	defaultJournalMode = "wal"
	defaultBusyTimeout = 5 * time.Second
)

type Config struct {
	Path        string
	JournalMode string        // Default: "wal"
	BusyTimeout time.Duration // Default: 5s
}

func (c Config) dsn() string {
	mode := c.JournalMode
	if mode == "" {
		mode = defaultJournalMode
	}
	busy := c.BusyTimeout
	if busy <= 0 {
		busy = defaultBusyTimeout
	}
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("journal_mode(%s)", mode))
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	q.Add("_pragma", "foreign_keys(ON)")
	q.Add("_pragma", "synchronous(NORMAL)")
	return c.Path + "?" + q.Encode()
}

// Store implements storage.Store. Writes go through one connection; WAL
// lets readers proceed while a turn persists messages.
type Store struct {
	pgstore.Repositories
	db *gorm.DB
}

var _ storage.Store = (*Store)(nil)

// Open creates the database file and its directory when missing.
func Open(cfg Config, logger *slog.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o750); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := gorm.Open(sqlite.Open(cfg.dsn()), &gorm.Config{
		Logger:  pgstore.NewGormLogger(logger),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	logger.Info("sqlite store opened", slog.String("path", cfg.Path))
	return &Store{Repositories: pgstore.NewRepositories(db), db: db}, nil
}

func (s *Store) Migrate(ctx context.Context) error {
	return pgstore.AutoMigrate(ctx, s.db)
}

func (s *Store) Ping(ctx context.Context) error {
	return pgstore.Ping(ctx, s.db)
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) Driver() string { return storage.DriverSQLite }
