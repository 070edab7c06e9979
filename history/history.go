// Package history persists the command log of each engagement in a local
// SQLite database, so output survives the terminal session it scrolled past.
package history

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	_ "modernc.org/sqlite"
)

// Entry is one executed command and its outcome.
type Entry struct {
	ID        uint `gorm:"primarykey"`
	CreatedAt time.Time
	// Target identifies the engagement, usually the primitive description.
	Target  string `gorm:"index"`
	Mode    string
	Command string
	Output  string
	Error   string
}

// Store wraps the history database.
type Store struct {
	logger *zap.SugaredLogger
	db     *gorm.DB
}

// Open creates or opens the history database at path, migrating the schema
// as needed.
func Open(log *zap.SugaredLogger, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating history directory: %w", err)
	}
	db, err := gorm.Open(sqlite.Dialector{
		DriverName: "sqlite",
		DSN:        path,
	}, &gorm.Config{Logger: logger.Discard})
	if err != nil {
		return nil, fmt.Errorf("opening history database: %w", err)
	}
	if err := db.Exec(`PRAGMA journal_mode=WAL;`).Error; err != nil {
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}
	if err := db.Exec(`PRAGMA busy_timeout=5000;`).Error; err != nil {
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("migrating history schema: %w", err)
	}
	return &Store{logger: log.Named("history"), db: db}, nil
}

// Record appends one entry. Recording failures are the caller's to ignore;
// a broken history file must never block command execution.
func (s *Store) Record(ctx context.Context, entry Entry) error {
	if err := s.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return fmt.Errorf("recording history entry: %w", err)
	}
	return nil
}

// Recent returns the last n entries for a target, newest first. An empty
// target matches every engagement.
func (s *Store) Recent(ctx context.Context, target string, n int) ([]Entry, error) {
	q := s.db.WithContext(ctx).Order("id desc").Limit(n)
	if target != "" {
		q = q.Where("target = ?", target)
	}
	var entries []Entry
	if err := q.Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}
	return entries, nil
}

// Search returns entries whose command or output contains the term.
func (s *Store) Search(ctx context.Context, target, term string, n int) ([]Entry, error) {
	pattern := "%" + term + "%"
	q := s.db.WithContext(ctx).
		Where("command LIKE ? OR output LIKE ?", pattern, pattern).
		Order("id desc").Limit(n)
	if target != "" {
		q = q.Where("target = ?", target)
	}
	var entries []Entry
	if err := q.Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("searching history: %w", err)
	}
	return entries, nil
}

// Clear deletes entries, either for one target or all of them.
func (s *Store) Clear(ctx context.Context, target string) error {
	q := s.db.WithContext(ctx)
	if target != "" {
		q = q.Where("target = ?", target)
	} else {
		q = q.Where("1 = 1")
	}
	if err := q.Delete(&Entry{}).Error; err != nil {
		return fmt.Errorf("clearing history: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
