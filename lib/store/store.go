// Package store persists the daemon's relational state: which channel drives
// which workspace, how chat sessions are titled, and the prompt schedules.
// Backed by sqlite through gorm; callers work against the repository
// interfaces, never the database handle.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// ErrNotFound marks a lookup that matched nothing.
var ErrNotFound = errors.New("store: not found")

// WorkspaceBinding ties one chat channel to one workspace path. GuildID
// scopes listings to a chat server.
type WorkspaceBinding struct {
	ChannelID     string `gorm:"primaryKey"`
	GuildID       string `gorm:"index"`
	WorkspacePath string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ChatSession records what a channel is called and whether the daemon already
// renamed it after the assistant session it mirrors.
type ChatSession struct {
	ChannelID   string `gorm:"primaryKey"`
	DisplayName string
	IsRenamed   bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Schedule is a stored prompt schedule. The store only keeps them; running
// them is the caller's business.
type Schedule struct {
	ID        uint   `gorm:"primaryKey"`
	ChannelID string `gorm:"index"`
	Prompt    string
	CronSpec  string
	Enabled   bool
	NextRunAt *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Bindings is the workspace-binding repository.
type Bindings interface {
	Bind(ctx context.Context, b WorkspaceBinding) error
	Unbind(ctx context.Context, channelID string) error
	ByChannel(ctx context.Context, channelID string) (WorkspaceBinding, error)
	ByGuild(ctx context.Context, guildID string) ([]WorkspaceBinding, error)
	All(ctx context.Context) ([]WorkspaceBinding, error)
	Count(ctx context.Context) (int64, error)
}

// Sessions is the chat-session repository.
type Sessions interface {
	Upsert(ctx context.Context, s ChatSession) error
	MarkRenamed(ctx context.Context, channelID, displayName string) error
	ByChannel(ctx context.Context, channelID string) (ChatSession, error)
	Delete(ctx context.Context, channelID string) error
}

// Schedules is the prompt-schedule repository.
type Schedules interface {
	Create(ctx context.Context, s *Schedule) error
	ByChannel(ctx context.Context, channelID string) ([]Schedule, error)
	SetEnabled(ctx context.Context, id uint, enabled bool) error
	Reschedule(ctx context.Context, id uint, nextRunAt *time.Time) error
	Delete(ctx context.Context, id uint) error
	Due(ctx context.Context, now time.Time) ([]Schedule, error)
}

// Store owns the database handle and hands out repositories.
type Store struct {
	db *gorm.DB
}

// Open opens (creating if needed) the sqlite database at path and migrates
// the schema. Parent directories are created.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create state dir %s: %w", dir, err)
		}
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		// The daemon logs through slog; gorm's own logger stays quiet.
		Logger: gormlogger.Discard,
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite at %s: %w", path, err)
	}
	if err := db.AutoMigrate(&WorkspaceBinding{}, &ChatSession{}, &Schedule{}); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) Bindings() Bindings   { return bindings{db: s.db} }
func (s *Store) Sessions() Sessions   { return sessions{db: s.db} }
func (s *Store) Schedules() Schedules { return schedules{db: s.db} }
