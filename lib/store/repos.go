package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type bindings struct {
	db *gorm.DB
}

func (r bindings) Bind(ctx context.Context, b WorkspaceBinding) error {
	if b.ChannelID == "" {
		return errors.New("store: binding needs a channel id")
	}
	if b.WorkspacePath == "" {
		return errors.New("store: binding needs a workspace path")
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "channel_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"guild_id", "workspace_path", "updated_at"}),
	}).Create(&b).Error
}

func (r bindings) Unbind(ctx context.Context, channelID string) error {
	res := r.db.WithContext(ctx).Delete(&WorkspaceBinding{}, "channel_id = ?", channelID)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: binding for channel %s", ErrNotFound, channelID)
	}
	return nil
}

func (r bindings) ByChannel(ctx context.Context, channelID string) (WorkspaceBinding, error) {
	var b WorkspaceBinding
	err := r.db.WithContext(ctx).First(&b, "channel_id = ?", channelID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return WorkspaceBinding{}, fmt.Errorf("%w: binding for channel %s", ErrNotFound, channelID)
	}
	return b, err
}

func (r bindings) ByGuild(ctx context.Context, guildID string) ([]WorkspaceBinding, error) {
	var out []WorkspaceBinding
	err := r.db.WithContext(ctx).Where("guild_id = ?", guildID).Order("channel_id").Find(&out).Error
	return out, err
}

func (r bindings) All(ctx context.Context) ([]WorkspaceBinding, error) {
	var out []WorkspaceBinding
	err := r.db.WithContext(ctx).Order("channel_id").Find(&out).Error
	return out, err
}

func (r bindings) Count(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&WorkspaceBinding{}).Count(&n).Error
	return n, err
}

type sessions struct {
	db *gorm.DB
}

func (r sessions) Upsert(ctx context.Context, s ChatSession) error {
	if s.ChannelID == "" {
		return errors.New("store: session needs a channel id")
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "channel_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"display_name", "is_renamed", "updated_at"}),
	}).Create(&s).Error
}

// MarkRenamed records that the channel now carries the assistant session's
// title, creating the record when the channel was never seen before.
func (r sessions) MarkRenamed(ctx context.Context, channelID, displayName string) error {
	return r.Upsert(ctx, ChatSession{
		ChannelID:   channelID,
		DisplayName: displayName,
		IsRenamed:   true,
	})
}

func (r sessions) ByChannel(ctx context.Context, channelID string) (ChatSession, error) {
	var s ChatSession
	err := r.db.WithContext(ctx).First(&s, "channel_id = ?", channelID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ChatSession{}, fmt.Errorf("%w: session for channel %s", ErrNotFound, channelID)
	}
	return s, err
}

func (r sessions) Delete(ctx context.Context, channelID string) error {
	res := r.db.WithContext(ctx).Delete(&ChatSession{}, "channel_id = ?", channelID)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: session for channel %s", ErrNotFound, channelID)
	}
	return nil
}

type schedules struct {
	db *gorm.DB
}

func (r schedules) Create(ctx context.Context, s *Schedule) error {
	if s.ChannelID == "" {
		return errors.New("store: schedule needs a channel id")
	}
	if s.Prompt == "" {
		return errors.New("store: schedule needs a prompt")
	}
	return r.db.WithContext(ctx).Create(s).Error
}

func (r schedules) ByChannel(ctx context.Context, channelID string) ([]Schedule, error) {
	var out []Schedule
	err := r.db.WithContext(ctx).Where("channel_id = ?", channelID).Order("id").Find(&out).Error
	return out, err
}

func (r schedules) SetEnabled(ctx context.Context, id uint, enabled bool) error {
	res := r.db.WithContext(ctx).Model(&Schedule{}).Where("id = ?", id).
		Update("enabled", enabled)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: schedule %d", ErrNotFound, id)
	}
	return nil
}

func (r schedules) Reschedule(ctx context.Context, id uint, nextRunAt *time.Time) error {
	res := r.db.WithContext(ctx).Model(&Schedule{}).Where("id = ?", id).
		Update("next_run_at", nextRunAt)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: schedule %d", ErrNotFound, id)
	}
	return nil
}

func (r schedules) Delete(ctx context.Context, id uint) error {
	res := r.db.WithContext(ctx).Delete(&Schedule{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: schedule %d", ErrNotFound, id)
	}
	return nil
}

// Due lists enabled schedules whose next run time has passed, soonest first.
func (r schedules) Due(ctx context.Context, now time.Time) ([]Schedule, error) {
	var out []Schedule
	err := r.db.WithContext(ctx).
		Where("enabled = ? AND next_run_at IS NOT NULL AND next_run_at <= ?", true, now).
		Order("next_run_at").
		Find(&out).Error
	return out, err
}
