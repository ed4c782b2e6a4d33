package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state", "agbridge.db"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func TestBindingsUpsertAndLookup(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	repo := s.Bindings()

	require.NoError(t, repo.Bind(ctx, WorkspaceBinding{
		ChannelID:     "chan-1",
		GuildID:       "guild-1",
		WorkspacePath: "/home/dev/Projects/MyApp",
	}))

	got, err := repo.ByChannel(ctx, "chan-1")
	require.NoError(t, err)
	require.Equal(t, "/home/dev/Projects/MyApp", got.WorkspacePath)
	require.Equal(t, "guild-1", got.GuildID)

	// Rebinding the same channel replaces the target, not duplicates it.
	require.NoError(t, repo.Bind(ctx, WorkspaceBinding{
		ChannelID:     "chan-1",
		GuildID:       "guild-1",
		WorkspacePath: "/home/dev/Projects/Other",
	}))
	got, err = repo.ByChannel(ctx, "chan-1")
	require.NoError(t, err)
	require.Equal(t, "/home/dev/Projects/Other", got.WorkspacePath)

	n, err := repo.Count(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	require.NoError(t, repo.Bind(ctx, WorkspaceBinding{
		ChannelID:     "chan-2",
		GuildID:       "guild-1",
		WorkspacePath: "/srv/api",
	}))
	listed, err := repo.ByGuild(ctx, "guild-1")
	require.NoError(t, err)
	require.Len(t, listed, 2)
	require.Equal(t, "chan-1", listed[0].ChannelID)
	require.Equal(t, "chan-2", listed[1].ChannelID)

	all, err := repo.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestBindingsUnbind(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	repo := s.Bindings()

	require.NoError(t, repo.Bind(ctx, WorkspaceBinding{
		ChannelID:     "chan-1",
		WorkspacePath: "/srv/api",
	}))
	require.NoError(t, repo.Unbind(ctx, "chan-1"))

	_, err := repo.ByChannel(ctx, "chan-1")
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, repo.Unbind(ctx, "chan-1"), ErrNotFound)
}

func TestBindingsValidation(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	repo := s.Bindings()

	require.Error(t, repo.Bind(ctx, WorkspaceBinding{WorkspacePath: "/srv/api"}))
	require.Error(t, repo.Bind(ctx, WorkspaceBinding{ChannelID: "chan-1"}))
}

func TestSessionsRenameFlow(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	repo := s.Sessions()

	_, err := repo.ByChannel(ctx, "chan-1")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, repo.Upsert(ctx, ChatSession{ChannelID: "chan-1", DisplayName: "general"}))
	got, err := repo.ByChannel(ctx, "chan-1")
	require.NoError(t, err)
	require.False(t, got.IsRenamed)

	require.NoError(t, repo.MarkRenamed(ctx, "chan-1", "fix-the-parser"))
	got, err = repo.ByChannel(ctx, "chan-1")
	require.NoError(t, err)
	require.Equal(t, "fix-the-parser", got.DisplayName)
	require.True(t, got.IsRenamed)

	// Renaming a channel with no prior record creates one.
	require.NoError(t, repo.MarkRenamed(ctx, "chan-9", "scratch"))
	got, err = repo.ByChannel(ctx, "chan-9")
	require.NoError(t, err)
	require.True(t, got.IsRenamed)
}

func TestSessionsDelete(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	repo := s.Sessions()

	require.NoError(t, repo.Upsert(ctx, ChatSession{ChannelID: "chan-1", DisplayName: "general"}))
	require.NoError(t, repo.Delete(ctx, "chan-1"))
	require.ErrorIs(t, repo.Delete(ctx, "chan-1"), ErrNotFound)
}

func TestSchedulesLifecycle(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	repo := s.Schedules()

	now := time.Now()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	due := &Schedule{ChannelID: "chan-1", Prompt: "run the nightly report", Enabled: true, NextRunAt: &past}
	later := &Schedule{ChannelID: "chan-1", Prompt: "check dependencies", Enabled: true, NextRunAt: &future}
	require.NoError(t, repo.Create(ctx, due))
	require.NoError(t, repo.Create(ctx, later))
	require.NotZero(t, due.ID)
	require.NotZero(t, later.ID)

	listed, err := repo.ByChannel(ctx, "chan-1")
	require.NoError(t, err)
	require.Len(t, listed, 2)

	ready, err := repo.Due(ctx, now)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	require.Equal(t, due.ID, ready[0].ID)
	require.WithinDuration(t, past, *ready[0].NextRunAt, time.Second)

	require.NoError(t, repo.SetEnabled(ctx, due.ID, false))
	ready, err = repo.Due(ctx, now)
	require.NoError(t, err)
	require.Empty(t, ready)

	// Clearing the next run parks a schedule without disabling it.
	require.NoError(t, repo.Reschedule(ctx, later.ID, nil))
	listed, err = repo.ByChannel(ctx, "chan-1")
	require.NoError(t, err)
	for _, sched := range listed {
		if sched.ID == later.ID {
			require.Nil(t, sched.NextRunAt)
		}
	}

	require.NoError(t, repo.Delete(ctx, due.ID))
	require.ErrorIs(t, repo.Delete(ctx, due.ID), ErrNotFound)
	require.ErrorIs(t, repo.SetEnabled(ctx, due.ID, true), ErrNotFound)
	require.ErrorIs(t, repo.Reschedule(ctx, due.ID, &future), ErrNotFound)
}

func TestScheduleValidation(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	repo := s.Schedules()

	require.Error(t, repo.Create(ctx, &Schedule{Prompt: "no channel"}))
	require.Error(t, repo.Create(ctx, &Schedule{ChannelID: "chan-1"}))
}

func TestReopenKeepsState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agbridge.db")
	ctx := context.Background()

	first, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, first.Bindings().Bind(ctx, WorkspaceBinding{
		ChannelID:     "chan-1",
		WorkspacePath: "/srv/api",
	}))
	require.NoError(t, first.Close())

	second, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, second.Close()) })

	got, err := second.Bindings().ByChannel(ctx, "chan-1")
	require.NoError(t, err)
	require.Equal(t, "/srv/api", got.WorkspacePath)
}
