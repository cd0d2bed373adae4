package retention

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chatrelay/pkg/config"
	"chatrelay/pkg/models"
	"chatrelay/pkg/store"
)

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRunOncePurgesExpired(t *testing.T) {
	s := openStore(t)
	ref := models.DirectRef("alice", "bob")
	_, err := s.Append(ref, "alice", "doomed", "")
	require.NoError(t, err)

	// a zero-length period expires everything written before now
	removed, err := RunOnce(config.RetentionConfig{}, s, -time.Minute)
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	msgs, err := s.List(ref, store.Page{})
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestRunOnceKeepsRecent(t *testing.T) {
	s := openStore(t)
	ref := models.DirectRef("alice", "bob")
	_, err := s.Append(ref, "alice", "fresh", "")
	require.NoError(t, err)

	removed, err := RunOnce(config.RetentionConfig{}, s, 24*time.Hour)
	require.NoError(t, err)
	require.Zero(t, removed)

	msgs, err := s.List(ref, store.Page{})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}

func TestRunOnceDryRun(t *testing.T) {
	s := openStore(t)
	ref := models.DirectRef("alice", "bob")
	_, err := s.Append(ref, "alice", "spared", "")
	require.NoError(t, err)

	removed, err := RunOnce(config.RetentionConfig{DryRun: true}, s, -time.Minute)
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	msgs, err := s.List(ref, store.Page{})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}

func TestStartDisabled(t *testing.T) {
	cancel, err := Start(context.Background(), config.RetentionConfig{}, openStore(t))
	require.NoError(t, err)
	cancel()
}

func TestStartRejectsBadConfig(t *testing.T) {
	s := openStore(t)

	_, err := Start(context.Background(), config.RetentionConfig{Enabled: true, Period: "not-a-duration"}, s)
	require.Error(t, err)

	_, err = Start(context.Background(), config.RetentionConfig{Enabled: true, Period: "720h", Cron: "99 99 * * *"}, s)
	require.Error(t, err)
}

func TestStartValidSchedule(t *testing.T) {
	s := openStore(t)
	cancel, err := Start(context.Background(), config.RetentionConfig{Enabled: true, Period: "720h", Cron: "0 2 * * *"}, s)
	require.NoError(t, err)
	cancel()
}
