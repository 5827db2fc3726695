package quota

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/routecodex/types"
)

func TestSnapshotStore_SaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := NewSnapshotStore(dir, nil)
	now := time.Now().UnixMilli()

	states := map[string]*State{
		"glm#main": {
			InPool:                false,
			Reason:                ReasonCooldown,
			AuthType:              AuthOAuth,
			WindowStartMs:         now,
			RequestsThisWindow:    4,
			TokensThisWindow:      1200,
			TotalTokensUsed:       50_000,
			CooldownUntil:         now + 31_000,
			LastErrorSeries:       types.SeriesE429,
			LastErrorCode:         "rate_limit_exceeded",
			LastErrorAtMs:         now,
			ConsecutiveErrorCount: 3,
			PriorityTier:          1,
		},
		"openai": {
			InPool:        true,
			Reason:        ReasonOK,
			AuthType:      AuthAPIKey,
			WindowStartMs: now,
		},
	}

	require.NoError(t, store.Save(states))

	loaded, err := store.Load()
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, states["glm#main"], loaded["glm#main"])
	assert.Equal(t, states["openai"], loaded["openai"])
}

func TestSnapshotStore_LoadMissingFile(t *testing.T) {
	store := NewSnapshotStore(filepath.Join(t.TempDir(), "nothing-here"), nil)
	states, err := store.Load()
	assert.NoError(t, err)
	assert.Nil(t, states)
}

func TestSnapshotStore_LoadCorruptFile(t *testing.T) {
	dir := t.TempDir()
	store := NewSnapshotStore(dir, nil)
	require.NoError(t, os.WriteFile(store.SnapshotPath(), []byte("{not json"), 0o644))

	_, err := store.Load()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSnapshotCorrupt)
}

func TestSnapshotStore_LoadUnsupportedVersion(t *testing.T) {
	dir := t.TempDir()
	store := NewSnapshotStore(dir, nil)
	require.NoError(t, os.WriteFile(store.SnapshotPath(),
		[]byte(`{"version":99,"providers":{}}`), 0o644))

	_, err := store.Load()
	assert.ErrorIs(t, err, ErrSnapshotCorrupt)
}

func TestSnapshotStore_SaveLeavesNoTempFile(t *testing.T) {
	dir := t.TempDir()
	store := NewSnapshotStore(dir, nil)
	require.NoError(t, store.Save(map[string]*State{}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, snapshotFileName, entries[0].Name(), "写临时文件后应已改名")
}

func TestSnapshotStore_AppendErrorNDJSON(t *testing.T) {
	dir := t.TempDir()
	store := NewSnapshotStore(dir, nil)
	defer store.Close()

	store.AppendError(ErrorRecord{
		Timestamp:   time.Now(),
		ProviderKey: "glm#main",
		Series:      types.SeriesE429,
		HTTPStatus:  429,
		Code:        "rate_limit_exceeded",
		Consecutive: 1,
	})
	store.AppendError(ErrorRecord{
		Timestamp:   time.Now(),
		ProviderKey: "openai",
		Series:      types.SeriesENET,
		Code:        "ECONNRESET",
		Consecutive: 2,
	})
	require.NoError(t, store.Close())

	data, err := os.ReadFile(store.ErrorLogPath())
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)

	var rec ErrorRecord
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "glm#main", rec.ProviderKey)
	assert.Equal(t, types.SeriesE429, rec.Series)

	require.NoError(t, json.Unmarshal([]byte(lines[1]), &rec))
	assert.Equal(t, "ECONNRESET", rec.Code)
}

func TestSnapshotRunner_FinalFlushOnShutdown(t *testing.T) {
	dir := t.TempDir()
	store := NewSnapshotStore(dir, nil)
	c := NewCenter(testView(t), Options{})
	now := time.Now().UnixMilli()
	c.apply(SuccessEvent{ProviderKey: "openai", UsedTokens: 42, NowMs: now})

	runner := NewSnapshotRunner(c, store, time.Hour, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		runner.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	loaded, err := store.Load()
	require.NoError(t, err)
	require.Contains(t, loaded, "openai")
	assert.Equal(t, int64(42), loaded["openai"].TotalTokensUsed)
}
