package tokenusage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/llmcore/internal/store"
	"github.com/BaSui01/llmcore/providers"
)

type fakeUsageStore struct {
	mu      sync.Mutex
	batches [][]store.UsageRecord
}

func (f *fakeUsageStore) WriteUsageBatch(ctx context.Context, records []store.UsageRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]store.UsageRecord, len(records))
	copy(cp, records)
	f.batches = append(f.batches, cp)
	return nil
}

func (f *fakeUsageStore) totalRecords() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.batches {
		n += len(b)
	}
	return n
}

func newTestTracker(fs *fakeUsageStore, cfg Config) *Tracker {
	return New(cfg, fs, zap.NewNop())
}

func TestTrackUsage_FlushOnShutdown(t *testing.T) {
	fs := &fakeUsageStore{}
	tr := newTestTracker(fs, Config{FlushInterval: time.Hour, FlushThreshold: 1000})

	tr.TrackUsage(context.Background(), "deepseek-chat", "deepseek", "chat", providers.Usage{InputTokens: 10, OutputTokens: 20, TotalTokens: 30})
	tr.TrackUsage(context.Background(), "qwen-turbo", "qwen", "chat", providers.Usage{InputTokens: 5, OutputTokens: 5, TotalTokens: 10})

	require.NoError(t, tr.Shutdown(context.Background()))
	assert.Equal(t, 2, fs.totalRecords())
}

type fakeUsageObserver struct {
	mu    sync.Mutex
	calls []providers.Usage
}

func (f *fakeUsageObserver) ObserveUsage(provider, model string, usage providers.Usage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, usage)
}

func TestTrackUsage_NotifiesObserverOnRecord(t *testing.T) {
	fs := &fakeUsageStore{}
	tr := newTestTracker(fs, Config{FlushInterval: time.Hour, FlushThreshold: 1000})
	obs := &fakeUsageObserver{}
	tr.WithObserver(obs)

	tr.TrackUsage(context.Background(), "deepseek-chat", "deepseek", "chat", providers.Usage{InputTokens: 10, OutputTokens: 20, TotalTokens: 30})

	obs.mu.Lock()
	defer obs.mu.Unlock()
	require.Len(t, obs.calls, 1)
	assert.Equal(t, 30, obs.calls[0].TotalTokens)
}

func TestTrackUsage_FlushesAtThreshold(t *testing.T) {
	fs := &fakeUsageStore{}
	tr := newTestTracker(fs, Config{FlushInterval: time.Hour, FlushThreshold: 3})

	for i := 0; i < 3; i++ {
		tr.TrackUsage(context.Background(), "deepseek-chat", "deepseek", "chat", providers.Usage{TotalTokens: 1})
	}

	require.Eventually(t, func() bool {
		return fs.totalRecords() == 3
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, tr.Shutdown(context.Background()))
}

func TestTrackUsage_PeriodicFlush(t *testing.T) {
	fs := &fakeUsageStore{}
	tr := newTestTracker(fs, Config{FlushInterval: 20 * time.Millisecond, FlushThreshold: 1000})
	defer tr.Shutdown(context.Background())

	tr.TrackUsage(context.Background(), "grok-beta", "grok", "chat", providers.Usage{TotalTokens: 7})

	require.Eventually(t, func() bool {
		return fs.totalRecords() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestTrackUsageDetailed_CarriesRequestContext(t *testing.T) {
	fs := &fakeUsageStore{}
	tr := newTestTracker(fs, Config{FlushInterval: time.Hour, FlushThreshold: 1000})

	tr.TrackUsageDetailed(Record{
		ModelAlias:     "doubao-pro",
		Provider:       "doubao",
		Dimension:      "diagram",
		UserID:         "u1",
		OrganizationID: "org1",
		SessionID:      "sess1",
		Usage:          providers.Usage{InputTokens: 100, OutputTokens: 50, TotalTokens: 150},
		ResponseTime:   250 * time.Millisecond,
		Success:        true,
	})

	require.NoError(t, tr.Flush(context.Background()))
	require.Equal(t, 1, fs.totalRecords())
	rec := fs.batches[0][0]
	assert.Equal(t, "u1", rec.UserID)
	assert.Equal(t, "org1", rec.OrganizationID)
	assert.Equal(t, int64(250), rec.ResponseTimeMs)
	assert.Equal(t, 150, rec.TotalTokens)
}

func TestFlush_NoOpWhenBufferEmpty(t *testing.T) {
	fs := &fakeUsageStore{}
	tr := newTestTracker(fs, DefaultConfig())
	defer tr.Shutdown(context.Background())

	require.NoError(t, tr.Flush(context.Background()))
	assert.Equal(t, 0, len(fs.batches))
}
