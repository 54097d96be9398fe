// Package tokenusage is the buffered token-usage counter: track_usage
// appends to an in-memory buffer under a single mutex; a background
// flusher periodically swaps the buffer out from under the lock and
// writes the batch to the authoritative store outside it, so a slow
// write never blocks the next track_usage call.
//
// Grounded on original_source/services/llm/llm_service.py's call sites
// (the field set every track_usage call passes) and spec-level guidance
// to keep the buffer swap and the store write on opposite sides of the
// mutex, rehomed onto internal/store.UsageStore instead of the
// original's direct database session.
package tokenusage

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/llmcore/internal/store"
	"github.com/BaSui01/llmcore/providers"
)

// Record is one tracked call, appended to the buffer by TrackUsage.
type Record struct {
	ModelAlias     string
	Provider       string
	Dimension      string
	UserID         string
	OrganizationID string
	SessionID      string
	ConversationID string
	EndpointPath   string
	Usage          providers.Usage
	ResponseTime   time.Duration
	Success        bool
	Timestamp      time.Time
}

// Config controls the background flusher.
type Config struct {
	FlushInterval  time.Duration // flush on a timer even if the buffer hasn't filled
	FlushThreshold int           // flush immediately once the buffer reaches this size
	BufferCapacity int           // initial buffer capacity, just a sizing hint
}

func DefaultConfig() Config {
	return Config{
		FlushInterval:  10 * time.Second,
		FlushThreshold: 500,
		BufferCapacity: 512,
	}
}

// UsageObserver is notified of every tracked record as it's buffered,
// for an operator-facing counter alongside the OTel pipeline and the
// authoritative-store rollup. telemetry's Prometheus collectors satisfy
// this without tokenusage importing prometheus directly.
type UsageObserver interface {
	ObserveUsage(provider, model string, usage providers.Usage)
}

// Tracker is the buffered counter. TrackUsage never blocks on the store;
// Flush and the background loop are the only callers that touch it.
type Tracker struct {
	cfg      Config
	store    store.UsageStore
	logger   *zap.Logger
	observer UsageObserver

	mu     sync.Mutex
	buffer []Record

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// WithObserver attaches a usage observer and returns the receiver for
// chaining after New.
func (t *Tracker) WithObserver(o UsageObserver) *Tracker {
	t.observer = o
	return t
}

func New(cfg Config, s store.UsageStore, logger *zap.Logger) *Tracker {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 10 * time.Second
	}
	if cfg.FlushThreshold <= 0 {
		cfg.FlushThreshold = 500
	}
	if cfg.BufferCapacity <= 0 {
		cfg.BufferCapacity = 512
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Tracker{
		cfg:    cfg,
		store:  s,
		logger: logger.With(zap.String("component", "tokenusage")),
		buffer: make([]Record, 0, cfg.BufferCapacity),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go t.loop()
	return t
}

// TrackUsage satisfies orchestrator.UsageRecorder. Tracking failure MUST
// never fail the caller's request, so this only ever appends to the
// in-memory buffer and optionally wakes the flusher — it never touches
// the store directly.
func (t *Tracker) TrackUsage(ctx context.Context, physicalModel, provider, dimension string, usage providers.Usage) {
	t.record(Record{
		ModelAlias: physicalModel,
		Provider:   provider,
		Dimension:  dimension,
		Usage:      usage,
		Success:    true,
		Timestamp:  time.Now(),
	})
}

// TrackUsageDetailed is the full call shape, carrying the request context
// fields TrackUsage's narrower orchestrator-facing signature drops.
func (t *Tracker) TrackUsageDetailed(rec Record) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	t.record(rec)
}

func (t *Tracker) record(rec Record) {
	t.mu.Lock()
	t.buffer = append(t.buffer, rec)
	shouldFlush := len(t.buffer) >= t.cfg.FlushThreshold
	t.mu.Unlock()

	if t.observer != nil {
		t.observer.ObserveUsage(rec.Provider, rec.ModelAlias, rec.Usage)
	}

	if shouldFlush {
		t.flushAsync()
	}
}

func (t *Tracker) flushAsync() {
	go func() {
		if err := t.Flush(context.Background()); err != nil {
			t.logger.Warn("threshold flush failed", zap.Error(err))
		}
	}()
}

// Flush drains the buffer synchronously and writes it to the store. Safe
// to call concurrently with TrackUsage and with the background loop; the
// buffer swap happens under the mutex, the write happens outside it.
func (t *Tracker) Flush(ctx context.Context) error {
	t.mu.Lock()
	if len(t.buffer) == 0 {
		t.mu.Unlock()
		return nil
	}
	batch := t.buffer
	t.buffer = make([]Record, 0, t.cfg.BufferCapacity)
	t.mu.Unlock()

	records := make([]store.UsageRecord, 0, len(batch))
	for _, r := range batch {
		records = append(records, store.UsageRecord{
			ModelAlias:     r.ModelAlias,
			Provider:       r.Provider,
			Dimension:      r.Dimension,
			UserID:         r.UserID,
			OrganizationID: r.OrganizationID,
			SessionID:      r.SessionID,
			ConversationID: r.ConversationID,
			EndpointPath:   r.EndpointPath,
			InputTokens:    r.Usage.InputTokens,
			OutputTokens:   r.Usage.OutputTokens,
			TotalTokens:    r.Usage.TotalTokens,
			ResponseTimeMs: r.ResponseTime.Milliseconds(),
			Success:        r.Success,
			CreatedAt:      r.Timestamp,
		})
	}

	if err := t.store.WriteUsageBatch(ctx, records); err != nil {
		t.logger.Error("usage batch write failed", zap.Int("records", len(records)), zap.Error(err))
		return err
	}
	t.logger.Debug("usage batch flushed", zap.Int("records", len(records)))
	return nil
}

func (t *Tracker) loop() {
	defer close(t.doneCh)
	ticker := time.NewTicker(t.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := t.Flush(context.Background()); err != nil {
				t.logger.Warn("periodic flush failed", zap.Error(err))
			}
		case <-t.stopCh:
			return
		}
	}
}

// Shutdown stops the background flusher and drains the buffer
// synchronously, the "flush() on shutdown" guarantee.
func (t *Tracker) Shutdown(ctx context.Context) error {
	t.stopOnce.Do(func() { close(t.stopCh) })
	<-t.doneCh
	return t.Flush(ctx)
}
