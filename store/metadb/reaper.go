package metadb

import (
	"context"
	"log/slog"
	"time"

	"github.com/wolfeidau/nix-cache/telemetry"
)

// Reaper runs periodic cleanup of expired entries. Expired entries are
// already invisible to Lookup; the reaper reclaims their space.
type Reaper struct {
	db          *BoltCache
	interval    time.Duration
	batchSize   int
	maxDuration time.Duration
	logger      *slog.Logger
	now         func() time.Time

	lastReapTime  time.Time
	lastReapCount int
	totalReaped   int64
}

// ReaperOption configures a Reaper.
type ReaperOption func(*Reaper)

// WithReaperInterval sets the cleanup interval.
func WithReaperInterval(d time.Duration) ReaperOption {
	return func(r *Reaper) {
		r.interval = d
	}
}

// WithReaperBatchSize sets the maximum entries deleted per transaction.
func WithReaperBatchSize(n int) ReaperOption {
	return func(r *Reaper) {
		r.batchSize = n
	}
}

// WithReaperMaxDuration sets the maximum time per reap cycle.
// If the cycle takes longer than this, it will stop and continue next tick.
func WithReaperMaxDuration(d time.Duration) ReaperOption {
	return func(r *Reaper) {
		r.maxDuration = d
	}
}

// WithReaperLogger sets the logger for the reaper.
func WithReaperLogger(logger *slog.Logger) ReaperOption {
	return func(r *Reaper) {
		r.logger = logger
	}
}

// WithReaperNow sets the time function (for testing).
func WithReaperNow(now func() time.Time) ReaperOption {
	return func(r *Reaper) {
		r.now = now
	}
}

// NewReaper creates a reaper for db.
// Defaults: interval=5m, batchSize=100, maxDuration=30s.
func NewReaper(db *BoltCache, opts ...ReaperOption) *Reaper {
	r := &Reaper{
		db:          db,
		interval:    5 * time.Minute,
		batchSize:   100,
		maxDuration: 30 * time.Second,
		logger:      slog.Default(),
		now:         db.opts.now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run starts the reaper loop. It blocks until the context is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Debug("metadb reaper started",
		"interval", r.interval,
		"batchSize", r.batchSize,
		"maxDuration", r.maxDuration)

	for {
		select {
		case <-ctx.Done():
			r.logger.Debug("metadb reaper stopped", "totalReaped", r.totalReaped)
			return
		case <-ticker.C:
			r.reapCycle(ctx, r.maxDuration)
		}
	}
}

// ReapNow runs a single unbounded reap cycle and returns the number of
// entries deleted.
func (r *Reaper) ReapNow(ctx context.Context) int {
	return r.reapCycle(ctx, 0)
}

// reapCycle runs batches until done or maxDuration (when positive) is exceeded.
func (r *Reaper) reapCycle(ctx context.Context, maxDuration time.Duration) int {
	start := time.Now()
	cycleTotal := 0

	for {
		if maxDuration > 0 && time.Since(start) > maxDuration {
			r.logger.Debug("reap cycle hit max duration, will continue next tick",
				"deleted", cycleTotal,
				"duration", time.Since(start))
			break
		}

		count, hasMore := r.reapBatch()
		cycleTotal += count
		if !hasMore || ctx.Err() != nil {
			break
		}
	}

	if cycleTotal > 0 {
		r.lastReapTime = r.now()
		r.lastReapCount = cycleTotal
		r.totalReaped += int64(cycleTotal)

		r.logger.Info("metadb reaper cycle complete",
			"deleted", cycleTotal,
			"duration", time.Since(start),
			"totalReaped", r.totalReaped)
	}

	telemetry.RecordReaperCycle(ctx, "metadb", cycleTotal, time.Since(start))
	return cycleTotal
}

// reapBatch deletes a single batch of expired entries.
// Returns the count deleted and whether there are more entries to process.
func (r *Reaper) reapBatch() (int, bool) {
	expired, err := r.db.expiredKeys(r.now(), r.batchSize)
	if err != nil {
		r.logger.Error("failed to list expired entries", "error", err)
		return 0, false
	}
	if len(expired) == 0 {
		return 0, false
	}

	if err := r.db.deleteKeys(expired); err != nil {
		r.logger.Error("failed to delete expired entries", "error", err, "count", len(expired))
		return 0, false
	}

	return len(expired), len(expired) == r.batchSize
}

// Stats returns reaper statistics.
func (r *Reaper) Stats() ReaperStats {
	return ReaperStats{
		LastReapTime:  r.lastReapTime,
		LastReapCount: r.lastReapCount,
		TotalReaped:   r.totalReaped,
		Interval:      r.interval,
		BatchSize:     r.batchSize,
	}
}

// ReaperStats contains reaper statistics.
type ReaperStats struct {
	LastReapTime  time.Time
	LastReapCount int
	TotalReaped   int64
	Interval      time.Duration
	BatchSize     int
}
