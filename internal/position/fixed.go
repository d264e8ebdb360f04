package position

import (
	"context"
	"log/slog"
	"time"
)

const DefaultFixedInterval = time.Minute

// FixedSource feeds a static location into a Reporter, for installations
// whose position never changes.
type FixedSource struct {
	reporter *Reporter
	sample   Sample
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewFixedSource returns a source that offers sample every interval.
func NewFixedSource(reporter *Reporter, sample Sample, interval time.Duration, logger *slog.Logger) *FixedSource {
	if interval <= 0 {
		interval = DefaultFixedInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FixedSource{
		reporter: reporter,
		sample:   sample,
		interval: interval,
		logger:   logger.With(slog.String("component", "fixed_position")),
		now:      time.Now,
	}
}

// Run offers the location until ctx is cancelled. Ticks while the reporter
// is inactive are skipped.
func (f *FixedSource) Run(ctx context.Context) error {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	f.offer(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			f.offer(ctx)
		}
	}
}

func (f *FixedSource) offer(ctx context.Context) {
	if !f.reporter.Active() {
		return
	}
	sample := f.sample
	sample.Time = f.now()
	if err := f.reporter.OnLocation(ctx, sample); err != nil && ctx.Err() == nil {
		f.logger.Debug("fixed position not sent", slog.Any("error", err))
	}
}
