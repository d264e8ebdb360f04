// Package position forwards location fixes from the host into the mesh on
// behalf of radios without their own GPS.
package position

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aminovpavel/meshlink/internal/mesh"
	"github.com/aminovpavel/meshlink/internal/observability"
	"github.com/aminovpavel/meshlink/internal/session"
)

const (
	DefaultRateLimit   = 30 * time.Second
	DefaultMaxAccuracy = 200.0
)

// Sample is one location fix. Accuracy is in metres; zero or less means the
// source did not report it.
type Sample struct {
	Latitude  float64
	Longitude float64
	Altitude  int32
	Accuracy  float64
	Time      time.Time
}

// Sender delivers a position into the mesh. session.Service implements it.
type Sender interface {
	SendPosition(ctx context.Context, pos mesh.Position, dest string, wantResponse bool) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, pos mesh.Position, dest string, wantResponse bool) error

func (f SenderFunc) SendPosition(ctx context.Context, pos mesh.Position, dest string, wantResponse bool) error {
	return f(ctx, pos, dest, wantResponse)
}

// Config tunes the reporter.
type Config struct {
	// RateLimit is the minimum interval between mesh broadcasts. Samples in
	// between only refresh the local node.
	RateLimit time.Duration
	// MaxAccuracy discards samples whose accuracy radius is larger.
	MaxAccuracy float64
}

// Option configures a Reporter.
type Option func(*Reporter)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reporter) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics attaches metrics instrumentation.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(r *Reporter) {
		r.metrics = metrics
	}
}

// WithNow replaces the wall clock.
func WithNow(now func() time.Time) Option {
	return func(r *Reporter) {
		if now != nil {
			r.now = now
		}
	}
}

// Reporter rate-limits location samples into position reports. It is safe
// for concurrent use; Start and Stop never block.
type Reporter struct {
	cfg     Config
	sender  Sender
	logger  *slog.Logger
	metrics *observability.Metrics
	now     func() time.Time

	mu       sync.Mutex
	active   bool
	lastSend time.Time
}

// NewReporter constructs an inactive reporter.
func NewReporter(sender Sender, cfg Config, opts ...Option) *Reporter {
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = DefaultRateLimit
	}
	if cfg.MaxAccuracy <= 0 {
		cfg.MaxAccuracy = DefaultMaxAccuracy
	}
	r := &Reporter{
		cfg:    cfg,
		sender: sender,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(slog.String("component", "position"))
	return r
}

// Start enables reporting.
func (r *Reporter) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.active {
		r.logger.Debug("location reports enabled")
	}
	r.active = true
}

// Stop disables reporting until the next Start.
func (r *Reporter) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active {
		r.logger.Debug("location reports disabled")
	}
	r.active = false
}

// Active reports whether samples are currently forwarded.
func (r *Reporter) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// OnLocation handles one sample. Inactive reporters and inaccurate samples
// are ignored. The first sample after each RateLimit window is broadcast with
// a request for replies; the rest only update the local node. A radio that
// is not connected suspends reporting until Start is called again.
func (r *Reporter) OnLocation(ctx context.Context, sample Sample) error {
	r.mu.Lock()
	if !r.active {
		r.mu.Unlock()
		r.metrics.IncPositionReport("inactive")
		return nil
	}
	if sample.Accuracy > r.cfg.MaxAccuracy {
		r.mu.Unlock()
		r.metrics.IncPositionReport("inaccurate")
		r.logger.Warn("location accuracy too poor to use", slog.Float64("accuracy_m", sample.Accuracy))
		return nil
	}
	now := r.now()
	broadcast := r.lastSend.IsZero() || now.Sub(r.lastSend) >= r.cfg.RateLimit
	r.mu.Unlock()

	pos := mesh.Position{
		Latitude:  sample.Latitude,
		Longitude: sample.Longitude,
		Altitude:  sample.Altitude,
	}
	if !sample.Time.IsZero() {
		pos.Time = uint32(sample.Time.Unix())
	}
	dest, outcome := mesh.IDLocal, "local"
	if broadcast {
		dest, outcome = mesh.IDBroadcast, "broadcast"
	}

	err := r.sender.SendPosition(ctx, pos, dest, broadcast)
	switch {
	case err == nil:
		if broadcast {
			// Only a delivered broadcast opens a new rate limit window.
			r.mu.Lock()
			if now.After(r.lastSend) {
				r.lastSend = now
			}
			r.mu.Unlock()
		}
		r.metrics.IncPositionReport(outcome)
		r.logger.Debug("position reported", slog.String("dest", dest))
		return nil
	case errors.Is(err, session.ErrNotConnected):
		r.Stop()
		r.metrics.IncPositionReport("suspended")
		r.logger.Warn("radio not connected, suspending location reports")
		return err
	default:
		r.metrics.IncPositionReport("error")
		return fmt.Errorf("position: send: %w", err)
	}
}
