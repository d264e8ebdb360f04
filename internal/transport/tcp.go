package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"strings"
	"sync"
	"time"
)

const (
	defaultTCPPort     = "4403"
	defaultDialTimeout = 10 * time.Second
	eventBufferDepth   = 256
)

// TCPConfig holds connection parameters for a network-attached radio.
type TCPConfig struct {
	Address     string
	DialTimeout time.Duration
	Backoff     BackoffConfig
	// MaxAttempts bounds consecutive failed dials; 0 retries forever.
	MaxAttempts int
}

func (c *TCPConfig) normalise() {
	if c.DialTimeout == 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.Backoff == (BackoffConfig{}) {
		c.Backoff = DefaultBackoff
	}
	if _, _, err := net.SplitHostPort(c.Address); err != nil {
		c.Address = net.JoinHostPort(c.Address, defaultTCPPort)
	}
}

func (c TCPConfig) validate() error {
	if strings.TrimSpace(c.Address) == "" {
		return errors.New("transport: device address must be provided")
	}
	return nil
}

// TCP talks to a radio over its stream API port and reconnects when the
// link drops. Link losses are reported as non-permanent until Stop is called
// or MaxAttempts is exhausted.
type TCP struct {
	cfg    TCPConfig
	logger *slog.Logger
	dialer net.Dialer
	events chan Event

	mu   sync.Mutex
	conn net.Conn

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// NewTCP creates a TCP transport.
func NewTCP(cfg TCPConfig, logger *slog.Logger) (*TCP, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.normalise()
	if logger == nil {
		logger = slog.Default()
	}
	return &TCP{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "transport"), slog.String("address", cfg.Address)),
		dialer: net.Dialer{Timeout: cfg.DialTimeout},
		events: make(chan Event, eventBufferDepth),
		done:   make(chan struct{}),
	}, nil
}

// Events returns the ordered event stream. It is closed after Stop.
func (t *TCP) Events() <-chan Event {
	return t.events
}

// Start launches the connect loop.
func (t *TCP) Start(ctx context.Context) error {
	if t.cancel != nil {
		return fmt.Errorf("transport: already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	go t.loop(runCtx)
	return nil
}

// Stop closes the link and waits for the connect loop to exit.
func (t *TCP) Stop() {
	t.stopOnce.Do(func() {
		if t.cancel == nil {
			close(t.events)
			close(t.done)
			return
		}
		t.cancel()
		t.closeConn()
		<-t.done
	})
}

// Send writes one framed payload.
func (t *TCP) Send(ctx context.Context, frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return ErrNotConnected
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(deadline)
	} else {
		_ = t.conn.SetWriteDeadline(time.Time{})
	}
	if err := WriteFrame(t.conn, frame); err != nil {
		return fmt.Errorf("transport: write: %w", err)
	}
	return nil
}

func (t *TCP) loop(ctx context.Context) {
	defer close(t.done)
	defer close(t.events)

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	attempt := 0
	for {
		conn, err := t.dialer.DialContext(ctx, "tcp", t.cfg.Address)
		if err != nil {
			if ctx.Err() != nil {
				t.emit(ctx, Event{Kind: EventLinkDown, Permanent: true})
				return
			}
			attempt++
			if t.cfg.MaxAttempts > 0 && attempt >= t.cfg.MaxAttempts {
				t.logger.Error("giving up on device", slog.Int("attempts", attempt), slog.Any("error", err))
				t.emit(ctx, Event{Kind: EventLinkDown, Permanent: true, Err: err})
				return
			}
			delay := NextBackoffDelay(t.cfg.Backoff, attempt, rng)
			t.logger.Warn("dial failed", slog.Int("attempt", attempt), slog.Duration("retry_in", delay), slog.Any("error", err))
			if !sleepCtx(ctx, delay) {
				t.emit(ctx, Event{Kind: EventLinkDown, Permanent: true})
				return
			}
			continue
		}
		attempt = 0

		if _, err := conn.Write(wakeSequence()); err != nil {
			t.logger.Warn("wake write failed", slog.Any("error", err))
		}
		t.mu.Lock()
		t.conn = conn
		t.mu.Unlock()
		t.logger.Info("device link up")
		t.emit(ctx, Event{Kind: EventLinkUp})

		readErr := t.readFrames(ctx, conn)
		t.closeConn()

		if ctx.Err() != nil {
			t.emit(ctx, Event{Kind: EventLinkDown, Permanent: true})
			return
		}
		t.logger.Warn("device link down", slog.Any("error", readErr))
		t.emit(ctx, Event{Kind: EventLinkDown, Err: readErr})
	}
}

func (t *TCP) readFrames(ctx context.Context, conn net.Conn) error {
	reader := NewFrameReader(conn)
	for {
		frame, err := reader.ReadFrame()
		if err != nil {
			return err
		}
		select {
		case t.events <- Event{Kind: EventFrame, Frame: frame}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// emit blocks until the consumer catches up. Once ctx is done only the final
// permanent link-down is still delivered, and only if there is buffer room.
func (t *TCP) emit(ctx context.Context, ev Event) {
	if ctx.Err() != nil {
		select {
		case t.events <- ev:
		default:
			t.logger.Warn("event buffer full, dropping final link event")
		}
		return
	}
	select {
	case t.events <- ev:
	case <-ctx.Done():
	}
}

func (t *TCP) closeConn() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		_ = t.conn.Close()
		t.conn = nil
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
