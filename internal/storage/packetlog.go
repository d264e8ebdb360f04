// Package storage keeps an append-only SQLite log of every frame received
// from the radio.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/aminovpavel/meshlink/internal/observability"
)

// SQLiteConfig holds configuration values for the packet log.
type SQLiteConfig struct {
	Path                string
	QueueSize           int
	MaintenanceInterval time.Duration
}

// Entry is one logged frame.
type Entry struct {
	UUID       string
	Kind       string
	ReceivedAt time.Time
	Text       string
}

// PacketLog persists frames into a SQLite database. Record never blocks;
// entries are written by a background goroutine.
type PacketLog struct {
	cfg   SQLiteConfig
	db    *sql.DB
	queue chan Entry
	wg    sync.WaitGroup
	once  sync.Once

	mu     sync.RWMutex
	closed bool

	logger  *slog.Logger
	metrics *observability.Metrics
	now     func() time.Time

	maintenanceStop chan struct{}
}

// Option configures the packet log.
type Option func(*PacketLog)

// WithLogger injects a structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *PacketLog) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithMetrics attaches metrics instrumentation.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(l *PacketLog) {
		if metrics != nil {
			l.metrics = metrics
		}
	}
}

// WithNow replaces the clock used to stamp entries.
func WithNow(now func() time.Time) Option {
	return func(l *PacketLog) {
		if now != nil {
			l.now = now
		}
	}
}

// NewPacketLog constructs a packet log with the provided configuration.
func NewPacketLog(cfg SQLiteConfig, opts ...Option) (*PacketLog, error) {
	if cfg.Path == "" {
		return nil, errors.New("storage: database path must be provided")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 512
	}
	if cfg.MaintenanceInterval <= 0 {
		cfg.MaintenanceInterval = 6 * time.Hour
	}

	l := &PacketLog{
		cfg:             cfg,
		queue:           make(chan Entry, cfg.QueueSize),
		logger:          slog.Default(),
		now:             time.Now,
		maintenanceStop: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With(slog.String("component", "packet_log"))
	return l, nil
}

// Start opens the database, creates the schema and begins draining the queue.
func (l *PacketLog) Start(ctx context.Context) error {
	db, err := open(l.cfg.Path)
	if err != nil {
		return err
	}
	if err := migrate(db); err != nil {
		db.Close()
		return err
	}

	l.db = db
	l.startMaintenance(ctx)

	l.wg.Add(1)
	go l.loop(ctx)
	return nil
}

// Record queues one frame. Entries that do not fit in the queue are dropped.
func (l *PacketLog) Record(kind, text string) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}

	entry := Entry{
		UUID:       uuid.NewString(),
		Kind:       kind,
		ReceivedAt: l.now(),
		Text:       text,
	}
	select {
	case l.queue <- entry:
		l.metrics.ObservePacketLogQueue(len(l.queue))
	default:
		l.metrics.IncPacketLogDropped()
		l.logger.Warn("packet log queue full, dropping entry", slog.String("kind", kind))
	}
}

// Stop flushes queued entries and closes the database.
func (l *PacketLog) Stop() error {
	l.once.Do(func() {
		l.mu.Lock()
		l.closed = true
		close(l.queue)
		l.mu.Unlock()

		close(l.maintenanceStop)
		l.wg.Wait()
		if l.db != nil {
			l.runFinalMaintenance()
			_ = l.db.Close()
		}
		l.metrics.ObservePacketLogQueue(0)
	})
	return nil
}

// Recent returns up to limit entries, newest first.
func (l *PacketLog) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if l.db == nil {
		return nil, errors.New("storage: packet log not started")
	}
	return queryRecent(ctx, l.db, limit)
}

// ReadLog opens the database at path and returns up to limit entries,
// newest first.
func ReadLog(ctx context.Context, path string, limit int) ([]Entry, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	db, err := open(path)
	if err != nil {
		return nil, err
	}
	defer db.Close()
	return queryRecent(ctx, db, limit)
}

func open(path string) (*sql.DB, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("storage: resolve path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, fmt.Errorf("storage: ensure directory: %w", err)
	}

	db, err := sql.Open("sqlite", abs)
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite: %w", err)
	}
	if err := configureConnection(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func queryRecent(ctx context.Context, db *sql.DB, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx, `SELECT uuid, message_type, received_at, raw_message
		FROM packet_log ORDER BY received_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: query packet log: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			entry      Entry
			receivedAt float64
			text       sql.NullString
		)
		if err := rows.Scan(&entry.UUID, &entry.Kind, &receivedAt, &text); err != nil {
			return nil, fmt.Errorf("storage: scan packet log: %w", err)
		}
		entry.ReceivedAt = secondsToTime(receivedAt)
		entry.Text = text.String
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate packet log: %w", err)
	}
	return out, nil
}

func (l *PacketLog) startMaintenance(ctx context.Context) {
	if l.cfg.MaintenanceInterval <= 0 || l.db == nil {
		return
	}

	ticker := time.NewTicker(l.cfg.MaintenanceInterval)
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-l.maintenanceStop:
				return
			case <-ticker.C:
				if err := l.runMaintenance(ctx); err != nil && !errors.Is(err, context.Canceled) {
					l.logger.Warn("sqlite maintenance failed", slog.Any("error", err))
				}
			}
		}
	}()
}

func (l *PacketLog) runMaintenance(ctx context.Context) error {
	start := time.Now()
	if _, err := l.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
			return context.Canceled
		}
		return fmt.Errorf("maintenance: wal_checkpoint: %w", err)
	}
	if _, err := l.db.ExecContext(ctx, "PRAGMA optimize"); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
			return context.Canceled
		}
		return fmt.Errorf("maintenance: optimize: %w", err)
	}
	l.logger.Info("sqlite maintenance completed", slog.Duration("duration", time.Since(start)))
	return nil
}

func (l *PacketLog) runFinalMaintenance() {
	if _, err := l.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		l.logger.Warn("final maintenance checkpoint failed", slog.Any("error", err))
	}
	if _, err := l.db.Exec("ANALYZE"); err != nil {
		l.logger.Warn("final maintenance analyze failed", slog.Any("error", err))
	}
}

func (l *PacketLog) loop(ctx context.Context) {
	defer l.wg.Done()

	stmt, err := l.db.Prepare(`INSERT INTO packet_log (
        uuid,
        message_type,
        received_at,
        raw_message
	) VALUES (?, ?, ?, ?)`)
	if err != nil {
		l.publishErr(fmt.Errorf("storage: prepare insert: %w", err))
		return
	}
	defer stmt.Close()

	for {
		select {
		case <-ctx.Done():
			l.drain(stmt)
			return
		case entry, ok := <-l.queue:
			if !ok {
				return
			}
			l.insert(stmt, entry)
		}
	}
}

// drain writes whatever is still queued without waiting for more.
func (l *PacketLog) drain(stmt *sql.Stmt) {
	for {
		select {
		case entry, ok := <-l.queue:
			if !ok {
				return
			}
			l.insert(stmt, entry)
		default:
			return
		}
	}
}

func (l *PacketLog) insert(stmt *sql.Stmt, entry Entry) {
	_, err := stmt.Exec(entry.UUID, entry.Kind, timeToSeconds(entry.ReceivedAt), nullString(entry.Text))
	l.metrics.ObservePacketLogQueue(len(l.queue))
	if err != nil {
		l.metrics.IncPacketLogErrors()
		l.publishErr(fmt.Errorf("storage: insert %s: %w", entry.Kind, err))
	}
}

func configureConnection(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=30000",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA wal_autocheckpoint=1000",
		"PRAGMA journal_size_limit=67108864",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("storage: apply pragma %q: %w", pragma, err)
		}
	}
	return nil
}

func migrate(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS packet_log (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        uuid TEXT NOT NULL UNIQUE,
        message_type TEXT NOT NULL,
        received_at REAL NOT NULL,
        raw_message TEXT
	)`); err != nil {
		return fmt.Errorf("storage: create packet_log: %w", err)
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_packet_log_received_at ON packet_log(received_at)`); err != nil {
		return fmt.Errorf("storage: create packet_log index: %w", err)
	}
	return nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func (l *PacketLog) publishErr(err error) {
	if err == nil {
		return
	}
	l.logger.Error("storage error", slog.Any("error", err))
}
