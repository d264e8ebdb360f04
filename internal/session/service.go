// Package session runs the mesh session engine: the connection state
// machine, the config sync handshake and the packet pipeline. All of its
// state is owned by a single worker goroutine started with Run; the exported
// methods post requests to that worker and wait for the reply.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/aminovpavel/meshlink/internal/mesh"
	"github.com/aminovpavel/meshlink/internal/nodedb"
	"github.com/aminovpavel/meshlink/internal/notify"
	"github.com/aminovpavel/meshlink/internal/observability"
	"github.com/aminovpavel/meshlink/internal/packetid"
	"github.com/aminovpavel/meshlink/internal/radio"
	"github.com/aminovpavel/meshlink/internal/snapshot"
	"github.com/aminovpavel/meshlink/internal/transport"
)

// LocationControl starts and stops location sampling on behalf of the session.
type LocationControl interface {
	Start()
	Stop()
}

// PacketLog records decoded device frames.
type PacketLog interface {
	Record(kind, text string)
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics attaches metrics instrumentation.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(s *Service) {
		s.metrics = metrics
	}
}

// WithClock replaces the wall clock.
func WithClock(clock Clock) Option {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithCodec replaces the protobuf codec.
func WithCodec(codec radio.Codec) Option {
	return func(s *Service) {
		if codec != nil {
			s.codec = codec
		}
	}
}

// WithSnapshots enables snapshot persistence.
func WithSnapshots(store snapshot.Store) Option {
	return func(s *Service) {
		s.store = store
	}
}

// WithPacketLog records every decoded frame.
func WithPacketLog(log PacketLog) Option {
	return func(s *Service) {
		s.packetLog = log
	}
}

// WithLocation lets the session start and stop location sampling.
func WithLocation(loc LocationControl) Option {
	return func(s *Service) {
		s.location = loc
	}
}

// WithAllocator replaces the packet id allocator.
func WithAllocator(alloc *packetid.Allocator) Option {
	return func(s *Service) {
		if alloc != nil {
			s.alloc = alloc
		}
	}
}

type replayKey struct {
	from uint32
	id   uint32
}

type syncSession struct {
	nonce    uint32
	myInfo   *mesh.LocalNodeInfo
	firmware string
	nodes    []mesh.NodeInfo
}

// Service is the session engine. Construct it with New and start it with Run.
type Service struct {
	cfg       Config
	logger    *slog.Logger
	metrics   *observability.Metrics
	clock     Clock
	codec     radio.Codec
	transport transport.Transport
	hub       *notify.Hub
	store     snapshot.Store
	packetLog PacketLog
	location  LocationControl
	alloc     *packetid.Allocator

	inbox chan func()
	done  chan struct{}
	errCh chan error

	// Owned by the worker goroutine.
	runCtx      context.Context
	state       mesh.ConnectionState
	announce    bool
	connectedAt time.Time
	db          *nodedb.DB
	myInfo      *mesh.LocalNodeInfo
	radioCfg    mesh.RadioConfig
	regionCode  mesh.RegionCode
	nonce       uint32
	sync        *syncSession
	early       []radio.MeshPacket
	offline     []*mesh.DataPacket
	sent        map[uint32]*mesh.DataPacket
	recent      []*mesh.DataPacket
	lastText    *mesh.DataPacket
	sleepTimer  Timer
	sleepGen    uint64
	sweepTimer  Timer
	updating    bool
	progress    int
	holding     bool
	held        []func()
	replay      *ttlcache.Cache[replayKey, struct{}]
	locationOn  bool
}

// New constructs a Service bound to the given transport.
func New(cfg Config, tr transport.Transport, opts ...Option) *Service {
	cfg.normalise()
	s := &Service{
		cfg:       cfg,
		logger:    slog.Default(),
		clock:     systemClock{},
		codec:     radio.NewProtoCodec(),
		transport: tr,
		hub:       notify.NewHub(),
		alloc:     packetid.New(),
		inbox:     make(chan func(), defaultInboxDepth),
		done:      make(chan struct{}),
		errCh:     make(chan error, 32),
		state:     mesh.Disconnected,
		sent:      make(map[uint32]*mesh.DataPacket),
		progress:  ProgressNotStarted,
		nonce:     1,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("component", "session"))
	s.db = nodedb.New(nodedb.WithOnChange(s.emitNode))
	if cfg.ReplayWindow > 0 {
		s.replay = ttlcache.New[replayKey, struct{}](
			ttlcache.WithTTL[replayKey, struct{}](cfg.ReplayWindow),
			ttlcache.WithDisableTouchOnHit[replayKey, struct{}](),
		)
	}
	return s
}

// Subscribe registers a listener for session events.
func (s *Service) Subscribe(l notify.Listener) (unsubscribe func()) {
	return s.hub.Subscribe(l)
}

// Errors exposes asynchronous failures, e.g. a handshake that could not be sent.
func (s *Service) Errors() <-chan error {
	return s.errCh
}

// Done is closed once Run has returned.
func (s *Service) Done() <-chan struct{} {
	return s.done
}

// Run restores the snapshot, starts the transport and processes events until
// ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if s.transport == nil {
		close(s.done)
		return fmt.Errorf("session: transport is nil")
	}
	s.runCtx = ctx
	s.restore()

	if err := s.transport.Start(ctx); err != nil {
		close(s.done)
		return fmt.Errorf("session: start transport: %w", err)
	}
	s.armSweep()
	s.logger.Info("session started", slog.Int("nodes", s.db.Len()))

	events := s.transport.Events()
	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		case ev, ok := <-events:
			if !ok {
				events = nil
				s.handleLinkLoss(true)
				continue
			}
			s.handleEvent(ev)
		case fn := <-s.inbox:
			// Transport events already queued are handled first, so a request
			// observes every frame delivered before it was made.
			events = s.drainEvents(events)
			fn()
		}
	}
}

func (s *Service) drainEvents(events <-chan transport.Event) <-chan transport.Event {
	if events == nil {
		return nil
	}
	for n := len(events); n > 0; n-- {
		ev, ok := <-events
		if !ok {
			s.handleLinkLoss(true)
			return nil
		}
		s.handleEvent(ev)
	}
	return events
}

func (s *Service) shutdown() {
	s.cancelSleepTimer()
	if s.sweepTimer != nil {
		s.sweepTimer.Stop()
		s.sweepTimer = nil
	}
	s.stopLocation()
	s.saveSnapshot()
	s.transport.Stop()
	close(s.done)
	s.logger.Info("session stopped")
}

// post hands fn to the worker. It gives up once the worker has exited.
func (s *Service) post(fn func()) bool {
	select {
	case s.inbox <- fn:
		return true
	case <-s.done:
		return false
	}
}

// call runs fn on the worker and waits for it to finish.
func (s *Service) call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	wrapped := func() {
		defer close(finished)
		fn()
	}
	select {
	case s.inbox <- wrapped:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrStopped
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		// The worker may have completed fn right before exiting.
		select {
		case <-finished:
			return nil
		default:
			return ErrStopped
		}
	}
}

func (s *Service) publishErr(err error) {
	if err == nil {
		return
	}
	select {
	case s.errCh <- err:
	default:
		s.logger.Warn("dropping session error", slog.Any("error", err))
	}
}

func (s *Service) handleEvent(ev transport.Event) {
	switch ev.Kind {
	case transport.EventLinkUp:
		if err := s.setState(mesh.Connected); err != nil {
			s.logger.Error("connect failed", slog.Any("error", err))
			s.publishErr(err)
		}
	case transport.EventLinkDown:
		s.handleLinkLoss(ev.Permanent)
	case transport.EventFrame:
		s.handleFrame(ev.Frame)
	}
}

func (s *Service) handleLinkLoss(permanent bool) {
	if permanent {
		_ = s.setState(mesh.Disconnected)
		return
	}
	_ = s.setState(mesh.DeviceSleep)
}

// send writes one frame to the transport.
func (s *Service) send(frame []byte) error {
	if s.updating {
		return ErrUpdateInProgress
	}
	ctx := s.runCtx
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	defer cancel()
	if err := s.transport.Send(ctx, frame); err != nil {
		return fmt.Errorf("session: transport send: %w", err)
	}
	return nil
}

func (s *Service) now() time.Time {
	return s.clock.Now()
}

func (s *Service) restore() {
	if s.store == nil {
		return
	}
	snap, err := s.store.Load()
	if err != nil {
		s.metrics.IncSnapshotErrors()
		s.logger.Warn("snapshot unusable, starting empty", slog.Any("error", err))
		return
	}
	if snap.MyInfo != nil {
		info := *snap.MyInfo
		info.Normalize()
		s.myInfo = &info
	}
	s.db.LoadStale(snap.Nodes)
	s.regionCode = snap.RegionCode
	s.recent = s.recent[:0]
	for i := range snap.Messages {
		msg := snap.Messages[i].Clone()
		s.recent = append(s.recent, &msg)
	}
	s.trimRecent()
	s.metrics.ObserveNodeCount(s.db.Len())
	s.logger.Debug("snapshot restored", slog.Int("nodes", s.db.Len()), slog.Int("messages", len(s.recent)))
}

func (s *Service) saveSnapshot() {
	if s.store == nil {
		return
	}
	snap := snapshot.Snapshot{
		Nodes:      s.db.All(),
		RegionCode: s.regionCode,
	}
	if s.myInfo != nil {
		info := *s.myInfo
		snap.MyInfo = &info
	}
	for _, msg := range s.recent {
		snap.Messages = append(snap.Messages, msg.Clone())
	}
	if err := s.store.Save(snap); err != nil {
		s.metrics.IncSnapshotErrors()
		s.logger.Warn("snapshot save failed", slog.Any("error", err))
	}
}
