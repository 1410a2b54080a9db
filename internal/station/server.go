package station

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/Bldg-7/chargebay/internal/config"
	"github.com/Bldg-7/chargebay/internal/link"
	"github.com/Bldg-7/chargebay/internal/shared"
	"go.uber.org/zap"
)

// IdentifierSource feeds identifier reads into the station. Run blocks
// until ctx is done or the source fails.
type IdentifierSource interface {
	Name() string
	Run(ctx context.Context, emit func(shared.IdentifierEvent)) error
}

// Store is everything the station needs from the history store.
type Store interface {
	SessionStore
	ThresholdReader
	Pinger
	AbandonOpenSessions(ctx context.Context, at time.Time) (int64, error)
}

// Server wires the station components together and owns their lifecycle.
type Server struct {
	cfg     *config.StationConfig
	logger  *zap.Logger
	metrics *Metrics
	store   Store

	state        *StationState
	matcher      *Matcher
	reader       *SlotEventReader
	persister    *Persister
	threshold    *ThresholdSource
	indicator    *IndicatorDriver
	heartbeat    *Heartbeat
	orchestrator *Orchestrator
	bus          *EventBus
	health       *HealthChecker
	link         *link.Link
	sources      []IdentifierSource

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool

	sourceDone   []<-chan struct{}
	httpShutdown func(ctx context.Context) error
}

// NewServer builds a station for cfg talking to the controller through
// dialer. Sinks receive every published session event.
func NewServer(cfg *config.StationConfig, dialer link.Dialer, store Store, logger *zap.Logger, sinks ...Sink) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	gate, err := link.NewFirmwareGate(cfg.Link.FirmwareConstraint)
	if err != nil {
		return nil, fmt.Errorf("firmware constraint: %w", err)
	}

	s := &Server{
		cfg:     cfg,
		logger:  logger,
		metrics: InitMetrics(),
		store:   store,
	}

	s.bus = NewEventBus(logger.Named("events"), s.metrics, sinks...)
	s.threshold = NewThresholdSource(store, cfg.Charging.MinimumDurationSeconds, cfg.ThresholdRefresh(), logger)
	s.state = NewStationState(cfg.Slots.Count, cfg.MatchWindow(), cfg.PendingMaxAge())
	s.persister = NewPersister(store, s.threshold, s.bus, logger.Named("persist"), s.metrics)
	s.matcher = NewMatcher(s.state, s.persister, s.bus, logger.Named("match"), s.metrics)
	s.reader = NewSlotEventReader(s.matcher, logger.Named("reader"), s.metrics)

	s.link = link.New(dialer, logger.Named("link"),
		link.WithLineHandler(s.reader.HandleLine),
		link.WithObserver(s),
		link.WithFirmwareGate(gate),
		link.WithBackoff(link.NewBackoff(
			time.Duration(cfg.Link.ReconnectMinMS)*time.Millisecond,
			time.Duration(cfg.Link.ReconnectMaxMS)*time.Millisecond,
		)),
	)

	s.indicator = NewIndicatorDriver(s.link, IndicatorOptions{
		Positions:   cfg.Slots.Positions,
		AckTimeout:  cfg.AckTimeout(),
		MaxAttempts: cfg.Indicator.MaxRetries,
		RetryMin:    time.Duration(cfg.Indicator.RetryBackoffMS) * time.Millisecond,
		RetryMax:    time.Duration(cfg.Indicator.RetryBackoffMaxMS) * time.Millisecond,
	}, logger.Named("indicator"), s.metrics)
	s.heartbeat = NewHeartbeat(s.link, cfg.HeartbeatInterval(), logger.Named("heartbeat"))
	s.orchestrator = NewOrchestrator(s.state, s.threshold, s.indicator, s.bus, cfg.PollInterval(), logger.Named("poll"), s.metrics)
	s.health = NewHealthChecker(store, s.link)

	return s, nil
}

// AddSource registers an identifier source. Call before Start.
func (s *Server) AddSource(src IdentifierSource) {
	s.sources = append(s.sources, src)
}

// Start launches the link, poll loop, heartbeat, sources and HTTP endpoint.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("station is already running")
	}

	s.logger.Info("station starting",
		zap.String("station", s.cfg.StationName),
		zap.Int("slots", s.cfg.Slots.Count),
		zap.Float64("match_window_seconds", s.cfg.Matching.WindowSeconds),
		zap.Duration("poll_interval", s.cfg.PollInterval()),
	)

	if s.cfg.Metrics.Addr != "" {
		listener, err := net.Listen("tcp", s.cfg.Metrics.Addr)
		if err != nil {
			return fmt.Errorf("failed to bind metrics address %s: %w", s.cfg.Metrics.Addr, err)
		}
		httpSrv := &http.Server{
			Handler:      s.health.Handler(),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.logger.Info("metrics server starting", zap.String("addr", listener.Addr().String()))
			if err := httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
				s.logger.Error("metrics server error", zap.Error(err))
			}
		}()
		s.httpShutdown = httpSrv.Shutdown
	}

	s.ctx, s.cancel = context.WithCancel(ctx)

	if s.store != nil {
		n, err := s.store.AbandonOpenSessions(s.ctx, time.Now())
		if err != nil {
			s.logger.Warn("failed to abandon sessions from previous run", zap.Error(err))
		} else if n > 0 {
			s.logger.Info("abandoned sessions from previous run", zap.Int64("count", n))
		}
	}

	s.bus.Start(s.ctx)
	s.link.Start(s.ctx)

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.heartbeat.Run(s.ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.orchestrator.Run(s.ctx)
	}()

	for _, src := range s.sources {
		done := shared.SafeGo(s.ctx, s.logger, "source:"+src.Name(), func(ctx context.Context) {
			if err := src.Run(ctx, s.emitIdentifier); err != nil && ctx.Err() == nil {
				s.logger.Error("identifier source stopped", zap.String("source", src.Name()), zap.Error(err))
			}
		}, nil)
		s.sourceDone = append(s.sourceDone, done)
	}

	s.running = true
	s.logger.Info("station started", zap.String("link", s.link.String()))
	return nil
}

// Stop shuts the station down and flushes queued writes.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return fmt.Errorf("station is not running")
	}

	s.logger.Info("station shutting down")

	if s.httpShutdown != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.httpShutdown(shutdownCtx); err != nil {
			s.logger.Error("metrics server shutdown error", zap.Error(err))
		}
		cancel()
	}

	s.cancel()
	if err := s.link.Close(); err != nil {
		s.logger.Debug("link close", zap.Error(err))
	}
	s.wg.Wait()
	for _, done := range s.sourceDone {
		<-done
	}

	s.persister.Close()
	s.bus.Close()

	s.running = false
	s.logger.Info("station shutdown complete")
	return nil
}

func (s *Server) emitIdentifier(ev shared.IdentifierEvent) {
	ctx := s.ctx
	if ev.CorrelationID == "" {
		ctx, ev.CorrelationID = shared.StartCorrelation(ctx)
	} else {
		ctx = shared.WithCorrelationID(ctx, ev.CorrelationID)
	}
	s.matcher.HandleIdentifier(ctx, ev)
}

// LinkConnected implements link.Observer.
func (s *Server) LinkConnected(connected bool) {
	s.metrics.LinkConnectedChanged(connected)
	if connected {
		s.indicator.Reset()
	}
}

// LinkReconnect implements link.Observer.
func (s *Server) LinkReconnect() {
	s.metrics.RecordReconnect()
}

// FirmwareChecked implements link.Observer.
func (s *Server) FirmwareChecked(version string, ok bool) {
	s.metrics.SetFirmwareMismatch(!ok)
}

func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Server) State() *StationState {
	return s.state
}

func (s *Server) Matcher() *Matcher {
	return s.matcher
}

func (s *Server) Indicator() *IndicatorDriver {
	return s.indicator
}

func (s *Server) Link() *link.Link {
	return s.link
}

func (s *Server) Health() *HealthChecker {
	return s.health
}
