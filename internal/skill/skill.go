// Package skill assembles a Hermes skill: broker transport, topic router,
// dialogue adapter, recorder and telemetry.
package skill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/hermeskit/internal/actions"
	"github.com/loqalabs/hermeskit/internal/bus"
	"github.com/loqalabs/hermeskit/internal/config"
	"github.com/loqalabs/hermeskit/internal/dialogue"
	"github.com/loqalabs/hermeskit/internal/natsserver"
	"github.com/loqalabs/hermeskit/internal/recorder"
	"github.com/loqalabs/hermeskit/internal/rooms"
	"github.com/loqalabs/hermeskit/internal/router"
	"github.com/loqalabs/hermeskit/internal/telemetry"
)

// TransportFactory builds the broker connection for the given callbacks.
type TransportFactory func(cfg config.BrokerConfig, clientName string, handlers bus.Handlers, log *slog.Logger) (bus.Transport, error)

// ConnectHook runs after the router re-issued its subscriptions.
type ConnectHook func(ctx context.Context) error

type Skill struct {
	cfg       config.Config
	log       *slog.Logger
	router    *router.Router
	transport bus.Transport
	sessions  *dialogue.Sessions
	adapter   *dialogue.Adapter
	rooms     *rooms.Rooms
	recorder  *recorder.Store
	embedded  *natsserver.EmbeddedServer
	wasm      *actions.Runtime
	actions   []actions.Action

	hooksMu sync.Mutex
	hooks   []ConnectHook

	// set by Run before connecting
	ctx       context.Context
	connected atomic.Bool
	fatal     chan error
	closeOnce sync.Once
}

type Option func(*options)

type options struct {
	factory TransportFactory
}

// WithTransport replaces the broker transport, mainly for tests.
func WithTransport(factory TransportFactory) Option {
	return func(o *options) { o.factory = factory }
}

// New builds a skill from cfg. Nothing touches the network until Run,
// except an embedded broker which is started right away. An embedded broker
// serves MQTT clients too, on the configured port.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger, opts ...Option) (*Skill, error) {
	o := options{factory: bus.New}
	for _, opt := range opts {
		opt(&o)
	}

	s := &Skill{
		cfg:    cfg,
		log:    logger.With(slog.String("component", "skill"), slog.String("skill", cfg.SkillName)),
		router: router.New(logger),
		rooms:  rooms.New(cfg.Rooms),
		ctx:    ctx,
		fatal:  make(chan error, 1),
	}

	if cfg.Broker.Embedded {
		srv, err := natsserver.Start(natsserver.FromBroker(cfg.Broker), logger)
		if err != nil {
			return nil, err
		}
		s.embedded = srv
		if s.cfg.Broker.Host == "" {
			s.cfg.Broker.Host = "127.0.0.1"
		}
		s.cfg.Broker.Port = srv.Port()
		if srv.MQTTPort() != 0 {
			s.cfg.Broker.Port = srv.MQTTPort()
		}
	}

	if cfg.Recorder.Enabled {
		store, err := recorder.Open(ctx, cfg.Recorder, logger)
		if err != nil {
			s.embedded.Shutdown()
			return nil, fmt.Errorf("open recorder: %w", err)
		}
		s.recorder = store
	}

	clientName := cfg.Broker.ClientID
	if clientName == "" {
		clientName = cfg.SkillName
	}
	transport, err := o.factory(s.cfg.Broker, clientName, bus.Handlers{
		OnConnect: s.onConnect,
		OnMessage: s.onMessage,
	}, logger)
	if err != nil {
		s.closeStores()
		return nil, err
	}
	s.transport = transport

	sessionOpts := []dialogue.SessionsOption{dialogue.WithDefaultQoS(byte(cfg.Dialogue.QoS))}
	if s.recorder != nil {
		sessionOpts = append(sessionOpts, dialogue.WithObserver(s.recorder.Observe))
	}
	s.sessions = dialogue.NewSessions(transport, logger, sessionOpts...)
	s.adapter = dialogue.NewAdapter(s.sessions, logger,
		dialogue.WithInternalErrorText(cfg.Dialogue.InternalErrorText))
	return s, nil
}

func (s *Skill) Config() config.Config { return s.cfg }
func (s *Skill) Router() *router.Router { return s.router }
func (s *Skill) Sessions() *dialogue.Sessions { return s.sessions }
func (s *Skill) Rooms() *rooms.Rooms { return s.rooms }
func (s *Skill) Recorder() *recorder.Store { return s.recorder }
func (s *Skill) Transport() bus.Transport { return s.transport }
func (s *Skill) Logger() *slog.Logger { return s.log }
func (s *Skill) Adapter() *dialogue.Adapter { return s.adapter }
func (s *Skill) Embedded() *natsserver.EmbeddedServer { return s.embedded }

// OnConnected adds a hook run on every accepted (re)connection.
func (s *Skill) OnConnected(hook ConnectHook) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	s.hooks = append(s.hooks, hook)
}

// Healthy reports whether the broker connection is up.
func (s *Skill) Healthy() bool {
	return s.connected.Load() && s.transport.Healthy()
}

func (s *Skill) onConnect(code byte) error {
	if err := s.router.OnConnect(s.transport, code); err != nil {
		var rejected *router.ConnectionRejectedError
		if errors.As(err, &rejected) {
			s.log.Error("broker rejected connection", slog.Int("code", int(rejected.Code)))
		}
		s.connected.Store(false)
		s.reportFatal(err)
		return err
	}
	s.connected.Store(true)

	s.hooksMu.Lock()
	hooks := append([]ConnectHook(nil), s.hooks...)
	s.hooksMu.Unlock()
	for _, hook := range hooks {
		if err := hook(s.ctx); err != nil {
			s.log.Error("connect hook failed", slogError(err))
		}
	}
	return nil
}

func (s *Skill) reportFatal(err error) {
	select {
	case s.fatal <- err:
	default:
	}
}

func (s *Skill) onMessage(msg bus.Message) {
	if s.recorder != nil {
		if err := s.recorder.Record(s.ctx, msg.Topic, recorder.Inbound, msg.Payload); err != nil {
			s.log.Warn("failed to record message", slog.String("topic", msg.Topic), slogError(err))
		}
	}
	s.router.HandleMessage(s.ctx)(msg)
}

// Run connects and serves until ctx is cancelled. A broker refusal ends Run
// with a *router.ConnectionRejectedError.
func (s *Skill) Run(ctx context.Context) error {
	s.ctx = ctx
	defer s.Close()

	provider, err := telemetry.Setup(ctx, s.cfg, s.log)
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			s.log.Error("telemetry shutdown error", slogError(err))
		}
	}()

	var wg sync.WaitGroup
	defer wg.Wait()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if s.cfg.HTTP.Enabled {
		srv := telemetry.NewServer(s.cfg.HTTP, provider.Metrics, s.Healthy, s.log)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Run(ctx); err != nil {
				s.log.Error("http server failed", slogError(err))
			}
		}()
	}

	if err := s.transport.Connect(ctx); err != nil {
		return err
	}
	s.log.Info("skill running", slog.Any("patterns", s.router.Patterns()))

	select {
	case <-ctx.Done():
		s.log.Info("skill stopping")
		return nil
	case err := <-s.fatal:
		return err
	}
}

// Close disconnects and releases everything the skill opened.
func (s *Skill) Close() {
	s.closeOnce.Do(s.close)
}

func (s *Skill) close() {
	if s.transport != nil {
		s.transport.Close()
	}
	s.connected.Store(false)
	ctx := context.Background()
	for _, a := range s.actions {
		if err := a.Close(ctx); err != nil {
			s.log.Warn("failed to close action", slogError(err))
		}
	}
	s.actions = nil
	if s.wasm != nil {
		if err := s.wasm.Close(ctx); err != nil {
			s.log.Warn("failed to close wasm runtime", slogError(err))
		}
		s.wasm = nil
	}
	s.closeStores()
}

func (s *Skill) closeStores() {
	if s.recorder != nil {
		if err := s.recorder.Close(); err != nil {
			s.log.Warn("failed to close recorder", slogError(err))
		}
		s.recorder = nil
	}
	if s.embedded != nil {
		s.embedded.Shutdown()
		s.embedded = nil
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
