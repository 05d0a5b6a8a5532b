package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"chatwatch/internal/audit"
	"chatwatch/internal/clock"
	"chatwatch/internal/config"
	"chatwatch/internal/engine"
	"chatwatch/internal/ingest"
	"chatwatch/internal/logging"
	"chatwatch/internal/metrics"
	"chatwatch/internal/notify"
	"chatwatch/internal/state"
)

const identityTimeout = 10 * time.Second

// Service composes runtime dependencies and process lifecycle.
// Params: config source and shared runtime components.
// Returns: runnable chat alerting service.
type Service struct {
	cfg       config.Config
	logger    *slog.Logger
	closeLog  func()
	store     state.Store
	audit     audit.Log
	metrics   *metrics.Metrics
	manager   *Manager
	httpSrv   *http.Server
	slack     *ingest.SlackHandler
	natsSub   interface{ Close() error }
	readyFlag atomic.Bool
	clock     clock.Clock
}

// NewService builds service instance from config source.
// Params: config source and clock implementation.
// Returns: initialized service or setup error.
func NewService(source config.ConfigSource, clk clock.Clock) (*Service, error) {
	cfg, err := LoadConfig(source)
	if err != nil {
		return nil, err
	}

	logger, closeLog, err := logging.New(cfg.Log, cfg.Service.Name)
	if err != nil {
		return nil, err
	}
	service := &Service{
		cfg:      cfg,
		logger:   logger,
		closeLog: closeLog,
		metrics:  metrics.New(),
		clock:    clk,
	}

	service.store, err = state.New(cfg.State, cfg.Alert.DedupTTL(), clk.Now)
	if err != nil {
		service.cleanupInitResources()
		return nil, fmt.Errorf("init state backend %q: %w", cfg.State.Backend, err)
	}
	service.audit, err = audit.Open(cfg.Audit)
	if err != nil {
		service.cleanupInitResources()
		return nil, err
	}
	dispatcher, err := notify.NewDispatcher(cfg, logger, clk)
	if err != nil {
		service.cleanupInitResources()
		return nil, err
	}
	logger.Info("notify transports ready", "transports", dispatcher.Transports(), "default", cfg.Notify.DefaultTransport)
	service.manager = NewManager(cfg, logger, service.store, dispatcher, service.audit, service.metrics, clk)
	service.resolveIdentity()

	service.buildHTTPServer()
	if err := service.buildNATSSubscriber(); err != nil {
		service.cleanupInitResources()
		return nil, err
	}
	return service, nil
}

// LoadConfig loads config snapshot and rejects rules sharing state keys.
// Params: config source.
// Returns: validated config or first validation error.
func LoadConfig(source config.ConfigSource) (config.Config, error) {
	cfg, err := config.LoadSnapshot(source)
	if err != nil {
		return config.Config{}, err
	}
	if err := engine.CheckKeyCollisions(cfg.Rule); err != nil {
		return config.Config{}, fmt.Errorf("validate rule keys: %w", err)
	}
	return cfg, nil
}

// Run starts service lifecycle and blocks until shutdown signal.
// Params: root context for service runtime.
// Returns: terminal run error.
func (s *Service) Run(ctx context.Context) error {
	shutdownCtx, shutdownCancel := context.WithCancel(ctx)
	defer shutdownCancel()

	s.manager.LogRules()
	if muted, err := s.store.Muted(ctx); err == nil {
		s.metrics.SetMuted(muted)
	}

	errChan := make(chan error, 1)
	if s.httpSrv != nil {
		go func() {
			s.logger.Info("http server starting", "listen", s.cfg.Ingest.HTTP.Listen)
			err := s.httpSrv.ListenAndServe()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				errChan <- err
			}
		}()
	}

	ticker := time.NewTicker(time.Duration(s.cfg.Service.SweepIntervalSec) * time.Second)
	defer ticker.Stop()
	go func() {
		for {
			select {
			case <-shutdownCtx.Done():
				return
			case <-ticker.C:
				if err := s.manager.Sweep(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
					s.logger.Error("state sweep failed", "error", err.Error())
				}
			}
		}
	}()

	s.readyFlag.Store(true)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-ctx.Done():
		return s.shutdown()
	case err := <-errChan:
		_ = s.shutdown()
		return fmt.Errorf("http server failed: %w", err)
	case <-sigChan:
		return s.shutdown()
	}
}

// shutdown closes runtime resources in dependency order.
// Params: none.
// Returns: first close error.
func (s *Service) shutdown() error {
	s.readyFlag.Store(false)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var firstErr error
	markErr := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("http shutdown failed", "error", err.Error())
			markErr(fmt.Errorf("http shutdown: %w", err))
		}
	}
	if s.slack != nil {
		s.slack.Wait()
	}
	if s.natsSub != nil {
		if err := s.natsSub.Close(); err != nil {
			s.logger.Error("nats subscriber close failed", "error", err.Error())
			markErr(fmt.Errorf("nats subscriber close: %w", err))
		}
	}
	if err := s.store.Close(); err != nil {
		s.logger.Error("store close failed", "error", err.Error())
		markErr(fmt.Errorf("store close: %w", err))
	}
	if err := s.audit.Close(); err != nil {
		s.logger.Error("audit close failed", "error", err.Error())
		markErr(fmt.Errorf("audit close: %w", err))
	}
	if s.closeLog != nil {
		s.closeLog()
	}
	return firstErr
}

// cleanupInitResources closes partially initialized resources on startup failures.
// Params: none.
// Returns: all acquired resources closed best-effort.
func (s *Service) cleanupInitResources() {
	if s.natsSub != nil {
		_ = s.natsSub.Close()
		s.natsSub = nil
	}
	if s.httpSrv != nil {
		_ = s.httpSrv.Close()
		s.httpSrv = nil
	}
	if s.audit != nil {
		_ = s.audit.Close()
		s.audit = nil
	}
	if s.store != nil {
		_ = s.store.Close()
		s.store = nil
	}
	if s.closeLog != nil {
		s.closeLog()
		s.closeLog = nil
	}
}

// resolveIdentity asks Slack auth.test for bot ids; failures keep configured ids.
// Params: none.
// Returns: none.
func (s *Service) resolveIdentity() {
	slackIngest := s.cfg.Ingest.Slack
	if !slackIngest.Enabled || !slackIngest.ResolveIdentity {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), identityTimeout)
	defer cancel()
	response, err := notify.NewSlackClient(s.cfg.Notify.Slack, nil).AuthTestContext(ctx)
	if err != nil {
		s.logger.Warn("slack identity lookup failed, using configured ids", "error", err.Error())
		return
	}
	s.manager.SetIdentity(Identity{UserID: response.UserID, BotID: response.BotID})
	s.logger.Info("slack identity resolved", "user_id", response.UserID, "bot_id", response.BotID)
}

// buildHTTPServer wires router with ingest, admin, and health endpoints.
// Params: none.
// Returns: none; server stays nil when no HTTP-based ingest is enabled.
func (s *Service) buildHTTPServer() {
	httpIngest := s.cfg.Ingest.HTTP
	if !httpIngest.Enabled && !s.cfg.Ingest.Slack.Enabled {
		return
	}

	mux := http.NewServeMux()
	mux.HandleFunc(httpIngest.HealthPath, func(writer http.ResponseWriter, _ *http.Request) {
		writer.WriteHeader(http.StatusOK)
		_, _ = writer.Write([]byte("ok"))
	})
	mux.HandleFunc(httpIngest.ReadyPath, func(writer http.ResponseWriter, _ *http.Request) {
		if !s.readyFlag.Load() {
			writer.WriteHeader(http.StatusServiceUnavailable)
			_, _ = writer.Write([]byte("not-ready"))
			return
		}
		writer.WriteHeader(http.StatusOK)
		_, _ = writer.Write([]byte("ready"))
	})
	mux.Handle(httpIngest.MetricsPath, s.metrics.Handler())
	if s.cfg.Audit.Enabled {
		mux.Handle(httpIngest.AuditPath, audit.Handler(s.audit))
	}

	if httpIngest.Enabled {
		mux.Handle(httpIngest.EventsPath, ingest.NewHTTPHandler(s.manager, httpIngest.MaxBodyBytes))
		mux.Handle(httpIngest.CommandsPath, ingest.NewCommandHandler(s.manager, httpIngest.MaxBodyBytes))
	}
	if s.cfg.Ingest.Slack.Enabled {
		s.slack = ingest.NewSlackHandler(s.cfg.Ingest.Slack, s.manager, s.manager, httpIngest.MaxBodyBytes, s.logger)
		mux.Handle(s.cfg.Ingest.Slack.EventsPath, s.slack.Events())
		mux.Handle(s.cfg.Ingest.Slack.CommandsPath, s.slack.Commands())
	}

	s.httpSrv = &http.Server{
		Addr:              httpIngest.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// buildNATSSubscriber starts NATS ingest when enabled.
// Params: none.
// Returns: initialization error.
func (s *Service) buildNATSSubscriber() error {
	if !s.cfg.Ingest.NATS.Enabled {
		return nil
	}
	subscriber, err := ingest.NewNATSSubscriber(s.cfg.Ingest.NATS, s.manager, s.logger)
	if err != nil {
		return err
	}
	s.natsSub = subscriber
	return nil
}
