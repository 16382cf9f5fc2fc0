package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ethpandaops/grantoor/pkg/access"
	"github.com/ethpandaops/grantoor/pkg/config"
	"github.com/ethpandaops/grantoor/pkg/dispatch"
	"github.com/ethpandaops/grantoor/pkg/metrics"
	"github.com/ethpandaops/grantoor/pkg/notify"
	"github.com/ethpandaops/grantoor/pkg/scheduler"
	"github.com/ethpandaops/grantoor/pkg/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
)

const shutdownTimeout = 10 * time.Second

// Server exposes the service lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
}

// Compile-time interface check.
var _ Server = (*server)(nil)

type server struct {
	log        logrus.FieldLogger
	cfg        *config.Config
	store      store.Store
	registry   *prometheus.Registry
	metrics    *metrics.Metrics
	notifier   *notify.Notifier
	evaluator  access.Evaluator
	workflow   access.Workflow
	dispatcher *dispatch.Dispatcher
	scheduler  scheduler.Scheduler
	httpServer *http.Server
	wg         sync.WaitGroup
	done       chan struct{}
	stopOnce   sync.Once

	// eventLimiter is nil unless per-principal event limits are enabled.
	eventLimiter *keyedLimiter
}

// NewServer creates a new server.
func NewServer(
	log logrus.FieldLogger,
	cfg *config.Config,
) Server {
	return newServer(log, cfg)
}

func newServer(log logrus.FieldLogger, cfg *config.Config) *server {
	return &server{
		log:  log.WithField("component", "api"),
		cfg:  cfg,
		done: make(chan struct{}),
	}
}

// Start opens the store, wires the access core, starts the HTTP server
// and then the reconciliation scheduler.
func (s *server) Start(ctx context.Context) error {
	if err := s.init(ctx); err != nil {
		return err
	}

	router := s.buildRouter()

	s.httpServer = &http.Server{
		Addr:              s.cfg.Server.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Bind the listener synchronously so we fail fast on port conflicts.
	ln, err := net.Listen("tcp", s.cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Server.Listen, err)
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.log.WithField("listen", s.cfg.Server.Listen).
			Info("API server starting")

		if err := s.httpServer.Serve(ln); err != nil &&
			err != http.ErrServerClosed {
			s.log.WithError(err).Error("HTTP server error")
		}
	}()

	if err := s.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}

	return nil
}

// init builds every component behind the HTTP surface.
func (s *server) init(ctx context.Context) error {
	s.store = store.NewStore(s.log, &s.cfg.Database)
	if err := s.store.Start(ctx); err != nil {
		return fmt.Errorf("starting store: %w", err)
	}

	s.registry = prometheus.NewRegistry()
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.metrics = metrics.New(s.registry)

	s.notifier = notify.NewNotifier(
		s.log,
		notify.NewSink(s.log, &s.cfg.Notify),
		s.cfg.Access.Admins,
		s.cfg.Notify.Concurrency,
		s.metrics,
	)

	if admins := s.notifier.Admins(); len(admins) == 0 {
		s.log.Warn("No administrators configured, access requests cannot be decided")
	} else {
		s.log.WithField("admins", admins).Info("Administrator notifications enabled")
	}

	s.evaluator = access.NewEvaluator(
		s.log, s.store, &s.cfg.Access, s.notifier, s.metrics,
	)
	s.workflow = access.NewWorkflow(
		s.log, s.store, &s.cfg.Access, s.notifier, s.metrics,
	)
	s.dispatcher = dispatch.NewDispatcher(
		s.log, &s.cfg.Access, s.evaluator, s.workflow,
	)
	s.scheduler = scheduler.NewScheduler(
		s.log,
		s.store,
		s.evaluator,
		s.workflow,
		s.notifier,
		&s.cfg.Access,
		&s.cfg.Scheduler,
		s.metrics,
	)

	return nil
}

// Stop shuts down the HTTP server, waits for in-flight scheduler passes
// and closes the store.
func (s *server) Stop() error {
	s.stopOnce.Do(func() { close(s.done) })

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(
			context.Background(), shutdownTimeout,
		)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("HTTP server shutdown error")
		}
	}

	s.wg.Wait()

	if s.scheduler != nil {
		if err := s.scheduler.Stop(); err != nil {
			s.log.WithError(err).Warn("Scheduler stop error")
		}
	}

	if s.store != nil {
		if err := s.store.Stop(); err != nil {
			return fmt.Errorf("stopping store: %w", err)
		}
	}

	s.log.Info("API server stopped")

	return nil
}
