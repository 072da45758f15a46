// Package server provides the public entry point for initializing the
// EduChat assignment service.
//
// Usage:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
//	defer srv.Shutdown(ctx)
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/eduzayn/Educhat-Versao-Final-sub001/internal/api"
	"github.com/eduzayn/Educhat-Versao-Final-sub001/internal/api/handlers"
	"github.com/eduzayn/Educhat-Versao-Final-sub001/internal/assignment"
	"github.com/eduzayn/Educhat-Versao-Final-sub001/internal/capacity"
	"github.com/eduzayn/Educhat-Versao-Final-sub001/internal/classifier"
	"github.com/eduzayn/Educhat-Versao-Final-sub001/internal/config"
	"github.com/eduzayn/Educhat-Versao-Final-sub001/internal/equity"
	"github.com/eduzayn/Educhat-Versao-Final-sub001/internal/handoff"
	"github.com/eduzayn/Educhat-Versao-Final-sub001/internal/metrics"
	"github.com/eduzayn/Educhat-Versao-Final-sub001/internal/notify"
	"github.com/eduzayn/Educhat-Versao-Final-sub001/internal/retention"
	"github.com/eduzayn/Educhat-Versao-Final-sub001/internal/router"
	"github.com/eduzayn/Educhat-Versao-Final-sub001/internal/store"
	"github.com/eduzayn/Educhat-Versao-Final-sub001/internal/telemetry"
	"github.com/eduzayn/Educhat-Versao-Final-sub001/pkg/contracts"
	"github.com/eduzayn/Educhat-Versao-Final-sub001/pkg/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
)

// Config holds the settings callers may override on top of the environment.
type Config struct {
	Port        int
	RoutingFile string
}

// Server holds the initialized assignment service.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the data store (PostgreSQL when DATABASE_URL is set, else in-memory).
	Store store.Store

	// Assignment is the engine behind the HTTP routes.
	Assignment contracts.AssignmentService

	// Port is the port the server should listen on.
	Port int

	notifier          *notify.Service
	stopJanitor       context.CancelFunc
	shutdownTelemetry func(context.Context) error
}

// New initializes all components from the environment.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, &Config{})
}

// NewWithConfig initializes all components, applying overrides on top of the
// environment configuration.
func NewWithConfig(ctx context.Context, overrides *Config) (*Server, error) {
	cfg := config.Load()
	if overrides.Port > 0 {
		cfg.Port = overrides.Port
	}
	if overrides.RoutingFile != "" {
		cfg.Routing.TableFile = overrides.RoutingFile
	}
	return build(ctx, cfg)
}

func build(ctx context.Context, cfg *config.Config) (*Server, error) {
	shutdown, err := telemetry.Init(ctx, cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	dataStore, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	hours, err := equity.NewBusinessHours(cfg.Business.Timezone, cfg.Business.Start, cfg.Business.End, cfg.Business.Days)
	if err != nil {
		dataStore.Close()
		return nil, fmt.Errorf("business hours: %w", err)
	}

	tables, err := tableSource(ctx, cfg)
	if err != nil {
		dataStore.Close()
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewPrometheus(reg, "educhat")

	sinks, err := eventSinks(cfg)
	if err != nil {
		dataStore.Close()
		return nil, err
	}

	machineOpts := []handoff.Option{handoff.WithMetrics(collector)}
	var notifier *notify.Service
	if len(sinks) > 0 {
		notifier = notify.NewService(cfg.Telemetry.ServiceName, sinks...)
		machineOpts = append(machineOpts, handoff.WithObserver(notifier))
		log.Info().Int("sinks", len(sinks)).Msg("Event notifications enabled")
	}

	analyzer := capacity.NewAnalyzer()
	selector := equity.NewSelector(equity.NewScorer(equity.DefaultWeights()), hours)
	machine := handoff.New(dataStore, machineOpts...)

	svcOpts := []assignment.Option{
		assignment.WithMetrics(collector),
		assignment.WithEquityWindow(cfg.Routing.EquityWindow),
	}
	if cfg.Classifier.URL != "" {
		svcOpts = append(svcOpts, assignment.WithClassifier(classifier.New(cfg.Classifier.URL, cfg.Classifier.Timeout)))
		log.Info().Str("url", cfg.Classifier.URL).Msg("Classifier enabled")
	}
	svc := assignment.New(dataStore, analyzer, selector, router.New(analyzer, selector, tables), machine, svcOpts...)

	h := handlers.New(dataStore, svc)

	return &Server{
		Handler:           api.NewRouter(cfg, h, reg),
		Store:             dataStore,
		Assignment:        svc,
		Port:              cfg.Port,
		notifier:          notifier,
		stopJanitor:       startJanitor(dataStore, cfg),
		shutdownTelemetry: shutdown,
	}, nil
}

// startJanitor runs handoff retention in the background. The window never
// drops below the equity window.
func startJanitor(s store.Store, cfg *config.Config) context.CancelFunc {
	if cfg.Retention.Days <= 0 {
		log.Info().Msg("Handoff retention disabled")
		return func() {}
	}
	keep := time.Duration(cfg.Retention.Days) * 24 * time.Hour
	if keep < cfg.Routing.EquityWindow {
		log.Warn().Dur("retention", keep).Dur("equity_window", cfg.Routing.EquityWindow).
			Msg("Retention shorter than equity window, using equity window")
		keep = cfg.Routing.EquityWindow
	}

	var opts []retention.Option
	if cfg.Retention.ArchiveDir != "" {
		opts = append(opts, retention.WithArchiver(retention.NewLocalFileArchiver(cfg.Retention.ArchiveDir, cfg.Retention.Compress)))
	}
	ctx, cancel := context.WithCancel(context.Background())
	go retention.NewJanitor(s, cfg.Retention.Interval, keep, opts...).Start(ctx)
	return cancel
}

// Shutdown stops background work, drains pending events, flushes traces and
// closes the store.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	s.stopJanitor()
	if s.notifier != nil {
		if err := s.notifier.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("notify: %w", err))
		}
	}
	if err := s.shutdownTelemetry(ctx); err != nil {
		errs = append(errs, fmt.Errorf("telemetry: %w", err))
	}
	if err := s.Store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store: %w", err))
	}
	return errors.Join(errs...)
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.Database.URL == "" {
		log.Info().Str("data_dir", cfg.DataDir).Msg("In-memory store initialized")
		return store.NewMemoryStore(cfg.DataDir), nil
	}

	pg, err := store.NewPostgresStore(ctx, cfg.Database.URL, cfg.Database.MaxConnections)
	if err != nil {
		return nil, err
	}
	if err := pg.Migrate(ctx); err != nil {
		pg.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	log.Info().Msg("PostgreSQL store initialized")
	return pg, nil
}

// tableSource returns the routing table file when one is configured, else
// the built-in table with the configured thresholds.
func tableSource(ctx context.Context, cfg *config.Config) (router.TableSource, error) {
	if path := cfg.Routing.TableFile; path != "" {
		fs := router.NewFileSource(path, cfg.Routing.TableTTL, nil)
		t, err := fs.Table(ctx)
		if err != nil {
			return nil, fmt.Errorf("routing table %s: %w", path, err)
		}
		log.Info().Str("file", path).Str("version", t.Version).Msg("Routing table loaded")
		return fs, nil
	}

	t := router.DefaultTable()
	t.OverloadThreshold = cfg.Routing.OverloadThreshold
	t.FallbackPenalty = cfg.Routing.FallbackPenalty
	if cfg.Routing.FallbackTeamType != "" {
		t.FallbackTeamType = models.TeamType(cfg.Routing.FallbackTeamType)
	}
	if err := t.Compile(); err != nil {
		return nil, err
	}
	return router.StaticSource{T: t}, nil
}

func eventSinks(cfg *config.Config) ([]contracts.EventSink, error) {
	var sinks []contracts.EventSink
	if cfg.Events.WebhookURL != "" {
		sinks = append(sinks, notify.NewWebhookSink(cfg.Events.WebhookURL, cfg.Events.WebhookSecret))
	}
	if cfg.Events.AMQPURL != "" {
		sink, err := notify.NewAMQPSink(cfg.Events.AMQPURL, cfg.Events.AMQPExchange)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, sink)
	}
	return sinks, nil
}
