// Package server provides the public entry point for initializing the
// AegisGate gateway.
//
// This package exists in pkg/ (not internal/) so that deployments embedding
// the gateway can compose it with their own outer middleware:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(":8090", srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/aegisgate/aegisgate/internal/api"
	"github.com/aegisgate/aegisgate/internal/api/handlers"
	"github.com/aegisgate/aegisgate/internal/audit"
	"github.com/aegisgate/aegisgate/internal/config"
	"github.com/aegisgate/aegisgate/internal/gateway"
	"github.com/aegisgate/aegisgate/internal/notify"
	"github.com/aegisgate/aegisgate/internal/retention"
	"github.com/aegisgate/aegisgate/internal/scanner"
	"github.com/aegisgate/aegisgate/internal/sessions"
	"github.com/aegisgate/aegisgate/internal/store"
	"github.com/aegisgate/aegisgate/internal/telemetry"
)

// Server holds the initialized AegisGate gateway.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the data store (in-memory without DATABASE_URL).
	Store store.Store

	// Port is the port the server should listen on.
	Port int

	tracker      *sessions.Tracker
	sink         *audit.Sink
	janitor      *retention.Janitor
	shutdownOTEL func(context.Context) error
}

// New initializes all gateway components from environment configuration.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the gateway with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	shutdown, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	dataStore, err := buildStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	// The policy file seeds tenant policies and custom chain rules; with a
	// database configured the dashboard owns policies instead.
	var rules []scanner.ChainRule
	if cfg.PolicyFile != "" {
		pf, err := store.LoadPolicyFile(cfg.PolicyFile)
		if err != nil {
			return nil, fmt.Errorf("load policy file: %w", err)
		}
		rules = pf.Rules
		for _, entry := range pf.Policies {
			if err := dataStore.UpsertPolicy(ctx, entry.Policy()); err != nil {
				return nil, fmt.Errorf("seed policy %q: %w", entry.Name, err)
			}
		}
		log.Info().
			Int("policies", len(pf.Policies)).
			Int("rules", len(pf.Rules)).
			Str("file", cfg.PolicyFile).
			Msg("✅ Policy file loaded")
	}

	tracker := sessions.NewTracker(cfg.Session)
	pipeline := scanner.DefaultPipeline(rules)
	notifier := notify.NewAlertNotifier(cfg.Alert)
	sink := audit.NewSink(dataStore, notifier)
	fwd := gateway.NewForwarder(cfg, dataStore, tracker, pipeline, sink)

	var archiver retention.Archiver
	if cfg.Retention.ArchiveDir != "" {
		archiver = retention.NewLocalFileArchiver(cfg.Retention.ArchiveDir, cfg.Retention.Compress)
	}
	janitor := retention.NewJanitor(dataStore, archiver, cfg.Retention)
	janitor.Start()

	h := handlers.New(dataStore, tracker, fwd, pipeline.DetectorIDs())
	router := api.NewRouter(cfg, dataStore, fwd, h)

	log.Info().Strs("detectors", pipeline.DetectorIDs()).Msg("✅ Scanner pipeline initialized")

	return &Server{
		Handler:      router,
		Store:        dataStore,
		Port:         cfg.Port,
		tracker:      tracker,
		sink:         sink,
		janitor:      janitor,
		shutdownOTEL: shutdown,
	}, nil
}

// Close stops background workers and drains pending audit writes. Call it
// after the HTTP server has stopped accepting requests, so every in-flight
// request reaches its audited stage first.
func (s *Server) Close(ctx context.Context) error {
	s.tracker.Close()
	s.sink.Close()
	s.janitor.Close()
	if err := s.shutdownOTEL(ctx); err != nil {
		log.Warn().Err(err).Msg("telemetry shutdown failed")
	}
	return s.Store.Close()
}

func buildStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.Database.URL == "" {
		log.Info().Msg("✅ In-memory store initialized")
		return store.NewMemoryStore(), nil
	}

	pg, err := store.NewPostgresStore(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	log.Info().Msg("✅ PostgreSQL store initialized")
	return pg, nil
}
