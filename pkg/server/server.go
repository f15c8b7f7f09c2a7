// Package server provides the public entry point for initializing the
// bot core server.
//
// This package exists in pkg/ (not internal/) so a transport adapter
// living in its own module can embed the core instead of calling it
// over HTTP:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/infobot/infobot/internal/api"
	"github.com/infobot/infobot/internal/api/handlers"
	"github.com/infobot/infobot/internal/config"
	"github.com/infobot/infobot/internal/conversation"
	"github.com/infobot/infobot/internal/dispatch"
	"github.com/infobot/infobot/internal/feature"
	"github.com/infobot/infobot/internal/images"
	"github.com/infobot/infobot/internal/llm"
	"github.com/infobot/infobot/internal/quota"
	"github.com/infobot/infobot/internal/ratelimit"
	"github.com/infobot/infobot/internal/retention"
	"github.com/infobot/infobot/internal/store"
	"github.com/infobot/infobot/internal/telemetry"
)

// Server holds the initialized bot core.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the data store backing the core.
	Store store.Store

	// Dispatcher routes inbound events; exposed so an embedding
	// transport adapter can call it directly.
	Dispatcher *dispatch.Dispatcher

	// Janitor purges old exchange and audit rows. main starts it with
	// a context canceled on shutdown.
	Janitor *retention.Janitor

	// Config is the loaded configuration.
	Config *config.Config

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc should be called on graceful shutdown to flush telemetry.
	ShutdownFunc func(context.Context) error
}

// New initializes all components from the environment and returns a
// ready Server.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the bot core with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	shutdown, err := telemetry.Init(cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	dataStore, err := newStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	objects, err := newObjectStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	gateway := llm.NewOpenAIGateway(cfg.LLM.BaseURL, cfg.LLM.APIKey, cfg.LLM.Timeout)

	conversations := conversation.NewStore()
	gate := feature.NewGate(dataStore, dataStore)
	ledger := quota.NewLedger(dataStore, cfg.Limits.DefaultQuota)

	orchestrator := llm.NewOrchestrator(llm.Config{
		Gate:         gate,
		Ledger:       ledger,
		Store:        dataStore,
		Objects:      objects,
		Conversation: conversations,
		Gateway:      gateway,
		DefaultModel: cfg.LLM.DefaultModel,
		Contact:      cfg.LLM.SupportContact,
	})

	dispatcher := dispatch.New(dispatch.Config{
		Store:         dataStore,
		Limiter:       ratelimit.New(cfg.Limits.RateLimit, cfg.Limits.RateWindow),
		Conversations: conversations,
		Gate:          gate,
		Ledger:        ledger,
		Orchestrator:  orchestrator,
		SuperuserID:   cfg.SuperuserID,
	})

	h := handlers.New(dataStore, dispatcher)
	router := api.NewRouter(cfg, h)

	if cfg.SuperuserID == "" {
		log.Warn().Msg("no superuser configured; admin surface is unreachable")
	}

	janitor := retention.NewJanitor(dataStore,
		cfg.Retention.Interval, cfg.Retention.ExchangeDays, cfg.Retention.AuditDays)

	return &Server{
		Handler:      router,
		Store:        dataStore,
		Dispatcher:   dispatcher,
		Janitor:      janitor,
		Config:       cfg,
		Port:         cfg.Port,
		ShutdownFunc: shutdown,
	}, nil
}

func newStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.Database.URL == "" {
		log.Info().Msg("in-memory store initialized")
		return store.NewMemoryStore(), nil
	}
	s, err := store.NewPostgresStore(ctx, cfg.Database.URL, cfg.Database.MaxConnections)
	if err != nil {
		return nil, fmt.Errorf("init postgres store: %w", err)
	}
	return s, nil
}

func newObjectStore(ctx context.Context, cfg *config.Config) (images.ObjectStore, error) {
	if cfg.Objects.Endpoint == "" {
		log.Info().Msg("in-memory object store initialized")
		return images.NewMemoryObjectStore(), nil
	}
	s, err := images.NewMinioStore(ctx, images.MinioConfig{
		Endpoint:  cfg.Objects.Endpoint,
		AccessKey: cfg.Objects.AccessKey,
		SecretKey: cfg.Objects.SecretKey,
		Bucket:    cfg.Objects.Bucket,
		UseSSL:    cfg.Objects.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("init object store: %w", err)
	}
	log.Info().Str("endpoint", cfg.Objects.Endpoint).Msg("object store initialized")
	return s, nil
}
