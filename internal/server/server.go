// Package server assembles the chat backend from configuration: persistence,
// auth, providers, the session registry, and the HTTP surface.
package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	_ "github.com/lib/pq"

	"github.com/lumachat/luma-backend/pkg/auth"
	"github.com/lumachat/luma-backend/pkg/chat"
	chatpostgres "github.com/lumachat/luma-backend/pkg/chat/postgres"
	"github.com/lumachat/luma-backend/pkg/completion"
	"github.com/lumachat/luma-backend/pkg/database/migrate"
	"github.com/lumachat/luma-backend/pkg/finalize"
	"github.com/lumachat/luma-backend/pkg/health"
	"github.com/lumachat/luma-backend/pkg/platform"
	"github.com/lumachat/luma-backend/pkg/provider"
	"github.com/lumachat/luma-backend/pkg/retrieval"
	"github.com/lumachat/luma-backend/pkg/session"
	"github.com/lumachat/luma-backend/pkg/stream"
)

// Version is set at build time.
var Version = "dev"

// Server is the assembled backend.
type Server struct {
	cfg      *platform.Config
	logger   *slog.Logger
	db       *sql.DB
	chats    chat.Store
	registry *session.Registry
	checker  *health.Checker
	httpSrv  *http.Server
}

// New builds a Server from configuration. The returned server owns its
// resources; callers must Close it.
func New(cfg *platform.Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	db, chats, err := openStore(cfg, logger)
	if err != nil {
		return nil, err
	}

	providers, err := buildProviders(cfg)
	if err != nil {
		_ = chats.Close()
		return nil, err
	}

	registry := session.NewRegistry(session.RegistryConfig{
		PerUserLimit: cfg.Streaming.PerUserSessionLimit,
		GracePeriod:  cfg.Streaming.GracePeriod,
		RetireAfter:  cfg.Streaming.RetireAfter,
		Mux: stream.MuxConfig{
			QueueBound: cfg.Streaming.SubscriberQueueBound,
			ReplaySize: cfg.Streaming.ReplayBufferSize,
		},
	}, logger)
	registry.StartSweeper()

	sink := finalize.NewSink(chats, finalize.Config{
		MaxRetries:  cfg.Finalize.MaxRetries,
		BackoffBase: cfg.Finalize.BackoffBase,
	}, logger)

	var retriever retrieval.Provider = retrieval.NewNoopProvider()
	if cfg.Retrieval.Enabled {
		retriever = retrieval.NewHTTPProvider(retrieval.HTTPConfig{
			BaseURL: cfg.Retrieval.BaseURL,
			APIKey:  cfg.Retrieval.APIKey,
			Timeout: cfg.Retrieval.Timeout,
			TopK:    cfg.Retrieval.TopK,
		})
	}

	service := completion.NewService(registry, providers, retriever, sink, chats, completion.Config{
		IdleTimeout:      cfg.Streaming.IdleTimeout,
		RetrievalEnabled: cfg.Retrieval.Enabled,
	}, logger)

	// A typed-nil *sql.DB must not reach the checker as a non-nil interface.
	var pinger health.Pinger
	if db != nil {
		pinger = db
	}
	checker := health.NewChecker(pinger)

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		db:       db,
		chats:    chats,
		registry: registry,
		checker:  checker,
	}
	s.httpSrv = &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           s.routes(service),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// routes mounts the HTTP surface. Health and version endpoints are public;
// everything under /api and /ws passes through the auth middleware.
func (s *Server) routes(service *completion.Service) http.Handler {
	public := http.NewServeMux()
	public.HandleFunc("GET /healthz", s.checker.LivenessHandler())
	public.HandleFunc("GET /readyz", s.checker.ReadinessHandler())
	public.HandleFunc("GET /health", s.checker.LivenessHandler())
	public.HandleFunc("GET /health/db", s.checker.DatabaseHandler())
	public.HandleFunc("GET /api/version", s.handleVersion)

	authed := http.NewServeMux()
	authed.HandleFunc("GET /api/models", s.handleModels(service))
	authed.HandleFunc("GET /api/chats/{id}", s.handleGetChat)
	authed.HandleFunc("GET /api/chats/{id}/messages", s.handleListMessages)
	completion.NewHandler(service, s.logger).Register(authed)

	middleware := auth.Middleware(s.authenticators(), s.cfg.Auth.AllowAnonymous)
	public.Handle("/api/", middleware(authed))
	public.Handle("/ws/", middleware(authed))
	return public
}

func (s *Server) authenticators() []auth.Authenticator {
	var authenticators []auth.Authenticator
	if s.cfg.Auth.JWT.Enabled {
		authenticators = append(authenticators, auth.NewJWTAuthenticator(auth.JWTConfig{
			SigningKey: []byte(s.cfg.Auth.JWT.SigningKey),
			Issuer:     s.cfg.Auth.JWT.Issuer,
		}))
	}
	if s.cfg.Auth.APIKeys.Enabled {
		keys := make([]auth.APIKey, 0, len(s.cfg.Auth.APIKeys.Keys))
		for _, k := range s.cfg.Auth.APIKeys.Keys {
			keys = append(keys, auth.APIKey{Name: k.Name, Hash: k.Hash, Scopes: k.Scopes})
		}
		authenticators = append(authenticators, auth.NewAPIKeyAuthenticator(auth.APIKeyConfig{Keys: keys}))
	}
	return authenticators
}

// Start runs the HTTP server until the context is cancelled, then drains
// connections within the configured shutdown timeout.
func (s *Server) Start(ctx context.Context) error {
	s.checker.SetServing()
	s.logger.Info("server listening",
		"address", s.cfg.Server.Address,
		"version", Version)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.checker.SetDraining()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()
	return s.httpSrv.Shutdown(shutdownCtx)
}

// Close releases the server's resources.
func (s *Server) Close() error {
	var errs []error
	if err := s.registry.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.chats.Close(); err != nil {
		errs = append(errs, err)
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"name":    s.cfg.Server.Name,
		"version": Version,
	})
}

func (s *Server) handleModels(service *completion.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"models": service.Models()})
	}
}

func (s *Server) handleGetChat(w http.ResponseWriter, r *http.Request) {
	c, err := s.chats.GetChat(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	messages, err := s.chats.ListMessages(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, chat.ErrChatNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": err.Error()})
		return
	}
	s.logger.Error("chat store request failed", "error", err)
	writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": "internal error"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// openStore opens the chat store. An empty DSN selects the in-memory store
// for development; otherwise Postgres is opened and migrations run.
func openStore(cfg *platform.Config, logger *slog.Logger) (*sql.DB, chat.Store, error) {
	if cfg.Database.DSN == "" {
		logger.Info("no database configured, using in-memory chat store")
		return nil, chat.NewMemoryStore(), nil
	}

	db, err := sql.Open("postgres", cfg.Database.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("pinging database: %w", err)
	}
	if err := migrate.Run(db); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("running migrations: %w", err)
	}
	return db, chatpostgres.New(db), nil
}

// buildProviders registers every configured provider and its models.
func buildProviders(cfg *platform.Config) (*provider.Registry, error) {
	registry := provider.NewRegistry()
	for _, pc := range cfg.Providers {
		client := provider.NewOpenAIClient(provider.OpenAIConfig{
			Name:           pc.Name,
			BaseURL:        pc.BaseURL,
			APIKey:         pc.APIKey,
			Headers:        pc.Headers,
			ConnectTimeout: pc.ConnectTimeout,
		})
		if err := registry.Register(client, pc.Models); err != nil {
			return nil, fmt.Errorf("registering provider %q: %w", pc.Name, err)
		}
	}
	return registry, nil
}
