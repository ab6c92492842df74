// Package server assembles the HTTP surface and the long-running services
// behind it: discovery, the session registry, the media library, and the
// profile store.
package server

import (
	"context"
	"log"
	"net/http"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/playto/hub/internal/api"
	"github.com/playto/hub/internal/config"
	"github.com/playto/hub/internal/db"
	"github.com/playto/hub/internal/discovery"
	"github.com/playto/hub/internal/library"
	"github.com/playto/hub/internal/playto"
	"github.com/playto/hub/internal/profile"
	"github.com/playto/hub/internal/session"
	"github.com/playto/hub/internal/upnp/soap"
)

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// requestLoggerMiddleware logs all incoming HTTP requests
func requestLoggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		log.Printf("%s %s %d %s", r.Method, r.URL.Path, wrapped.status, time.Since(start).Round(time.Millisecond))
	})
}

// Options controls server wiring.
type Options struct {
	DisableDiscovery bool
}

// NewHandler builds the HTTP handler and returns a shutdown function.
func NewHandler(cfg config.Config, options Options) (http.Handler, func(context.Context) error, error) {
	log.Printf("Using database: %s", cfg.SQLiteDBPath)
	dbPair, err := db.Init(cfg.SQLiteDBPath)
	if err != nil {
		return nil, nil, err
	}

	router := chi.NewRouter()
	router.Use(middleware.StripSlashes)
	router.Use(requestLoggerMiddleware)
	router.Use(api.RequestIDMiddleware)
	router.Use(api.RecovererMiddleware)

	registerHealthRoutes(router)

	lib := library.New(cfg.MediaDir)
	if err := lib.Scan(); err != nil {
		log.Printf("LIBRARY: initial scan: %v", err)
	}
	library.RegisterRoutes(router, lib)

	profileRepo := profile.NewRepository(dbPair)
	profile.RegisterRoutes(router, profileRepo)

	sessions := session.NewManager()
	router.Get("/v1/sessions/ws", sessions.HandleWS)

	timeout := time.Duration(cfg.CommunicationTimeoutMs) * time.Millisecond
	soapClient := soap.NewClient(timeout, cfg.UserAgent, cfg.FriendlyName)
	subsClient := soap.NewSubscriptionClient(timeout, cfg.UserAgent)

	registry := playto.NewRegistry(soapClient, subsClient, profileRepo, sessions, lib, playto.RegistryOptions{
		ServerURL:            cfg.ServerURL,
		CommunicationTimeout: timeout,
		QueueInterval:        time.Duration(cfg.QueueProcessingIntervalMs) * time.Millisecond,
		PollInterval:         time.Duration(cfg.DevicePollingIntervalMs) * time.Millisecond,
		PhotoTransition:      time.Duration(cfg.PhotoTransitionSec) * time.Second,
		MaxResumePct:         float64(cfg.MaxResumePct),
	})
	playto.RegisterRoutes(router, registry)

	monitor := discovery.NewMonitor(registry, discovery.Options{
		InitialDelay:     time.Duration(cfg.ClientDiscoveryInitialSec) * time.Second,
		RescanInterval:   time.Duration(cfg.ClientDiscoveryIntervalSec) * time.Second,
		PortRange:        cfg.UDPPortRange,
		StaticDevices:    cfg.StaticDevices,
		DisableDiscovery: cfg.DisableDiscovery || options.DisableDiscovery,
		EnableTracing:    cfg.EnableSSDPTracing,
		TracingFilter:    cfg.SSDPTracingFilter,
	})

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	if err := monitor.Start(shutdownCtx); err != nil {
		shutdownCancel()
		dbPair.Close()
		return nil, nil, err
	}

	shutdown := func(ctx context.Context) error {
		shutdownCancel()
		monitor.Stop()
		registry.Shutdown()
		sessions.Close()
		if ctx == nil {
			ctx = context.Background()
		}
		return dbPair.Close()
	}

	return router, shutdown, nil
}

func registerHealthRoutes(router chi.Router) {
	router.Method(http.MethodGet, "/v1/health", api.Handler(func(w http.ResponseWriter, r *http.Request) error {
		response := map[string]any{
			"status":    "healthy",
			"service":   "playto-hub",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		}
		return api.WriteJSON(w, http.StatusOK, response)
	}))
	router.Method(http.MethodGet, "/v1/health/live", api.Handler(func(w http.ResponseWriter, r *http.Request) error {
		return api.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	}))
	router.Method(http.MethodGet, "/v1/health/ready", api.Handler(func(w http.ResponseWriter, r *http.Request) error {
		return api.WriteJSON(w, http.StatusOK, map[string]any{"status": "ready"})
	}))
}
