// Package app wires the bazaar messaging server runtime: config, logging, storage,
// the live feed, HTTP routes and the WebSocket gateway.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"bazaar/cmd/identity"
	"bazaar/cmd/internal/messaging"
	messagingapi "bazaar/cmd/internal/messaging/api"
	"bazaar/cmd/internal/realtime"
)

// App is the server runtime: it owns storage, the live feed bridge and HTTP wiring.
type App struct {
	cfg Config
	log Logger

	pool  *pgxpool.Pool
	store messaging.Store
	rdb   *redis.Client

	hub   *realtime.Hub
	relay *realtime.RedisBridge

	registry *prometheus.Registry
	svc      *messaging.Service
	ws       *realtime.WSGateway
	api      *messagingapi.Handler
}

// New constructs a fully wired App instance from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	if err := ValidateSecurityConfig(cfg); err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, log: log, registry: prometheus.NewRegistry()}
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	ok := false
	defer func() {
		if !ok {
			a.closeResources()
		}
	}()

	msgMetrics, err := messaging.NewMetrics(a.registry)
	if err != nil {
		return nil, err
	}
	rtMetrics, err := realtime.NewMetrics(a.registry)
	if err != nil {
		return nil, err
	}

	var (
		listings messaging.ListingCatalog
		profiles messaging.ProfileDirectory
	)
	switch {
	case cfg.DatabaseURL == "" && cfg.BoltPath != "":
		a.store, err = messaging.OpenBoltStore(cfg.BoltPath)
		if err != nil {
			return nil, err
		}
		static := messaging.NewStaticCatalog()
		listings, profiles = static, static
		log.Info("db.disabled.bolt_store", "path", cfg.BoltPath)
	case cfg.DatabaseURL == "":
		log.Info("db.disabled.inmemory_store")
		a.store = messaging.NewInMemoryStore()
		static := messaging.NewStaticCatalog()
		listings, profiles = static, static
	default:
		a.pool, err = NewDBPool(ctx, cfg)
		if err != nil {
			return nil, err
		}
		a.store, err = messaging.NewPostgresStore(a.pool, messaging.WithSchema(cfg.DBSchema))
		if err != nil {
			return nil, err
		}
		catalog, err := messaging.NewPostgresCatalog(a.pool, cfg.DBSchema, cfg.PhotoBaseURL)
		if err != nil {
			return nil, err
		}
		listings, profiles = catalog, catalog
		log.Info("db.enabled.postgres_store", "schema", cfg.DBSchema, "auto_migrate", cfg.DBAutoMigrate)
	}

	a.hub = realtime.NewHub(log, realtime.WithHubMetrics(rtMetrics))
	var bridge realtime.Bridge = a.hub
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("app: BAZAAR_REDIS_URL: %w", err)
		}
		a.rdb = redis.NewClient(opts)
		if err := a.rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("app: redis ping: %w", err)
		}
		a.relay, err = realtime.NewRedisBridge(log, a.rdb, a.hub, cfg.RedisChannelPrefix, rtMetrics)
		if err != nil {
			return nil, err
		}
		bridge = a.relay
		log.Info("feed.redis.enabled", "prefix", cfg.RedisChannelPrefix)
	} else {
		log.Info("feed.local_only")
	}

	a.svc, err = messaging.NewService(a.store,
		messaging.WithPublisher(bridge),
		messaging.WithCatalog(listings),
		messaging.WithProfiles(profiles),
		messaging.WithLogger(log),
		messaging.WithMetrics(msgMetrics),
	)
	if err != nil {
		return nil, err
	}

	auth, err := newAuthenticator(cfg)
	if err != nil {
		return nil, err
	}
	if !cfg.RequireAuth {
		log.Warn("auth.dev_mode", "header", identity.DevUserHeader)
	}

	gw := realtime.DefaultGatewayConfig()
	gw.AllowedOrigins = cfg.WSAllowedOrigins
	gw.OriginRequired = cfg.WSOriginRequired
	gw.InsecureSkipVerify = cfg.WSInsecureSkipVerify
	if cfg.WSSendQueueSize > 0 {
		gw.SendQueueSize = cfg.WSSendQueueSize
	}
	if cfg.WSReadIdleTimeout > 0 {
		gw.ReadIdleTimeout = cfg.WSReadIdleTimeout
	}
	if cfg.WSHeartbeatEvery > 0 {
		gw.HeartbeatEvery = cfg.WSHeartbeatEvery
	}
	if cfg.WSRateEvents > 0 {
		gw.RateEvents = cfg.WSRateEvents
	}
	if cfg.WSRateWindow > 0 {
		gw.RateWindow = cfg.WSRateWindow
	}
	a.ws, err = realtime.NewWSGateway(log, bridge, a.svc, auth, gw, rtMetrics)
	if err != nil {
		return nil, err
	}

	a.api, err = messagingapi.NewHandler(log, a.svc, auth, messagingapi.LoadConfigFromEnv())
	if err != nil {
		return nil, err
	}

	ok = true
	return a, nil
}

// Service exposes the wired messaging service.
func (a *App) Service() *messaging.Service { return a.svc }

// Handler returns the full HTTP handler chain.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, a)
	return WithRequestLogging(WithSecurityHeaders(WithCORS(mux, a.cfg, a.log)), a.log)
}

// Run starts the HTTP server (and the Redis relay when configured) and blocks until
// context cancellation or a fatal error.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	base := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"http", base,
		"ws", wsBaseURL(base)+"/ws",
		"db_enabled", a.pool != nil,
		"redis_enabled", a.relay != nil,
	)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	if a.relay != nil {
		go func() {
			if err := a.relay.Run(runCtx); err != nil {
				errCh <- err
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case runErr = <-errCh:
		a.log.Error("server.fail", "err", runErr)
	}
	cancel()

	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		if runErr == nil {
			runErr = err
		}
	}
	a.closeResources()

	a.log.Info("server.stopped")
	return runErr
}

// closeResources releases the feed, the Redis client and the pool, in that order.
func (a *App) closeResources() {
	if a.hub != nil {
		_ = a.hub.Close()
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Warn("redis.close.fail", "err", err)
		}
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// runtimeBaseURL turns a listen address into a URL a local client can dial.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

// wsBaseURL maps an http(s) base URL to ws(s).
func wsBaseURL(base string) string {
	u, err := url.Parse(base)
	if err != nil || u.Host == "" {
		return "ws://" + strings.TrimPrefix(base, "//")
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	return u.String()
}
