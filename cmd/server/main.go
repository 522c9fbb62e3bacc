package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kubilitics/kubilitics-perimeter/internal/alert"
	"github.com/kubilitics/kubilitics-perimeter/internal/api/middleware"
	"github.com/kubilitics/kubilitics-perimeter/internal/api/rest"
	"github.com/kubilitics/kubilitics-perimeter/internal/api/websocket"
	"github.com/kubilitics/kubilitics-perimeter/internal/audit"
	"github.com/kubilitics/kubilitics-perimeter/internal/config"
	"github.com/kubilitics/kubilitics-perimeter/internal/monitor"
	"github.com/kubilitics/kubilitics-perimeter/internal/pkg/logger"
	"github.com/kubilitics/kubilitics-perimeter/internal/pkg/tracing"
	"github.com/kubilitics/kubilitics-perimeter/internal/ratelimit"
	"github.com/kubilitics/kubilitics-perimeter/internal/repository"
	"github.com/kubilitics/kubilitics-perimeter/internal/scheduler"
	"github.com/kubilitics/kubilitics-perimeter/internal/signature"
	"github.com/kubilitics/kubilitics-perimeter/internal/upload"
	"github.com/kubilitics/kubilitics-perimeter/internal/waf"
)

func main() {
	fs := pflag.NewFlagSet("kubilitics-perimeter", pflag.ExitOnError)
	config.RegisterFlags(fs)
	_ = fs.Parse(os.Args[1:])

	cfg, err := config.Load(fs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		for _, e := range errs {
			fmt.Fprintln(os.Stderr, e)
		}
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("server exited with error", zap.Error(err))
		os.Exit(1)
	}
	log.Info("server exited gracefully")
}

// closers run in reverse registration order on shutdown.
type closers []func()

func (c *closers) add(fn func()) { *c = append(*c, fn) }

func (c closers) run() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	var cleanup closers
	defer cleanup.run()

	shutdownTracing, err := tracing.Init(ctx, tracing.Options{
		ServiceName:  cfg.Tracing.ServiceName,
		Endpoint:     cfg.Tracing.Endpoint,
		Protocol:     cfg.Tracing.Protocol,
		SamplingRate: cfg.Tracing.SamplingRate,
	})
	if err != nil {
		return fmt.Errorf("failed to init tracing: %w", err)
	}
	cleanup.add(func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			log.Warn("tracing shutdown failed", zap.Error(err))
		}
	})

	clock := clockwork.NewRealClock()
	sched := scheduler.New(clock, log)
	var checks []rest.Check

	// Alerts
	dispatcher, err := buildDispatcher(cfg.Alert, log, &cleanup)
	if err != nil {
		return err
	}

	mon := monitor.New(monitor.Options{
		Clock:      clock,
		Logger:     log,
		Dispatcher: dispatcher,
		MaxEvents:  cfg.Monitor.MaxEvents,
		Retention:  cfg.Monitor.Retention,
	})
	cleanup.add(mon.Close)
	mon.Register(sched)

	// Rate limit store
	var store ratelimit.Store
	switch cfg.RateLimit.Store {
	case "redis":
		rs, err := ratelimit.NewRedisStore(ctx, cfg.RateLimit.RedisURL, cfg.RateLimit.RedisPrefix)
		if err != nil {
			return err
		}
		cleanup.add(func() { _ = rs.Close() })
		checks = append(checks, rest.Check{Name: "redis", Ping: rs.Ping})
		store = rs
	default:
		ms := ratelimit.NewMemoryStore(clock)
		sched.Every("ratelimit-sweep", ratelimit.SweepInterval, func(context.Context) error {
			ms.Sweep()
			return nil
		})
		store = ms
	}

	// Firewall
	engine := signature.NewEngine()
	firewall := waf.New(waf.Options{
		Allowlist:          cfg.WAF.Allowlist,
		Denylist:           cfg.WAF.Denylist,
		BlockedAgents:      cfg.WAF.BlockedAgents,
		AutoBlockThreshold: cfg.WAF.AutoBlockThreshold,
		OffenderCapacity:   cfg.WAF.OffenderCapacity,
	}, engine, mon, log)
	var watcher *waf.PolicyWatcher
	if cfg.WAF.PolicyFile != "" {
		watcher = waf.NewPolicyWatcher(cfg.WAF.PolicyFile, firewall, mon, log)
		if err := watcher.Reload(); err != nil {
			return fmt.Errorf("failed to load waf policy: %w", err)
		}
	}

	// Event sinks
	if cfg.Audit.Enabled {
		auditLog, err := audit.New(cfg.Audit.Config)
		if err != nil {
			return fmt.Errorf("failed to open audit log: %w", err)
		}
		listener := monitor.Async("audit", 0, auditLog.Record, log)
		unsubscribe := mon.OnEvent(listener.Listen)
		cleanup.add(func() {
			unsubscribe()
			listener.Close()
			_ = auditLog.Close()
		})
	}

	var events repository.EventStore
	if cfg.Database.DSN != "" {
		repo, err := repository.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
		if err != nil {
			return err
		}
		sink := repository.NewSink(repo, log)
		unsubscribe := mon.OnEvent(sink.Record)
		cleanup.add(func() {
			unsubscribe()
			sink.Close()
			_ = repo.Close()
		})
		checks = append(checks, rest.Check{Name: "database", Ping: repo.Ping})
		events = repo
	}

	hub := websocket.NewHub(log)
	cleanup.add(mon.OnEvent(hub.Publish))

	// Uploads
	uploadStore, err := upload.NewLocalStore(cfg.Upload.Dir)
	if err != nil {
		return fmt.Errorf("failed to prepare upload dir: %w", err)
	}
	uploads := upload.NewService(upload.NewValidator(upload.DefaultCategories(), clock), uploadStore, mon, log)

	// Routes
	router := mux.NewRouter()
	rest.NewHealthzHandler(log, checks...).RegisterRoutes(router)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := router.PathPrefix("/api/v1").Subrouter()
	admin := api.NewRoute().Subrouter()
	admin.Use(middleware.AdminAuth(cfg.Admin.Token))
	rest.NewSecurityHandler(mon, firewall, events, log).RegisterRoutes(admin)
	rest.NewUploadHandler(uploads, log).RegisterRoutes(api)

	stream := router.NewRoute().Subrouter()
	stream.Use(middleware.AdminAuth(cfg.Admin.Token))
	websocket.NewHandler(hub, mon, cfg.CORS.AllowedOrigins, log).RegisterRoutes(stream)

	interceptor := middleware.NewInterceptor(middleware.InterceptorOptions{
		Limiter:      ratelimit.NewLimiter(store),
		Presets:      cfg.RateLimit.Presets,
		Firewall:     firewall,
		Engine:       engine,
		Monitor:      mon,
		Clock:        clock,
		Logger:       log,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		Headers: middleware.HeaderOptions{
			ConnectSrc: cfg.Headers.CSPConnectSrc,
			HSTS:       cfg.Headers.HSTS,
		},
		ExemptPaths: []string{"/healthz", "/metrics"},
	})

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.CORS.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "X-Admin-Token", "X-Request-ID", middleware.UserIDHeader},
		ExposedHeaders:   []string{"X-Request-ID", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: true,
	})

	var handler http.Handler = router
	handler = corsHandler.Handler(handler)
	handler = interceptor.Handler(handler)
	handler = middleware.StructuredLog(log, router)(handler)
	handler = middleware.Tracing(handler)
	handler = middleware.RequestID(handler)
	handler = middleware.Recover(log)(handler)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           handler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	sched.Start(gctx)
	cleanup.add(sched.Stop)

	g.Go(func() error { return hub.Run(gctx) })
	if watcher != nil {
		g.Go(func() error { return watcher.Run(gctx) })
	}
	g.Go(func() error {
		log.Info("server listening",
			zap.Int("port", cfg.Server.Port),
			zap.String("ratelimit_store", cfg.RateLimit.Store),
			zap.Bool("persistence", events != nil),
			zap.Bool("admin_api", cfg.Admin.Token != ""),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down server")
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// buildDispatcher chains the configured alert channels behind a rate limit.
// With no channel configured alerts go to alert.Nop.
func buildDispatcher(cfg config.AlertConfig, log *zap.Logger, cleanup *closers) (monitor.AlertDispatcher, error) {
	var chain alert.Multi
	if cfg.WebhookURL != "" {
		chain = append(chain, alert.NewWebhook(cfg.WebhookURL, cfg.WebhookFormat))
	}
	if cfg.AMQPURL != "" {
		pub, err := alert.NewAMQP(cfg.AMQPURL, cfg.AMQPExchange, log)
		if err != nil {
			return nil, fmt.Errorf("failed to connect alert broker: %w", err)
		}
		cleanup.add(func() { _ = pub.Close() })
		chain = append(chain, pub)
	}
	if len(chain) == 0 {
		return alert.Nop{}, nil
	}
	return alert.NewThrottled(chain, cfg.PerMinute, cfg.Burst, log), nil
}
