package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"hrmpay/internal/domain/attendance"
	"hrmpay/internal/domain/audit"
	"hrmpay/internal/domain/auth"
	"hrmpay/internal/domain/directory"
	"hrmpay/internal/domain/distribution"
	"hrmpay/internal/domain/payroll"
	"hrmpay/internal/domain/payslip"
	"hrmpay/internal/platform/authz"
	"hrmpay/internal/platform/config"
	"hrmpay/internal/platform/crypto"
	"hrmpay/internal/platform/db"
	"hrmpay/internal/platform/email"
	"hrmpay/internal/platform/jobs"
	"hrmpay/internal/platform/lock"
	"hrmpay/internal/platform/metrics"
	audithandler "hrmpay/internal/transport/http/handlers/audit"
	payrollhandler "hrmpay/internal/transport/http/handlers/payroll"
	"hrmpay/internal/transport/http/api"
	"hrmpay/internal/transport/http/middleware"
)

type App struct {
	Config  config.Config
	DB      *pgxpool.Pool
	Redis   *redis.Client
	Router  http.Handler
	Jobs    *jobs.Service
	Metrics *metrics.Collector
}

// New connects the stores and collaborators and builds the router. It does
// not start background jobs or listen.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	pool, err := db.Connect(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	app := &App{Config: cfg, DB: pool, Metrics: metrics.New()}

	if cfg.RunMigrations {
		if err := db.Migrate(ctx, pool, cfg.MigrationsDir); err != nil {
			app.Close()
			return nil, fmt.Errorf("migrations: %w", err)
		}
	}

	policies, err := payroll.LoadPolicySet(cfg.DeductionPolicyPath)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("deduction policy: %w", err)
	}
	perms, err := authz.NewAuthorizer(cfg.AuthzModelPath, cfg.AuthzPolicyPath)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("authz: %w", err)
	}
	sealer, err := crypto.New(cfg.DataEncryptionKey)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("data encryption key: %w", err)
	}

	var locker lock.Locker = lock.NewLocalLocker()
	if cfg.RedisAddr != "" {
		app.Redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err := app.Redis.Ping(ctx).Err(); err != nil {
			app.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		locker = lock.NewRedisLocker(app.Redis)
	}

	store := payroll.NewStore(pool)
	employees := directory.NewStore(pool)
	resolver := payroll.NewResolver(employees, attendance.NewStore(pool), policies, cfg.ResolveWorkers)
	registry := payroll.NewRegistry(store, resolver, cfg.ReportingCurrency)
	materializer := payslip.NewMaterializer(cfg.Organization)
	dispatcher := distribution.NewDispatcher(store, materializer, email.New(cfg), distribution.Options{
		Workers:     cfg.DistributionWorkers,
		MaxAttempts: cfg.DistributionMaxAttempts,
		Locker:      locker,
		Archive:     payslip.NewArchive(cfg.PayslipArchiveDir, sealer),
		Metrics:     app.Metrics,
	})
	app.Jobs = jobs.New(pool, cfg, dispatcher)
	trail := audit.New(pool)

	handler := &payrollhandler.Handler{
		Registry:    registry,
		Resolver:    resolver,
		Dispatcher:  dispatcher,
		Exporter:    materializer,
		Employees:   employees,
		Audit:       trail,
		Jobs:        app.Jobs,
		Metrics:     app.Metrics,
		Perms:       perms,
		Idempotency: middleware.NewIdempotencyStore(pool),
	}
	app.Router = app.routes(handler, audithandler.NewHandler(trail, perms), perms)
	return app, nil
}

func (a *App) routes(payrollRoutes *payrollhandler.Handler, auditRoutes *audithandler.Handler, perms middleware.PermissionStore) http.Handler {
	cfg := a.Config
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(middleware.Logger(a.Metrics))
	router.Use(middleware.SecureHeaders(cfg.Environment == "production"))
	router.Use(middleware.BodyLimit(cfg.MaxBodyBytes))
	router.Use(middleware.Auth(cfg.JWTSecret))
	router.Use(middleware.RateLimit(cfg.RateLimitPerMinute, time.Minute))
	router.Use(middleware.SensitiveMutationRateLimit(cfg.RateLimitPerMinute, time.Minute))

	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	router.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.DB.Ping(ctx); err != nil {
			http.Error(w, "db not ready", http.StatusServiceUnavailable)
			return
		}
		if a.Redis != nil {
			if err := a.Redis.Ping(ctx).Err(); err != nil {
				http.Error(w, "redis not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	if cfg.MetricsEnabled {
		router.With(middleware.RequirePermission(auth.PermSystemMetrics, perms)).Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
			api.Success(w, a.Metrics.Snapshot(), middleware.GetRequestID(r.Context()))
		})
	}

	router.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RequireUser)
		payrollRoutes.RegisterRoutes(r)
		auditRoutes.RegisterRoutes(r)
	})
	return router
}

func (a *App) Close() {
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			slog.Warn("redis close failed", "err", err)
		}
	}
	if a.DB != nil {
		a.DB.Close()
	}
}

// Run loads configuration, serves until SIGINT or SIGTERM and drains in-flight
// requests before returning.
func Run() error {
	cfg := config.Load()
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := New(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	app.Jobs.Start(ctx)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           app.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("payroll server listening", "addr", cfg.Addr, "env", cfg.Environment)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
