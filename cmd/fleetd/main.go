// fleetd: e-scooter fleet backend
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	fleetapi "github.com/d9705996/fleetd/internal/api"
	"github.com/d9705996/fleetd/internal/api/handler"
	"github.com/d9705996/fleetd/internal/api/middleware"
	"github.com/d9705996/fleetd/internal/auth"
	"github.com/d9705996/fleetd/internal/config"
	"github.com/d9705996/fleetd/internal/db"
	"github.com/d9705996/fleetd/internal/health"
	"github.com/d9705996/fleetd/internal/mail"
	"github.com/d9705996/fleetd/internal/observability"
	"github.com/d9705996/fleetd/internal/outbox"
	"github.com/d9705996/fleetd/internal/seed"
	"github.com/d9705996/fleetd/internal/service"
	"github.com/d9705996/fleetd/internal/version"
	"github.com/d9705996/fleetd/internal/worker"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()
	if *showVersion {
		fmt.Println(version.String())
		return
	}
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Observability -------------------------------------------------------
	obs, log, err := observability.New(ctx, &observability.Config{
		ServiceName:    "fleetd",
		ServiceVersion: version.Version,
		LogLevel:       cfg.Log.Level,
		LogFormat:      cfg.Log.Format,
		OTLPEndpoint:   cfg.OTel.OTLPEndpoint,
		SampleRatio:    cfg.OTel.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init observability: %w", err)
	}
	defer obs.Shutdown(context.Background())
	slog.SetDefault(log)
	log.Info("starting fleetd", "version", version.Version, "commit", version.Commit, "db_driver", cfg.DB.Driver)

	// Stored timestamps are compared as values; keep them in one zone.
	now := func() time.Time { return time.Now().UTC() }

	// --- Database ------------------------------------------------------------
	store, err := db.Open(ctx, &cfg.DB, log)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer store.Close()
	gormDB, pool := store.Gorm, store.Pool
	log.Info("database ready", "driver", cfg.DB.Driver)

	// --- Seed admin ----------------------------------------------------------
	if _, err := seed.EnsureAdmin(ctx, gormDB, auth.NewHasher(cfg.Auth.BcryptCost), seed.AdminOptions{
		Email:    cfg.App.SeedAdminEmail,
		Password: cfg.App.SeedAdminPassword,
	}, log); err != nil {
		return fmt.Errorf("seed admin: %w", err)
	}

	// --- Side channels -------------------------------------------------------
	mailer := mail.New(cfg.Mail, log)
	deliverer := outbox.NewDispatch(outbox.NewLogDeliverer(log)).
		Route(outbox.ChannelEmail, outbox.NewMailDeliverer(mailer)).
		Route(outbox.ChannelPush, outbox.NewPushDeliverer(service.NewDeviceDirectory(gormDB), outbox.NewLogDeliverer(log)))

	// --- Worker queue --------------------------------------------------------
	// River migrations only run when Postgres is available.
	if pool != nil {
		if err := worker.MigrateRiver(ctx, pool); err != nil {
			return fmt.Errorf("river migrations: %w", err)
		}
		log.Info("river migrations applied")
	}

	wq, err := worker.New(ctx, pool, worker.Options{
		Driver:        cfg.DB.Driver,
		Concurrency:   cfg.Worker.Concurrency,
		SweepInterval: cfg.Worker.SweepInterval,
		Deliverer:     deliverer,
		Sessions:      auth.NewSessionStore(gormDB, now),
	}, log)
	if err != nil {
		return fmt.Errorf("create worker: %w", err)
	}
	if err := wq.Start(ctx); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := wq.Stop(stopCtx); err != nil {
			log.Error("worker stop error", "err", err)
		}
	}()

	notifier, closeNotifier, err := newNotifier(cfg, wq, deliverer, log)
	if err != nil {
		return fmt.Errorf("create notifier: %w", err)
	}
	defer closeNotifier()

	// --- Rate limiter --------------------------------------------------------
	var rdb *redis.Client
	if cfg.RateLimit.Enabled {
		rdb, err = middleware.NewRedisClient(ctx, cfg.RateLimit.RedisURL)
		if err != nil {
			// The limiter fails open; start without it rather than refuse traffic.
			log.Warn("redis unavailable, rate limiting disabled", "error", err)
		} else {
			defer rdb.Close()
		}
	}

	// --- HTTP routes ---------------------------------------------------------
	deps := service.NewDeps(gormDB, cfg, now, mailer, notifier, log)
	checks := []health.Check{{Name: "database", Pinger: store}}
	if rdb != nil {
		checks = append(checks, health.Check{Name: "redis", Pinger: health.PingFunc(func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		})})
	}

	mux := http.NewServeMux()
	fleetapi.RegisterRoutes(mux, fleetapi.Handlers{
		Health:      health.New(log, checks...),
		Auth:        handler.NewAuthHandler(service.NewAccounts(deps), log),
		Credentials: handler.NewCredentialsHandler(service.NewCredentials(deps)),
		Jobs:        handler.NewJobsHandler(service.NewJobs(deps)),
		Workshops:   handler.NewWorkshopsHandler(service.NewWorkshops(deps)),
		Scooters:    handler.NewScootersHandler(service.NewScooters(deps)),
		Users:       handler.NewUsersHandler(service.NewUsers(deps)),
		Pins:        handler.NewPinsHandler(service.NewPins(deps)),
		Terms:       handler.NewTermsHandler(service.NewTerms(deps)),
		Devices:     handler.NewDevicesHandler(service.NewDevices(deps)),
	}, auth.NewValidator(gormDB, deps.Sessions, now), cfg.HTTP.MaxBodyBytes, log)
	// Prometheus metrics endpoint
	mux.Handle("GET /metrics", promhttp.Handler())

	srv := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler: fleetapi.Chain(mux,
			middleware.CORS(cfg.HTTP.AllowedOrigins),
			middleware.RateLimit(cfg.RateLimit, rdb, log),
		),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// --- Start server --------------------------------------------------------
	log.Info("http server listening", "addr", srv.Addr)
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
		log.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	log.Info("server stopped cleanly")
	return nil
}

// newNotifier picks the outbox transport: an AMQP queue when configured,
// River jobs on Postgres, otherwise in-process delivery. The returned func
// releases it on shutdown.
func newNotifier(cfg *config.Config, wq worker.Queue, d outbox.Deliverer, log *slog.Logger) (outbox.Notifier, func(), error) {
	if cfg.Outbox.AMQPURL != "" {
		// Delivered in-process while the broker is unreachable.
		fallback := outbox.NewAsync(d, log)
		a, err := outbox.DialAMQP(cfg.Outbox.AMQPURL, cfg.Outbox.Queue, fallback, log)
		if err != nil {
			return nil, nil, err
		}
		log.Info("outbox using amqp", "queue", cfg.Outbox.Queue)
		return a, func() {
			if err := a.Close(); err != nil {
				log.Warn("close amqp", "error", err)
			}
			fallback.Wait()
		}, nil
	}
	if rc, ok := wq.(*worker.Client); ok {
		log.Info("outbox using river")
		return outbox.NewRiver(rc.River(), log), func() {}, nil
	}
	async := outbox.NewAsync(d, log)
	return async, async.Wait, nil
}
