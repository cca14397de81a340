package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/example/ride-sync/internal/arbiter"
	"github.com/example/ride-sync/internal/auth"
	"github.com/example/ride-sync/internal/broadcast"
	"github.com/example/ride-sync/internal/config"
	"github.com/example/ride-sync/internal/coordinator"
	"github.com/example/ride-sync/internal/dispatch"
	"github.com/example/ride-sync/internal/eta"
	"github.com/example/ride-sync/internal/geo"
	httpapi "github.com/example/ride-sync/internal/http"
	"github.com/example/ride-sync/internal/ingest"
	"github.com/example/ride-sync/internal/logging"
	"github.com/example/ride-sync/internal/storage"
)

type rideDriverStore interface {
	storage.RideStore
	storage.DriverStore
}

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.ServerConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var store rideDriverStore
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer ps.Close()
		if cfg.RunMigrations {
			if err := migrate(ctx, ps, cfg.MigrationsDir, logger); err != nil {
				return err
			}
		}
		store = ps
	} else {
		logger.Warn("PG_DSN not set, using in-memory store")
		store = storage.NewMemoryStore()
	}

	var index geo.Geo
	if cfg.RedisAddr != "" {
		rg := geo.NewRedisGeo(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey, cfg.BroadcastRadiusM, logging.Component(logger, "geo"))
		defer rg.Close()
		if err := rg.Ping(ctx); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		index = rg
	} else {
		index = geo.NewIndex(cfg.BroadcastRadiusM)
	}

	estimator := &eta.Estimator{Cache: eta.NewCache(cfg.ETACacheTTL), DefaultSpeedMps: cfg.DefaultSpeedMps}
	if cfg.OSRMURL != "" {
		estimator.Client = eta.NewOSRMClient(cfg.OSRMURL)
	}

	var pubs ingest.Multi
	if len(cfg.KafkaBrokers) > 0 {
		pubs = append(pubs, ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaLocationTopic, cfg.KafkaRideTopic))
	}
	if cfg.AMQPURL != "" {
		ap, err := ingest.NewAMQPPublisher(cfg.AMQPURL, logging.Component(logger, "amqp"))
		if err != nil {
			return err
		}
		pubs = append(pubs, ap)
	}
	var events ingest.Publisher = ingest.Nop{}
	if len(pubs) > 0 {
		events = pubs
	}
	defer events.Close()

	wsreg := dispatch.NewWSRegistry(logging.Component(logger, "ws"))
	coordLogger := logging.Component(logger, "coordinator")
	coord := &coordinator.Coordinator{
		Rides:   store,
		Drivers: store,
		Geo:     index,
		Arbiter: &arbiter.Arbiter{Rides: store, Drivers: store, Logger: logging.Component(logger, "arbiter"), RequestTTL: cfg.RequestTTL},
		Broadcast: &broadcast.Service{
			Geo:     index,
			Notify:  wsreg,
			ETA:     estimator,
			Logger:  logging.Component(logger, "broadcast"),
			TopN:    cfg.BroadcastTopN,
			TTL:     cfg.RequestTTL,
			RadiusM: cfg.BroadcastRadiusM,
		},
		Notify:     wsreg,
		Events:     events,
		Logger:     coordLogger,
		RequestTTL: cfg.RequestTTL,
	}

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(coord, wsreg, auth.NewTokens(cfg.JWTSecret), logger),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		coord.RunExpiry(gctx, cfg.ExpirySweep)
		return nil
	})
	g.Go(func() error {
		logger.Info("ride-sync listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		logger.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// migrate applies every .sql file under dir in lexical order. Statements are
// written to be idempotent.
func migrate(ctx context.Context, ps *storage.PostgresStore, dir string, logger *slog.Logger) error {
	files, err := filepath.Glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		return err
	}
	sort.Strings(files)
	for _, f := range files {
		b, err := os.ReadFile(f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := ps.DB().ExecContext(ctx, string(b)); err != nil {
			return fmt.Errorf("apply migration %s: %w", f, err)
		}
		logger.Info("migration applied", "file", filepath.Base(f))
	}
	return nil
}
