package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	flock "github.com/absmach/flock"
	"github.com/absmach/flock/clients"
	"github.com/absmach/flock/coordinator"
	"github.com/absmach/flock/coordinator/api"
	"github.com/absmach/flock/job"
	"github.com/absmach/flock/pkg/fl"
	pkgmqtt "github.com/absmach/flock/pkg/mqtt"
	"github.com/absmach/flock/pkg/storage"
	"github.com/absmach/flock/security"
)

const httpShutdownTimeout = 5 * time.Second

var logLevel slog.Level

type config struct {
	LogLevel          string        `env:"COORDINATOR_LOG_LEVEL"          envDefault:"info"`
	InstanceID        string        `env:"COORDINATOR_INSTANCE_ID"        envDefault:""`
	HTTPAddr          string        `env:"COORDINATOR_HTTP_ADDR"          envDefault:":8080"`
	ConfigPath        string        `env:"COORDINATOR_CONFIG_PATH"        envDefault:"config.toml"`
	MQTTAddress       string        `env:"COORDINATOR_MQTT_ADDRESS"       envDefault:"tcp://localhost:1883"`
	MQTTTimeout       time.Duration `env:"COORDINATOR_MQTT_TIMEOUT"       envDefault:"30s"`
	MQTTQoS           uint8         `env:"COORDINATOR_MQTT_QOS"           envDefault:"2"`
	RedisURL          string        `env:"COORDINATOR_REDIS_URL"          envDefault:""`
	HeartbeatInterval time.Duration `env:"COORDINATOR_HEARTBEAT_INTERVAL" envDefault:"10s"`
	HeartbeatTimeout  time.Duration `env:"COORDINATOR_HEARTBEAT_TIMEOUT"  envDefault:"50s"`
	TrainingTimeout   time.Duration `env:"COORDINATOR_TRAINING_TIMEOUT"   envDefault:"5m"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config{}
	if err := env.Parse(&cfg); err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := configureLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting coordinator service", slog.String("instance_id", cfg.InstanceID))

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		sig := <-sigChan
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
	}()

	var pubsub pkgmqtt.PubSub
	tomlCfg, err := flock.LoadConfig(cfg.ConfigPath)
	switch {
	case err != nil:
		logger.Warn("running without MQTT, broker identity unavailable",
			slog.String("config_path", cfg.ConfigPath),
			slog.Any("error", err))
		tomlCfg = &flock.Config{}
	default:
		pubsub, err = pkgmqtt.NewPubSub(pkgmqtt.Config{
			URL:      cfg.MQTTAddress,
			QoS:      cfg.MQTTQoS,
			ID:       "flock-coordinator-" + cfg.InstanceID,
			Username: tomlCfg.Coordinator.ClientID,
			Password: tomlCfg.Coordinator.ClientKey,
			Timeout:  cfg.MQTTTimeout,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to connect to MQTT broker: %w", err)
		}
	}

	engineCfg := coordinator.EngineConfig{
		Security:          tomlCfg.Security,
		PubSub:            pubsub,
		DomainID:          tomlCfg.Coordinator.DomainID,
		ChannelID:         tomlCfg.Coordinator.ChannelID,
		HeartbeatInterval: cfg.HeartbeatInterval,
		HeartbeatTimeout:  cfg.HeartbeatTimeout,
		TrainingTimeout:   cfg.TrainingTimeout,
		Logger:            logger,
	}

	if cfg.RedisURL != "" {
		redisClient, err := storage.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		defer redisClient.Close()

		engineCfg.JobsDB = storage.NewRedisStorage[job.TrainingJob](redisClient, "jobs")
		engineCfg.ModelsDB = storage.NewRedisStorage[fl.Model](redisClient, "models")
		engineCfg.ResultsDB = storage.NewRedisStorage[fl.AggregationResult](redisClient, "results")
		engineCfg.ClientsDB = storage.NewRedisStorage[clients.Client](redisClient, "clients")
		engineCfg.ReputationDB = storage.NewRedisStorage[security.ReputationRecord](redisClient, "reputation")
		engineCfg.EventsDB = storage.NewRedisStorage[security.Event](redisClient, "events")
	}

	engine := coordinator.NewEngine(engineCfg)

	g, ctx := errgroup.WithContext(ctx)

	if pubsub != nil {
		if err := engine.Coordinator.Subscribe(ctx); err != nil {
			return fmt.Errorf("failed to subscribe to client topics: %w", err)
		}
		defer func() {
			if err := pubsub.Disconnect(context.Background()); err != nil {
				logger.Warn("failed to disconnect from MQTT broker", slog.Any("error", err))
			}
		}()
	}

	g.Go(func() error {
		return engine.Clients.StartHeartbeatMonitor(ctx)
	})
	g.Go(func() error {
		return engine.Security.StartRestorationSweeper(ctx)
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.MakeHandler(engine.Coordinator, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		logger.Info("coordinator HTTP API listening", slog.String("addr", cfg.HTTPAddr))
		errCh := make(chan error, 1)
		go func() {
			errCh <- srv.ListenAndServe()
		}()

		select {
		case <-ctx.Done():
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
			defer shutdownCancel()

			return srv.Shutdown(shutdownCtx)
		case err := <-errCh:
			return err
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("coordinator service error: %w", err)
	}

	logger.Info("coordinator service stopped")

	return nil
}

func configureLogger(level string) *slog.Logger {
	if err := logLevel.UnmarshalText([]byte(level)); err != nil {
		log.Printf("Invalid log level: %s. Defaulting to info.\n", level)
		logLevel = slog.LevelInfo
	}

	logHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})

	return slog.New(logHandler)
}
