package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	flock "github.com/absmach/flock"
	pkgmqtt "github.com/absmach/flock/pkg/mqtt"
	"github.com/absmach/flock/proxy"
)

var logLevel slog.Level

type config struct {
	LogLevel    string        `env:"PROXY_LOG_LEVEL"    envDefault:"info"`
	InstanceID  string        `env:"PROXY_INSTANCE_ID"  envDefault:""`
	ConfigPath  string        `env:"PROXY_CONFIG_PATH"  envDefault:"config.toml"`
	MQTTAddress string        `env:"PROXY_MQTT_ADDRESS" envDefault:"tcp://localhost:1883"`
	MQTTTimeout time.Duration `env:"PROXY_MQTT_TIMEOUT" envDefault:"30s"`
	MQTTQoS     uint8         `env:"PROXY_MQTT_QOS"     envDefault:"2"`
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

	httpCfg := proxy.HTTPProxyConfig{}
	if err := env.Parse(&httpCfg); err != nil {
		return fmt.Errorf("failed to load registry configuration: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := configureLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting proxy service", slog.String("instance_id", cfg.InstanceID))

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		sig := <-sigChan
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
	}()

	tomlCfg, err := flock.LoadConfig(cfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	pubsub, err := pkgmqtt.NewPubSub(pkgmqtt.Config{
		URL:      cfg.MQTTAddress,
		QoS:      cfg.MQTTQoS,
		ID:       "flock-proxy-" + cfg.InstanceID,
		Username: tomlCfg.Proxy.ClientID,
		Password: tomlCfg.Proxy.ClientKey,
		Timeout:  cfg.MQTTTimeout,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}
	defer func() {
		if err := pubsub.Disconnect(context.Background()); err != nil {
			logger.Warn("failed to disconnect from MQTT broker", slog.Any("error", err))
		}
	}()

	topics := pkgmqtt.NewTopicBuilder(tomlCfg.Proxy.DomainID, tomlCfg.Proxy.ChannelID)

	svc, err := proxy.NewService(pubsub, topics, httpCfg, logger, tomlCfg.Proxy.ModelKey)
	if err != nil {
		return fmt.Errorf("service initialization error: %w", err)
	}

	if err := svc.Subscribe(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to model requests: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return svc.StreamHTTP(ctx)
	})
	g.Go(func() error {
		return svc.StreamMQTT(ctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("proxy service error: %w", err)
	}

	logger.Info("proxy service stopped")

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
