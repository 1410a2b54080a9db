package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Bldg-7/chargebay/internal/broker"
	"github.com/Bldg-7/chargebay/internal/config"
	"github.com/Bldg-7/chargebay/internal/ident"
	"github.com/Bldg-7/chargebay/internal/link"
	"github.com/Bldg-7/chargebay/internal/sink"
	"github.com/Bldg-7/chargebay/internal/station"
	"github.com/Bldg-7/chargebay/internal/storage"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "./station.config.json", "path to station config file")
	envPath := flag.String("env", ".env", "optional dotenv file with secrets")
	flag.Parse()

	if err := config.LoadEnv(*envPath); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	cfg, err := config.LoadStationConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("config loaded successfully",
		zap.String("config_path", *configPath),
		zap.String("station", cfg.StationName),
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("station exited with error", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("station exited cleanly")
}

func newLogger(level string) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	zcfg.Level = lvl
	return zcfg.Build()
}

func run(cfg *config.StationConfig, logger *zap.Logger) error {
	db, err := storage.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	store := storage.NewHistoryStore(db)
	defer store.Close()
	logger.Info("database migrations complete", zap.String("path", cfg.Database.Path))

	dialer, err := link.NewDialer(cfg.Link)
	if err != nil {
		return err
	}

	var mq *broker.Broker
	if cfg.Identifiers.MQTT.Enabled || cfg.MQTT.PublishEvents {
		mq = broker.New(cfg.MQTT, logger.Named("mqtt"))
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := mq.Connect(ctx)
		cancel()
		if err != nil {
			// paho keeps retrying in the background and resubscribes on connect.
			logger.Warn("mqtt broker not reachable yet", zap.String("broker", cfg.MQTT.Broker), zap.Error(err))
		}
		defer mq.Close()
	}

	var sinks []station.Sink
	if mq != nil && cfg.MQTT.PublishEvents {
		sinks = append(sinks, sink.NewMQTTPublisher(mq, cfg.MQTT.EventsPrefix))
	}
	if cfg.Discord.Enabled {
		notifier, err := sink.NewDiscordNotifier(cfg.Discord.BotToken, cfg.Discord.ChannelID, cfg.StationName)
		if err != nil {
			logger.Error("failed to create discord notifier", zap.Error(err))
		} else {
			sinks = append(sinks, notifier)
			logger.Info("discord notifier enabled", zap.String("channel_id", cfg.Discord.ChannelID))
		}
	}
	if cfg.ClickHouse.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		archive, err := sink.OpenClickHouse(ctx, cfg.ClickHouse, cfg.StationName)
		cancel()
		if err != nil {
			logger.Error("failed to open clickhouse archive", zap.Error(err))
		} else {
			sinks = append(sinks, archive)
			defer archive.Close()
			logger.Info("clickhouse archive enabled", zap.String("table", cfg.ClickHouse.Table))
		}
	}

	srv, err := station.NewServer(cfg, dialer, store, logger, sinks...)
	if err != nil {
		return err
	}

	debounce := cfg.Debounce()
	if cfg.Identifiers.Terminal.Enabled {
		src := ident.NewTerminalSource(cfg.Identifiers.Terminal, logger.Named("terminal"))
		srv.AddSource(ident.Debounce(src, ident.NewDebouncer(debounce)))
	}
	if cfg.Identifiers.MQTT.Enabled && mq != nil {
		src := ident.NewMQTTSource(mq, cfg.Identifiers.MQTT.Topic, cfg.Identifiers.MQTT.QoS, logger.Named("scan"))
		srv.AddSource(ident.Debounce(src, ident.NewDebouncer(debounce)))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("failed to start station: %w", err)
	}

	<-ctx.Done()
	logger.Info("received signal, initiating graceful shutdown")

	return srv.Stop()
}
