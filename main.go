package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"i4.energy/across/nbgw/modem"
)

func main() {
	flag.String("serial-port", "/dev/ttyUSB0", "Serial port to connect to the modem")
	flag.Int("baud-rate", 115200, "Baud rate for serial communication")
	flag.String("bind-address", "0.0.0.0:8080", "Bind address for the HTTP server")
	flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Bool("verbose-errors", false, "Ask the module for categorised error text")
	flag.Duration("maintain-interval", 250*time.Millisecond, "How often the idle link is checked for notifications")
	flag.String("mqtt-broker", "", "MQTT broker URL, empty disables the MQTT intake")
	flag.String("mqtt-topic", "nbgw/fetch", "MQTT topic receiving fetch jobs")
	flag.Parse()

	config, err := LoadConfig(WithDefaults(), WithDotEnv(".env"), WithEnv(), WithFlags(flag.CommandLine))
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch config.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	modemConfig, err := modem.NewConfigBuilder().
		WithATTimeout(5 * time.Second).
		WithInitTimeout(30 * time.Second).
		WithVerboseErrors(config.VerboseErrors).
		WithLogger(logger).
		WithMetrics(modem.NewMetrics("nbgw", registry)).
		WithDialer(modem.SerialDialer{
			PortName: config.SerialPort,
			BaudRate: config.BaudRate,
		}).
		Build()
	if err != nil {
		logger.Error("Failed to create modem config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m, err := modem.New(ctx, modemConfig)
	if err != nil {
		logger.Error("Failed to create modem", "error", err)
		os.Exit(1)
	}

	logger.Info("Starting NB-IoT gateway", "serial_port", config.SerialPort, "mqtt", config.MQTTBroker != "")

	fetcher := &Fetcher{HTTP: m, Logger: logger.With("component", "fetcher")}
	httpServer := &http.Server{
		Addr: config.BindAddress,
		Handler: &Server{
			Logger:   logger.With("component", "server"),
			Fetcher:  fetcher,
			Registry: registry,
		},
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Starting HTTP server", "address", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		logger.Info("Closing HTTP server")
		return httpServer.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		return maintain(ctx, m, config.MaintainInterval, logger)
	})

	if config.MQTTBroker != "" {
		intake := NewIntake(logger.With("component", "mqtt"), fetcher, config.MQTTTopic)
		client, err := intake.Connect(config)
		if err != nil {
			logger.Error("MQTT intake not started", "broker", config.MQTTBroker, "error", err)
		} else {
			g.Go(func() error {
				defer client.Disconnect(500)
				return intake.Run(ctx, publisher(client))
			})
		}
	}

	if err := g.Wait(); err != nil {
		logger.Error("Gateway terminated with error", "error", err)
	}

	logger.Info("Closing modem connection")
	if err := m.Close(); err != nil {
		logger.Error("Failed to close modem", "error", err)
	}
}

// maintain pumps the idle link so notifications for background handles
// are observed.
func maintain(ctx context.Context, m *modem.Modem, interval time.Duration, logger *slog.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := m.Maintain(ctx); err != nil && !errors.Is(err, context.Canceled) {
				if errors.Is(err, modem.ErrAlreadyClosed) {
					return err
				}
				logger.Warn("Maintain failed", "error", err)
			}
		}
	}
}
