package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joshp123/automower/internal/config"
	"github.com/joshp123/automower/internal/core"
	"github.com/joshp123/automower/internal/mqttbridge"
	"github.com/joshp123/automower/internal/oauth"
	"github.com/joshp123/automower/internal/rate"
	"github.com/joshp123/automower/internal/server"
	"github.com/joshp123/automower/plugins/automower"

	"github.com/prometheus/client_golang/prometheus"
)

const healthInterval = 15 * time.Second

func main() {
	if len(os.Args) > 1 && os.Args[1] == "login" {
		loginMain(os.Args[2:])
		return
	}

	flags := flag.NewFlagSet("automower", flag.ExitOnError)
	envFile := flags.String("env-file", config.DefaultEnvFile, "Path to .env file")
	_ = flags.Parse(os.Args[1:])

	cfg, err := config.Load(*envFile)
	if err != nil {
		fatal("config", err)
	}
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("automower stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	persister, err := newPersister(cfg, logger)
	if err != nil {
		return err
	}

	sessionCfg := sessionConfig(cfg, logger)
	creds := automower.Credentials{}
	token, err := persister.Load(ctx)
	switch {
	case err == nil:
		sessionCfg.InitialToken = &token
	case errors.Is(err, oauth.ErrStateNotFound):
		if cfg.Automower.Username == "" {
			return fmt.Errorf("no stored token at %s; run `automower login` first", cfg.Automower.StatePath)
		}
		creds.Username = cfg.Automower.Username
		creds.Password = cfg.Automower.Password
	default:
		return fmt.Errorf("load token: %w", err)
	}

	session, err := automower.NewSession(sessionCfg)
	if err != nil {
		return err
	}
	session.RegisterTokenCallback(persister.Callback())
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = session.Close(closeCtx)
	}()

	if err := session.Connect(ctx, creds); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	plugins := []core.Plugin{automower.NewPlugin(session, cfg.Automower.StatePath)}
	if err := core.ValidatePlugins(plugins); err != nil {
		return err
	}

	shared := append(oauth.MetricsCollectors(), rate.MetricsCollectors()...)
	registry := core.MetricsRegistry(plugins, shared...)
	registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "gohome_build_info",
		Help: "Build information",
	}, func() float64 { return 1 }))

	reporter := core.NewHealthReporter(plugins, logger)
	go reporter.Run(ctx, healthInterval)

	grpcServer, err := server.NewGRPCServer(cfg.Core.GRPCAddr, reporter.Server())
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	httpServer := server.NewHTTPServer(cfg.Core.HTTPAddr, server.NewMux(plugins, registry))

	if cfg.MQTT != nil {
		client, err := mqttbridge.Dial(mqttbridge.ClientConfig{
			Broker:      cfg.MQTT.Broker,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			StatusTopic: cfg.MQTT.TopicPrefix + "/bridge/status",
			Logger:      logger,
		})
		if err != nil {
			return fmt.Errorf("mqtt connect: %w", err)
		}
		defer client.Close()
		bridge := mqttbridge.New(client, session, cfg.MQTT.TopicPrefix, logger)
		if err := bridge.Start(); err != nil {
			return err
		}
		defer bridge.Stop()
	}

	errCh := make(chan error, 2)
	go func() {
		errCh <- grpcServer.Serve()
	}()
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()
	logger.Info("automower serving",
		slog.String("grpc_addr", cfg.Core.GRPCAddr),
		slog.String("http_addr", cfg.Core.HTTPAddr),
	)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case <-session.Done():
		runErr = fmt.Errorf("session halted: %w", session.Err())
		if session.Reauthenticate() {
			runErr = fmt.Errorf("%w; run `automower login` to re-authenticate", runErr)
		}
	case err := <-errCh:
		runErr = err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", slog.String("error", err.Error()))
	}
	grpcServer.Stop()
	return runErr
}

func sessionConfig(cfg *config.Config, logger *slog.Logger) automower.Config {
	mower := cfg.Automower
	var skew time.Duration
	if mower.RefreshSkew != nil {
		skew = *mower.RefreshSkew
		if skew == 0 {
			skew = automower.NoRefreshSkew
		}
	}
	return automower.Config{
		ClientID:       mower.ClientID,
		ClientSecret:   mower.ClientSecret,
		TokenURL:       mower.TokenURL,
		APIURL:         mower.APIURL,
		WebsocketURL:   mower.WebsocketURL,
		RefreshSkew:    skew,
		PollInterval:   mower.PollInterval,
		ReconnectBase:  mower.ReconnectBase,
		ReconnectCap:   mower.ReconnectCap,
		RequestTimeout: mower.RequestTimeout,
		Logger:         logger,
	}
}

func newPersister(cfg *config.Config, logger *slog.Logger) (*oauth.Persister, error) {
	var blobStore oauth.BlobStore
	if cfg.OAuthBlob.Enabled() {
		store, err := oauth.NewS3Store(cfg.OAuthBlob)
		if err != nil {
			return nil, fmt.Errorf("oauth blob store: %w", err)
		}
		blobStore = store
	}
	decl := oauth.Declaration{
		Provider:  automower.Provider,
		Flow:      oauth.FlowPassword,
		TokenURL:  cfg.Automower.TokenURL,
		StatePath: cfg.Automower.StatePath,
	}
	return oauth.NewPersister(decl, cfg.Automower.ClientID, blobStore, logger)
}

func newLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

func fatal(action string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", action, err)
	os.Exit(1)
}
