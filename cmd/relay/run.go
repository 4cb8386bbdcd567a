package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/energizer-project/relay/internal/api"
	"github.com/energizer-project/relay/internal/cli"
	"github.com/energizer-project/relay/internal/clients"
	"github.com/energizer-project/relay/internal/config"
	"github.com/energizer-project/relay/internal/connector"
	"github.com/energizer-project/relay/internal/dispatch"
	"github.com/energizer-project/relay/internal/events"
	"github.com/energizer-project/relay/internal/fragment"
	"github.com/energizer-project/relay/internal/handlers"
	"github.com/energizer-project/relay/internal/metrics"
	"github.com/energizer-project/relay/internal/network"
	"github.com/energizer-project/relay/internal/telemetry"
	"github.com/energizer-project/relay/internal/transport"
	"github.com/energizer-project/relay/internal/util"
)

func run(cmd *cobra.Command, _ []string) error {
	fmt.Printf(Banner, util.Version)
	fmt.Println()

	// Initialize logger with defaults first (will be reconfigured after config load)
	if err := util.InitLogger(util.DefaultLogConfig()); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	env := config.NewEnv()
	if err := env.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	configDir, _ := cmd.Flags().GetString("config-dir")
	cfg, err := config.Load(configDir)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	config.Overlay(cfg, env)

	if err := util.InitLogger(util.LogConfig{
		Level:      cfg.Logging.Level,
		Directory:  cfg.Logging.Directory,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Console:    true,
	}); err != nil {
		log.Warn().Err(err).Msg("failed to reconfigure logger, using defaults")
	}

	validation := config.Validate(cfg)
	for _, w := range validation.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	if !validation.IsValid() {
		for _, e := range validation.Errors {
			log.Error().Str("field", e.Field).Msg(e.Message)
		}
		return errors.New("configuration validation failed, please fix the errors above")
	}

	sysInfo := util.GetSystemInfo()
	log.Info().
		Str("version", util.Version).
		Str("platform", runtime.GOOS).
		Str("arch", runtime.GOARCH).
		Str("hostname", sysInfo.Hostname).
		Str("cpu", sysInfo.CPUModel).
		Int("cpus", sysInfo.LogicalCPUs).
		Uint64("memory_mb", sysInfo.TotalMemory).
		Msg("starting relay")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	relayCfg := cfg.GetRelay()
	transportCfg := cfg.GetTransport()

	eventBus := events.NewEventBus()
	m := metrics.New()
	registry := clients.NewRegistry(relayCfg.MaxClients)
	reassembler := fragment.NewReassembler(transportCfg.FragmentTimeout())

	// Handlers are registered after the pipeline exists because the status
	// module reads it; Start freezes the table.
	table := dispatch.NewTable()
	opts := transport.OptionsFromConfig(transportCfg)
	pipeline := transport.New(opts, table, transport.Deps{
		Clients:     registry,
		Reassembler: reassembler,
		Bus:         eventBus,
		Metrics:     m,
	})
	handlers.RegisterAll(table, handlers.Deps{
		Config:      cfg,
		Reassembler: reassembler,
		Bus:         eventBus,
		Status:      pipeline,
	})

	if err := pipeline.Start(ctx); err != nil {
		return fmt.Errorf("failed to start pipeline: %w", err)
	}
	log.Info().
		Int("workers", opts.Workers).
		Bool("queueing", opts.QueueingEnabled).
		Int("max_packet_size", opts.MaxPacketSize).
		Int("handlers", len(table.Registered())).
		Msg("pipeline started")

	listenerOpts := network.ListenerOptions{
		ReadTimeout:  transportCfg.ConnectionTimeout(),
		SocketBuffer: relayCfg.SocketBufferSize(),
	}

	master := connector.NewMasterConnector(cfg, eventBus, registry)

	var mqttHandler *telemetry.MQTTHandler
	if cfg.MQTT.Enabled {
		mqttHandler, err = telemetry.NewMQTTHandler(cfg.MQTT, eventBus, pipeline)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize MQTT, telemetry disabled")
		}
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 4)

	if relayCfg.EnableTCP {
		tcpListener := network.NewTCPListener(relayCfg.BindAddress(), pipeline, listenerOpts)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := startWithRetry(ctx, "TCP listener", tcpListener.Start, 5); err != nil {
				log.Error().Err(err).Msg("TCP listener failed after retries")
				errCh <- fmt.Errorf("tcp listener: %w", err)
			}
		}()
	}

	if relayCfg.EnableUDP {
		udpListener := network.NewUDPListener(relayCfg.BindAddress(), pipeline, listenerOpts)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := startWithRetry(ctx, "UDP listener", udpListener.Start, 5); err != nil {
				log.Error().Err(err).Msg("UDP listener failed after retries")
				errCh <- fmt.Errorf("udp listener: %w", err)
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := master.Run(ctx); err != nil {
			log.Warn().Err(err).Msg("master connector stopped")
		}
	}()

	if cfg.API.Enabled {
		apiServer := api.NewServer(cfg, pipeline, master, m)
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Int("port", cfg.API.Port).Msg("starting REST API server")
			if err := startWithRetry(ctx, "API server", apiServer.Start, 5); err != nil {
				log.Warn().Err(err).Msg("API server failed after retries (non-fatal)")
			}
		}()
	}

	if mqttHandler != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Msg("starting MQTT telemetry")
			if err := mqttHandler.Start(ctx); err != nil {
				log.Warn().Err(err).Msg("MQTT telemetry failed")
			}
		}()
	}

	if noCLI, _ := cmd.Flags().GetBool("no-cli"); !noCLI {
		console := cli.NewCLI(eventBus, pipeline, master, os.Stdin, os.Stdout)
		// The console blocks on stdin and is not waited for.
		go console.Start(ctx)
	}

	quit := make(chan struct{}, 1)
	eventBus.Subscribe(events.EventShutdown, "main", func(context.Context, events.Event) error {
		select {
		case quit <- struct{}{}:
		default:
		}
		return nil
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case <-quit:
		log.Info().Msg("shutdown requested from the console")
	case err := <-errCh:
		log.Error().Err(err).Msg("critical error, initiating shutdown")
	}

	log.Info().Msg("initiating graceful shutdown...")
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("all tasks stopped gracefully")
	case <-time.After(30 * time.Second):
		log.Warn().Msg("shutdown timed out after 30 seconds, forcing exit")
	}

	pipeline.Stop()
	eventBus.Stop()

	log.Info().Msg("relay stopped")
	return nil
}

func startWithRetry(ctx context.Context, name string, startFn func(context.Context) error, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if ctx.Err() != nil {
			return nil
		}
		lastErr = startFn(ctx)
		if lastErr == nil {
			return nil
		}
		if i < maxRetries {
			log.Warn().Err(lastErr).Str("component", name).Int("retry", i+1).Int("max", maxRetries).Msg("bind failed, retrying in 3s...")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(3 * time.Second):
			}
		}
	}
	return lastErr
}
