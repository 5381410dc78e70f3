package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/BadgerOps/lansync/internal/config"
	"github.com/BadgerOps/lansync/internal/deviceinfo"
	"github.com/BadgerOps/lansync/internal/discovery"
	"github.com/BadgerOps/lansync/internal/metrics"
	"github.com/BadgerOps/lansync/internal/peer"
	"github.com/BadgerOps/lansync/internal/safety"
	"github.com/BadgerOps/lansync/internal/server"
	"github.com/BadgerOps/lansync/internal/transfer"
	"github.com/spf13/cobra"
)

var (
	serveListen      string
	serveNoDiscovery bool
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a sync node",
		Long: `Run the HTTP node that accepts uploads, serves downloads and answers
peer probes. Unless disabled, the node also announces itself over multicast
DNS and keeps a registry of peers that announce themselves the same way.

If multicast is unavailable the node keeps serving transfers without
discovery.`,
		Example: `  lansync serve
  lansync serve --listen 127.0.0.1:3000
  lansync serve --no-discovery`,
		RunE: serveRun,
	}

	cmd.Flags().StringVar(&serveListen, "listen", "", "address to listen on (host:port, default from config)")
	cmd.Flags().BoolVar(&serveNoDiscovery, "no-discovery", false, "disable multicast announce and browse")

	return cmd
}

func serveRun(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}

	listen := serveListen
	if listen == "" {
		listen = globalCfg.Server.Listen
	}
	port, err := listenPort(listen)
	if err != nil {
		return err
	}

	resolver, err := newResolver(globalCfg, logger)
	if err != nil {
		return err
	}
	resolver.OnFallback(func(string) { metrics.RecordPathFallback() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	device := deviceinfo.Detect(ctx, globalCfg.Device.Name, globalCfg.Device.Environment, logger)

	var journal transfer.Journal
	if globalStore != nil {
		journal = globalStore
	}
	transfers := transfer.New(resolver, journal, globalCfg.Server.MaxUploadSize, logger)

	registry := peer.NewRegistry()
	if globalCfg.Discovery.Enabled && !serveNoDiscovery {
		disc := discovery.New(globalCfg.Discovery, discovery.Announcement{
			ServiceName: device.ServiceName(),
			DeviceName:  device.DeviceName(),
			Directory:   resolver.Base(),
			Environment: device.Environment(),
			Port:        port,
		}, registry, logger)
		if err := disc.Start(ctx); err != nil {
			if !errors.Is(err, discovery.ErrUnavailable) {
				return fmt.Errorf("starting discovery: %w", err)
			}
			log.Warn("continuing without discovery", "error", err)
		}
		defer disc.Close()
	}

	log.Info("server starting",
		"listen", listen,
		"data_dir", resolver.Base(),
		"device", device.DeviceName(),
		"environment", device.Environment(),
		"version", version,
	)

	srv := server.NewServer(transfers, registry, globalStore, device, globalCfg, logger)

	// Channel to listen for errors from server
	errChan := make(chan error, 1)

	go func() {
		if !quiet {
			fmt.Printf("Serving %s on %s...\n", resolver.Base(), listen)
		}
		if err := srv.Start(listen); err != nil {
			errChan <- err
		}
	}()

	// Set up signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		log.Info("received shutdown signal", "signal", sig)

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}

		if !quiet {
			fmt.Println("Server stopped gracefully")
		}
	}

	return nil
}

// newResolver builds the transfer sandbox from the data directory and the
// allow-list.
func newResolver(cfg *config.Config, logger *slog.Logger) (*safety.Resolver, error) {
	if err := os.MkdirAll(cfg.Server.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	rules := make([]safety.Rule, 0, len(cfg.Allow))
	for _, a := range cfg.Allow {
		scope, err := safety.ParseScope(a.Scope)
		if err != nil {
			return nil, err
		}
		rules = append(rules, safety.Rule{Path: a.Path, Scope: scope})
	}

	resolver, err := safety.NewResolver(cfg.Server.DataDir, rules, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to set up sandbox: %w", err)
	}
	return resolver, nil
}

// listenPort extracts the numeric port that gets announced to peers.
func listenPort(listen string) (int, error) {
	_, p, err := net.SplitHostPort(listen)
	if err != nil {
		return 0, fmt.Errorf("invalid listen address %q: %w", listen, err)
	}
	port, err := strconv.Atoi(p)
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("invalid listen port %q", p)
	}
	return port, nil
}
