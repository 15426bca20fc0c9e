package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/duskpetrel/duskpetrel/internal/config"
	"github.com/duskpetrel/duskpetrel/internal/dependency"
)

var gatewayVerbose bool

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Run the duskpetrel daemon",
	RunE:  runGateway,
}

func init() {
	gatewayCmd.Flags().BoolVarP(&gatewayVerbose, "verbose", "v", false, "Debug logging")
}

func runGateway(_ *cobra.Command, _ []string) error {
	if gatewayVerbose {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}

	handle, err := config.NewHandle(config.ConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	paths := dependency.DefaultPaths()
	container, err := dependency.New(handle, paths)
	if err != nil {
		return fmt.Errorf("wire services: %w", err)
	}
	defer container.Close()

	pidPath := paths.PIDFile()
	if err := writePIDFile(pidPath); err != nil {
		return err
	}
	defer os.Remove(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// SIGHUP re-reads config.json without restarting.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for range hup {
			if err := handle.Reload(); err != nil {
				slog.Error("config reload failed", "error", err)
			} else {
				slog.Info("config reloaded")
			}
		}
	}()

	cfg := handle.Current()
	if enabled := container.Channels().EnabledChannels(); len(enabled) > 0 {
		fmt.Printf("✓ Channels enabled: %s\n", strings.Join(enabled, ", "))
	} else {
		fmt.Println("Warning: no channels enabled")
	}
	fmt.Printf("%s duskpetrel daemon running on %s:%d. Press Ctrl+C to stop.\n",
		logo, cfg.Gateway.Host, cfg.Gateway.Port)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return container.Orchestrator().Run(gctx) })
	g.Go(func() error { return container.Channels().StartAll(gctx) })
	g.Go(func() error { return container.Cron().Start(gctx) })
	g.Go(func() error { return container.Gateway().Start(gctx) })
	if cfg.Heartbeat.Enabled {
		g.Go(func() error { return container.Heartbeat().Start(gctx) })
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "daemon error: %v\n", err)
		return err
	}
	fmt.Println("\nShutdown complete.")
	return nil
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}
