package cmd

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/duskpetrel/duskpetrel/internal/bus"
	"github.com/duskpetrel/duskpetrel/internal/config"
	"github.com/duskpetrel/duskpetrel/internal/dependency"
	"github.com/duskpetrel/duskpetrel/internal/memory"
	"github.com/duskpetrel/duskpetrel/internal/providers"
	"github.com/duskpetrel/duskpetrel/internal/schema"
)

// indexCmd rebuilds the workspace search index.
var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Index the workspace into the memory database",
	RunE: func(_ *cobra.Command, _ []string) error {
		handle, err := config.NewHandle(config.ConfigPath())
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		paths := dependency.DefaultPaths()

		store, err := memory.Open(paths.MemoryDB)
		if err != nil {
			return fmt.Errorf("open memory db: %w", err)
		}
		defer store.Close()

		cfg := handle.Current()
		var embedder schema.Embedder
		if profile := cfg.EmbedProfile(); profile != nil && profile.APIKey != "" {
			if e, embErr := providers.NewEmbedder(profile); embErr == nil {
				embedder = e
			} else {
				fmt.Printf("Warning: embeddings disabled: %v\n", embErr)
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
		defer cancel()

		stats, err := store.IndexWorkspace(ctx, cfg.WorkspacePath(), embedder)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Scanned %d files: %d indexed, %d unchanged, %d removed\n",
			stats.Scanned, stats.Indexed, stats.Skipped, stats.Removed)
		return nil
	},
}

// consolidateCmd extracts durable memory from unprocessed session logs.
var consolidateCmd = &cobra.Command{
	Use:   "consolidate",
	Short: "Extract memory from session logs",
	RunE: func(_ *cobra.Command, _ []string) error {
		handle, err := config.NewHandle(config.ConfigPath())
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		paths := dependency.DefaultPaths()

		cfg := handle.Current()
		profile := cfg.ProfileFor(string(bus.SourceSystem))
		if profile == nil {
			return fmt.Errorf("no provider profile routed for consolidation")
		}

		store, err := memory.Open(paths.MemoryDB)
		if err != nil {
			return fmt.Errorf("open memory db: %w", err)
		}
		defer store.Close()

		cons := memory.NewConsolidator(store, providers.New(profile),
			schema.NewChatOptions(profile.Model, profile.MaxTokens, profile.Temperature))

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()

		logsDir := filepath.Join(paths.State, "sessions")
		if err := cons.ConsolidateLogs(ctx, logsDir); err != nil {
			return err
		}
		fmt.Println("✓ Consolidation complete")
		return nil
	},
}
