package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/duskpetrel/duskpetrel/internal/bus"
	"github.com/duskpetrel/duskpetrel/internal/channels"
	"github.com/duskpetrel/duskpetrel/internal/config"
	"github.com/duskpetrel/duskpetrel/internal/dependency"
)

var (
	agentMessage string
	agentChat    string
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Chat with the agent from the terminal",
	RunE:  runAgent,
}

func init() {
	agentCmd.Flags().StringVarP(&agentMessage, "message", "m", "", "Send a single message and exit")
	agentCmd.Flags().StringVarP(&agentChat, "chat", "c", "direct", "Chat id (selects the session)")
}

func runAgent(_ *cobra.Command, _ []string) error {
	slog.SetLogLoggerLevel(slog.LevelWarn)

	handle, err := config.NewHandle(config.ConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	container, err := dependency.New(handle, dependency.DefaultPaths())
	if err != nil {
		return fmt.Errorf("wire services: %w", err)
	}
	defer container.Close()

	if agentMessage != "" {
		return runSingleMessage(container)
	}
	return runInteractive(container)
}

// runSingleMessage sends one message through the full pipeline and prints
// the reply.
func runSingleMessage(c *dependency.Container) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	fmt.Fprintln(os.Stderr, "  ↳ thinking...")
	msg := bus.NewInboundMessage(bus.SourceCLI, "operator", agentChat, agentMessage)
	reply, err := c.Orchestrator().ProcessDirect(ctx, msg)
	if err != nil {
		return err
	}
	printResponse(reply)
	return nil
}

// runInteractive runs the terminal REPL against the orchestrator. Only the
// cli channel is active; the daemon channels stay offline.
func runInteractive(c *dependency.Container) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cli := channels.NewCLIChannel(c.Bus())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.Orchestrator().Run(gctx) })
	g.Go(func() error {
		// Route cli-bound replies to the REPL.
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case out := <-c.Bus().Outbound:
				if out.Source == bus.SourceCLI {
					_ = cli.Send(gctx, out)
				}
			}
		}
	})

	err := cli.Start(gctx)
	stop()
	_ = g.Wait()
	if err == context.Canceled {
		return nil
	}
	return err
}

func printResponse(text string) {
	fmt.Printf("\n%s duskpetrel\n%s\n\n", logo, text)
}
