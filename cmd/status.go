package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/duskpetrel/duskpetrel/internal/config"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show duskpetrel status",
	RunE:  runStatus,
}

func runStatus(_ *cobra.Command, _ []string) error {
	cfgPath := config.ConfigPath()

	fmt.Printf("%s duskpetrel status\n\n", logo)
	fmt.Printf("Config:    %s %s\n", cfgPath, existsMark(cfgPath))

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  (could not load config: %v)\n", err)
		return nil
	}

	ws := cfg.WorkspacePath()
	fmt.Printf("Workspace: %s %s\n", ws, existsMark(ws))
	if p := cfg.ProfileFor("cli"); p != nil {
		fmt.Printf("Model:     %s\n", p.Model)
	} else {
		fmt.Println("Model:     (no profile routed)")
	}

	fmt.Println("\nChannels:")
	for _, row := range []struct {
		name    string
		enabled bool
		detail  string
	}{
		{"telegram", cfg.Channels.Telegram.Enabled, tokenHint(cfg.Channels.Telegram.Token)},
		{"slack", cfg.Channels.Slack.Enabled, tokenHint(cfg.Channels.Slack.BotToken)},
		{"whatsapp", cfg.Channels.WhatsApp.Enabled, cfg.Channels.WhatsApp.BridgeURL},
	} {
		mark := "✗"
		if row.enabled {
			mark = "✓"
		}
		fmt.Printf("  %-10s %s %s\n", row.name, mark, row.detail)
	}

	printDaemonStatus(cfg)
	return nil
}

// printDaemonStatus asks the local gateway for live state; a silent skip
// when the daemon is not running.
func printDaemonStatus(cfg *config.Config) {
	url := fmt.Sprintf("http://%s:%d/status", cfg.Gateway.Host, cfg.Gateway.Port)
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		fmt.Println("\nDaemon:    not running")
		return
	}
	defer resp.Body.Close()

	var st map[string]any
	if json.NewDecoder(resp.Body).Decode(&st) != nil {
		return
	}
	fmt.Println("\nDaemon:    running")
	if v, ok := st["uptime_s"].(float64); ok {
		fmt.Printf("  uptime:   %s\n", (time.Duration(v) * time.Second).String())
	}
	if v, ok := st["sessions"].(float64); ok {
		fmt.Printf("  sessions: %d\n", int(v))
	}
	if v, ok := st["queue_inbound"].(float64); ok {
		fmt.Printf("  queue:    %d inbound\n", int(v))
	}
}

func existsMark(path string) string {
	if _, err := os.Stat(path); err == nil {
		return "✓"
	}
	return "✗"
}

func tokenHint(s string) string {
	if s == "" {
		return "(not configured)"
	}
	if len(s) > 10 {
		return s[:10] + "..."
	}
	return s
}
