package channels

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/duskpetrel/duskpetrel/internal/bus"
)

var cliExitCommands = map[string]bool{
	"exit":  true,
	"quit":  true,
	"/exit": true,
	"/quit": true,
	":q":    true,
}

// CLIChannel wires the terminal into the bus: stdin lines become inbound
// messages, and outbound messages for the cli source print to stdout.
type CLIChannel struct {
	Base
	replies chan string
}

// NewCLIChannel creates a CLIChannel.
func NewCLIChannel(b *bus.MessageBus) *CLIChannel {
	return &CLIChannel{
		Base:    NewBase(bus.SourceCLI, b, nil),
		replies: make(chan string, 4),
	}
}

func (c *CLIChannel) Name() string { return string(bus.SourceCLI) }

// Start runs the stdin REPL until ctx is cancelled or stdin closes.
func (c *CLIChannel) Start(ctx context.Context) error {
	fmt.Printf("Interactive mode. Type 'exit' or press Ctrl+C to quit.\n\n")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("You: ")

		scanDone := make(chan bool, 1)
		go func() { scanDone <- scanner.Scan() }()

		select {
		case ok := <-scanDone:
			if !ok {
				fmt.Println("\nGoodbye!")
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if cliExitCommands[strings.ToLower(line)] {
			fmt.Println("Goodbye!")
			return nil
		}

		c.Publish(bus.NewInboundMessage(bus.SourceCLI, "operator", "direct", line))

		select {
		case reply := <-c.replies:
			fmt.Printf("\n%s\n\n", reply)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Disconnect is a no-op: the REPL owns no transport beyond stdin.
func (c *CLIChannel) Disconnect() error { return nil }

// Send queues an agent reply for the REPL loop to print.
func (c *CLIChannel) Send(_ context.Context, msg bus.OutboundMessage) error {
	select {
	case c.replies <- msg.Text:
	default:
	}
	return nil
}
