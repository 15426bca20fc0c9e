package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/duskpetrel/duskpetrel/internal/bus"
	"github.com/duskpetrel/duskpetrel/internal/config"
	"github.com/duskpetrel/duskpetrel/internal/schema"
	"github.com/duskpetrel/duskpetrel/internal/tools"
	"github.com/duskpetrel/duskpetrel/internal/usage"
)

// subagentTimeout bounds one background task end to end.
const subagentTimeout = 10 * time.Minute

// subagentHardDeny lists tools withheld from every subagent regardless of
// configuration: no recursive spawning, no direct user messaging.
var subagentHardDeny = []string{"spawn", "message"}

// SubagentManager runs background tasks spawned by the main agent. Each
// subagent gets a restricted tool registry (no spawn, no direct messaging)
// and announces its result back through the bus as a system turn, so the
// main agent decides what, if anything, to relay to the user.
type SubagentManager struct {
	cfg         *config.Handle
	bus         *bus.MessageBus
	registry    *tools.Registry
	newProvider ProviderFactory
	tracker     *usage.Tracker
	costs       *usage.Store

	mu      sync.Mutex
	running map[string]*subagentRun
	wg      sync.WaitGroup
}

type subagentRun struct {
	ID      string
	Label   string
	Task    string
	Started time.Time
	cancel  context.CancelFunc
}

// NewSubagentManager wires the manager. registry is the full tool registry;
// the deny list from config is applied per spawn. costs may be nil.
func NewSubagentManager(cfg *config.Handle, b *bus.MessageBus, registry *tools.Registry,
	newProvider ProviderFactory, tracker *usage.Tracker, costs *usage.Store) *SubagentManager {
	return &SubagentManager{
		cfg:         cfg,
		bus:         b,
		registry:    registry,
		newProvider: newProvider,
		tracker:     tracker,
		costs:       costs,
		running:     make(map[string]*subagentRun),
	}
}

// Spawn starts a background task and returns its short id immediately.
// origin identifies the chat the result should eventually reach.
// Implements tools.Spawner.
func (sm *SubagentManager) Spawn(ctx context.Context, task, label string, origin bus.Source, originChatID string) (string, error) {
	cfg := sm.cfg.Current()
	profile := cfg.ProfileFor("subagent")
	if profile == nil {
		return "", fmt.Errorf("no provider profile routed for subagents")
	}

	id := uuid.NewString()[:8]
	if label == "" {
		label = "task-" + id
	}

	runCtx, cancel := context.WithTimeout(context.Background(), subagentTimeout)
	run := &subagentRun{ID: id, Label: label, Task: task, Started: time.Now(), cancel: cancel}

	sm.mu.Lock()
	sm.running[id] = run
	sm.mu.Unlock()

	sm.wg.Add(1)
	go func() {
		defer sm.wg.Done()
		defer cancel()
		defer func() {
			sm.mu.Lock()
			delete(sm.running, id)
			sm.mu.Unlock()
		}()

		result := sm.execute(runCtx, cfg, profile, run)
		sm.announce(run, result, origin, originChatID)
	}()

	slog.Info("subagent spawned", "id", id, "label", label)
	return id, nil
}

// Running returns a snapshot of in-flight subagents for status reporting.
func (sm *SubagentManager) Running() []string {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	out := make([]string, 0, len(sm.running))
	for _, r := range sm.running {
		out = append(out, fmt.Sprintf("%s (%s, running %s)", r.Label, r.ID, time.Since(r.Started).Round(time.Second)))
	}
	return out
}

// StopAll cancels every running subagent and waits for them to unwind.
func (sm *SubagentManager) StopAll() {
	sm.mu.Lock()
	for _, r := range sm.running {
		r.cancel()
	}
	sm.mu.Unlock()
	sm.wg.Wait()
}

// execute runs one subagent loop to completion. Failures become textual
// results so the announce turn always happens.
func (sm *SubagentManager) execute(ctx context.Context, cfg *config.Config,
	profile *config.ProviderProfile, run *subagentRun) string {

	restricted := sm.registry.Without(subagentDenyList(cfg.Agent.SubagentDeny))
	provider := sm.newProvider(profile)
	runner := NewLoopRunner(provider, profile, retryConfigFrom(cfg.Retry),
		sm.tracker, sm.costs, cfg.Agent.MaxTurns, cfg.Agent.CostCeilingUSD)

	conversation := schema.NewMessages(schema.NewSystemMessage(subagentRules(run.Label)))
	conversation.AddUser(run.Task)

	result, err := runner.Run(ctx, "subagent:"+run.ID, conversation, restricted, nil, nil)
	if err != nil {
		slog.Warn("subagent failed", "id", run.ID, "label", run.Label, "error", err)
		return fmt.Sprintf("The task failed: %v", err)
	}
	return result
}

// subagentDenyList unions the hard deny set with the configured one, so an
// operator override can only remove more tools, never restore spawn or
// message.
func subagentDenyList(configured []string) []string {
	return append(append([]string{}, subagentHardDeny...), configured...)
}

// announce feeds the result back to the main agent as a system-sourced
// message. The main agent relays (or silently drops) it via the message
// tool, so subagents never talk to users directly.
func (sm *SubagentManager) announce(run *subagentRun, result string, origin bus.Source, originChatID string) {
	text := fmt.Sprintf(`Background task %q (%s) finished.

Task: %s

Result:
%s

If the user should hear about this, use the message tool with source=%q and chat_id=%q to send them a short, conversational summary. If it is not worth interrupting them, reply NO_REPLY.`,
		run.Label, run.ID, run.Task, result, string(origin), originChatID)

	msg := bus.NewInboundMessage(bus.SourceSystem, "subagent", "subagent-"+run.ID, text)
	sm.bus.Publish(msg)
}

func subagentRules(label string) string {
	return fmt.Sprintf(`# Background Task: %s

You are a focused background worker. Complete the task below and finish
with a concise final answer; it will be reported back to the main agent.

Rules:
- Work autonomously. Nobody will answer follow-up questions.
- Do not message users or spawn further tasks.
- Your final text response is the deliverable. Include concrete findings,
  file paths you created, and anything the main agent needs to act on.`, label)
}
