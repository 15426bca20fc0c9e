// Package dependency wires the daemon's services using go.uber.org/dig.
package dependency

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/dig"

	"github.com/duskpetrel/duskpetrel/internal/agent"
	"github.com/duskpetrel/duskpetrel/internal/bus"
	"github.com/duskpetrel/duskpetrel/internal/channels"
	"github.com/duskpetrel/duskpetrel/internal/config"
	"github.com/duskpetrel/duskpetrel/internal/cron"
	"github.com/duskpetrel/duskpetrel/internal/gateway"
	"github.com/duskpetrel/duskpetrel/internal/heartbeat"
	"github.com/duskpetrel/duskpetrel/internal/memory"
	"github.com/duskpetrel/duskpetrel/internal/providers"
	"github.com/duskpetrel/duskpetrel/internal/schema"
	"github.com/duskpetrel/duskpetrel/internal/session"
	"github.com/duskpetrel/duskpetrel/internal/tools"
	"github.com/duskpetrel/duskpetrel/internal/usage"
)

// Paths locates the daemon's on-disk state. Tests point these at temp dirs.
type Paths struct {
	Root      string // pid file, monitor file, control socket
	State     string // session snapshots and event logs
	MemoryDB  string // single-file memory database
	CostDB    string // append-only cost database
	CronStore string // persisted cron jobs
	Media     string // downloaded channel attachments
}

// DefaultPaths returns the standard ~/.duskpetrel layout.
func DefaultPaths() Paths {
	return Paths{
		Root:      config.DataDir(),
		State:     config.StateDir(),
		MemoryDB:  filepath.Join(config.MemoryDir(), "memory.db"),
		CostDB:    filepath.Join(config.MemoryDir(), "cost.db"),
		CronStore: filepath.Join(config.DataDir(), "cron", "jobs.json"),
		Media:     config.MediaDir(),
	}
}

// MonitorFile returns the per-message monitor path.
func (p Paths) MonitorFile() string { return filepath.Join(p.Root, "monitor.json") }

// PIDFile returns the daemon pid file path.
func (p Paths) PIDFile() string { return filepath.Join(p.Root, "duskpetrel.pid") }

// SocketFile returns the control-socket path.
func (p Paths) SocketFile() string { return filepath.Join(p.Root, "control.sock") }

// Container holds the resolved service singletons. Callers use the typed
// getters; they never need to import dig directly.
type Container struct {
	handle    *config.Handle
	msgBus    *bus.MessageBus
	sessions  *session.Manager
	memStore  *memory.Store
	costs     *usage.Store
	tracker   *usage.Tracker
	registry  *tools.Registry
	orch      *agent.Orchestrator
	subagents *agent.SubagentManager
	chanMgr   *channels.Manager
	cronSvc   *cron.Service
	heartbeat *heartbeat.Service
	gateway   *gateway.Server
}

func (c *Container) Config() *config.Handle             { return c.handle }
func (c *Container) Bus() *bus.MessageBus               { return c.msgBus }
func (c *Container) Sessions() *session.Manager         { return c.sessions }
func (c *Container) Memory() *memory.Store              { return c.memStore }
func (c *Container) Costs() *usage.Store                { return c.costs }
func (c *Container) Tracker() *usage.Tracker            { return c.tracker }
func (c *Container) Registry() *tools.Registry          { return c.registry }
func (c *Container) Orchestrator() *agent.Orchestrator  { return c.orch }
func (c *Container) Subagents() *agent.SubagentManager  { return c.subagents }
func (c *Container) Channels() *channels.Manager        { return c.chanMgr }
func (c *Container) Cron() *cron.Service                { return c.cronSvc }
func (c *Container) Heartbeat() *heartbeat.Service      { return c.heartbeat }
func (c *Container) Gateway() *gateway.Server           { return c.gateway }

// Close releases the container's durable resources.
func (c *Container) Close() {
	c.subagents.StopAll()
	if c.memStore != nil {
		if err := c.memStore.Close(); err != nil {
			slog.Warn("memory store close failed", "error", err)
		}
	}
	if c.costs != nil {
		if err := c.costs.Close(); err != nil {
			slog.Warn("cost store close failed", "error", err)
		}
	}
}

// New builds and wires all services from the live config handle.
func New(handle *config.Handle, paths Paths) (*Container, error) {
	d := dig.New()

	providersList := []any{
		func() *config.Handle { return handle },
		func() Paths { return paths },
		newMessageBus,
		newSessionManager,
		newMemoryStore,
		newCostStore,
		newTracker,
		newProviderFactory,
		newEmbedder,
		newContextBuilder,
		newCronService,
		newRegistryAndSubagents,
		newOrchestrator,
		newChannelManager,
		newHeartbeat,
		newGateway,
	}
	for _, p := range providersList {
		if err := d.Provide(p); err != nil {
			return nil, fmt.Errorf("wire services: %w", err)
		}
	}

	var result *Container
	err := d.Invoke(func(
		msgBus *bus.MessageBus,
		sessions *session.Manager,
		memStore *memory.Store,
		costs *usage.Store,
		tracker *usage.Tracker,
		factory agent.ProviderFactory,
		embedder schema.Embedder,
		registry *tools.Registry,
		orch *agent.Orchestrator,
		subagents *agent.SubagentManager,
		chanMgr *channels.Manager,
		cronSvc *cron.Service,
		hb *heartbeat.Service,
		gw *gateway.Server,
	) {
		result = &Container{
			handle:    handle,
			msgBus:    msgBus,
			sessions:  sessions,
			memStore:  memStore,
			costs:     costs,
			tracker:   tracker,
			registry:  registry,
			orch:      orch,
			subagents: subagents,
			chanMgr:   chanMgr,
			cronSvc:   cronSvc,
			heartbeat: hb,
			gateway:   gw,
		}
		result.wire(paths, factory, embedder)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// wire connects the pieces dig cannot express as constructor arguments:
// lifecycle hooks, the cron callback, and the gateway status enrichers.
func (c *Container) wire(paths Paths, factory agent.ProviderFactory, embedder schema.Embedder) {
	if c.memStore != nil {
		hook := c.consolidationHook(factory)
		c.sessions.OnClose(hook)
		c.sessions.OnPreCompaction(hook)
	}

	c.cronSvc.SetOnJob(c.cronJob(paths, factory, embedder))

	c.gateway.ChannelNames = c.chanMgr.EnabledChannels
	c.gateway.RunningSubagents = c.subagents.Running
}

// consolidationHook extracts durable memory from a session before its
// messages are discarded (close or compaction).
func (c *Container) consolidationHook(factory agent.ProviderFactory) session.Hook {
	return func(ctx context.Context, s *session.Session) error {
		profile := c.handle.Current().ProfileFor(string(bus.SourceSystem))
		if profile == nil {
			return nil
		}
		text := transcript(s.History())
		if text == "" {
			return nil
		}
		cons := memory.NewConsolidator(c.memStore, factory(profile),
			schema.NewChatOptions(profile.Model, profile.MaxTokens, profile.Temperature))
		return cons.ExtractAndStore(ctx, s.Key, text)
	}
}

// cronJob dispatches fired jobs: agent turns run through the orchestrator,
// the index and consolidate kinds run the maintenance workers directly.
func (c *Container) cronJob(paths Paths, factory agent.ProviderFactory, embedder schema.Embedder) cron.OnJobFunc {
	return func(ctx context.Context, job cron.Job) (string, error) {
		switch job.Payload.Kind {
		case "index":
			if c.memStore == nil {
				return "", fmt.Errorf("memory store unavailable")
			}
			workspace := c.handle.Current().WorkspacePath()
			stats, err := c.memStore.IndexWorkspace(ctx, workspace, embedder)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("scanned %d files, indexed %d, removed %d", stats.Scanned, stats.Indexed, stats.Removed), nil

		case "consolidate":
			if c.memStore == nil {
				return "", fmt.Errorf("memory store unavailable")
			}
			profile := c.handle.Current().ProfileFor(string(bus.SourceSystem))
			if profile == nil {
				return "", fmt.Errorf("no provider profile routed for consolidation")
			}
			cons := memory.NewConsolidator(c.memStore, factory(profile),
				schema.NewChatOptions(profile.Model, profile.MaxTokens, profile.Temperature))
			logsDir := filepath.Join(paths.State, "sessions")
			if err := cons.ConsolidateLogs(ctx, logsDir); err != nil {
				return "", err
			}
			return "consolidation complete", nil

		default: // agent_turn
			source := bus.SourceCron
			if job.Payload.Source != "" {
				source = bus.Source(job.Payload.Source)
			}
			chatID := job.Payload.ChatID
			if chatID == "" {
				chatID = "cron:" + job.ID
			}
			msg := bus.NewInboundMessage(source, "cron", chatID, job.Payload.Message)
			return c.orch.ProcessDirect(ctx, msg)
		}
	}
}

// transcript flattens a session history into role-prefixed lines for the
// extraction prompt.
func transcript(history schema.Messages) string {
	var b strings.Builder
	for _, m := range history.Messages {
		text := strings.TrimSpace(m.Text())
		if text == "" {
			continue
		}
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(text)
		b.WriteByte('\n')
	}
	return strings.TrimSpace(b.String())
}

// ---------------------------------------------------------------------------
// Providers

func newMessageBus() *bus.MessageBus {
	return bus.NewMessageBus(100)
}

func newSessionManager(paths Paths) (*session.Manager, error) {
	return session.NewManager(paths.State)
}

// newMemoryStore opens the memory database. Failure degrades to nil: the
// agent runs without recall and memory tools rather than not at all.
func newMemoryStore(paths Paths) *memory.Store {
	if err := os.MkdirAll(filepath.Dir(paths.MemoryDB), 0o755); err != nil {
		slog.Warn("memory dir create failed", "error", err)
		return nil
	}
	store, err := memory.Open(paths.MemoryDB)
	if err != nil {
		slog.Warn("memory store unavailable", "path", paths.MemoryDB, "error", err)
		return nil
	}
	return store
}

// newCostStore opens the cost database. Same degradation as the memory
// store: nil disables durable cost records only.
func newCostStore(paths Paths) *usage.Store {
	if err := os.MkdirAll(filepath.Dir(paths.CostDB), 0o755); err != nil {
		slog.Warn("state dir create failed", "error", err)
		return nil
	}
	store, err := usage.OpenStore(paths.CostDB)
	if err != nil {
		slog.Warn("cost store unavailable", "path", paths.CostDB, "error", err)
		return nil
	}
	return store
}

func newTracker() *usage.Tracker {
	return usage.NewTracker()
}

func newProviderFactory() agent.ProviderFactory {
	return func(profile *config.ProviderProfile) schema.LLMProvider {
		return providers.New(profile)
	}
}

// newEmbedder builds the embedding client, or nil when no embed profile is
// configured. Vector recall is then skipped; full-text search still works.
func newEmbedder(handle *config.Handle) schema.Embedder {
	profile := handle.Current().EmbedProfile()
	if profile == nil || profile.APIKey == "" {
		return nil
	}
	embedder, err := providers.NewEmbedder(profile)
	if err != nil {
		slog.Warn("embedder unavailable", "error", err)
		return nil
	}
	return embedder
}

func newContextBuilder(handle *config.Handle, store *memory.Store, embedder schema.Embedder) *agent.ContextBuilder {
	cfg := handle.Current()
	recall := memory.RecallOptions{
		K:             cfg.Memory.RecallK,
		FTSWeight:     cfg.Memory.FTSWeight,
		VectorWeight:  cfg.Memory.VectorWeight,
		DecayDays:     cfg.Memory.DecayDays,
		MaxBlockRunes: cfg.Memory.MaxBlockRunes,
	}
	return agent.NewContextBuilder(cfg.WorkspacePath(), store, embedder, recall)
}

func newCronService(paths Paths) *cron.Service {
	return cron.NewService(paths.CronStore)
}

// newRegistryAndSubagents assembles the tool registry and the subagent
// manager together: the spawn tool needs the manager, and the manager hands
// the (deny-filtered) registry to each subagent.
func newRegistryAndSubagents(
	handle *config.Handle,
	paths Paths,
	msgBus *bus.MessageBus,
	store *memory.Store,
	cronSvc *cron.Service,
	factory agent.ProviderFactory,
	tracker *usage.Tracker,
	costs *usage.Store,
) (*tools.Registry, *agent.SubagentManager) {
	cfg := handle.Current()
	workspace := cfg.WorkspacePath()
	boundary := tools.NewBoundary(workspace, cfg.EffectiveAllowRoots())

	available := []schema.Tool{
		tools.NewReadFileTool(boundary),
		tools.NewWriteFileTool(boundary),
		tools.NewEditFileTool(boundary),
		tools.NewListDirTool(boundary),
		tools.NewExecTool(boundary, workspace, cfg.Tools.Exec.Timeout, cfg.Tools.SecretSuffixes),
		tools.NewWebSearchTool(cfg.Tools.Web.APIKey, cfg.Tools.Web.MaxResults),
		tools.NewWebFetchTool(0),
		tools.NewMessageTool(msgBus),
		tools.NewCronTool(cronSvc),
	}
	if store != nil {
		available = append(available,
			tools.NewMemoryWriteTool(store),
			tools.NewMemoryForgetTool(store),
			tools.NewMemoryLookupTool(store),
			tools.NewCommitmentTool(store),
		)
	}

	enabled := toolFilter(cfg.Tools.Enabled)
	registry := tools.NewRegistry()
	for _, t := range available {
		if enabled(t.Name()) {
			registry.Add(t)
		}
	}

	subagents := agent.NewSubagentManager(handle, msgBus, registry, factory, tracker, costs)
	if enabled("spawn") {
		registry.Add(tools.NewSpawnTool(subagents))
	}
	return registry, subagents
}

// toolFilter returns the enable predicate: an empty list admits everything.
func toolFilter(enabled []string) func(string) bool {
	if len(enabled) == 0 {
		return func(string) bool { return true }
	}
	set := make(map[string]bool, len(enabled))
	for _, name := range enabled {
		set[name] = true
	}
	return func(name string) bool { return set[name] }
}

func newOrchestrator(
	handle *config.Handle,
	paths Paths,
	msgBus *bus.MessageBus,
	sessions *session.Manager,
	registry *tools.Registry,
	builder *agent.ContextBuilder,
	factory agent.ProviderFactory,
	tracker *usage.Tracker,
	costs *usage.Store,
) *agent.Orchestrator {
	return agent.NewOrchestrator(handle, msgBus, sessions, registry, builder,
		factory, tracker, costs, paths.MonitorFile())
}

func newChannelManager(handle *config.Handle, paths Paths, msgBus *bus.MessageBus) *channels.Manager {
	return channels.NewManager(handle.Current(), msgBus, paths.Media)
}

func newHeartbeat(handle *config.Handle, msgBus *bus.MessageBus) *heartbeat.Service {
	cfg := handle.Current()
	interval := time.Duration(cfg.Heartbeat.IntervalMinutes) * time.Minute
	onBeat := func(ctx context.Context, content string) error {
		msgBus.Publish(bus.NewInboundMessage(bus.SourceSystem, "heartbeat", "heartbeat", content))
		return nil
	}
	return heartbeat.NewService(cfg.WorkspacePath(), onBeat, interval)
}

func newGateway(
	handle *config.Handle,
	paths Paths,
	msgBus *bus.MessageBus,
	sessions *session.Manager,
	tracker *usage.Tracker,
	costs *usage.Store,
) *gateway.Server {
	srv := gateway.NewServer(handle, msgBus, sessions, tracker, costs, paths.MonitorFile())
	srv.SocketPath = paths.SocketFile()
	return srv
}
