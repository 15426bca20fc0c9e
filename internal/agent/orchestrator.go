package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/duskpetrel/duskpetrel/internal/bus"
	"github.com/duskpetrel/duskpetrel/internal/config"
	"github.com/duskpetrel/duskpetrel/internal/retry"
	"github.com/duskpetrel/duskpetrel/internal/schema"
	"github.com/duskpetrel/duskpetrel/internal/session"
	"github.com/duskpetrel/duskpetrel/internal/tools"
	"github.com/duskpetrel/duskpetrel/internal/usage"
)

// ErrBackpressure is returned by Submit when a sender's buffer is full.
var ErrBackpressure = errors.New("sender message buffer full")

const helpText = `Commands:
/new  - close the current session and start fresh
/help - show this help

Anything else is sent to the assistant. Attach files or reply to a
message to give it more context.`

// ProviderFactory builds a chat provider for a profile. Indirection keeps
// the orchestrator testable with fake providers.
type ProviderFactory func(profile *config.ProviderProfile) schema.LLMProvider

// Orchestrator consumes inbound messages from the bus, runs the agentic
// loop per message, and routes replies back out. Messages from the same
// session are serialised through a per-sender worker; different senders
// proceed concurrently.
type Orchestrator struct {
	cfg         *config.Handle
	bus         *bus.MessageBus
	sessions    *session.Manager
	registry    *tools.Registry
	builder     *ContextBuilder
	newProvider ProviderFactory
	tracker     *usage.Tracker
	costs       *usage.Store
	monitorPath string

	mu      sync.Mutex
	workers map[string]chan bus.InboundMessage
	wg      sync.WaitGroup
}

// NewOrchestrator wires the orchestrator. costs may be nil when durable
// cost records are disabled.
func NewOrchestrator(cfg *config.Handle, b *bus.MessageBus, sessions *session.Manager,
	registry *tools.Registry, builder *ContextBuilder, newProvider ProviderFactory,
	tracker *usage.Tracker, costs *usage.Store, monitorPath string) *Orchestrator {
	return &Orchestrator{
		cfg:         cfg,
		bus:         b,
		sessions:    sessions,
		registry:    registry,
		builder:     builder,
		newProvider: newProvider,
		tracker:     tracker,
		costs:       costs,
		monitorPath: monitorPath,
		workers:     make(map[string]chan bus.InboundMessage),
	}
}

// Run consumes the inbound bus until ctx is cancelled, then waits for
// in-flight workers to finish their current message.
func (o *Orchestrator) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			o.wg.Wait()
			return ctx.Err()
		case msg := <-o.bus.Inbound:
			if err := o.Submit(ctx, msg); err != nil {
				slog.Warn("inbound message rejected",
					"source", msg.Source, "sender", msg.Sender, "error", err)
				if msg.ResponseFuture != nil {
					msg.ResponseFuture <- bus.Reply{Err: err}
				}
			}
		}
	}
}

// Submit queues a message on its sender's worker, starting the worker on
// first use. A full buffer fails fast with ErrBackpressure instead of
// blocking the bus reader.
func (o *Orchestrator) Submit(ctx context.Context, msg bus.InboundMessage) error {
	key := msg.SessionKey()

	o.mu.Lock()
	ch, ok := o.workers[key]
	if !ok {
		size := o.cfg.Current().Agent.BufferSize
		if size <= 0 {
			size = 16
		}
		ch = make(chan bus.InboundMessage, size)
		o.workers[key] = ch
		o.wg.Add(1)
		go o.worker(ctx, ch)
	}
	o.mu.Unlock()

	select {
	case ch <- msg:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrBackpressure, key)
	}
}

// ProcessDirect handles one message synchronously and returns the reply
// text. Used by the CLI REPL and by cron-triggered agent turns.
func (o *Orchestrator) ProcessDirect(ctx context.Context, msg bus.InboundMessage) (string, error) {
	fut := make(chan bus.Reply, 1)
	msg.ResponseFuture = fut
	o.process(ctx, msg, []chan bus.Reply{fut})
	r := <-fut
	return r.Text, r.Err
}

// worker serialises one sender's messages, coalescing bursts that arrive
// within the debounce window into a single agent turn.
func (o *Orchestrator) worker(ctx context.Context, ch chan bus.InboundMessage) {
	defer o.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-ch:
			futures := futuresOf(msg)
			msg = o.coalesce(ctx, ch, msg, &futures)
			o.process(ctx, msg, futures)
		}
	}
}

// coalesce drains further messages from the same sender for the debounce
// window, merging their text and attachments into one message. The timer
// resets on every arrival, so a steady typist gets one combined turn.
func (o *Orchestrator) coalesce(ctx context.Context, ch chan bus.InboundMessage,
	msg bus.InboundMessage, futures *[]chan bus.Reply) bus.InboundMessage {

	window := time.Duration(o.cfg.Current().Agent.DebounceMs) * time.Millisecond
	if window <= 0 {
		return msg
	}
	timer := time.NewTimer(window)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return msg
		case <-timer.C:
			return msg
		case next := <-ch:
			msg = mergeInbound(msg, next)
			*futures = append(*futures, futuresOf(next)...)
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(window)
		}
	}
}

func futuresOf(msg bus.InboundMessage) []chan bus.Reply {
	if msg.ResponseFuture == nil {
		return nil
	}
	return []chan bus.Reply{msg.ResponseFuture}
}

// mergeInbound folds next into base: texts joined by newline, attachments
// appended, the newest metadata kept so replies quote the latest message.
func mergeInbound(base, next bus.InboundMessage) bus.InboundMessage {
	switch {
	case base.Text == "":
		base.Text = next.Text
	case next.Text != "":
		base.Text += "\n" + next.Text
	}
	if base.Quote == "" {
		base.Quote = next.Quote
	}
	base.Attachments = append(base.Attachments, next.Attachments...)
	if next.Metadata != nil {
		base.Metadata = next.Metadata
	}
	return base
}

// process runs the full pipeline for one (possibly coalesced) message and
// routes the outcome: response futures are always completed; channel
// delivery happens only when no future is attached and the source and
// reply call for it.
func (o *Orchestrator) process(ctx context.Context, msg bus.InboundMessage, futures []chan bus.Reply) {
	cfg := o.cfg.Current()
	start := time.Now()
	slog.Info("processing message", "source", msg.Source, "sender", msg.Sender, "preview", msg.Preview())

	reply, sent, err := o.handle(ctx, cfg, msg)
	if err != nil {
		slog.Error("message processing failed",
			"source", msg.Source, "session", msg.SessionKey(), "error", err)
	}

	if len(futures) > 0 {
		for _, f := range futures {
			if err != nil {
				f <- bus.Reply{Err: err}
			} else {
				f <- bus.Reply{Text: reply}
			}
		}
	} else if shouldDeliver(msg.Source, cfg.Agent.NoDeliverySources) {
		text := reply
		if err != nil {
			text = "Sorry, something went wrong while handling that message. Please try again."
		}
		if !isSilent(text, cfg.Agent.SilentTokens) && !sent {
			out := bus.NewOutboundMessage(msg.Source, msg.ChatID, text)
			out.ReplyTo = metadataMessageID(msg)
			out.Metadata = msg.Metadata
			o.bus.Deliver(out)
		}
	}

	o.writeMonitor(msg, reply, err, time.Since(start))
}

// handle runs pipeline steps that touch the session: slash commands, quote
// and warning injection, attachment processing, the loop itself, and the
// post-turn compaction bookkeeping. sent reports whether the message tool
// already delivered to the originating chat during the turn.
func (o *Orchestrator) handle(ctx context.Context, cfg *config.Config, msg bus.InboundMessage) (reply string, sent bool, err error) {
	key := msg.SessionKey()

	profile := cfg.ProfileFor(string(msg.Source))
	if profile == nil {
		return "", false, fmt.Errorf("no provider profile routed for source %q", msg.Source)
	}

	if len(msg.Attachments) == 0 {
		switch strings.TrimSpace(msg.Text) {
		case "/new":
			if err := o.sessions.Close(ctx, key); err != nil {
				return "", false, fmt.Errorf("close session %s: %w", key, err)
			}
			o.tracker.ResetSession(key)
			return "Started a new session. Previous conversation has been archived.", false, nil
		case "/help":
			return helpText, false, nil
		}
	}

	sess, err := o.sessions.GetOrCreate(key)
	if err != nil {
		return "", false, fmt.Errorf("open session %s: %w", key, err)
	}

	text := injectQuote(msg.Text, msg.Quote)
	warning := sess.Warning()
	text = injectWarning(warning, text)

	history := sess.History()
	userContent := buildUserContent(text, msg.Attachments, profile.Vision, cfg.Tools.DocMaxBytes)

	if err := o.sessions.AppendUser(sess, text, warning != ""); err != nil {
		return "", false, fmt.Errorf("append user event: %w", err)
	}

	conversation := o.builder.BuildMessages(ctx, history, userContent, msg.Text, key)

	provider := o.newProvider(profile)
	runner := NewLoopRunner(provider, profile, retryConfigFrom(cfg.Retry),
		o.tracker, o.costs, cfg.Agent.MaxTurns, cfg.Agent.CostCeilingUSD)

	sentCh := make(chan struct{})
	tctx := tools.WithTurn(ctx, tools.TurnContext{
		Source:      msg.Source,
		ChatID:      msg.ChatID,
		MsgID:       metadataMessageID(msg),
		MessageSent: sentCh,
	})

	reply, err = runner.Run(tctx, key, conversation, o.registry,
		&sessionRecorder{mgr: o.sessions, sess: sess}, nil)
	select {
	case <-sentCh:
		sent = true
	default:
	}
	if err != nil {
		return "", sent, err
	}

	window := int64(profile.ContextWindow)
	switch {
	case shouldCompact(sess.Tokens(), window, cfg.Agent.HardThreshold):
		if cerr := o.sessions.Compact(ctx, sess, cfg.Agent.CompactFraction,
			summarizeWith(provider, profile)); cerr != nil {
			slog.Warn("session compaction failed", "session", key, "error", cerr)
		}
	case shouldWarnContext(sess.Tokens(), window, cfg.Agent.WarnThreshold,
		sess.Warning() != "", sess.Compactions()):
		if werr := o.sessions.SetWarning(sess, cfg.Agent.ContextWarning); werr != nil {
			slog.Warn("set context warning failed", "session", key, "error", werr)
		}
	}

	if msg.Source == bus.SourceSystem {
		if cerr := o.sessions.Close(ctx, key); cerr != nil {
			slog.Warn("system session close failed", "session", key, "error", cerr)
		}
	}

	return reply, sent, nil
}

func retryConfigFrom(rc config.RetryConfig) retry.Config {
	return retry.Config{
		MaxAttempts:   rc.MaxAttempts,
		BaseDelay:     time.Duration(rc.BaseDelayMs) * time.Millisecond,
		MaxDelay:      time.Duration(rc.MaxDelayMs) * time.Millisecond,
		TotalDeadline: time.Duration(rc.TotalDeadlineS) * time.Second,
	}
}

func metadataMessageID(msg bus.InboundMessage) string {
	if msg.Metadata == nil {
		return ""
	}
	if id, ok := msg.Metadata["message_id"].(string); ok {
		return id
	}
	return ""
}

const compactionPrompt = `You summarise conversations for long-term continuity.
Produce a dense summary of the conversation below: decisions made, facts
learned about the user, open tasks, and anything the assistant promised.
Write in third person, no preamble.`

// summarizeWith returns a SummarizeFunc backed by the turn's provider.
func summarizeWith(p schema.LLMProvider, profile *config.ProviderProfile) session.SummarizeFunc {
	return func(ctx context.Context, msgs schema.Messages) (string, error) {
		conv := schema.NewMessages(schema.NewSystemMessage(compactionPrompt))
		conv.Append(msgs)
		conv.AddUser("Summarise the conversation above now.")
		opts := schema.NewChatOptions(profile.Model, profile.MaxTokens, 0.2)
		resp, err := p.Chat(ctx, conv, nil, opts)
		if err != nil {
			return "", err
		}
		if resp.Content == nil || *resp.Content == "" {
			return "", fmt.Errorf("provider returned empty summary")
		}
		return *resp.Content, nil
	}
}

// sessionRecorder persists loop events through the session manager so a
// crash mid-loop loses at most the turn in flight.
type sessionRecorder struct {
	mgr  *session.Manager
	sess *session.Session
}

func (r *sessionRecorder) RecordAssistant(content *string, toolCalls []schema.ToolCall, tokens int64) error {
	return r.mgr.AppendAssistant(r.sess, content, toolCalls, tokens)
}

func (r *sessionRecorder) RecordToolResult(callID, name, result string) error {
	return r.mgr.AppendToolResult(r.sess, callID, name, result)
}

// monitorEntry is the shape of monitor.json, written after every processed
// message for external status tooling.
type monitorEntry struct {
	Time       time.Time `json:"time"`
	Source     string    `json:"source"`
	Sender     string    `json:"sender"`
	Session    string    `json:"session"`
	Preview    string    `json:"preview"`
	Reply      string    `json:"reply,omitempty"`
	Error      string    `json:"error,omitempty"`
	DurationMs int64     `json:"durationMs"`
	QueueIn    int       `json:"queueInbound"`
	QueueOut   int       `json:"queueOutbound"`
}

func (o *Orchestrator) writeMonitor(msg bus.InboundMessage, reply string, err error, took time.Duration) {
	if o.monitorPath == "" {
		return
	}
	entry := monitorEntry{
		Time:       time.Now(),
		Source:     string(msg.Source),
		Sender:     msg.Sender,
		Session:    msg.SessionKey(),
		Preview:    msg.Preview(),
		DurationMs: took.Milliseconds(),
		QueueIn:    o.bus.InboundSize(),
		QueueOut:   o.bus.OutboundSize(),
	}
	if err != nil {
		entry.Error = err.Error()
	} else if len(reply) > 200 {
		entry.Reply = reply[:200] + "..."
	} else {
		entry.Reply = reply
	}

	data, merr := json.MarshalIndent(entry, "", "  ")
	if merr != nil {
		return
	}
	tmp := o.monitorPath + ".tmp"
	if werr := os.MkdirAll(filepath.Dir(o.monitorPath), 0o755); werr != nil {
		return
	}
	if werr := os.WriteFile(tmp, data, 0o644); werr != nil {
		return
	}
	if rerr := os.Rename(tmp, o.monitorPath); rerr != nil {
		slog.Warn("monitor write failed", "error", rerr)
	}
}
