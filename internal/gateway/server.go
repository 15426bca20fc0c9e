// Package gateway exposes the local control API. Everything except
// GET /status requires bearer auth, is rate limited per client IP, and has
// its request body capped.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/duskpetrel/duskpetrel/internal/bus"
	"github.com/duskpetrel/duskpetrel/internal/config"
	"github.com/duskpetrel/duskpetrel/internal/ratelimit"
	"github.com/duskpetrel/duskpetrel/internal/session"
	"github.com/duskpetrel/duskpetrel/internal/usage"
)

// chatTimeout bounds how long POST /chat waits for the agent's reply.
const chatTimeout = 5 * time.Minute

// Server is the HTTP control surface of the daemon.
type Server struct {
	cfg         *config.Handle
	bus         *bus.MessageBus
	sessions    *session.Manager
	tracker     *usage.Tracker
	costs       *usage.Store // nil when the cost database is unavailable
	monitorPath string
	limiter     *ratelimit.Limiter
	started     time.Time

	// SocketPath, when set, serves the same API on a unix socket for
	// local tooling that should not depend on the TCP port.
	SocketPath string

	// Optional status enrichers, wired by the container.
	ChannelNames     func() []string
	RunningSubagents func() []string
}

// NewServer creates a Server. costs may be nil.
func NewServer(cfg *config.Handle, b *bus.MessageBus, sessions *session.Manager,
	tracker *usage.Tracker, costs *usage.Store, monitorPath string) *Server {
	gw := cfg.Current().Gateway
	return &Server{
		cfg:         cfg,
		bus:         b,
		sessions:    sessions,
		tracker:     tracker,
		costs:       costs,
		monitorPath: monitorPath,
		limiter: ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerMinute: gw.RateLimitPerMin,
			MaxKeys:           gw.RateLimitCap,
		}),
		started: time.Now(),
	}
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	gw := s.cfg.Current().Gateway
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", gw.Host, gw.Port),
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("gateway listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	var sockSrv *http.Server
	if s.SocketPath != "" {
		var err error
		sockSrv, err = s.serveSocket()
		if err != nil {
			slog.Warn("control socket unavailable", "path", s.SocketPath, "error", err)
		}
	}

	shutdown := func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
		if sockSrv != nil {
			_ = sockSrv.Shutdown(shutCtx)
			os.Remove(s.SocketPath)
		}
	}

	select {
	case <-ctx.Done():
		shutdown()
		return ctx.Err()
	case err := <-errCh:
		shutdown()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("gateway listen: %w", err)
	}
}

// serveSocket exposes the same handler on a unix socket. The socket file
// itself is the access boundary (0600), so requests over it still pass the
// same auth middleware.
func (s *Server) serveSocket() (*http.Server, error) {
	os.Remove(s.SocketPath)
	ln, err := net.Listen("unix", s.SocketPath)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(s.SocketPath, 0o600); err != nil {
		ln.Close()
		return nil, err
	}

	srv := &http.Server{Handler: s.routes(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		slog.Info("control socket listening", "path", s.SocketPath)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Warn("control socket serve failed", "error", err)
		}
	}()
	return srv, nil
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /chat", s.auth(s.handleChat))
	mux.HandleFunc("POST /notify", s.auth(s.handleNotify))
	mux.HandleFunc("GET /sessions", s.auth(s.handleSessions))
	mux.HandleFunc("GET /sessions/{id}/history", s.auth(s.handleHistory))
	mux.HandleFunc("POST /sessions/reset", s.auth(s.handleReset))
	mux.HandleFunc("GET /cost", s.auth(s.handleCost))
	mux.HandleFunc("GET /monitor", s.auth(s.handleMonitor))
	mux.HandleFunc("POST /evolve", s.auth(s.handleEvolve))
	return mux
}

// auth enforces the bearer token, the per-IP rate limit, and the body cap.
// Every failure returns the same generic denial.
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow(clientIP(r)) {
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limited"})
			return
		}

		gw := s.cfg.Current().Gateway
		token := gw.AuthToken
		presented := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		// An unset token fails closed: nothing authenticates.
		if token == "" || presented == r.Header.Get("Authorization") ||
			subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}

		maxBody := gw.MaxBodyBytes
		if maxBody <= 0 {
			maxBody = 1 << 20
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxBody)
		next(w, r)
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ---------------------------------------------------------------------------
// Handlers

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"status":         "ok",
		"uptime_s":       int64(time.Since(s.started).Seconds()),
		"queue_inbound":  s.bus.InboundSize(),
		"queue_outbound": s.bus.OutboundSize(),
		"sessions":       len(s.sessions.List()),
	}
	if s.ChannelNames != nil {
		status["channels"] = s.ChannelNames()
	}
	if s.RunningSubagents != nil {
		status["subagents"] = len(s.RunningSubagents())
	}
	writeJSON(w, http.StatusOK, status)
}

type chatRequest struct {
	Sender  string `json:"sender"`
	ChatID  string `json:"chat_id"`
	Message string `json:"message"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Message) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "message is required"})
		return
	}
	if req.Sender == "" {
		req.Sender = "api"
	}
	if req.ChatID == "" {
		req.ChatID = "api"
	}

	in := bus.NewInboundMessage(bus.SourceHTTP, req.Sender, req.ChatID, req.Message)
	in.ResponseFuture = make(chan bus.Reply, 1)
	s.bus.Publish(in)

	ctx, cancel := context.WithTimeout(r.Context(), chatTimeout)
	defer cancel()
	select {
	case reply := <-in.ResponseFuture:
		if reply.Err != nil {
			writeJSON(w, http.StatusBadGateway, map[string]string{"error": reply.Err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"reply": reply.Text})
	case <-ctx.Done():
		writeJSON(w, http.StatusGatewayTimeout, map[string]string{"error": "timed out waiting for reply"})
	}
}

type notifyRequest struct {
	Message string `json:"message"`
	Source  string `json:"source"`
	ChatID  string `json:"chat_id"`
}

// handleNotify injects a fire-and-forget system message. When source and
// chat_id name a real conversation the agent may deliver a reply there;
// otherwise the turn runs silently.
func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	var req notifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Message) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "message is required"})
		return
	}
	chatID := req.ChatID
	if chatID == "" {
		chatID = "notify"
	}

	in := bus.NewInboundMessage(bus.SourceSystem, "gateway", chatID, req.Message)
	if req.Source != "" {
		in.Metadata = map[string]any{"origin_source": req.Source, "origin_chat_id": req.ChatID}
	}
	s.bus.Publish(in)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	list := s.sessions.List()
	if list == nil {
		list = []session.SessionInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": list})
}

type historyEntry struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Tool      string `json:"tool,omitempty"`
	Timestamp string `json:"timestamp"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("id")
	found := false
	for _, info := range s.sessions.List() {
		if info.Key == key {
			found = true
			break
		}
	}
	if !found {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return
	}

	sess, err := s.sessions.GetOrCreate(key)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	history := sess.History()
	entries := make([]historyEntry, 0, history.Len())
	for _, msg := range history.Messages {
		entries = append(entries, historyEntry{
			Role:      msg.Role,
			Content:   contentText(msg.Content),
			Tool:      msg.ToolName,
			Timestamp: msg.Timestamp.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": key, "history": entries})
}

func contentText(content any) string {
	switch v := content.(type) {
	case string:
		return v
	case *string:
		if v != nil {
			return *v
		}
		return ""
	default:
		data, _ := json.Marshal(v)
		return string(data)
	}
}

type resetRequest struct {
	Session string `json:"session"`
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Session == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "session is required"})
		return
	}

	if err := s.sessions.Close(r.Context(), req.Session); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	s.tracker.ResetSession(req.Session)
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset", "session": req.Session})
}

func (s *Server) handleCost(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{
		"total":    s.tracker.Total(),
		"by_model": s.tracker.ByModel(),
	}
	if s.costs != nil {
		midnight := time.Now().Truncate(24 * time.Hour)
		if today, err := s.costs.TotalsSince(r.Context(), midnight); err == nil {
			out["today"] = today
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleMonitor(w http.ResponseWriter, r *http.Request) {
	data, err := os.ReadFile(s.monitorPath)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no monitor entry yet"})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

type evolveRequest struct {
	Focus string `json:"focus"`
}

// handleEvolve queues a self-improvement turn. The agent reviews its own
// workspace instructions and memory and updates them; the focus narrows
// what to look at.
func (s *Server) handleEvolve(w http.ResponseWriter, r *http.Request) {
	var req evolveRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	prompt := "Review your workspace instructions, skills and recent conversations. " +
		"Update AGENT.md and your memory with anything that should change. " +
		"Reply NO_REPLY when done."
	if strings.TrimSpace(req.Focus) != "" {
		prompt = "Self-improvement focus: " + req.Focus + "\n\n" + prompt
	}

	s.bus.Publish(bus.NewInboundMessage(bus.SourceSystem, "gateway", "evolve", prompt))
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("gateway response encode failed", "error", err)
	}
}
