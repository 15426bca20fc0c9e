package gateway

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/duskpetrel/duskpetrel/internal/bus"
	"github.com/duskpetrel/duskpetrel/internal/config"
	"github.com/duskpetrel/duskpetrel/internal/session"
	"github.com/duskpetrel/duskpetrel/internal/usage"
)

const testToken = "secret-token"

func newTestServer(t *testing.T, mutate func(*config.Config)) (*Server, *bus.MessageBus, *session.Manager) {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Gateway.AuthToken = testToken
	if mutate != nil {
		mutate(&cfg)
	}
	cfgPath := filepath.Join(t.TempDir(), "config.json")
	if err := config.Save(&cfg, cfgPath); err != nil {
		t.Fatalf("save config: %v", err)
	}
	handle, err := config.NewHandle(cfgPath)
	if err != nil {
		t.Fatalf("config handle: %v", err)
	}

	sessions, err := session.NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("session manager: %v", err)
	}

	b := bus.NewMessageBus(16)
	monitor := filepath.Join(t.TempDir(), "monitor.json")
	srv := NewServer(handle, b, sessions, usage.NewTracker(), nil, monitor)
	return srv, b, sessions
}

func doRequest(t *testing.T, h http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func TestStatusUnauthenticated(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)
	w := doRequest(t, srv.routes(), "GET", "/status", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestAuthRejectionIsGeneric(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)
	h := srv.routes()

	missing := doRequest(t, h, "GET", "/sessions", "", "")
	wrong := doRequest(t, h, "GET", "/sessions", "wrong-token", "")

	for name, w := range map[string]*httptest.ResponseRecorder{"missing": missing, "wrong": wrong} {
		if w.Code != http.StatusUnauthorized {
			t.Errorf("%s token: status = %d", name, w.Code)
		}
	}
	if missing.Body.String() != wrong.Body.String() {
		t.Errorf("denial bodies differ: %q vs %q", missing.Body.String(), wrong.Body.String())
	}
}

func TestUnsetTokenFailsClosed(t *testing.T) {
	srv, _, _ := newTestServer(t, func(c *config.Config) { c.Gateway.AuthToken = "" })
	w := doRequest(t, srv.routes(), "GET", "/sessions", "", "")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestRateLimit(t *testing.T) {
	srv, _, _ := newTestServer(t, func(c *config.Config) { c.Gateway.RateLimitPerMin = 3 })
	h := srv.routes()

	var got429 bool
	for i := 0; i < 10; i++ {
		w := doRequest(t, h, "GET", "/sessions", testToken, "")
		if w.Code == http.StatusTooManyRequests {
			got429 = true
			break
		}
	}
	if !got429 {
		t.Error("rate limit never tripped")
	}
}

func TestChatRoundTrip(t *testing.T) {
	srv, b, _ := newTestServer(t, nil)

	// Stand in for the orchestrator: answer the response future.
	done := make(chan struct{})
	go func() {
		defer close(done)
		select {
		case in := <-b.Inbound:
			if in.Source != bus.SourceHTTP || in.Text != "ping" {
				t.Errorf("inbound = %+v", in)
			}
			in.ResponseFuture <- bus.Reply{Text: "pong"}
		case <-time.After(5 * time.Second):
			t.Error("no inbound message published")
		}
	}()

	w := doRequest(t, srv.routes(), "POST", "/chat", testToken, `{"message":"ping"}`)
	<-done
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var body map[string]string
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	if body["reply"] != "pong" {
		t.Errorf("reply = %q", body["reply"])
	}
}

func TestChatRequiresMessage(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)
	w := doRequest(t, srv.routes(), "POST", "/chat", testToken, `{"message":"  "}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestNotifyQueuesSystemMessage(t *testing.T) {
	srv, b, _ := newTestServer(t, nil)
	w := doRequest(t, srv.routes(), "POST", "/notify", testToken, `{"message":"check the backlog"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d", w.Code)
	}

	select {
	case in := <-b.Inbound:
		if in.Source != bus.SourceSystem {
			t.Errorf("source = %q", in.Source)
		}
		if in.ResponseFuture != nil {
			t.Error("notify must not carry a response future")
		}
	default:
		t.Fatal("nothing published")
	}
}

func TestSessionsAndHistory(t *testing.T) {
	srv, _, sessions := newTestServer(t, nil)
	h := srv.routes()

	sess, err := sessions.GetOrCreate("cli:direct")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if err := sessions.AppendUser(sess, "hello", false); err != nil {
		t.Fatalf("AppendUser: %v", err)
	}

	w := doRequest(t, h, "GET", "/sessions", testToken, "")
	if w.Code != http.StatusOK {
		t.Fatalf("sessions status = %d", w.Code)
	}
	var listBody struct {
		Sessions []session.SessionInfo `json:"sessions"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &listBody); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(listBody.Sessions) != 1 || listBody.Sessions[0].Key != "cli:direct" {
		t.Errorf("sessions = %+v", listBody.Sessions)
	}

	w = doRequest(t, h, "GET", "/sessions/cli:direct/history", testToken, "")
	if w.Code != http.StatusOK {
		t.Fatalf("history status = %d: %s", w.Code, w.Body.String())
	}
	var histBody struct {
		History []historyEntry `json:"history"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &histBody); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(histBody.History) != 1 || histBody.History[0].Content != "hello" {
		t.Errorf("history = %+v", histBody.History)
	}

	w = doRequest(t, h, "GET", "/sessions/no:such/history", testToken, "")
	if w.Code != http.StatusNotFound {
		t.Errorf("missing session status = %d, want 404", w.Code)
	}
}

func TestResetClosesSession(t *testing.T) {
	srv, _, sessions := newTestServer(t, nil)

	sess, err := sessions.GetOrCreate("telegram:42")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if err := sessions.AppendUser(sess, "hi", false); err != nil {
		t.Fatalf("AppendUser: %v", err)
	}

	w := doRequest(t, srv.routes(), "POST", "/sessions/reset", testToken, `{"session":"telegram:42"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if len(sessions.List()) != 0 {
		t.Error("session still listed after reset")
	}
}

func TestCost(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)
	w := doRequest(t, srv.routes(), "GET", "/cost", testToken, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := body["total"]; !ok {
		t.Errorf("no total in %v", body)
	}
}

func TestMonitor(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)
	h := srv.routes()

	w := doRequest(t, h, "GET", "/monitor", testToken, "")
	if w.Code != http.StatusNotFound {
		t.Errorf("missing monitor status = %d, want 404", w.Code)
	}

	entry := `{"source":"cli","preview":"hi"}`
	if err := os.WriteFile(srv.monitorPath, []byte(entry), 0o600); err != nil {
		t.Fatalf("write monitor: %v", err)
	}
	w = doRequest(t, h, "GET", "/monitor", testToken, "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"cli"`) {
		t.Errorf("monitor = %d %q", w.Code, w.Body.String())
	}
}

func TestEvolveQueuesTurn(t *testing.T) {
	srv, b, _ := newTestServer(t, nil)
	w := doRequest(t, srv.routes(), "POST", "/evolve", testToken, `{"focus":"tool usage"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d", w.Code)
	}

	select {
	case in := <-b.Inbound:
		if in.Source != bus.SourceSystem || in.ChatID != "evolve" {
			t.Errorf("inbound = %+v", in)
		}
		if !strings.Contains(in.Text, "tool usage") {
			t.Errorf("focus missing from prompt: %q", in.Text)
		}
	default:
		t.Fatal("nothing published")
	}
}

func TestBodySizeCap(t *testing.T) {
	srv, _, _ := newTestServer(t, func(c *config.Config) { c.Gateway.MaxBodyBytes = 64 })
	big := `{"message":"` + strings.Repeat("x", 1024) + `"}`
	w := doRequest(t, srv.routes(), "POST", "/chat", testToken, big)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 on oversized body", w.Code)
	}
}

func TestControlSocket(t *testing.T) {
	srv, _, _ := newTestServer(t, func(c *config.Config) { c.Gateway.Port = 0 })
	srv.SocketPath = filepath.Join(t.TempDir(), "control.sock")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Start(ctx)

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := os.Stat(srv.SocketPath); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("control socket never appeared")
		}
		time.Sleep(10 * time.Millisecond)
	}

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", srv.SocketPath)
			},
		},
	}
	resp, err := client.Get("http://unix/status")
	if err != nil {
		t.Fatalf("socket request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status over socket = %d", resp.StatusCode)
	}
}

func TestStartShutsDownOnCancel(t *testing.T) {
	srv, _, _ := newTestServer(t, func(c *config.Config) { c.Gateway.Port = 0 })
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("Start returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}
