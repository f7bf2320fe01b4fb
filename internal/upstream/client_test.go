package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/adam-doco/Zoe/internal/device"
)

type fakeCreds struct {
	url         string
	token       string
	identity    device.Identity
	invalidated atomic.Int32
}

func (f *fakeCreds) Provision(ctx context.Context) (device.Credential, error) {
	return device.Credential{URL: f.url, Token: f.token}, nil
}

func (f *fakeCreds) Identity() device.Identity { return f.identity }

func (f *fakeCreds) Invalidate() { f.invalidated.Add(1) }

var testUpgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// serveHandshake upgrades, consumes the client hello, and answers with
// a server hello carrying the given session id.
func serveHandshake(t *testing.T, w http.ResponseWriter, r *http.Request, sessionID string) *websocket.Conn {
	t.Helper()
	conn, err := testUpgrader.Upgrade(w, r, nil)
	if err != nil {
		t.Errorf("upgrade: %v", err)
		return nil
	}
	var hello Command
	if err := conn.ReadJSON(&hello); err != nil {
		t.Errorf("read hello: %v", err)
		conn.Close()
		return nil
	}
	if hello.Type != "hello" || hello.Transport != "websocket" {
		t.Errorf("unexpected hello: %+v", hello)
	}
	reply := map[string]any{
		"type":       "hello",
		"session_id": sessionID,
		"audio_params": map[string]any{
			"format":      "opus",
			"sample_rate": 24000,
			"channels":    1,
		},
	}
	if err := conn.WriteJSON(reply); err != nil {
		t.Errorf("write hello: %v", err)
	}
	return conn
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func testConfig() Config {
	return Config{
		AudioParams:          AudioParams{Format: "opus", SampleRate: 16000, Channels: 1, FrameDuration: 60},
		HandshakeTimeout:     2 * time.Second,
		HeartbeatInterval:    time.Minute,
		ReconnectBaseDelay:   10 * time.Millisecond,
		MaxReconnectAttempts: 3,
	}
}

func TestConnectHandshake(t *testing.T) {
	gotHeaders := make(chan http.Header, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders <- r.Header.Clone()
		conn := serveHandshake(t, w, r, "sess-42")
		if conn == nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	creds := &fakeCreds{
		url:   wsURL(srv),
		token: "secret-token",
		identity: device.Identity{
			MACAddress: "02:00:00:aa:bb:cc",
			ClientID:   "client-1",
		},
	}
	cfg := testConfig()
	cfg.Origin = "https://voice.example"
	client := NewClient(cfg, creds)
	defer client.Close()

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got := client.State(); got != StateActive {
		t.Fatalf("state = %s, want active", got)
	}
	if got := client.SessionID(); got != "sess-42" {
		t.Fatalf("session id = %q, want sess-42", got)
	}
	if got := client.DownstreamSampleRate(); got != 24000 {
		t.Fatalf("downstream rate = %d, want 24000", got)
	}

	h := <-gotHeaders
	if got := h.Get("Authorization"); got != "Bearer secret-token" {
		t.Errorf("Authorization = %q", got)
	}
	if got := h.Get("Protocol-Version"); got != "1" {
		t.Errorf("Protocol-Version = %q", got)
	}
	if got := h.Get("Device-Id"); got != "02:00:00:aa:bb:cc" {
		t.Errorf("Device-Id = %q", got)
	}
	if got := h.Get("Client-Id"); got != "client-1" {
		t.Errorf("Client-Id = %q", got)
	}
	if got := h.Get("Origin"); got != "https://voice.example" {
		t.Errorf("Origin = %q", got)
	}
}

func TestEventDispatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn := serveHandshake(t, w, r, "s1")
		if conn == nil {
			return
		}
		defer conn.Close()
		conn.WriteJSON(map[string]any{"type": "stt", "text": "hel", "state": "partial"})
		conn.WriteJSON(map[string]any{"type": "stt", "text": "hello world"})
		conn.WriteJSON(map[string]any{"type": "llm", "text": "hi there", "emotion": "happy"})
		conn.WriteJSON(map[string]any{"type": "tts", "state": "start"})
		conn.WriteMessage(websocket.BinaryMessage, []byte{0xDE, 0xAD})
		conn.WriteJSON(map[string]any{"type": "tts", "state": "stop"})
		conn.WriteJSON(map[string]any{"type": "mcp", "payload": "ignored"})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	client := NewClient(testConfig(), &fakeCreds{url: wsURL(srv)})
	defer client.Close()
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	wantKinds := []EventKind{
		EventRecognitionPartial,
		EventRecognitionFinal,
		EventReplyText,
		EventSynthesisStart,
		EventAudio,
		EventSynthesisEnd,
	}
	for i, want := range wantKinds {
		select {
		case ev := <-client.Events():
			if ev.Kind != want {
				t.Fatalf("event %d: kind = %s, want %s", i, ev.Kind, want)
			}
			switch want {
			case EventRecognitionFinal:
				if ev.Text != "hello world" {
					t.Errorf("recognition text = %q", ev.Text)
				}
			case EventReplyText:
				if ev.Text != "hi there" || ev.Emotion != "happy" {
					t.Errorf("reply = %q emotion %q", ev.Text, ev.Emotion)
				}
			case EventAudio:
				if len(ev.Audio) != 2 {
					t.Errorf("audio len = %d", len(ev.Audio))
				}
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %d (%s)", i, want)
		}
	}
}

func TestSendAudioDroppedWhenIdle(t *testing.T) {
	client := NewClient(testConfig(), &fakeCreds{})
	defer client.Close()
	if err := client.SendAudio([]byte{1, 2, 3}); err != nil {
		t.Fatalf("SendAudio while idle: %v", err)
	}
	if err := client.SendCommand(AbortCommand("s")); err != ErrNotConnected {
		t.Fatalf("SendCommand while idle = %v, want ErrNotConnected", err)
	}
}

func TestReconnectAfterAbnormalClose(t *testing.T) {
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := conns.Add(1)
		conn := serveHandshake(t, w, r, "s1")
		if conn == nil {
			return
		}
		if n == 1 {
			// Drop the first connection without a close frame.
			conn.Close()
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	client := NewClient(testConfig(), &fakeCreds{url: wsURL(srv)})
	defer client.Close()
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return conns.Load() >= 2 && client.State() == StateActive
	})
}

func TestReconnectBudgetExhausted(t *testing.T) {
	var reject atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if reject.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		conn := serveHandshake(t, w, r, "s1")
		if conn == nil {
			return
		}
		reject.Store(true)
		conn.Close()
	}))
	defer srv.Close()

	var retries atomic.Int32
	cfg := testConfig()
	cfg.MaxReconnectAttempts = 2
	cfg.OnReconnect = func() { retries.Add(1) }
	client := NewClient(cfg, &fakeCreds{url: wsURL(srv)})
	defer client.Close()
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	select {
	case ev := <-client.Events():
		if ev.Kind != EventUnavailable {
			t.Fatalf("event kind = %s, want %s", ev.Kind, EventUnavailable)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for unavailable event")
	}

	select {
	case <-client.Done():
	case <-time.After(time.Second):
		t.Fatal("client did not close after exhausting reconnects")
	}
	if got := client.State(); got != StateClosed {
		t.Fatalf("state = %s, want closed", got)
	}
	if got := retries.Load(); got != 2 {
		t.Fatalf("reconnect attempts counted = %d, want 2", got)
	}
}

func TestTerminalUnavailableWaitsForConsumer(t *testing.T) {
	var reject atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if reject.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		conn := serveHandshake(t, w, r, "s1")
		if conn == nil {
			return
		}
		reject.Store(true)
		conn.Close()
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.MaxReconnectAttempts = 1
	client := NewClient(cfg, &fakeCreds{url: wsURL(srv)})
	defer client.Close()
	// Leave the event channel with no slack: the terminal event must
	// wait for a reader instead of being dropped.
	client.events = make(chan Event)

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	// Let the reconnect budget burn down before anyone reads.
	time.Sleep(200 * time.Millisecond)
	select {
	case ev := <-client.Events():
		if ev.Kind != EventUnavailable {
			t.Fatalf("event kind = %s, want %s", ev.Kind, EventUnavailable)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("terminal unavailable event was lost")
	}
	select {
	case <-client.Done():
	case <-time.After(time.Second):
		t.Fatal("client did not close after the terminal event")
	}
}

func TestConnectReplacesExistingSocket(t *testing.T) {
	closedFirst := make(chan struct{})
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := conns.Add(1)
		conn := serveHandshake(t, w, r, "s1")
		if conn == nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if n == 1 {
					close(closedFirst)
				}
				return
			}
		}
	}))
	defer srv.Close()

	client := NewClient(testConfig(), &fakeCreds{url: wsURL(srv)})
	defer client.Close()
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("first Connect: %v", err)
	}
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("second Connect: %v", err)
	}

	select {
	case <-closedFirst:
	case <-time.After(2 * time.Second):
		t.Fatal("first connection was not closed by the second Connect")
	}
	if got := client.State(); got != StateActive {
		t.Fatalf("state = %s, want active", got)
	}
}

func TestParseServerEvent(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want EventKind
		text string
	}{
		{"stt final", `{"type":"stt","text":"done"}`, EventRecognitionFinal, "done"},
		{"stt partial", `{"type":"stt","state":"partial","text":"do"}`, EventRecognitionPartial, "do"},
		{"llm", `{"type":"llm","text":"reply","emotion":"neutral"}`, EventReplyText, "reply"},
		{"tts sentence", `{"type":"tts","state":"sentence_start","text":"first"}`, EventReplyText, "first"},
		{"tts start", `{"type":"tts","state":"start"}`, EventSynthesisStart, ""},
		{"tts stop", `{"type":"tts","state":"stop"}`, EventSynthesisEnd, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev, err := parseServerEvent([]byte(tc.raw))
			if err != nil {
				t.Fatalf("parseServerEvent: %v", err)
			}
			if ev.Kind != tc.want {
				t.Fatalf("kind = %s, want %s", ev.Kind, tc.want)
			}
			if ev.Text != tc.text {
				t.Fatalf("text = %q, want %q", ev.Text, tc.text)
			}
		})
	}

	if _, err := parseServerEvent([]byte(`{"type":"mcp"}`)); err == nil {
		t.Fatal("expected unknown type to be rejected")
	}
	if _, err := parseServerEvent([]byte(`not json`)); err == nil {
		t.Fatal("expected invalid json to be rejected")
	}
}

func TestHelloCommandShape(t *testing.T) {
	raw, err := json.Marshal(HelloCommand(AudioParams{Format: "opus", SampleRate: 16000, Channels: 1, FrameDuration: 60}))
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]any
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatal(err)
	}
	if got["type"] != "hello" || got["transport"] != "websocket" {
		t.Fatalf("unexpected hello payload: %s", raw)
	}
	params, ok := got["audio_params"].(map[string]any)
	if !ok || params["format"] != "opus" || params["frame_duration"] != float64(60) {
		t.Fatalf("unexpected audio params: %s", raw)
	}
}
