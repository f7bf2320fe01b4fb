package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/adam-doco/Zoe/internal/device"
	"github.com/adam-doco/Zoe/internal/reliability"
)

var (
	ErrClientClosed       = errors.New("upstream client closed")
	ErrConnectFailed      = errors.New("upstream connect failed")
	ErrNotConnected       = errors.New("upstream not connected")
	ErrHandshakeTimeout   = errors.New("upstream handshake timed out")
	errConnectionReplaced = errors.New("connection replaced")
)

// State tracks the client's connection lifecycle.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateAuthenticating
	StateActive
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateActive:
		return "active"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// CredentialSource yields the websocket endpoint and bearer token for
// dialing, plus the device identity carried in the dial headers.
type CredentialSource interface {
	Provision(ctx context.Context) (device.Credential, error)
	Identity() device.Identity
	Invalidate()
}

// Config tunes one upstream client. Zero values fall back to the
// defaults below.
type Config struct {
	AudioParams          AudioParams
	Origin               string
	ConnectTimeout       time.Duration
	HandshakeTimeout     time.Duration
	HeartbeatInterval    time.Duration
	ReconnectBaseDelay   time.Duration
	MaxReconnectAttempts int
	Dialer               *websocket.Dialer

	// OnReconnect fires once per reconnect attempt.
	OnReconnect func()
}

const (
	defaultConnectTimeout    = 10 * time.Second
	defaultHandshakeTimeout  = 10 * time.Second
	defaultHeartbeatInterval = 45 * time.Second
	defaultReconnectBase     = time.Second
	defaultMaxReconnects     = 5
	eventBufferSize          = 256
)

func (c *Config) applyDefaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.ReconnectBaseDelay <= 0 {
		c.ReconnectBaseDelay = defaultReconnectBase
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = defaultMaxReconnects
	}
	if c.Dialer == nil {
		c.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: c.ConnectTimeout,
		}
	}
}

// Client maintains a single websocket connection to the voice service
// and converts its traffic into tagged events. At most one connection
// exists at a time; a new Connect replaces any live socket.
type Client struct {
	cfg   Config
	creds CredentialSource

	mu                sync.Mutex
	state             State
	conn              *websocket.Conn
	connGen           int
	upstreamSessionID string
	downstreamRate    int
	attempts          int

	writeMu sync.Mutex

	events chan Event
	done   chan struct{}
	once   sync.Once
}

// NewClient builds a client; no connection is made until Connect.
func NewClient(cfg Config, creds CredentialSource) *Client {
	cfg.applyDefaults()
	return &Client{
		cfg:    cfg,
		creds:  creds,
		state:  StateIdle,
		events: make(chan Event, eventBufferSize),
		done:   make(chan struct{}),
	}
}

// Events delivers upstream events until the client closes.
func (c *Client) Events() <-chan Event { return c.events }

// Done closes when the client reaches its terminal state.
func (c *Client) Done() <-chan struct{} { return c.done }

// State reports the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID reports the session id assigned by the upstream hello.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.upstreamSessionID
}

// DownstreamSampleRate reports the sample rate of upstream audio, or 0
// when the hello did not declare one.
func (c *Client) DownstreamSampleRate() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.downstreamRate
}

// Connect provisions a credential, dials the voice service, completes
// the hello handshake, and starts the read and heartbeat loops. Any
// existing connection is closed first.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.state = StateConnecting
	c.connGen++
	gen := c.connGen
	c.mu.Unlock()

	cred, err := c.creds.Provision(ctx)
	if err != nil {
		c.setStateIfGen(gen, StateIdle)
		return fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}

	id := c.creds.Identity()
	header := http.Header{}
	header.Set("Authorization", "Bearer "+cred.Token)
	header.Set("Protocol-Version", "1")
	header.Set("Device-Id", id.MACAddress)
	header.Set("Client-Id", id.ClientID)
	if c.cfg.Origin != "" {
		header.Set("Origin", c.cfg.Origin)
	}

	conn, resp, err := c.cfg.Dialer.DialContext(ctx, cred.URL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			c.creds.Invalidate()
		}
		c.setStateIfGen(gen, StateIdle)
		return fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}

	c.mu.Lock()
	if c.state == StateClosed || gen != c.connGen {
		c.mu.Unlock()
		conn.Close()
		return errConnectionReplaced
	}
	c.conn = conn
	c.state = StateAuthenticating
	c.mu.Unlock()

	if err := c.handshake(conn); err != nil {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
			c.state = StateIdle
		}
		c.mu.Unlock()
		conn.Close()
		return fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}

	c.mu.Lock()
	if c.state == StateClosed || gen != c.connGen {
		c.mu.Unlock()
		conn.Close()
		return errConnectionReplaced
	}
	c.state = StateActive
	c.attempts = 0
	c.mu.Unlock()

	go c.readLoop(conn, gen)
	go c.heartbeatLoop(conn, gen)
	return nil
}

// handshake sends the client hello and waits for the server hello,
// which carries the upstream session id and downstream audio params.
func (c *Client) handshake(conn *websocket.Conn) error {
	hello := HelloCommand(c.cfg.AudioParams)
	c.writeMu.Lock()
	err := conn.WriteJSON(hello)
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("send hello: %w", err)
	}

	deadline := time.Now().Add(c.cfg.HandshakeTimeout)
	if err := conn.SetReadDeadline(deadline); err != nil {
		return err
	}
	defer conn.SetReadDeadline(time.Time{})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return ErrHandshakeTimeout
			}
			return fmt.Errorf("await hello: %w", err)
		}
		var msg serverMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		if msg.Type != "hello" {
			continue
		}
		c.mu.Lock()
		c.upstreamSessionID = msg.SessionID
		if msg.AudioParams != nil {
			c.downstreamRate = msg.AudioParams.SampleRate
		}
		c.mu.Unlock()
		return nil
	}
}

// SendAudio forwards one encoded audio frame. Frames sent while the
// client is not active are dropped and logged rather than queued.
func (c *Client) SendAudio(frame []byte) error {
	c.mu.Lock()
	conn := c.conn
	state := c.state
	c.mu.Unlock()
	if state != StateActive || conn == nil {
		log.Printf("upstream: dropping audio frame in state %s", state)
		return nil
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.BinaryMessage, frame)
}

// SendCommand forwards one control command as a text frame.
func (c *Client) SendCommand(cmd Command) error {
	c.mu.Lock()
	conn := c.conn
	state := c.state
	c.mu.Unlock()
	if state != StateActive || conn == nil {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(cmd)
}

// Close tears the client down. It is safe to call more than once.
func (c *Client) Close() error {
	c.once.Do(func() {
		c.mu.Lock()
		c.state = StateClosed
		conn := c.conn
		c.conn = nil
		c.mu.Unlock()
		if conn != nil {
			c.writeMu.Lock()
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			c.writeMu.Unlock()
			conn.Close()
		}
		close(c.done)
	})
	return nil
}

func (c *Client) setStateIfGen(gen int, s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connGen == gen && c.state != StateClosed {
		c.state = s
	}
}

func (c *Client) readLoop(conn *websocket.Conn, gen int) {
	for {
		msgType, raw, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(conn, gen, err)
			return
		}
		switch msgType {
		case websocket.BinaryMessage:
			c.emit(Event{Kind: EventAudio, Audio: raw})
		case websocket.TextMessage:
			ev, err := parseServerEvent(raw)
			if err != nil {
				if !errors.Is(err, errIgnoredMessage) {
					log.Printf("upstream: %v", err)
				}
				continue
			}
			c.emit(ev)
		}
	}
}

func (c *Client) heartbeatLoop(conn *websocket.Conn, gen int) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.mu.Lock()
			stale := c.conn != conn || c.connGen != gen
			c.mu.Unlock()
			if stale {
				return
			}
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			if err != nil {
				log.Printf("upstream: heartbeat failed: %v", err)
				conn.Close()
				return
			}
		}
	}
}

// handleDisconnect decides whether a dropped connection warrants a
// reconnect cycle. Normal closure and replaced connections do not.
func (c *Client) handleDisconnect(conn *websocket.Conn, gen int, err error) {
	c.mu.Lock()
	if c.state == StateClosed || c.conn != conn || c.connGen != gen {
		c.mu.Unlock()
		return
	}
	c.conn = nil

	code := websocket.CloseAbnormalClosure
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		code = closeErr.Code
	}
	if !reliability.IsAbnormalCloseCode(code) {
		c.state = StateIdle
		c.mu.Unlock()
		log.Printf("upstream: connection closed (code %d)", code)
		return
	}
	c.state = StateReconnecting
	c.mu.Unlock()

	log.Printf("upstream: connection lost: %v", err)
	go c.reconnectLoop()
}

// reconnectLoop retries Connect with linearly growing delays until it
// succeeds or the attempt budget runs out, at which point the client
// surfaces a terminal unavailable event and closes.
func (c *Client) reconnectLoop() {
	for {
		c.mu.Lock()
		if c.state == StateClosed {
			c.mu.Unlock()
			return
		}
		c.attempts++
		attempt := c.attempts
		c.mu.Unlock()

		if attempt > c.cfg.MaxReconnectAttempts {
			log.Printf("upstream: giving up after %d reconnect attempts", c.cfg.MaxReconnectAttempts)
			// The terminal event must reach the consumer even when the
			// buffer is full, so it does not go through emit.
			select {
			case c.events <- Event{Kind: EventUnavailable, Detail: fmt.Sprintf("reconnect budget exhausted after %d attempts", c.cfg.MaxReconnectAttempts)}:
			case <-c.done:
			}
			c.Close()
			return
		}
		if c.cfg.OnReconnect != nil {
			c.cfg.OnReconnect()
		}

		delay := reliability.LinearBackoff(attempt, c.cfg.ReconnectBaseDelay)
		log.Printf("upstream: reconnect attempt %d/%d in %s", attempt, c.cfg.MaxReconnectAttempts, delay)
		select {
		case <-c.done:
			return
		case <-time.After(delay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ConnectTimeout)
		err := c.Connect(ctx)
		cancel()
		if err == nil {
			log.Printf("upstream: reconnected after %d attempts", attempt)
			return
		}
		if errors.Is(err, ErrClientClosed) || errors.Is(err, errConnectionReplaced) {
			return
		}
	}
}

// emit delivers an event without blocking the read loop; slow
// consumers lose events rather than stalling the socket.
func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		log.Printf("upstream: event buffer full, dropping %s", ev.Kind)
	}
}
