package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/adam-doco/Zoe/internal/assets"
	"github.com/adam-doco/Zoe/internal/audio"
	"github.com/adam-doco/Zoe/internal/config"
	"github.com/adam-doco/Zoe/internal/observability"
	"github.com/adam-doco/Zoe/internal/protocol"
	"github.com/adam-doco/Zoe/internal/session"
	"github.com/adam-doco/Zoe/internal/upstream"
)

// Upstream is the slice of the voice-service client the websocket
// bridge drives.
type Upstream interface {
	Connect(ctx context.Context) error
	SendAudio(frame []byte) error
	SendCommand(cmd upstream.Command) error
	Events() <-chan upstream.Event
	SessionID() string
	DownstreamSampleRate() int
	Close() error
}

// UpstreamFactory builds one voice-service client per session.
type UpstreamFactory func() Upstream

// EncoderFactory builds the per-session audio encoder.
type EncoderFactory func(audio.Geometry) (audio.Encoder, error)

// DecoderFactory builds the per-session decoder for downstream audio.
type DecoderFactory func(sampleRate, channels int) (audio.Decoder, error)

type Server struct {
	cfg         config.Config
	sessions    *session.Manager
	store       assets.Store
	metrics     *observability.Metrics
	newUpstream UpstreamFactory
	newEncoder  EncoderFactory
	newDecoder  DecoderFactory
	geometry    audio.Geometry
	upgrader    websocket.Upgrader
}

func New(cfg config.Config, sessions *session.Manager, store assets.Store, metrics *observability.Metrics, newUpstream UpstreamFactory, newEncoder EncoderFactory, newDecoder DecoderFactory) *Server {
	if newEncoder == nil {
		newEncoder = func(g audio.Geometry) (audio.Encoder, error) {
			return audio.NewOpusEncoder(g)
		}
	}
	if newDecoder == nil {
		newDecoder = func(sampleRate, channels int) (audio.Decoder, error) {
			return audio.NewOpusDecoder(sampleRate, channels)
		}
	}
	return &Server{
		cfg:         cfg,
		sessions:    sessions,
		store:       store,
		metrics:     metrics,
		newUpstream: newUpstream,
		newEncoder:  newEncoder,
		newDecoder:  newDecoder,
		geometry:    audio.DefaultGeometry(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browsers may drive a mic session
				// unless explicitly opened up.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/sessions", s.handleCreateSession)
	r.Post("/v1/sessions/{id}/end", s.handleEndSession)
	r.Get("/v1/sessions/{id}/ws", s.handleSessionWS)
	r.Get("/v1/assets/{id}", s.handleGetAsset)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":   "ready",
		"sessions": s.sessions.Count(),
	})
}

type createSessionRequest struct {
	UserID string `json:"user_id"`
}

type createSessionResponse struct {
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	WSURL     string    `json:"ws_url"`
	CreatedAt time.Time `json:"created_at"`
	IdleTTLMS int64     `json:"idle_ttl_ms"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	if s.newUpstream == nil {
		respondError(w, http.StatusServiceUnavailable, "upstream_unconfigured", "no voice service configured")
		return
	}
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		req.UserID = "anonymous"
	}

	sess, err := s.sessions.Create(req.UserID)
	if err != nil {
		if errors.Is(err, session.ErrCapacityExceeded) {
			respondError(w, http.StatusTooManyRequests, "capacity_exceeded", "session limit reached, retry later")
			return
		}
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	s.metrics.ActiveSessions.Set(float64(s.sessions.Count()))
	s.metrics.SessionEvents.WithLabelValues("created").Inc()

	respondJSON(w, http.StatusCreated, createSessionResponse{
		SessionID: sess.ID,
		UserID:    sess.UserID,
		WSURL:     "/v1/sessions/" + sess.ID + "/ws",
		CreatedAt: sess.CreatedAt,
		IdleTTLMS: s.cfg.SessionIdleTimeout.Milliseconds(),
	})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}
	s.sessions.Destroy(id)
	s.metrics.ActiveSessions.Set(float64(s.sessions.Count()))
	s.metrics.SessionEvents.WithLabelValues("ended").Inc()
	respondJSON(w, http.StatusOK, map[string]any{"session_id": id, "status": "ended"})
}

func (s *Server) handleGetAsset(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_asset_id", "missing asset id")
		return
	}
	rec, err := s.store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, assets.ErrNotFound) {
			respondError(w, http.StatusNotFound, "asset_not_found", "asset missing or expired")
			return
		}
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	w.Header().Set("Content-Type", rec.ContentType)
	w.Header().Set("Cache-Control", "max-age=60")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(rec.Data)
}

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(chi.URLParam(r, "id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}
	if s.newUpstream == nil {
		respondError(w, http.StatusServiceUnavailable, "upstream_unconfigured", "no voice service configured")
		return
	}

	if _, err := s.sessions.Get(sessionID); err != nil {
		if errors.Is(err, session.ErrExpired) {
			respondError(w, http.StatusGone, "session_expired", err.Error())
			return
		}
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	if err := s.sessions.AttachFrontend(sessionID, conn); err != nil {
		conn.Close()
		return
	}
	s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()
	s.runBridge(r.Context(), sessionID, conn)
}

// runBridge owns one frontend websocket: it dials the voice service,
// pumps binary PCM through the transcoder, relays control messages,
// and translates upstream events back to the client.
func (s *Server) runBridge(reqCtx context.Context, sessionID string, conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(reqCtx)
	defer cancel()

	up := s.newUpstream()
	if err := up.Connect(ctx); err != nil {
		log.Printf("gateway: upstream connect failed for session %s: %v", sessionID, err)
		writeJSONNow(conn, protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: sessionID,
			Code:      "upstream_connect_failed",
			Retryable: true,
			Detail:    err.Error(),
		})
		s.sessions.DetachFrontend(sessionID, conn)
		conn.Close()
		return
	}
	if err := s.sessions.AttachUpstream(sessionID, up); err != nil {
		up.Close()
		conn.Close()
		return
	}

	enc, err := s.newEncoder(s.geometry)
	if err != nil {
		log.Printf("gateway: encoder init failed: %v", err)
		writeJSONNow(conn, protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: sessionID,
			Code:      "encoder_unavailable",
			Retryable: false,
			Detail:    err.Error(),
		})
		s.sessions.Destroy(sessionID)
		return
	}
	splitter := audio.NewSplitter(s.geometry, enc, sessionID)

	downRate := up.DownstreamSampleRate()
	if downRate <= 0 {
		downRate = s.geometry.SampleRate
	}
	dec, err := s.newDecoder(downRate, 1)
	if err != nil {
		log.Printf("gateway: decoder init failed: %v", err)
		writeJSONNow(conn, protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: sessionID,
			Code:      "decoder_unavailable",
			Retryable: false,
			Detail:    err.Error(),
		})
		s.sessions.Destroy(sessionID)
		return
	}
	assembler := audio.NewAssembler(dec, downRate)

	outbound := make(chan any, 256)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-outbound:
				if !ok {
					return
				}
				if _, isTeardown := msg.(bridgeTeardown); isTeardown {
					// Everything queued before the teardown has been
					// written; now the session can go.
					s.sessions.Destroy(sessionID)
					cancel()
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(msg); err != nil {
					cancel()
					return
				}
				if t, ok := messageTypeOf(msg); ok {
					s.metrics.WSMessages.WithLabelValues("outbound", string(t)).Inc()
				}
			}
		}
	}()

	send := func(msg any) {
		select {
		case outbound <- msg:
		default:
			// Keep websocket writes single-threaded; drop when the
			// outbound queue is saturated.
			log.Printf("gateway: outbound queue full for session %s", sessionID)
		}
	}
	sendFinal := func(msg any) {
		select {
		case outbound <- msg:
		case <-ctx.Done():
		}
	}

	eventsDone := make(chan struct{})
	go func() {
		defer close(eventsDone)
		s.pumpUpstreamEvents(ctx, sessionID, up, assembler, send, sendFinal)
	}()

	conn.SetReadLimit(2 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

	ended := false
readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = s.sessions.Touch(sessionID)
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))

		switch msgType {
		case websocket.BinaryMessage:
			s.metrics.WSMessages.WithLabelValues("inbound", "audio").Inc()
			frames, err := splitter.Split(data, false)
			if err != nil {
				log.Printf("gateway: transcode failed for session %s: %v", sessionID, err)
				send(protocol.ErrorEvent{
					Type:      protocol.TypeErrorEvent,
					SessionID: sessionID,
					Code:      "transcode_failed",
					Retryable: true,
					Detail:    err.Error(),
				})
				continue
			}
			for _, frame := range frames {
				if err := up.SendAudio(frame); err != nil {
					log.Printf("gateway: upstream send failed: %v", err)
					break
				}
				s.metrics.AudioFramesSent.Inc()
			}
		case websocket.TextMessage:
			parsed, err := protocol.ParseClientMessage(data)
			if err != nil {
				// Malformed control traffic is reported and dropped;
				// it never tears the session down.
				log.Printf("gateway: bad client message on session %s: %v", sessionID, err)
				send(protocol.ErrorEvent{
					Type:      protocol.TypeErrorEvent,
					SessionID: sessionID,
					Code:      "invalid_client_message",
					Retryable: false,
					Detail:    err.Error(),
				})
				continue
			}
			control, ok := parsed.(protocol.ClientControl)
			if !ok {
				continue
			}
			s.metrics.WSMessages.WithLabelValues("inbound", string(control.Type)).Inc()
			if s.applyControl(sessionID, up, splitter, control, send) {
				ended = true
				break readLoop
			}
		}
	}

	cancel()
	<-writerDone
	<-eventsDone
	s.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()
	if ended {
		s.sessions.Destroy(sessionID)
	} else {
		// Leave the session alive for the grace window so the
		// frontend can reconnect after a network blip.
		s.sessions.DetachFrontend(sessionID, conn)
		conn.Close()
	}
	s.metrics.ActiveSessions.Set(float64(s.sessions.Count()))
}

// applyControl maps one frontend control action onto the upstream
// protocol. It reports whether the session should end.
func (s *Server) applyControl(sessionID string, up Upstream, splitter *audio.Splitter, control protocol.ClientControl, send func(any)) bool {
	upSession := up.SessionID()
	switch control.Action {
	case protocol.ActionListenStart:
		mode := control.Mode
		if mode == "" {
			mode = "manual"
		}
		if err := up.SendCommand(upstream.ListenCommand(upSession, "start", mode, "")); err != nil {
			log.Printf("gateway: listen start failed: %v", err)
		}
	case protocol.ActionListenStop:
		// Flush any buffered partial frame before the upstream stops
		// listening.
		frames, err := splitter.Split(nil, true)
		if err == nil {
			for _, frame := range frames {
				if err := up.SendAudio(frame); err != nil {
					break
				}
				s.metrics.AudioFramesSent.Inc()
			}
		}
		if err := up.SendCommand(upstream.ListenCommand(upSession, "stop", "", "")); err != nil {
			log.Printf("gateway: listen stop failed: %v", err)
		}
	case protocol.ActionInterrupt:
		if err := up.SendCommand(upstream.AbortCommand(upSession)); err != nil {
			log.Printf("gateway: abort failed: %v", err)
		}
		send(protocol.SessionEvent{
			Type:      protocol.TypeSessionEvent,
			SessionID: sessionID,
			Code:      "interrupted",
		})
	case protocol.ActionPing:
		// Activity keepalive. The read loop already touched the
		// session; just acknowledge.
		send(protocol.SessionEvent{
			Type:      protocol.TypeSessionEvent,
			SessionID: sessionID,
			Code:      "pong",
		})
	case protocol.ActionEnd:
		return true
	}
	return false
}

// bridgeTeardown asks the writer to destroy the session once every
// message queued ahead of it has been flushed.
type bridgeTeardown struct{}

// pumpUpstreamEvents translates voice-service events into frontend
// messages. Downstream opus frames are decoded and assembled into one
// WAV clip per synthesis segment, parked in the asset store, and
// announced by URL so the browser can fetch it out of band. An
// unavailable upstream ends the session.
func (s *Server) pumpUpstreamEvents(ctx context.Context, sessionID string, up Upstream, assembler *audio.Assembler, send, sendFinal func(any)) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-up.Events():
			if !ok {
				return
			}
			s.metrics.UpstreamEvents.WithLabelValues(string(ev.Kind)).Inc()
			switch ev.Kind {
			case upstream.EventRecognitionPartial:
				send(protocol.RecognizedText{Type: protocol.TypeRecognizedText, SessionID: sessionID, Text: ev.Text, Partial: true})
			case upstream.EventRecognitionFinal:
				send(protocol.RecognizedText{Type: protocol.TypeRecognizedText, SessionID: sessionID, Text: ev.Text})
			case upstream.EventReplyText:
				send(protocol.ReplyText{Type: protocol.TypeReplyText, SessionID: sessionID, Text: ev.Text, Emotion: ev.Emotion})
			case upstream.EventSynthesisStart:
				// Discard any segment left over from an aborted turn.
				_ = assembler.FinishWAV()
				send(protocol.SynthesisStart{Type: protocol.TypeSynthesisStart, SessionID: sessionID})
			case upstream.EventAudio:
				if err := assembler.Add(ev.Audio); err != nil {
					log.Printf("gateway: downstream decode failed: %v", err)
				}
			case upstream.EventSynthesisEnd:
				if wav := assembler.FinishWAV(); wav != nil {
					id, err := s.store.Put(ctx, wav, "audio/wav", sessionID)
					if err != nil {
						log.Printf("gateway: asset store put failed: %v", err)
					} else {
						s.metrics.AssetsStored.Inc()
						send(protocol.SynthesisAudio{
							Type:       protocol.TypeSynthesisAudio,
							SessionID:  sessionID,
							AssetID:    id,
							URL:        assets.URLFor(s.cfg.PublicBaseURL, id),
							SampleRate: up.DownstreamSampleRate(),
						})
					}
				}
				send(protocol.SynthesisEnd{Type: protocol.TypeSynthesisEnd, SessionID: sessionID})
			case upstream.EventUnavailable:
				s.metrics.SessionEvents.WithLabelValues("upstream_lost").Inc()
				sendFinal(protocol.SessionEvent{
					Type:      protocol.TypeSessionEvent,
					SessionID: sessionID,
					Code:      "upstream_unavailable",
					Detail:    ev.Detail,
				})
				sendFinal(bridgeTeardown{})
				return
			}
		}
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

// writeJSONNow sends one message before the writer goroutine exists.
func writeJSONNow(conn *websocket.Conn, msg any) {
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_ = conn.WriteJSON(msg)
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.ClientControl:
		return m.Type, true
	case protocol.RecognizedText:
		return m.Type, true
	case protocol.ReplyText:
		return m.Type, true
	case protocol.SynthesisStart:
		return m.Type, true
	case protocol.SynthesisAudio:
		return m.Type, true
	case protocol.SynthesisEnd:
		return m.Type, true
	case protocol.SessionEvent:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
