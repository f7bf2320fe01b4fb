package upstream

import (
	"encoding/json"
	"fmt"
)

// AudioParams declares the audio format the gateway uploads.
type AudioParams struct {
	Format        string `json:"format"`
	SampleRate    int    `json:"sample_rate"`
	Channels      int    `json:"channels"`
	FrameDuration int    `json:"frame_duration"`
}

// Command is a control message on the upstream socket. Only the fields
// relevant to the command type are populated.
type Command struct {
	Type        string       `json:"type"`
	SessionID   string       `json:"session_id,omitempty"`
	Version     int          `json:"version,omitempty"`
	Transport   string       `json:"transport,omitempty"`
	AudioParams *AudioParams `json:"audio_params,omitempty"`
	State       string       `json:"state,omitempty"`
	Mode        string       `json:"mode,omitempty"`
	Text        string       `json:"text,omitempty"`
}

// HelloCommand is the fixed handshake payload declaring the upload
// format capabilities.
func HelloCommand(params AudioParams) Command {
	return Command{
		Type:        "hello",
		Version:     1,
		Transport:   "websocket",
		AudioParams: &params,
	}
}

// AbortCommand interrupts the current assistant turn.
func AbortCommand(sessionID string) Command {
	return Command{Type: "abort", SessionID: sessionID}
}

// ListenCommand controls the upstream listening state
// (state: start | stop | detect).
func ListenCommand(sessionID, state, mode, text string) Command {
	return Command{Type: "listen", SessionID: sessionID, State: state, Mode: mode, Text: text}
}

// EventKind tags the variants of upstream-originated events.
type EventKind string

const (
	EventRecognitionPartial EventKind = "recognition_partial"
	EventRecognitionFinal   EventKind = "recognition_final"
	EventReplyText          EventKind = "reply_text"
	EventSynthesisStart     EventKind = "synthesis_start"
	EventSynthesisEnd       EventKind = "synthesis_end"
	EventAudio              EventKind = "audio"
	EventUnavailable        EventKind = "unavailable"
)

// Event is one upstream occurrence, tagged by Kind. Each variant uses
// only the fields it needs, so consumers never poke at untyped maps.
type Event struct {
	Kind    EventKind
	Text    string
	Emotion string
	Audio   []byte
	Detail  string
}

// serverMessage is the superset of text-framed upstream payloads; the
// "type" discriminator decides which fields matter.
type serverMessage struct {
	Type        string       `json:"type"`
	SessionID   string       `json:"session_id"`
	State       string       `json:"state"`
	Text        string       `json:"text"`
	Emotion     string       `json:"emotion"`
	AudioParams *AudioParams `json:"audio_params"`
}

var errIgnoredMessage = fmt.Errorf("ignored upstream message")

// parseServerEvent maps one text frame to a tagged event. Messages the
// gateway does not forward (hello, mcp, unknown types) return
// errIgnoredMessage.
func parseServerEvent(raw []byte) (Event, error) {
	var msg serverMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Event{}, fmt.Errorf("invalid upstream message: %w", err)
	}
	switch msg.Type {
	case "stt":
		if msg.State == "partial" {
			return Event{Kind: EventRecognitionPartial, Text: msg.Text}, nil
		}
		return Event{Kind: EventRecognitionFinal, Text: msg.Text}, nil
	case "llm":
		return Event{Kind: EventReplyText, Text: msg.Text, Emotion: msg.Emotion}, nil
	case "tts":
		switch msg.State {
		case "start":
			return Event{Kind: EventSynthesisStart}, nil
		case "stop":
			return Event{Kind: EventSynthesisEnd}, nil
		case "sentence_start":
			return Event{Kind: EventReplyText, Text: msg.Text}, nil
		}
		return Event{}, errIgnoredMessage
	default:
		return Event{}, errIgnoredMessage
	}
}
