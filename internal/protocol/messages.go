package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies websocket payload variants on the frontend
// socket. Audio travels as binary frames and never appears here.
type MessageType string

const (
	TypeClientControl  MessageType = "client_control"
	TypeRecognizedText MessageType = "recognized_text"
	TypeReplyText      MessageType = "reply_text"
	TypeSynthesisStart MessageType = "synthesis_start"
	TypeSynthesisAudio MessageType = "synthesis_audio"
	TypeSynthesisEnd   MessageType = "synthesis_end"
	TypeSessionEvent   MessageType = "session_event"
	TypeErrorEvent     MessageType = "error_event"
)

// Control actions accepted from the frontend.
const (
	ActionListenStart = "listen_start"
	ActionListenStop  = "listen_stop"
	ActionInterrupt   = "interrupt"
	ActionPing        = "ping"
	ActionEnd         = "end"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// ClientControl is the only text message the frontend may send.
type ClientControl struct {
	Type   MessageType `json:"type"`
	Action string      `json:"action"`
	Mode   string      `json:"mode,omitempty"`
	Text   string      `json:"text,omitempty"`
}

// RecognizedText carries a transcript of the user's speech. Partial
// transcripts may be superseded by later ones.
type RecognizedText struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Text      string      `json:"text"`
	Partial   bool        `json:"partial"`
}

// ReplyText carries assistant reply text, optionally with the emotion
// the voice service attached to it.
type ReplyText struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Text      string      `json:"text"`
	Emotion   string      `json:"emotion,omitempty"`
}

type SynthesisStart struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
}

// SynthesisAudio announces one stored audio segment; the frontend
// fetches it from URL before the asset expires.
type SynthesisAudio struct {
	Type       MessageType `json:"type"`
	SessionID  string      `json:"session_id"`
	AssetID    string      `json:"asset_id"`
	URL        string      `json:"url"`
	SampleRate int         `json:"sample_rate,omitempty"`
}

type SynthesisEnd struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
}

// SessionEvent reports lifecycle changes such as upstream loss.
type SessionEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Detail    string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func validAction(action string) bool {
	switch action {
	case ActionListenStart, ActionListenStop, ActionInterrupt, ActionPing, ActionEnd:
		return true
	}
	return false
}

// ParseClientMessage decodes one frontend text frame into its typed
// form.
func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if !validAction(msg.Action) {
			return nil, fmt.Errorf("invalid client_control action %q", msg.Action)
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
