package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseClientMessageControl(t *testing.T) {
	raw := []byte(`{"type":"client_control","action":"listen_start","mode":"auto"}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}

	control, ok := msg.(ClientControl)
	if !ok {
		t.Fatalf("message type = %T, want ClientControl", msg)
	}
	if control.Action != ActionListenStart || control.Mode != "auto" {
		t.Fatalf("unexpected client control: %+v", control)
	}
}

func TestParseClientMessageAllActions(t *testing.T) {
	for _, action := range []string{ActionListenStart, ActionListenStop, ActionInterrupt, ActionPing, ActionEnd} {
		raw := []byte(`{"type":"client_control","action":"` + action + `"}`)
		if _, err := ParseClientMessage(raw); err != nil {
			t.Errorf("action %q rejected: %v", action, err)
		}
	}
}

func TestParseClientMessageRejectsUnknownType(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"wat"}`))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
}

func TestParseClientMessageRejectsUnknownAction(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"client_control","action":"reboot"}`))
	if err == nil {
		t.Fatal("expected validation error")
	}
}

func TestParseClientMessageRejectsMalformedJSON(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":`))
	if err == nil {
		t.Fatal("expected envelope error")
	}
}

func TestOutboundEventShapes(t *testing.T) {
	raw, err := json.Marshal(RecognizedText{
		Type:      TypeRecognizedText,
		SessionID: "s1",
		Text:      "hello",
		Partial:   true,
	})
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]any
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatal(err)
	}
	if got["type"] != string(TypeRecognizedText) || got["partial"] != true {
		t.Fatalf("unexpected payload: %s", raw)
	}

	raw, err = json.Marshal(ReplyText{Type: TypeReplyText, SessionID: "s1", Text: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatal(err)
	}
	if _, present := got["emotion"]; present {
		t.Fatalf("empty emotion should be omitted: %s", raw)
	}
}

func BenchmarkParseClientMessageControl(b *testing.B) {
	raw := []byte(`{"type":"client_control","action":"interrupt"}`)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := ParseClientMessage(raw); err != nil {
			b.Fatalf("ParseClientMessage() error = %v", err)
		}
	}
}
