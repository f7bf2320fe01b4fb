package reliability

import (
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestIsAbnormalCloseCode(t *testing.T) {
	if IsAbnormalCloseCode(websocket.CloseNormalClosure) {
		t.Fatalf("normal closure should not be abnormal")
	}
	if IsAbnormalCloseCode(websocket.CloseGoingAway) {
		t.Fatalf("going away should not be abnormal")
	}
	if !IsAbnormalCloseCode(websocket.CloseAbnormalClosure) {
		t.Fatalf("1006 should be abnormal")
	}
	if !IsAbnormalCloseCode(websocket.CloseInternalServerErr) {
		t.Fatalf("1011 should be abnormal")
	}
}

func TestLinearBackoff(t *testing.T) {
	base := 100 * time.Millisecond
	if got := LinearBackoff(0, base); got != base {
		t.Fatalf("attempt 0 = %v, want %v", got, base)
	}
	if got := LinearBackoff(1, base); got != base {
		t.Fatalf("attempt 1 = %v, want %v", got, base)
	}
	if got := LinearBackoff(3, base); got != 300*time.Millisecond {
		t.Fatalf("attempt 3 = %v, want 300ms", got)
	}
}
