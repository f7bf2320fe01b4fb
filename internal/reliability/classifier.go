package reliability

import (
	"time"

	"github.com/gorilla/websocket"
)

// IsAbnormalCloseCode reports whether a websocket close code should
// trigger the reconnect path rather than a clean shutdown.
func IsAbnormalCloseCode(code int) bool {
	switch code {
	case websocket.CloseNormalClosure, websocket.CloseGoingAway:
		return false
	default:
		return true
	}
}

// LinearBackoff computes the delay before reconnect attempt n (1-based)
// as attempt times base.
func LinearBackoff(attempt int, base time.Duration) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	return time.Duration(attempt) * base
}
