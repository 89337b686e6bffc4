package protocol

import "github.com/gorilla/websocket"

// CloseCode is a websocket close status used by the hub
type CloseCode int

const (
	CloseNormal            CloseCode = websocket.CloseNormalClosure
	CloseGoingAway         CloseCode = websocket.CloseGoingAway
	CloseMalformed         CloseCode = 4000
	CloseUnauthorized      CloseCode = 4001
	CloseAuthTimeout       CloseCode = 4002
	CloseInvalidCredential CloseCode = 4003
	CloseSuperseded        CloseCode = 4004
	CloseHeartbeatTimeout  CloseCode = 4005
	CloseDeliveryFailed    CloseCode = 4006
)

var closeReasons = map[CloseCode]string{
	CloseNormal:            "normal closure",
	CloseGoingAway:         "going away",
	CloseMalformed:         "malformed message",
	CloseUnauthorized:      "unauthorized: handshake required",
	CloseAuthTimeout:       "authentication timeout",
	CloseInvalidCredential: "invalid or expired credential",
	CloseSuperseded:        "superseded by newer connection",
	CloseHeartbeatTimeout:  "heartbeat timeout",
	CloseDeliveryFailed:    "delivery failed",
}

// Reason returns the canonical close text for the code
func (c CloseCode) Reason() string {
	if r, ok := closeReasons[c]; ok {
		return r
	}
	return "closed"
}

// Terminal reports whether a client must not reconnect after this code.
// Retrying with the same credential or against a newer session would fail
// again or fight the newer connection.
func (c CloseCode) Terminal() bool {
	switch c {
	case CloseUnauthorized, CloseInvalidCredential, CloseSuperseded:
		return true
	}
	return false
}

// FormatClose builds a close frame payload
func FormatClose(c CloseCode, reason string) []byte {
	if reason == "" {
		reason = c.Reason()
	}
	return websocket.FormatCloseMessage(int(c), reason)
}
