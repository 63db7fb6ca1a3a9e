// ABOUTME: Gateway wire envelope, op codes, and handshake payloads.
// ABOUTME: Frames are JSON objects of the form {op, d, s, t}.

package gateway

import (
	"encoding/json"
	"fmt"
	"net/url"
)

// APIVersion is the gateway protocol version requested on connect.
const APIVersion = 10

// Op codes consumed and produced by a shard session.
const (
	OpDispatch       = 0
	OpHeartbeat      = 1
	OpIdentify       = 2
	OpResume         = 6
	OpReconnect      = 7
	OpInvalidSession = 9
	OpHello          = 10
	OpHeartbeatAck   = 11
)

// Dispatch event names handled by the session itself.
const (
	EventReady   = "READY"
	EventResumed = "RESUMED"
)

// Frame is one inbound gateway envelope.
type Frame struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d,omitempty"`
	S  *int64          `json:"s,omitempty"`
	T  string          `json:"t,omitempty"`
}

// outFrame is an outbound envelope. D is always present, null included.
type outFrame struct {
	Op int `json:"op"`
	D  any `json:"d"`
}

// Hello is the payload of op 10.
type Hello struct {
	HeartbeatInterval int64 `json:"heartbeat_interval"`
}

// Identify is the payload of op 2.
type Identify struct {
	Token      string            `json:"token"`
	Intents    int               `json:"intents"`
	Shard      [2]int            `json:"shard"`
	Properties map[string]string `json:"properties"`
}

// Resume is the payload of op 6.
type Resume struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Seq       int64  `json:"seq"`
}

// ReadyUser is the bot account reported in READY.
type ReadyUser struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// Ready is the payload of the READY dispatch.
type Ready struct {
	SessionID        string    `json:"session_id"`
	ResumeGatewayURL string    `json:"resume_gateway_url"`
	User             ReadyUser `json:"user"`
}

// Dispatch is one op 0 frame handed to the application.
type Dispatch struct {
	Shard int
	Seq   int64
	Type  string
	Data  json.RawMessage
}

func encodeFrame(op int, d any) ([]byte, error) {
	data, err := json.Marshal(outFrame{Op: op, D: d})
	if err != nil {
		return nil, fmt.Errorf("encode op %d: %w", op, err)
	}
	return data, nil
}

// connectURL adds the protocol version and encoding to a gateway URL unless
// they are already present.
func connectURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse gateway url: %w", err)
	}
	q := u.Query()
	if q.Get("v") == "" {
		q.Set("v", fmt.Sprint(APIVersion))
	}
	if q.Get("encoding") == "" {
		q.Set("encoding", "json")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
