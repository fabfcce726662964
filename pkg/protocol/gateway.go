// Package protocol defines the wire messages the bridge exchanges with the
// agent gateway (upstream) and with browser clients (downstream).
//
// Both sides speak JSON over WebSocket. Gateway frames carry a "type" of
// req, res or event; client frames carry a "type" naming the command or
// notification.
package protocol

import "encoding/json"

// ProtocolVersion is the only gateway protocol revision the bridge speaks.
const ProtocolVersion = 3

// ConnectRequestID is the fixed id of the handshake request. Ordinary
// request ids are numeric and never collide with it.
const ConnectRequestID = "connect-1"

// --- Gateway frame types ---

const (
	FrameRequest  = "req"
	FrameResponse = "res"
	FrameEvent    = "event"
)

// --- Gateway methods ---

const (
	MethodConnect      = "connect"
	MethodChatSend     = "chat.send"
	MethodChatHistory  = "chat.history"
	MethodSessionsList = "sessions.list"
)

// --- Gateway events ---

const (
	EventConnectChallenge = "connect.challenge"
	EventChat             = "chat"
	EventAgent            = "agent"
	EventTick             = "tick"
)

// Chat event states.
const (
	ChatStateDelta   = "delta"
	ChatStateFinal   = "final"
	ChatStateAborted = "aborted"
	ChatStateError   = "error"
)

// GatewayFrame is the union of all frames on the gateway socket. Only the
// fields relevant to Type are populated.
type GatewayFrame struct {
	Type string `json:"type"`

	// req / res
	ID     string        `json:"id,omitempty"`
	Method string        `json:"method,omitempty"`
	Params any           `json:"params,omitempty"`
	OK     *bool         `json:"ok,omitempty"`
	Error  *GatewayError `json:"error,omitempty"`

	// res / event
	Payload json.RawMessage `json:"payload,omitempty"`

	// event
	Event string `json:"event,omitempty"`
	Seq   *int64 `json:"seq,omitempty"`
}

// Succeeded reports whether a response frame signals success. A response
// without an explicit ok field counts as a failure.
func (f GatewayFrame) Succeeded() bool {
	return f.OK != nil && *f.OK
}

// GatewayError is the error shape carried in a failed response.
type GatewayError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// --- Handshake ---

// ConnectParams are the params of the handshake request.
type ConnectParams struct {
	MinProtocol int         `json:"minProtocol"`
	MaxProtocol int         `json:"maxProtocol"`
	Client      ClientIdent `json:"client"`
	Role        string      `json:"role"`
	Scopes      []string    `json:"scopes"`
	Caps        []string    `json:"caps"`
	Auth        ConnectAuth `json:"auth"`
}

// ClientIdent identifies the bridge process to the gateway.
type ClientIdent struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Version     string `json:"version"`
	Platform    string `json:"platform"`
	Mode        string `json:"mode"`
	InstanceID  string `json:"instanceId"`
}

// ConnectAuth carries the bearer credential.
type ConnectAuth struct {
	Token string `json:"token,omitempty"`
}

// HelloOK is the success payload of the handshake. Only the negotiated
// protocol is interpreted.
type HelloOK struct {
	Protocol int `json:"protocol"`
}

// --- Method params ---

// ChatSendParams are the params of chat.send.
type ChatSendParams struct {
	SessionKey     string `json:"sessionKey"`
	Message        string `json:"message"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// ChatHistoryParams are the params of chat.history.
type ChatHistoryParams struct {
	SessionKey string `json:"sessionKey"`
	Limit      int    `json:"limit,omitempty"`
}

// SessionsListParams are the params of sessions.list.
type SessionsListParams struct {
	Limit int `json:"limit,omitempty"`
}

// --- Event payloads ---

// ChatEvent is the payload of a chat event. Message is kept raw because the
// gateway sends either a string or a structured content block.
type ChatEvent struct {
	RunID        string          `json:"runId"`
	SessionKey   string          `json:"sessionKey"`
	Seq          int64           `json:"seq,omitempty"`
	State        string          `json:"state"`
	Message      json.RawMessage `json:"message,omitempty"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
}

// SessionScoped extracts only the session key from an event payload. It is
// used to filter agent events whose remaining shape is opaque.
type SessionScoped struct {
	SessionKey string `json:"sessionKey"`
}
