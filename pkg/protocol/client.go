package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidCommand is returned when a client frame cannot be decoded or
// names an unknown command.
var ErrInvalidCommand = errors.New("invalid client frame")

// --- Client commands (browser → bridge) ---

const (
	CmdIdentify = "identify"
	CmdHatch    = "hatch"
	CmdChat     = "chat"
	CmdHistory  = "history"
)

// --- Client frames (bridge → browser) ---

const (
	TypeStatus     = "status"
	TypeHatchOK    = "hatch-ok"
	TypeChatDelta  = "chat-delta"
	TypeChatFinal  = "chat-final"
	TypeAgentEvent = "agent-event"
	TypeHistory    = "history"
	TypeError      = "error"
)

// ClientCommand is a decoded browser command. Fields not used by Type are
// left empty.
type ClientCommand struct {
	Type       string `json:"type"`
	ClientID   string `json:"clientId,omitempty"`
	AgentPkg   string `json:"agentPkg,omitempty"`
	Message    string `json:"message,omitempty"`
	SessionKey string `json:"sessionKey,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}

// DecodeCommand parses a raw client frame. Every failure wraps
// ErrInvalidCommand.
func DecodeCommand(data []byte) (ClientCommand, error) {
	var cmd ClientCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		return ClientCommand{}, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}
	switch cmd.Type {
	case CmdIdentify:
	case CmdHatch, CmdChat, CmdHistory:
		if cmd.AgentPkg == "" {
			return ClientCommand{}, fmt.Errorf("%w: %s requires agentPkg", ErrInvalidCommand, cmd.Type)
		}
	case "":
		return ClientCommand{}, fmt.Errorf("%w: missing type", ErrInvalidCommand)
	default:
		return ClientCommand{}, fmt.Errorf("%w: unknown type %q", ErrInvalidCommand, cmd.Type)
	}
	if cmd.Limit < 0 {
		return ClientCommand{}, fmt.Errorf("%w: negative limit", ErrInvalidCommand)
	}
	return cmd, nil
}

// StatusFrame reports gateway connectivity.
type StatusFrame struct {
	Type      string `json:"type"`
	Connected bool   `json:"connected"`
}

// HatchOKFrame confirms a newly opened session.
type HatchOKFrame struct {
	Type       string `json:"type"`
	AgentPkg   string `json:"agentPkg"`
	SessionKey string `json:"sessionKey"`
	Agent      any    `json:"agent"`
}

// ChatFrame carries a streamed (chat-delta) or completed (chat-final) reply.
type ChatFrame struct {
	Type       string          `json:"type"`
	AgentPkg   string          `json:"agentPkg"`
	RunID      string          `json:"runId"`
	Message    json.RawMessage `json:"message"`
	SessionKey string          `json:"sessionKey"`
}

// AgentEventFrame forwards an agent event untouched.
type AgentEventFrame struct {
	Type     string          `json:"type"`
	AgentPkg string          `json:"agentPkg"`
	Payload  json.RawMessage `json:"payload"`
}

// HistoryFrame carries a chat.history result.
type HistoryFrame struct {
	Type     string          `json:"type"`
	AgentPkg string          `json:"agentPkg"`
	Messages json.RawMessage `json:"messages"`
}

// ErrorFrame reports a failed intent.
type ErrorFrame struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// NewStatus builds a status frame.
func NewStatus(connected bool) StatusFrame {
	return StatusFrame{Type: TypeStatus, Connected: connected}
}

// NewError builds an error frame.
func NewError(msg string) ErrorFrame {
	return ErrorFrame{Type: TypeError, Error: msg}
}

// DecodeFrame parses a bridge → browser frame into its typed struct
// (StatusFrame, HatchOKFrame, ChatFrame, AgentEventFrame, HistoryFrame or
// ErrorFrame). Used by terminal clients.
func DecodeFrame(data []byte) (any, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}

	var v any
	switch head.Type {
	case TypeStatus:
		v = &StatusFrame{}
	case TypeHatchOK:
		v = &HatchOKFrame{}
	case TypeChatDelta, TypeChatFinal:
		v = &ChatFrame{}
	case TypeAgentEvent:
		v = &AgentEventFrame{}
	case TypeHistory:
		v = &HistoryFrame{}
	case TypeError:
		v = &ErrorFrame{}
	default:
		return nil, fmt.Errorf("decode frame: unknown type %q", head.Type)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return nil, fmt.Errorf("decode %s frame: %w", head.Type, err)
	}
	return v, nil
}
