package agent

import (
	"encoding/json"
	"fmt"
)

// Message is one protocol message from the executor stream. The concrete
// variants form a closed set; switch over them exhaustively.
type Message interface {
	// Raw returns the original wire bytes, preserved for persistence and
	// forwarding to the client.
	Raw() json.RawMessage

	message()
}

type raw struct {
	data json.RawMessage
}

func (r raw) Raw() json.RawMessage { return r.data }
func (raw) message()               {}

// SystemMessage is the stream handshake. Subtype "init" carries the
// executor's own session identifier.
type SystemMessage struct {
	raw
	Subtype   string
	SessionID string
}

// AssistantMessage is one assistant turn: text and/or tool-use blocks.
type AssistantMessage struct {
	raw
	Content []ContentBlock
}

// ContentBlock is one block inside an assistant message.
type ContentBlock struct {
	Type  string          `json:"type"` // "text" | "tool_use"
	Text  string          `json:"text,omitempty"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

// Text concatenates the plain-text blocks of an assistant message.
func (m *AssistantMessage) Text() string {
	var out string
	for _, block := range m.Content {
		if block.Type == "text" {
			out += block.Text
		}
	}
	return out
}

// ToolUses returns the tool-use blocks of an assistant message.
func (m *AssistantMessage) ToolUses() []ContentBlock {
	var uses []ContentBlock
	for _, block := range m.Content {
		if block.Type == "tool_use" {
			uses = append(uses, block)
		}
	}
	return uses
}

// UserMessage carries tool results echoed back into the transcript.
type UserMessage struct {
	raw
}

// ResultMessage terminates a turn.
type ResultMessage struct {
	raw
	Subtype string
	IsError bool
	Result  string
}

// OK reports whether the turn ended successfully.
func (m *ResultMessage) OK() bool {
	return !m.IsError && m.Subtype == "success"
}

// UnknownMessage is any type tag this package does not model. It is forwarded
// and persisted opaquely, never dropped.
type UnknownMessage struct {
	raw
	Type string
}

type wireEnvelope struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype"`

	SessionID string `json:"session_id"`

	Message struct {
		Content []ContentBlock `json:"content"`
	} `json:"message"`

	IsError bool   `json:"is_error"`
	Result  string `json:"result"`
}

// DecodeMessage parses one wire line into its variant.
func DecodeMessage(data json.RawMessage) (Message, error) {
	var env wireEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode agent message: %w", err)
	}

	base := raw{data: data}
	switch env.Type {
	case "system":
		return &SystemMessage{raw: base, Subtype: env.Subtype, SessionID: env.SessionID}, nil
	case "assistant":
		return &AssistantMessage{raw: base, Content: env.Message.Content}, nil
	case "user":
		return &UserMessage{raw: base}, nil
	case "result":
		return &ResultMessage{raw: base, Subtype: env.Subtype, IsError: env.IsError, Result: env.Result}, nil
	case "":
		return nil, fmt.Errorf("agent message missing type tag")
	default:
		return &UnknownMessage{raw: base, Type: env.Type}, nil
	}
}
