package contextmgr

import (
	"encoding/json"
	"fmt"
	"time"

	"longform/pkg/agent/llm"
)

// SerializedMessage is the snapshot form of a Message. Fields are explicitly
// typed so the on-disk format does not drift when in-memory types change.
type SerializedMessage struct {
	Role        string             `json:"role"`
	Content     string             `json:"content"`
	Reasoning   string             `json:"reasoning,omitempty"`
	Provenance  string             `json:"provenance,omitempty"`
	ToolCalls   []SerializedCall   `json:"tool_calls,omitempty"`
	ToolResults []SerializedResult `json:"tool_results,omitempty"`
}

// SerializedCall is the snapshot form of a tool call.
//
//nolint:govet // struct alignment optimization not critical for serialization types.
type SerializedCall struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// SerializedResult is the snapshot form of a tool result.
type SerializedResult struct {
	ToolCallID string `json:"tool_call_id"`
	Name       string `json:"name,omitempty"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// SerializedFragment is the snapshot form of a buffered user fragment.
//
//nolint:govet // struct alignment optimization not critical for serialization types.
type SerializedFragment struct {
	Timestamp  int64  `json:"timestamp"` // Unix timestamp
	Provenance string `json:"provenance"`
	Content    string `json:"content"`
}

// SerializedContext is the full context manager snapshot embedded in the
// pipeline state for resume.
type SerializedContext struct {
	Messages           []SerializedMessage  `json:"messages"`
	UserBuffer         []SerializedFragment `json:"user_buffer,omitempty"`
	ModelName          string               `json:"model_name,omitempty"`
	Compressions       int                  `json:"compressions,omitempty"`
	PendingToolCalls   []SerializedCall     `json:"pending_tool_calls,omitempty"`
	PendingToolResults []SerializedResult   `json:"pending_tool_results,omitempty"`
}

// Serialize converts the context manager state to JSON bytes, including the
// user buffer and pending tool state.
func (cm *ContextManager) Serialize() ([]byte, error) {
	sc := SerializedContext{
		ModelName:    cm.modelName,
		Compressions: cm.compressions,
	}

	sc.Messages = make([]SerializedMessage, len(cm.messages))
	for i := range cm.messages {
		sc.Messages[i] = messageToSerialized(&cm.messages[i])
	}

	if len(cm.userBuffer) > 0 {
		sc.UserBuffer = make([]SerializedFragment, len(cm.userBuffer))
		for i := range cm.userBuffer {
			frag := &cm.userBuffer[i]
			sc.UserBuffer[i] = SerializedFragment{
				Timestamp:  frag.Timestamp.Unix(),
				Provenance: frag.Provenance,
				Content:    frag.Content,
			}
		}
	}

	if len(cm.pendingToolCalls) > 0 {
		sc.PendingToolCalls = make([]SerializedCall, len(cm.pendingToolCalls))
		for i := range cm.pendingToolCalls {
			sc.PendingToolCalls[i] = toolCallToSerialized(&cm.pendingToolCalls[i])
		}
	}

	if len(cm.pendingToolResults) > 0 {
		sc.PendingToolResults = make([]SerializedResult, len(cm.pendingToolResults))
		for i := range cm.pendingToolResults {
			sc.PendingToolResults[i] = toolResultToSerialized(&cm.pendingToolResults[i])
		}
	}

	data, err := json.Marshal(sc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal context: %w", err)
	}
	return data, nil
}

// Deserialize replaces the context manager state from JSON bytes and
// recomputes the token estimate. Budget limits are not part of the snapshot;
// they come from configuration at construction time.
func (cm *ContextManager) Deserialize(data []byte) error {
	var sc SerializedContext
	if err := json.Unmarshal(data, &sc); err != nil {
		return fmt.Errorf("failed to unmarshal context: %w", err)
	}

	if sc.ModelName != "" {
		cm.modelName = sc.ModelName
	}
	cm.compressions = sc.Compressions

	cm.messages = make([]Message, len(sc.Messages))
	for i := range sc.Messages {
		cm.messages[i] = serializedToMessage(&sc.Messages[i])
	}

	if len(sc.UserBuffer) > 0 {
		cm.userBuffer = make([]Fragment, len(sc.UserBuffer))
		for i := range sc.UserBuffer {
			sf := &sc.UserBuffer[i]
			cm.userBuffer[i] = Fragment{
				Timestamp:  time.Unix(sf.Timestamp, 0),
				Provenance: sf.Provenance,
				Content:    sf.Content,
			}
		}
	} else {
		cm.userBuffer = make([]Fragment, 0)
	}

	if len(sc.PendingToolCalls) > 0 {
		cm.pendingToolCalls = make([]llm.ToolCall, len(sc.PendingToolCalls))
		for i := range sc.PendingToolCalls {
			cm.pendingToolCalls[i] = serializedToToolCall(&sc.PendingToolCalls[i])
		}
	} else {
		cm.pendingToolCalls = nil
	}

	if len(sc.PendingToolResults) > 0 {
		cm.pendingToolResults = make([]llm.ToolResult, len(sc.PendingToolResults))
		for i := range sc.PendingToolResults {
			cm.pendingToolResults[i] = serializedToToolResult(&sc.PendingToolResults[i])
		}
	} else {
		cm.pendingToolResults = nil
	}

	cm.recountTokens()
	return nil
}

// messageToSerialized converts a Message to SerializedMessage.
//
//nolint:dupl // Serialize/deserialize pairs necessarily have similar structure.
func messageToSerialized(msg *Message) SerializedMessage {
	sm := SerializedMessage{
		Role:       string(msg.Role),
		Content:    msg.Content,
		Reasoning:  msg.Reasoning,
		Provenance: msg.Provenance,
	}

	if len(msg.ToolCalls) > 0 {
		sm.ToolCalls = make([]SerializedCall, len(msg.ToolCalls))
		for i := range msg.ToolCalls {
			sm.ToolCalls[i] = toolCallToSerialized(&msg.ToolCalls[i])
		}
	}

	if len(msg.ToolResults) > 0 {
		sm.ToolResults = make([]SerializedResult, len(msg.ToolResults))
		for i := range msg.ToolResults {
			sm.ToolResults[i] = toolResultToSerialized(&msg.ToolResults[i])
		}
	}

	return sm
}

// serializedToMessage converts a SerializedMessage to Message.
//
//nolint:dupl // Serialize/deserialize pairs necessarily have similar structure.
func serializedToMessage(sm *SerializedMessage) Message {
	msg := Message{
		Role:       llm.CompletionRole(sm.Role),
		Content:    sm.Content,
		Reasoning:  sm.Reasoning,
		Provenance: sm.Provenance,
	}

	if len(sm.ToolCalls) > 0 {
		msg.ToolCalls = make([]llm.ToolCall, len(sm.ToolCalls))
		for i := range sm.ToolCalls {
			msg.ToolCalls[i] = serializedToToolCall(&sm.ToolCalls[i])
		}
	}

	if len(sm.ToolResults) > 0 {
		msg.ToolResults = make([]llm.ToolResult, len(sm.ToolResults))
		for i := range sm.ToolResults {
			msg.ToolResults[i] = serializedToToolResult(&sm.ToolResults[i])
		}
	}

	return msg
}

func toolCallToSerialized(tc *llm.ToolCall) SerializedCall {
	return SerializedCall{
		ID:         tc.ID,
		Name:       tc.Name,
		Parameters: tc.Parameters,
	}
}

func serializedToToolCall(sc *SerializedCall) llm.ToolCall {
	return llm.ToolCall{
		ID:         sc.ID,
		Name:       sc.Name,
		Parameters: sc.Parameters,
	}
}

func toolResultToSerialized(tr *llm.ToolResult) SerializedResult {
	return SerializedResult{
		ToolCallID: tr.ToolCallID,
		Name:       tr.Name,
		Content:    tr.Content,
		IsError:    tr.IsError,
	}
}

func serializedToToolResult(sr *SerializedResult) llm.ToolResult {
	return llm.ToolResult{
		ToolCallID: sr.ToolCallID,
		Name:       sr.Name,
		Content:    sr.Content,
		IsError:    sr.IsError,
	}
}
