package contextmgr

import (
	"testing"
	"time"

	"longform/pkg/agent/llm"
	"longform/pkg/config"
)

func TestContextManagerSerializeDeserialize(t *testing.T) {
	cm := NewContextManagerWithConfig(config.GenerationConfig{
		Model:                config.DefaultGenerationModel,
		ContextTokenLimit:    200000,
		CompressionThreshold: 180000,
		KeepRecentTurns:      10,
	})
	cm.ResetSystemPrompt("You are a story architect.")
	cm.AddAssistantTurn("Let me draft the outline.", "Start from the ending.", []llm.ToolCall{
		{ID: "tc1", Name: "create_plot_outline", Parameters: map[string]any{"content": "Three acts."}},
	})
	cm.AddToolResult(llm.ToolResult{ToolCallID: "tc1", Name: "create_plot_outline", Content: "Saved.", IsError: false})
	cm.compressions = 2

	// Leave unflushed input in the buffer so it round-trips too.
	cm.userBuffer = append(cm.userBuffer, Fragment{
		Timestamp:  time.Now(),
		Provenance: "approval-feedback",
		Content:    "Please tighten act two.",
	})

	data, err := cm.Serialize()
	if err != nil {
		t.Fatalf("Serialize failed: %v", err)
	}

	cm2 := NewContextManager()
	if err := cm2.Deserialize(data); err != nil {
		t.Fatalf("Deserialize failed: %v", err)
	}

	if cm2.modelName != cm.modelName {
		t.Errorf("modelName mismatch: got %q, want %q", cm2.modelName, cm.modelName)
	}
	if cm2.compressions != 2 {
		t.Errorf("compressions mismatch: got %d, want 2", cm2.compressions)
	}
	if len(cm2.messages) != len(cm.messages) {
		t.Errorf("messages count mismatch: got %d, want %d", len(cm2.messages), len(cm.messages))
	}
	if len(cm2.userBuffer) != len(cm.userBuffer) {
		t.Errorf("userBuffer count mismatch: got %d, want %d", len(cm2.userBuffer), len(cm.userBuffer))
	}
	if len(cm2.pendingToolCalls) != len(cm.pendingToolCalls) {
		t.Errorf("pendingToolCalls count mismatch: got %d, want %d",
			len(cm2.pendingToolCalls), len(cm.pendingToolCalls))
	}
	if len(cm2.pendingToolResults) != len(cm.pendingToolResults) {
		t.Errorf("pendingToolResults count mismatch: got %d, want %d",
			len(cm2.pendingToolResults), len(cm.pendingToolResults))
	}

	if cm2.messages[0].Role != llm.RoleSystem {
		t.Errorf("first message role mismatch: got %q, want system", cm2.messages[0].Role)
	}
	if cm2.messages[0].Content != "You are a story architect." {
		t.Error("system prompt content mismatch")
	}

	found := false
	for i := range cm2.messages {
		msg := &cm2.messages[i]
		if len(msg.ToolCalls) > 0 {
			found = true
			if msg.ToolCalls[0].Name != "create_plot_outline" {
				t.Errorf("tool call name mismatch: got %q, want create_plot_outline", msg.ToolCalls[0].Name)
			}
			if msg.Reasoning != "Start from the ending." {
				t.Errorf("reasoning mismatch: got %q", msg.Reasoning)
			}
		}
	}
	if !found {
		t.Error("expected to find message with tool calls")
	}

	if len(cm2.pendingToolResults) > 0 {
		if cm2.pendingToolResults[0].ToolCallID != "tc1" {
			t.Errorf("pending tool result ID mismatch: got %q, want tc1", cm2.pendingToolResults[0].ToolCallID)
		}
		if cm2.pendingToolResults[0].Name != "create_plot_outline" {
			t.Errorf("pending tool result name mismatch: got %q", cm2.pendingToolResults[0].Name)
		}
	}

	// The token estimate is recomputed on load, not stored.
	if cm2.CountTokens() != cm.CountTokens() {
		t.Errorf("token recount mismatch: got %d, want %d", cm2.CountTokens(), cm.CountTokens())
	}
}

func TestSerializeEmptyContext(t *testing.T) {
	cm := NewContextManager()

	data, err := cm.Serialize()
	if err != nil {
		t.Fatalf("Serialize failed: %v", err)
	}

	cm2 := NewContextManager()
	if err := cm2.Deserialize(data); err != nil {
		t.Fatalf("Deserialize failed: %v", err)
	}

	if len(cm2.messages) != 0 {
		t.Errorf("expected empty messages, got %d", len(cm2.messages))
	}
	if cm2.CountTokens() != 0 {
		t.Errorf("expected zero tokens, got %d", cm2.CountTokens())
	}
}

func TestSerializePreservesProvenance(t *testing.T) {
	cm := NewContextManager()
	cm.ResetSystemPrompt("Test system prompt")
	cm.AddUserMessage("approval-feedback", "Approved with notes.")
	cm.FlushUserBuffer()

	data, err := cm.Serialize()
	if err != nil {
		t.Fatalf("Serialize failed: %v", err)
	}

	cm2 := NewContextManager()
	if err := cm2.Deserialize(data); err != nil {
		t.Fatalf("Deserialize failed: %v", err)
	}

	if len(cm2.messages) < 2 {
		t.Fatalf("expected at least 2 messages, got %d", len(cm2.messages))
	}
	if cm2.messages[0].Provenance != ProvenanceSystemPrompt {
		t.Errorf("system prompt provenance mismatch: got %q, want %q",
			cm2.messages[0].Provenance, ProvenanceSystemPrompt)
	}
	if cm2.messages[1].Provenance != "approval-feedback" {
		t.Errorf("feedback provenance mismatch: got %q, want approval-feedback", cm2.messages[1].Provenance)
	}
}

func TestDeserializeRejectsGarbage(t *testing.T) {
	cm := NewContextManager()
	if err := cm.Deserialize([]byte("{not json")); err == nil {
		t.Error("expected error for malformed snapshot")
	}
}
