package contextmgr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"longform/pkg/agent/llm"
)

const (
	// summaryMaxTokens bounds the summarizer response.
	summaryMaxTokens = 4096

	// Rune caps for rendering compressed history. Reasoning and tool output
	// are clipped hard; prose content is kept whole.
	reasoningClipRunes  = 500
	toolResultClipRunes = 200

	summarizerSystemPrompt = "You are a helpful assistant that creates comprehensive summaries of conversations."

	summaryRequestPrompt = `Please provide a comprehensive summary of the conversation history below. Include:
1. The main task or goal discussed
2. Key decisions made
3. Files created and their purposes
4. Progress made so far
5. Any important context for continuing the work

Conversation history to summarize:
`

	summaryInjectionHeader = "[CONTEXT SUMMARY - Previous conversation compressed]"
	summaryInjectionFooter = "[END CONTEXT SUMMARY - Continuing from here...]"
)

// BudgetOverflowError reports that the conversation cannot be brought below
// the compression threshold. It is fatal for the current turn: the pipeline
// records the reason and moves the project to FAILED.
type BudgetOverflowError struct {
	Usage     int
	Threshold int
	Limit     int
	Reason    string
}

func (e *BudgetOverflowError) Error() string {
	return fmt.Sprintf("token budget overflow: usage %d, compression threshold %d, context limit %d: %s",
		e.Usage, e.Threshold, e.Limit, e.Reason)
}

// IsBudgetOverflow reports whether err is (or wraps) a BudgetOverflowError.
func IsBudgetOverflow(err error) bool {
	var target *BudgetOverflowError
	return errors.As(err, &target)
}

// CompressionResult describes one completed compression pass. The caller
// persists it: the summary is stored alongside the conversation log and
// exported to the project's history directory.
type CompressionResult struct {
	Summary            string
	MessagesCompressed int
	MessagesRetained   int
	TokensBefore       int
	TokensAfter        int
	CompressedAt       time.Time
}

// Markdown renders the result as the history-directory export document.
func (r *CompressionResult) Markdown() string {
	var b strings.Builder
	b.WriteString("# Context Summary\n\n")
	fmt.Fprintf(&b, "**Generated:** %s\n\n", r.CompressedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "**Messages Compressed:** %d\n\n", r.MessagesCompressed)
	fmt.Fprintf(&b, "**Messages Retained:** %d\n\n", r.MessagesRetained)
	b.WriteString("---\n\n")
	b.WriteString(r.Summary)
	return b.String()
}

// Compress summarizes the middle of the conversation, keeping the system
// prompt and the most recent turns verbatim, and replaces the summarized
// messages with a single injected summary message. After a successful pass
// usage is strictly below the compression threshold; when that cannot be
// achieved the returned error is a BudgetOverflowError.
//
// When there is nothing to compress and usage is already below the threshold
// the call is a no-op: the result has MessagesCompressed == 0 and no model
// call is made.
func (cm *ContextManager) Compress(ctx context.Context, client llm.LLMClient) (*CompressionResult, error) {
	tokensBefore := cm.tokens

	head, body := cm.splitSystemHead()
	if len(body) <= cm.keepRecentTurns {
		if tokensBefore >= cm.compressionThreshold {
			return nil, &BudgetOverflowError{
				Usage:     tokensBefore,
				Threshold: cm.compressionThreshold,
				Limit:     cm.contextTokenLimit,
				Reason:    "no compressible history: the retained window alone exceeds the threshold",
			}
		}
		return &CompressionResult{
			MessagesRetained: len(body),
			TokensBefore:     tokensBefore,
			TokensAfter:      tokensBefore,
			CompressedAt:     time.Now(),
		}, nil
	}

	middle := body[:len(body)-cm.keepRecentTurns]
	recent := body[len(body)-cm.keepRecentTurns:]

	cm.logger.Info("🔄 Compressing conversation: %d messages, ~%d tokens (threshold %d)",
		len(cm.messages), tokensBefore, cm.compressionThreshold)

	req := llm.CompletionRequest{
		Messages: []llm.CompletionMessage{
			llm.NewSystemMessage(summarizerSystemPrompt),
			llm.NewUserMessage(summaryRequestPrompt + renderForSummary(middle)),
		},
		MaxTokens:   summaryMaxTokens,
		Temperature: llm.TemperatureSummary,
	}
	resp, err := client.Complete(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("compression summary call failed: %w", err)
	}
	summary := strings.TrimSpace(resp.Content)
	if summary == "" {
		return nil, fmt.Errorf("compression summary call returned no content")
	}

	injected := Message{
		Role:       llm.RoleUser,
		Content:    fmt.Sprintf("%s\n\n%s\n\n%s", summaryInjectionHeader, summary, summaryInjectionFooter),
		Provenance: ProvenanceContextSummary,
	}

	rebuilt := make([]Message, 0, len(head)+1+len(recent))
	rebuilt = append(rebuilt, head...)
	rebuilt = append(rebuilt, injected)
	rebuilt = append(rebuilt, recent...)
	cm.messages = rebuilt
	cm.recountTokens()
	cm.compressions++

	if cm.tokens >= cm.compressionThreshold {
		return nil, &BudgetOverflowError{
			Usage:     cm.tokens,
			Threshold: cm.compressionThreshold,
			Limit:     cm.contextTokenLimit,
			Reason: fmt.Sprintf("compression of %d messages only reduced usage from %d to %d tokens",
				len(middle), tokensBefore, cm.tokens),
		}
	}

	cm.logger.Info("✅ Compression complete: %d → %d tokens, %d messages summarized, %d retained",
		tokensBefore, cm.tokens, len(middle), len(recent))
	return &CompressionResult{
		Summary:            summary,
		MessagesCompressed: len(middle),
		MessagesRetained:   len(recent),
		TokensBefore:       tokensBefore,
		TokensAfter:        cm.tokens,
		CompressedAt:       time.Now(),
	}, nil
}

// splitSystemHead separates the leading system message (if present) from the
// rest of the history.
func (cm *ContextManager) splitSystemHead() (head, body []Message) {
	if len(cm.messages) > 0 && cm.messages[0].Role == llm.RoleSystem {
		return cm.messages[:1], cm.messages[1:]
	}
	return nil, cm.messages
}

// renderForSummary flattens messages into the text handed to the summarizer.
// Reasoning and tool output are clipped so one oversized result cannot
// dominate the summary request.
func renderForSummary(msgs []Message) string {
	var b strings.Builder
	for i := range msgs {
		m := &msgs[i]
		switch {
		case m.Role == llm.RoleAssistant:
			if m.Reasoning != "" {
				fmt.Fprintf(&b, "\n[Assistant Reasoning]: %s\n", clipRunes(m.Reasoning, reasoningClipRunes))
			}
			if len(m.ToolCalls) > 0 {
				calls := make([]string, 0, len(m.ToolCalls))
				for j := range m.ToolCalls {
					tc := &m.ToolCalls[j]
					calls = append(calls, fmt.Sprintf("%s(%s)", tc.Name, renderParams(tc.Parameters)))
				}
				fmt.Fprintf(&b, "\n[Assistant Tool Calls]: %s\n", strings.Join(calls, ", "))
			}
			if m.Content != "" {
				fmt.Fprintf(&b, "\n[Assistant]: %s\n", m.Content)
			}
		case len(m.ToolResults) > 0:
			for j := range m.ToolResults {
				tr := &m.ToolResults[j]
				name := tr.Name
				if name == "" {
					name = "unknown_tool"
				}
				fmt.Fprintf(&b, "\n[Tool Result - %s]: %s\n", name, clipRunes(tr.Content, toolResultClipRunes))
			}
		case m.Role == llm.RoleUser:
			fmt.Fprintf(&b, "\n[User]: %s\n", m.Content)
		}
	}
	return b.String()
}

// clipRunes truncates s to max runes. The ellipsis is always appended so the
// summarizer knows the text is an excerpt.
func clipRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) > max {
		runes = runes[:max]
	}
	return string(runes) + "..."
}

func renderParams(params map[string]any) string {
	if len(params) == 0 {
		return "{}"
	}
	data, err := json.Marshal(params)
	if err != nil {
		return fmt.Sprintf("%v", params)
	}
	return string(data)
}
