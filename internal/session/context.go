package session

import (
	"encoding/json"
	"strings"
	"unicode"

	"github.com/MJYKIM99/ClaudeBench/pkg/types"
)

// Context reconstruction bounds. The per-turn cap keeps one giant paste from
// eating the whole budget; the budget keeps the rebuilt prompt bounded no
// matter how long the session ran.
const (
	contextTokenBudget = 20000
	contextTurnCap     = 4000

	truncationMarker = "...[truncated]"

	historyOpen  = "<conversation-history>"
	historyClose = "</conversation-history>"
)

// turn is one extracted conversational exchange half.
type turn struct {
	role string // "User" or "Assistant"
	text string
}

// contextBuilder reconstructs a bounded prompt from the stored message log.
// Continuation cannot rely on the executor's native resume after a process
// restart, so every continue sends a rebuilt context instead.
type contextBuilder struct {
	budget  int
	turnCap int
}

func newContextBuilder() *contextBuilder {
	return &contextBuilder{budget: contextTokenBudget, turnCap: contextTurnCap}
}

// Build returns the effective prompt for a continuation: the newest stored
// turns that fit the budget, framed as history, with the new prompt after
// them. With no usable history the prompt goes through verbatim.
func (b *contextBuilder) Build(history []*types.Message, prompt string) string {
	turns := extractTurns(history)
	if len(turns) == 0 {
		return prompt
	}

	// Walk newest to oldest, truncating oversized turns instead of
	// dropping them, until the budget is spent. The newest turn is always
	// kept.
	var kept []turn
	total := 0
	for i := len(turns) - 1; i >= 0; i-- {
		t := turns[i]
		cost := estimateTokens(t.text)
		if cost > b.turnCap {
			t.text = truncateToTokens(t.text, b.turnCap) + truncationMarker
			cost = b.turnCap
		}
		if len(kept) > 0 && total+cost > b.budget {
			break
		}
		kept = append(kept, t)
		total += cost
	}

	// kept is newest-first; render oldest-first.
	var sb strings.Builder
	sb.WriteString(historyOpen)
	sb.WriteString("\n")
	for i := len(kept) - 1; i >= 0; i-- {
		sb.WriteString(kept[i].role)
		sb.WriteString(": ")
		sb.WriteString(kept[i].text)
		sb.WriteString("\n")
	}
	sb.WriteString(historyClose)
	sb.WriteString("\n\nContinue this conversation. New user message:\n")
	sb.WriteString(prompt)
	return sb.String()
}

// extractTurns flattens the stored log into alternating exchange halves. A
// user_prompt record is one user turn; an assistant record's text blocks
// concatenate into one assistant turn and each tool_use block becomes a
// one-line synthetic turn naming only the tool. Tool inputs and outputs are
// dropped to bound context size.
func extractTurns(history []*types.Message) []turn {
	var turns []turn
	for _, msg := range history {
		var envelope struct {
			Type    string `json:"type"`
			Prompt  string `json:"prompt"`
			Message struct {
				Content []struct {
					Type string `json:"type"`
					Text string `json:"text"`
					Name string `json:"name"`
				} `json:"content"`
			} `json:"message"`
		}
		if err := json.Unmarshal(msg.Payload, &envelope); err != nil {
			continue
		}

		switch envelope.Type {
		case "user_prompt":
			if envelope.Prompt != "" {
				turns = append(turns, turn{role: "User", text: envelope.Prompt})
			}
		case "assistant":
			var text strings.Builder
			for _, block := range envelope.Message.Content {
				switch block.Type {
				case "text":
					text.WriteString(block.Text)
				case "tool_use":
					turns = append(turns, turn{role: "Assistant", text: "[Tool: " + block.Name + "]"})
				}
			}
			if text.Len() > 0 {
				turns = append(turns, turn{role: "Assistant", text: text.String()})
			}
		}
	}
	return turns
}

var cjkTables = []*unicode.RangeTable{
	unicode.Han,
	unicode.Hiragana,
	unicode.Katakana,
	unicode.Hangul,
}

// estimateTokens is a cheap size heuristic: CJK runs denser than Latin, so
// ideographs count one token per 2 characters and everything else one per 4.
func estimateTokens(s string) int {
	cjk, other := 0, 0
	for _, r := range s {
		if unicode.In(r, cjkTables...) {
			cjk++
		} else {
			other++
		}
	}
	return (cjk+1)/2 + (other+3)/4
}

// truncateToTokens slices a string down to roughly the given token count.
func truncateToTokens(s string, tokens int) string {
	runes := []rune(s)
	limit := tokens * 4
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
