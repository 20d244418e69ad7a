package prompt

import (
	"slices"
	"unicode/utf8"

	"github.com/parleyhq/parley/internal/chat"
)

// estimateTokens provides a rough token count.
// Uses rune count divided by 2 as a conservative estimate that works
// for both English (~4 chars/token) and CJK (~1.5 chars/token) text.
func estimateTokens(text string) int {
	return utf8.RuneCountInString(text) / 2
}

func estimateMessagesTokens(msgs []chat.Message) int {
	total := 0
	for _, m := range msgs {
		total += estimateTokens(m.Content)
	}
	return total
}

// truncateHistory removes oldest messages to fit within budget, keeping
// the most recent ones. A budget of zero disables truncation.
func truncateHistory(msgs []chat.Message, budget int) []chat.Message {
	if budget <= 0 || len(msgs) == 0 {
		return msgs
	}
	if estimateMessagesTokens(msgs) <= budget {
		return msgs
	}

	// Add messages from newest to oldest until budget exhausted, then
	// reverse to restore chronological order.
	remaining := budget
	kept := make([]chat.Message, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		cost := estimateTokens(msgs[i].Content)
		if remaining < cost {
			break
		}
		kept = append(kept, msgs[i])
		remaining -= cost
	}
	slices.Reverse(kept)
	return kept
}
