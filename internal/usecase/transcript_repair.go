package usecase

import (
	"slices"

	"lorekeeper/internal/domain"
)

const missingResultContent = "[error] tool call did not produce a result"

// RepairTranscript makes a history safe to send to a model backend:
//  1. Every assistant tool_use block gets a tool_result in the user turn
//     that immediately follows it. Missing results are synthesized as errors
//     (a run cancelled between tool calls leaves such gaps).
//  2. tool_result blocks that do not answer a tool_use from the preceding
//     assistant turn are dropped.
//
// Returns a new slice; the input is not modified.
func RepairTranscript(messages []domain.Message) []domain.Message {
	if len(messages) == 0 {
		return messages
	}

	result := make([]domain.Message, 0, len(messages)+1)
	var pending []domain.ContentBlock // tool_use blocks awaiting results

	for _, msg := range messages {
		if msg.Role == domain.RoleAssistant {
			if len(pending) > 0 {
				result = append(result, syntheticResults(pending))
			}
			pending = msg.ToolUses()
			result = append(result, msg)
			continue
		}

		repaired, ok := answerPending(msg, pending)
		pending = nil
		if ok {
			result = append(result, repaired)
		}
	}

	if len(pending) > 0 {
		result = append(result, syntheticResults(pending))
	}
	return result
}

// answerPending rewrites a user turn so that it answers exactly the pending
// tool uses, in their order, followed by any non-result blocks. Returns false
// when nothing is left of the message.
func answerPending(msg domain.Message, pending []domain.ContentBlock) (domain.Message, bool) {
	byID := make(map[string]domain.ContentBlock)
	var other []domain.ContentBlock
	for _, b := range msg.Content {
		if b.Type == domain.BlockToolResult {
			byID[b.ToolUseID] = b
			continue
		}
		other = append(other, b)
	}

	content := make([]domain.ContentBlock, 0, len(pending)+len(other))
	for _, use := range pending {
		if r, ok := byID[use.ID]; ok {
			content = append(content, r)
		} else {
			content = append(content, domain.ToolResultBlock(use.ID, missingResultContent, true))
		}
	}
	content = append(content, other...)

	if len(content) == 0 {
		return domain.Message{}, false
	}
	out := msg
	out.Content = slices.Clip(content)
	return out, true
}

func syntheticResults(pending []domain.ContentBlock) domain.Message {
	content := make([]domain.ContentBlock, 0, len(pending))
	for _, use := range pending {
		content = append(content, domain.ToolResultBlock(use.ID, missingResultContent, true))
	}
	return domain.Message{Role: domain.RoleUser, Content: content}
}
