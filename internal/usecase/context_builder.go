package usecase

import (
	"encoding/json"
	"fmt"
	"strings"

	"lorekeeper/internal/domain"
)

const citationGuidance = `When you mention an entity you looked up, cite it inline as [[type:id:name]],
for example [[character:c-1:Mira Vale]]. Only cite ids returned by a tool.`

const proposalGuidance = `You cannot change the world directly. Use the propose_* tools to suggest
changes; the user reviews each proposal. Search before proposing a new entity so you
do not create duplicates.`

// ContextConfig configures prompt assembly.
type ContextConfig struct {
	SystemPrompt string
	Model        string
	MaxTokens    int
	MaxMessages  int // 0 keeps the whole history
	Cache        domain.CacheHints
}

// ContextBuilder constructs the request for each model turn.
type ContextBuilder struct {
	cfg ContextConfig
}

// NewContextBuilder creates a new context builder.
func NewContextBuilder(cfg ContextConfig) *ContextBuilder {
	return &ContextBuilder{cfg: cfg}
}

// Build assembles the system prompt, the repaired and truncated history and
// the tool schemas into one request.
func (cb *ContextBuilder) Build(
	history []domain.Message,
	tc domain.ToolContext,
	tools []domain.ToolSchema,
	outputSchema json.RawMessage,
) domain.ChatRequest {
	hist := RepairTranscript(history)
	hist = cb.truncateHistory(hist)

	return domain.ChatRequest{
		Model:        cb.cfg.Model,
		System:       cb.systemPrompt(tc),
		Messages:     hist,
		Tools:        tools,
		MaxTokens:    cb.cfg.MaxTokens,
		OutputSchema: outputSchema,
		Cache:        cb.cfg.Cache,
	}
}

func (cb *ContextBuilder) systemPrompt(tc domain.ToolContext) string {
	var sb strings.Builder
	sb.WriteString(cb.cfg.SystemPrompt)
	sb.WriteString("\n\n## Citations\n")
	sb.WriteString(citationGuidance)
	sb.WriteString("\n\n## Proposals\n")
	sb.WriteString(proposalGuidance)

	if tc.CollectionID != "" || tc.Page != nil {
		sb.WriteString("\n\n## Current Context\n")
	}
	if tc.CollectionID != "" {
		fmt.Fprintf(&sb, "- Collection: %s\n", tc.CollectionID)
	}
	if p := tc.Page; p != nil {
		fmt.Fprintf(&sb, "- The user is viewing %s", p.EntityType)
		if p.Name != "" {
			fmt.Fprintf(&sb, " %s", domain.FormatCitation(p.EntityType, p.EntityID, p.Name))
		} else {
			fmt.Fprintf(&sb, " %s", p.EntityID)
		}
		sb.WriteByte('\n')
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (cb *ContextBuilder) truncateHistory(history []domain.Message) []domain.Message {
	if cb.cfg.MaxMessages <= 0 || len(history) <= cb.cfg.MaxMessages {
		return history
	}

	// Partition messages into atomic groups so that a tool_use turn and the
	// user turn answering it are never split.
	groups := groupMessages(history)

	var kept [][]domain.Message
	total := 0
	for i := len(groups) - 1; i >= 0; i-- {
		groupLen := len(groups[i])
		if total+groupLen > cb.cfg.MaxMessages && total > 0 {
			break
		}
		kept = append(kept, groups[i])
		total += groupLen
	}

	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}

	// The history sent to a backend must open with a user turn.
	for len(kept) > 1 && kept[0][0].Role != domain.RoleUser {
		total -= len(kept[0])
		kept = kept[1:]
	}

	result := make([]domain.Message, 0, total)
	for _, g := range kept {
		result = append(result, g...)
	}
	return result
}

// groupMessages partitions messages into atomic groups. An assistant
// message with tool uses and the user message that follows it form a single
// group. All other messages are individual groups.
func groupMessages(msgs []domain.Message) [][]domain.Message {
	var groups [][]domain.Message
	i := 0
	for i < len(msgs) {
		msg := msgs[i]
		if msg.Role == domain.RoleAssistant && len(msg.ToolUses()) > 0 &&
			i+1 < len(msgs) && msgs[i+1].Role == domain.RoleUser {
			groups = append(groups, msgs[i:i+2])
			i += 2
			continue
		}
		groups = append(groups, []domain.Message{msg})
		i++
	}
	return groups
}
