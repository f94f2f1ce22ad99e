package tool

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"lorekeeper/internal/domain"
)

const maxFieldPreview = 160

// ProposalView is the structured payload attached to proposal tool results.
type ProposalView struct {
	Op       domain.ProposalOp `json:"op"`
	Proposal domain.Proposal   `json:"proposal"`
}

func citeEntity(e *domain.Entity) string {
	return domain.FormatCitation(e.Type, e.ID, e.Name)
}

// DescribeProposal renders a markdown summary of a proposal for the model
// and for review prompts.
func DescribeProposal(p domain.Proposal) string {
	var sb strings.Builder
	b := p.Base()

	switch v := p.(type) {
	case *domain.CreateProposal:
		fmt.Fprintf(&sb, "**Create %s \"%s\"** (proposal `%s`, %s)\n", v.EntityType, v.Name(), b.ID, b.Status)
		writeFields(&sb, withoutKey(v.Data, "name"))
		if v.ParentID != "" {
			fmt.Fprintf(&sb, "- parent: `%s`\n", v.ParentID)
		}
		for _, r := range v.SuggestedRelationships {
			fmt.Fprintf(&sb, "- relationship: %s %s\n", r.Label, domain.FormatCitation(r.TargetType, r.TargetID, r.TargetName))
		}
	case *domain.UpdateProposal:
		fmt.Fprintf(&sb, "**Update %s** (proposal `%s`, %s)\n",
			domain.FormatCitation(v.EntityType, v.EntityID, v.EntityName), b.ID, b.Status)
		for _, k := range sortedKeys(v.Changes) {
			fmt.Fprintf(&sb, "- %s: %s → %s\n", k, preview(v.CurrentData[k]), preview(v.Changes[k]))
		}
	case *domain.PatchProposal:
		fmt.Fprintf(&sb, "**Patch %s** (proposal `%s`, %s)\n",
			domain.FormatCitation(v.EntityType, v.EntityID, v.EntityName), b.ID, b.Status)
		for _, fp := range v.Patches {
			switch fp.Kind {
			case domain.PatchText:
				fmt.Fprintf(&sb, "- %s:\n```diff\n%s```\n", fp.Field, fp.Diff)
			case domain.PatchJSON:
				for _, op := range fp.Ops {
					fmt.Fprintf(&sb, "- %s: %s `%s`", fp.Field, op.Op, op.Path)
					if len(op.Value) > 0 {
						fmt.Fprintf(&sb, " = %s", truncate(string(op.Value), maxFieldPreview))
					}
					sb.WriteString("\n")
				}
			}
		}
	case *domain.RelationshipProposal:
		arrow := "→"
		if v.Bidirectional {
			arrow = "↔"
		}
		fmt.Fprintf(&sb, "**Link** %s %s %s %s (proposal `%s`, %s)\n",
			domain.FormatCitation(v.SourceType, v.SourceID, v.SourceName), arrow, v.RelationshipType,
			domain.FormatCitation(v.TargetType, v.TargetID, v.TargetName), b.ID, b.Status)
		if v.Description != "" {
			fmt.Fprintf(&sb, "- description: %s\n", v.Description)
		}
	}

	if b.Reasoning != "" {
		fmt.Fprintf(&sb, "- reasoning: %s\n", b.Reasoning)
	}
	return sb.String()
}

// proposalResult wraps a freshly created proposal into a tool result.
func proposalResult(p domain.Proposal) *domain.ToolResult {
	content := DescribeProposal(p) + "\nThe proposal is pending user review. Tell the user what you proposed; do not assume it has been applied."
	return DataResult(content, ProposalView{Op: p.Op(), Proposal: p})
}

func writeFields(sb *strings.Builder, fields map[string]any) {
	for _, k := range sortedKeys(fields) {
		fmt.Fprintf(sb, "- %s: %s\n", k, preview(fields[k]))
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func withoutKey(m map[string]any, key string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if k != key {
			out[k] = v
		}
	}
	return out
}

func preview(v any) string {
	switch t := v.(type) {
	case nil:
		return "(empty)"
	case string:
		return truncate(strings.ReplaceAll(t, "\n", " "), maxFieldPreview)
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return truncate(string(data), maxFieldPreview)
	}
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "…"
}
