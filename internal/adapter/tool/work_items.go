package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"lorekeeper/internal/domain"
	"lorekeeper/internal/usecase/workitem"
)

// WorkItemsTool lets the model keep a research checklist between iterations.
type WorkItemsTool struct {
	items  *workitem.Tracker
	logger *slog.Logger
}

// NewWorkItemsTool creates the work_items tool backed by tracker.
func NewWorkItemsTool(tracker *workitem.Tracker, logger *slog.Logger) *WorkItemsTool {
	return &WorkItemsTool{items: tracker, logger: logger}
}

func (t *WorkItemsTool) Name() string          { return "work_items" }
func (t *WorkItemsTool) Kind() domain.ToolKind { return domain.ToolKindInternal }
func (t *WorkItemsTool) Description() string {
	return "Track your own plan for this request. Add items before multi-step research, " +
		"mark them in_progress or done as you go, and list them to check what is left."
}

func (t *WorkItemsTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"action": {"type": "string", "enum": ["add", "update", "list"]},
				"description": {"type": "string", "description": "Item text (add)"},
				"id": {"type": "string", "description": "Item id (update)"},
				"status": {"type": "string", "enum": ["pending", "in_progress", "done"]},
				"note": {"type": "string"}
			},
			"required": ["action"]
		}`),
	}
}

type workItemsParams struct {
	Action      string `json:"action"`
	Description string `json:"description,omitempty"`
	ID          string `json:"id,omitempty"`
	Status      string `json:"status,omitempty"`
	Note        string `json:"note,omitempty"`
}

func (p workItemsParams) actionName() string { return p.Action }

func (t *WorkItemsTool) Execute(ctx context.Context, input json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.work_items", t.logger, input,
		Dispatch(ActionMap[workItemsParams]{
			"add":    t.handleAdd,
			"update": t.handleUpdate,
			"list":   t.handleList,
		}),
	)
}

func (t *WorkItemsTool) handleAdd(_ context.Context, p workItemsParams) (any, error) {
	if err := RequireField("description", p.Description); err != nil {
		return ErrResult("%v", err)
	}
	item, err := t.items.Add(p.Description)
	if err != nil {
		return nil, err
	}
	return DataResult(fmt.Sprintf("Added work item %s.\n\n%s", item.ID, renderWorkItems(t.items.List())), item), nil
}

func (t *WorkItemsTool) handleUpdate(_ context.Context, p workItemsParams) (any, error) {
	if err := RequireFields("id", p.ID, "status", p.Status); err != nil {
		return ErrResult("%v", err)
	}
	item, err := t.items.Update(p.ID, domain.WorkItemStatus(p.Status), p.Note)
	if err != nil {
		return ErrResult("%v", err)
	}
	return DataResult(fmt.Sprintf("Work item %s is %s.\n\n%s", item.ID, item.Status, renderWorkItems(t.items.List())), item), nil
}

func (t *WorkItemsTool) handleList(_ context.Context, _ workItemsParams) (any, error) {
	items := t.items.List()
	return DataResult(renderWorkItems(items), items), nil
}

func renderWorkItems(items []domain.WorkItem) string {
	if len(items) == 0 {
		return "No work items."
	}
	var sb strings.Builder
	for _, it := range items {
		mark := " "
		switch it.Status {
		case domain.WorkItemInProgress:
			mark = "~"
		case domain.WorkItemDone:
			mark = "x"
		}
		fmt.Fprintf(&sb, "- [%s] %s. %s", mark, it.ID, it.Description)
		if it.Note != "" {
			fmt.Fprintf(&sb, " (%s)", it.Note)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
