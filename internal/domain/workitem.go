package domain

import "time"

// WorkItemStatus is the progress of a planning item.
type WorkItemStatus string

const (
	WorkItemPending    WorkItemStatus = "pending"
	WorkItemInProgress WorkItemStatus = "in_progress"
	WorkItemDone       WorkItemStatus = "done"
)

// Valid reports whether s is a known status.
func (s WorkItemStatus) Valid() bool {
	switch s {
	case WorkItemPending, WorkItemInProgress, WorkItemDone:
		return true
	}
	return false
}

// WorkItem is a planning note the model keeps for itself.
type WorkItem struct {
	ID          string         `json:"id"`
	Description string         `json:"description"`
	Status      WorkItemStatus `json:"status"`
	Note        string         `json:"note,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}
