// Package workitem holds the model's self-authored plan for one run.
package workitem

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"lorekeeper/internal/domain"
)

// Tracker stores work items in insertion order. Ids are short sequential
// strings so the model can refer to them easily.
type Tracker struct {
	mu     sync.Mutex
	items  []domain.WorkItem
	nextID int
	now    func() time.Time
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{nextID: 1, now: time.Now}
}

// Add appends a pending work item.
func (t *Tracker) Add(description string) (domain.WorkItem, error) {
	description = strings.TrimSpace(description)
	if description == "" {
		return domain.WorkItem{}, domain.NewDomainError("Tracker.Add", domain.ErrInvalidInput, "description is required")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	item := domain.WorkItem{
		ID:          strconv.Itoa(t.nextID),
		Description: description,
		Status:      domain.WorkItemPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	t.nextID++
	t.items = append(t.items, item)
	return item, nil
}

// Update changes the status of an item and optionally replaces its note.
func (t *Tracker) Update(id string, status domain.WorkItemStatus, note string) (domain.WorkItem, error) {
	if !status.Valid() {
		return domain.WorkItem{}, domain.NewDomainError("Tracker.Update", domain.ErrInvalidInput, "unknown status "+strconv.Quote(string(status)))
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.items {
		if t.items[i].ID != id {
			continue
		}
		t.items[i].Status = status
		if note != "" {
			t.items[i].Note = note
		}
		t.items[i].UpdatedAt = t.now()
		return t.items[i], nil
	}
	return domain.WorkItem{}, domain.NewDomainError("Tracker.Update", domain.ErrNotFound, "work item "+id)
}

// List returns a copy of all items in insertion order.
func (t *Tracker) List() []domain.WorkItem {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]domain.WorkItem(nil), t.items...)
}

// Counts returns how many items are in each status.
func (t *Tracker) Counts() map[domain.WorkItemStatus]int {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[domain.WorkItemStatus]int, 3)
	for _, it := range t.items {
		out[it.Status]++
	}
	return out
}
