package usecase

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"lorekeeper/internal/domain"
	"lorekeeper/internal/usecase/proposal"
)

func TestNewSession(t *testing.T) {
	s := NewSession("col-1")
	if len(s.ID) != 26 {
		t.Errorf("ID should be a 26-char ULID, got %q (%d chars)", s.ID, len(s.ID))
	}
	if s.CollectionID != "col-1" {
		t.Errorf("CollectionID = %q", s.CollectionID)
	}
	if s.Proposals == nil || s.WorkItems == nil {
		t.Error("trackers not initialized")
	}
	if NewSession("col-1").Proposals == s.Proposals {
		t.Error("sessions share a proposal tracker")
	}
}

func TestSessionMessagesIsCopy(t *testing.T) {
	s := NewSession("col-1")
	s.AddMessage(domain.NewUserMessage("hello"))

	msgs := s.Messages()
	msgs[0].Role = domain.RoleAssistant
	if s.Messages()[0].Role != domain.RoleUser {
		t.Error("Messages returned the internal slice")
	}
}

func TestSessionTryAcquire(t *testing.T) {
	s := NewSession("col-1")
	release, err := s.tryAcquire()
	if err != nil {
		t.Fatalf("tryAcquire: %v", err)
	}
	if _, err := s.tryAcquire(); !errors.Is(err, domain.ErrSessionBusy) {
		t.Errorf("second acquire err = %v, want ErrSessionBusy", err)
	}
	release()
	release2, err := s.tryAcquire()
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	release2()
}

func TestSessionManagerCreateGet(t *testing.T) {
	sm := NewSessionManager("")
	s := sm.Create("col-1")

	got, err := sm.Get(s.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != s {
		t.Error("Get returned a different session")
	}
}

func TestSessionManagerGetNotFound(t *testing.T) {
	sm := NewSessionManager(t.TempDir())

	_, err := sm.Get(generateULID(time.Now()))
	if !errors.Is(err, domain.ErrSessionNotFound) {
		t.Errorf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestSessionManagerRejectsBadIDs(t *testing.T) {
	sm := NewSessionManager(t.TempDir())
	for _, id := range []string{"", "s1", "../../etc/passwd", "01ARZ3NDEKTSV4RRFFQ69G5FA"} {
		if _, err := sm.Get(id); !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("Get(%q) err = %v, want ErrInvalidInput", id, err)
		}
	}
}

func TestSessionManagerSaveAndReload(t *testing.T) {
	dir := t.TempDir()
	sm := NewSessionManager(dir)
	s := sm.Create("col-1")
	s.AddMessage(domain.NewUserMessage("Who rules Saltmere?"))
	s.AddMessage(domain.Message{Role: domain.RoleAssistant, Content: []domain.ContentBlock{
		domain.TextBlock("Checking."),
		toolUse("tu-1", "search_entities", `{"query":"Saltmere"}`),
	}})
	s.Proposals.AddCreate("character", map[string]any{"name": "Harbormaster Quill"}, proposal.CreateOptions{Reasoning: "new ruler"})

	if err := sm.Save(s.ID); err != nil {
		t.Fatalf("Save: %v", err)
	}
	info, err := os.Stat(filepath.Join(dir, s.ID+".json"))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("file mode = %o, want 600", perm)
	}

	fresh := NewSessionManager(dir)
	loaded, err := fresh.Get(s.ID)
	if err != nil {
		t.Fatalf("Get from disk: %v", err)
	}
	if loaded.CollectionID != "col-1" || loaded.Len() != 2 {
		t.Errorf("loaded = %+v", loaded)
	}
	uses := loaded.Messages()[1].ToolUses()
	if len(uses) != 1 || uses[0].ID != "tu-1" {
		t.Errorf("tool use blocks not restored: %+v", loaded.Messages()[1])
	}
	if loaded.Proposals == nil || loaded.Proposals.Len() != 0 {
		t.Error("proposals should start empty after reload")
	}
}

func TestSessionManagerDelete(t *testing.T) {
	dir := t.TempDir()
	sm := NewSessionManager(dir)
	s := sm.Create("col-1")
	if err := sm.Save(s.ID); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if err := sm.Delete(s.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, s.ID+".json")); !os.IsNotExist(err) {
		t.Errorf("file still exists: %v", err)
	}
	if err := sm.Delete(s.ID); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Errorf("second Delete err = %v, want ErrSessionNotFound", err)
	}
}

func TestSessionManagerListAndReap(t *testing.T) {
	sm := NewSessionManager("")
	old := sm.Create("col-1")
	fresh := sm.Create("col-1")
	old.UpdatedAt = time.Now().Add(-2 * time.Hour)

	if ids := sm.List(); len(ids) != 2 {
		t.Fatalf("List = %v", ids)
	}
	if n := sm.ReapStale(time.Hour); n != 1 {
		t.Errorf("ReapStale = %d, want 1", n)
	}
	ids := sm.List()
	if len(ids) != 1 || ids[0] != fresh.ID {
		t.Errorf("List after reap = %v, want [%s]", ids, fresh.ID)
	}
}

func TestSessionManagerReapStaleZeroAgeKeepsSessions(t *testing.T) {
	sm := NewSessionManager("")
	s := sm.Create("col-1")
	for _, age := range []time.Duration{0, -time.Second} {
		if n := sm.ReapStale(age); n != 0 {
			t.Errorf("ReapStale(%v) = %d, want 0", age, n)
		}
	}
	if _, err := sm.Get(s.ID); err != nil {
		t.Errorf("session reaped: %v", err)
	}
}

func TestSessionManagerSaveWithoutDataDir(t *testing.T) {
	sm := NewSessionManager("")
	s := sm.Create("col-1")
	if err := sm.Save(s.ID); err != nil {
		t.Errorf("Save without data dir: %v", err)
	}
}
