package usecase

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"lorekeeper/internal/domain"
	"lorekeeper/internal/usecase/proposal"
	"lorekeeper/internal/usecase/workitem"
)

// Session is one conversation with its history and the two trackers that
// live as long as it does.
type Session struct {
	mu           sync.RWMutex
	ID           string           `json:"id"` // ULID
	CollectionID string           `json:"collection_id,omitempty"`
	Msgs         []domain.Message `json:"messages"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`

	Proposals *proposal.Tracker `json:"-"`
	WorkItems *workitem.Tracker `json:"-"`

	running sync.Mutex
	tools   domain.ToolExecutor
}

// NewSession creates an empty session bound to a collection.
func NewSession(collectionID string) *Session {
	now := time.Now()
	s := &Session{
		ID:           generateULID(now),
		CollectionID: collectionID,
		Msgs:         make([]domain.Message, 0),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.initTrackers()
	return s
}

func (s *Session) initTrackers() {
	if s.Proposals == nil {
		s.Proposals = proposal.NewTracker()
	}
	if s.WorkItems == nil {
		s.WorkItems = workitem.NewTracker()
	}
}

func generateULID(t time.Time) string {
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// AddMessage appends a message and updates the timestamp (thread-safe).
func (s *Session) AddMessage(msg domain.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	s.Msgs = append(s.Msgs, msg)
	s.UpdatedAt = time.Now()
}

// Messages returns a copy of the message history (thread-safe).
func (s *Session) Messages() []domain.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.Msgs)
}

// Len returns the number of messages in the history.
func (s *Session) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.Msgs)
}

// tryAcquire claims the session for one run. A second concurrent run on the
// same session is refused rather than queued.
func (s *Session) tryAcquire() (func(), error) {
	if !s.running.TryLock() {
		return nil, domain.NewDomainError("Session.acquire", domain.ErrSessionBusy, s.ID)
	}
	return s.running.Unlock, nil
}

// SessionManager keeps sessions in memory and optionally persists their
// transcripts as JSON files under dataDir.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	dataDir  string
}

// NewSessionManager creates a session manager. An empty dataDir disables
// persistence.
func NewSessionManager(dataDir string) *SessionManager {
	return &SessionManager{
		sessions: make(map[string]*Session),
		dataDir:  dataDir,
	}
}

// validateSessionID accepts only ULIDs, which also keeps ids safe to use
// as file names.
func validateSessionID(id string) error {
	if _, err := ulid.ParseStrict(id); err != nil {
		return fmt.Errorf("%w: session id %q: %v", domain.ErrInvalidInput, id, err)
	}
	return nil
}

// Create starts a new session and registers it.
func (sm *SessionManager) Create(collectionID string) *Session {
	s := NewSession(collectionID)
	sm.mu.Lock()
	sm.sessions[s.ID] = s
	sm.mu.Unlock()
	return s
}

// Get returns a session from memory, falling back to disk.
func (sm *SessionManager) Get(id string) (*Session, error) {
	if err := validateSessionID(id); err != nil {
		return nil, domain.NewDomainError("SessionManager.Get", err, id)
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()

	if s, ok := sm.sessions[id]; ok {
		return s, nil
	}
	s, err := sm.loadFromDisk(id)
	if err != nil {
		return nil, domain.NewDomainError("SessionManager.Get", domain.ErrSessionNotFound, id)
	}
	sm.sessions[id] = s
	return s, nil
}

// Save persists a session transcript to disk as JSON. Proposals and work
// items are not persisted.
func (sm *SessionManager) Save(id string) error {
	if sm.dataDir == "" {
		return nil
	}
	if err := validateSessionID(id); err != nil {
		return domain.NewDomainError("SessionManager.Save", err, id)
	}

	sm.mu.RLock()
	s, ok := sm.sessions[id]
	sm.mu.RUnlock()
	if !ok {
		return domain.NewDomainError("SessionManager.Save", domain.ErrSessionNotFound, id)
	}

	if err := os.MkdirAll(sm.dataDir, 0700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	s.mu.RLock()
	data, err := json.MarshalIndent(s, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	return os.WriteFile(sm.path(id), data, 0600)
}

// Delete removes a session from memory and disk.
func (sm *SessionManager) Delete(id string) error {
	if err := validateSessionID(id); err != nil {
		return domain.NewDomainError("SessionManager.Delete", err, id)
	}

	sm.mu.Lock()
	_, ok := sm.sessions[id]
	delete(sm.sessions, id)
	sm.mu.Unlock()

	removed := false
	if sm.dataDir != "" {
		err := os.Remove(sm.path(id))
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove session file: %w", err)
		}
		removed = err == nil
	}
	if !ok && !removed {
		return domain.NewDomainError("SessionManager.Delete", domain.ErrSessionNotFound, id)
	}
	return nil
}

// List returns the ids of sessions held in memory, oldest first.
func (sm *SessionManager) List() []string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	ids := make([]string, 0, len(sm.sessions))
	for id := range sm.sessions {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// ReapStale drops in-memory sessions not updated within maxAge and returns
// how many were dropped. Files on disk are kept so the sessions can be
// resumed. A non-positive maxAge reaps nothing.
func (sm *SessionManager) ReapStale(maxAge time.Duration) int {
	if maxAge <= 0 {
		return 0
	}
	cutoff := time.Now().Add(-maxAge)

	sm.mu.Lock()
	defer sm.mu.Unlock()

	n := 0
	for id, s := range sm.sessions {
		s.mu.RLock()
		stale := s.UpdatedAt.Before(cutoff)
		s.mu.RUnlock()
		if stale {
			delete(sm.sessions, id)
			n++
		}
	}
	return n
}

func (sm *SessionManager) path(id string) string {
	return filepath.Join(sm.dataDir, id+".json")
}

func (sm *SessionManager) loadFromDisk(id string) (*Session, error) {
	if sm.dataDir == "" {
		return nil, os.ErrNotExist
	}
	data, err := os.ReadFile(sm.path(id))
	if err != nil {
		return nil, err
	}

	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	if s.ID != id {
		return nil, fmt.Errorf("session file %s holds id %s", id, s.ID)
	}
	s.initTrackers()
	return &s, nil
}
