package audit

import (
	"context"
	"sync"

	"github.com/blogauth/blogauth/internal/model"
)

// MemorySink collects entries in memory, for tests
type MemorySink struct {
	mu      sync.Mutex
	entries []model.SecurityAuditEntry
	Err     error
}

func (s *MemorySink) Append(ctx context.Context, entry *model.SecurityAuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.entries = append(s.entries, *entry)
	return nil
}

// Entries returns a copy of everything appended so far
func (s *MemorySink) Entries() []model.SecurityAuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.SecurityAuditEntry(nil), s.entries...)
}

// Types returns the event types in append order
func (s *MemorySink) Types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	types := make([]string, len(s.entries))
	for i, e := range s.entries {
		types[i] = e.EventType
	}
	return types
}
