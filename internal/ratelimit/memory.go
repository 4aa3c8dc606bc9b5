package ratelimit

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/blogauth/blogauth/internal/model"
)

// MemoryAttemptStore is an in-process AttemptStore for tests and tools
type MemoryAttemptStore struct {
	mu       sync.Mutex
	attempts []model.LoginAttempt
}

// NewMemoryAttemptStore creates an empty store
func NewMemoryAttemptStore() *MemoryAttemptStore {
	return &MemoryAttemptStore{}
}

func (s *MemoryAttemptStore) FailuresSince(ctx context.Context, identifier string, since time.Time) (int, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int
	var earliest time.Time
	for _, a := range s.attempts {
		if a.Identifier != identifier || a.Success || !a.AttemptedAt.After(since) {
			continue
		}
		if count == 0 || a.AttemptedAt.Before(earliest) {
			earliest = a.AttemptedAt
		}
		count++
	}
	return count, earliest, nil
}

func (s *MemoryAttemptStore) Record(ctx context.Context, identifier string, success bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if success {
		s.remove(func(a model.LoginAttempt) bool { return a.Identifier == identifier && !a.Success })
	}
	s.attempts = append(s.attempts, model.LoginAttempt{Identifier: identifier, AttemptedAt: at, Success: success})
	return nil
}

func (s *MemoryAttemptStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remove(func(a model.LoginAttempt) bool { return a.AttemptedAt.Before(cutoff) }), nil
}

func (s *MemoryAttemptStore) ClearFailuresWithSuffix(ctx context.Context, suffix string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	suffix = strings.ToLower(suffix)
	return s.remove(func(a model.LoginAttempt) bool {
		return !a.Success && strings.HasSuffix(a.Identifier, suffix)
	}), nil
}

// Len returns the number of stored attempts
func (s *MemoryAttemptStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.attempts)
}

func (s *MemoryAttemptStore) remove(match func(model.LoginAttempt) bool) int64 {
	kept := s.attempts[:0]
	var n int64
	for _, a := range s.attempts {
		if match(a) {
			n++
			continue
		}
		kept = append(kept, a)
	}
	s.attempts = kept
	return n
}
