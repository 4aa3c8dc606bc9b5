package tokens

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/blogauth/blogauth/internal/model"
	"github.com/blogauth/blogauth/internal/repository"
)

// MemoryStore is an in-process Store for tests and single-node tools
type MemoryStore struct {
	mu     sync.Mutex
	tokens map[string]*model.ResetToken
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tokens: make(map[string]*model.ResetToken)}
}

func (s *MemoryStore) Replace(ctx context.Context, token *model.ResetToken, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.tokens {
		if t.Purpose == token.Purpose && strings.EqualFold(t.Username, token.Username) && !t.Used {
			t.Used = true
			t.UsedAt = &now
		}
	}
	if _, exists := s.tokens[token.TokenHash]; exists {
		return repository.ErrDuplicate
	}
	stored := *token
	s.tokens[token.TokenHash] = &stored
	return nil
}

func (s *MemoryStore) GetByHash(ctx context.Context, purpose model.TokenPurpose, tokenHash string) (*model.ResetToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tokens[tokenHash]
	if !ok || t.Purpose != purpose {
		return nil, repository.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) MarkUsed(ctx context.Context, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.tokens {
		if t.ID == id {
			if !t.Used {
				t.Used = true
				t.UsedAt = &now
			}
			return nil
		}
	}
	return repository.ErrNotFound
}

func (s *MemoryStore) Consume(ctx context.Context, purpose model.TokenPurpose, tokenHash string, now time.Time) (*model.ResetToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tokens[tokenHash]
	if !ok || t.Purpose != purpose || t.Used || now.After(t.ExpiresAt) {
		return nil, repository.ErrNotFound
	}
	t.Used = true
	t.UsedAt = &now
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) DeleteStale(ctx context.Context, purpose model.TokenPurpose, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for hash, t := range s.tokens {
		if t.Purpose != purpose {
			continue
		}
		usedAt := t.CreatedAt
		if t.UsedAt != nil {
			usedAt = *t.UsedAt
		}
		if t.ExpiresAt.Before(cutoff) || (t.Used && usedAt.Before(cutoff)) {
			delete(s.tokens, hash)
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored tokens
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tokens)
}
