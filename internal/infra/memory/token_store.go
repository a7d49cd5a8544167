package memory

import (
	"context"
	"sync"
	"time"
)

// TokenStore tracks request tokens that have already been accepted, so a
// retried mutation is rejected instead of applied twice. The whole set is
// cleared on an interval rather than expiring tokens individually.
type TokenStore struct {
	mu     sync.Mutex
	seen   map[string]struct{}
	ticker *time.Ticker
	done   chan struct{}
}

func NewTokenStore(clearInterval time.Duration) *TokenStore {
	if clearInterval <= 0 {
		clearInterval = time.Hour
	}
	s := &TokenStore{
		seen:   make(map[string]struct{}),
		ticker: time.NewTicker(clearInterval),
		done:   make(chan struct{}),
	}
	go s.clearLoop()
	return s
}

func (s *TokenStore) clearLoop() {
	for {
		select {
		case <-s.ticker.C:
			s.mu.Lock()
			s.seen = make(map[string]struct{})
			s.mu.Unlock()
		case <-s.done:
			return
		}
	}
}

// Reserve marks the token as seen. It returns false when the token was
// already reserved.
func (s *TokenStore) Reserve(_ context.Context, token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[token]; ok {
		return false, nil
	}
	s.seen[token] = struct{}{}
	return true, nil
}

// Release frees a token so the request can be retried, typically after the
// mutation it guarded failed.
func (s *TokenStore) Release(_ context.Context, token string) {
	s.mu.Lock()
	delete(s.seen, token)
	s.mu.Unlock()
}

func (s *TokenStore) Close() {
	s.ticker.Stop()
	close(s.done)
}
