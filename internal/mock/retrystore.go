package mock

import (
	"context"
	"sync"
	"time"
)

type retryRecord struct {
	count      int
	eligibleAt time.Time
}

// RetryStore implements core.IRetryStore with a map for testing.
type RetryStore struct {
	mu      sync.Mutex
	records map[string]retryRecord

	// FailWith makes every operation return this error when set.
	FailWith error
}

func NewRetryStore() *RetryStore {
	return &RetryStore{records: make(map[string]retryRecord)}
}

func (s *RetryStore) Save(ctx context.Context, orderID string, retryCount int, nextEligibleAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return s.FailWith
	}
	s.records[orderID] = retryRecord{count: retryCount, eligibleAt: nextEligibleAt}
	return nil
}

func (s *RetryStore) Get(ctx context.Context, orderID string) (int, time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return 0, time.Time{}, false, s.FailWith
	}
	r, ok := s.records[orderID]
	if !ok {
		return 0, time.Time{}, false, nil
	}
	return r.count, r.eligibleAt, true, nil
}

func (s *RetryStore) Delete(ctx context.Context, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return s.FailWith
	}
	delete(s.records, orderID)
	return nil
}

func (s *RetryStore) ListOrderIDs(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return nil, s.FailWith
	}
	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	return ids, nil
}

// Len returns the number of live records.
func (s *RetryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
