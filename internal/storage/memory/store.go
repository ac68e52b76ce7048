// Package memory provides an in-process StorageProvider for tests and
// single-instance deployments without a database.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tjfontaine/lead-dispatch/internal/core/domain"
	"github.com/tjfontaine/lead-dispatch/internal/core/ports"
	"github.com/tjfontaine/lead-dispatch/internal/storage"
)

// Store keeps records sorted by id, which is creation order for ULIDs.
type Store struct {
	mu       sync.RWMutex
	records  []*domain.ExecutionRecord
	byID     map[string]*domain.ExecutionRecord
	leads    map[string]*domain.LeadMessage
	outcomes map[string]domain.LeadOutcome
}

var _ ports.StorageProvider = (*Store)(nil)

// New creates a new in-memory store
func New() *Store {
	return &Store{
		byID:     make(map[string]*domain.ExecutionRecord),
		leads:    make(map[string]*domain.LeadMessage),
		outcomes: make(map[string]domain.LeadOutcome),
	}
}

func (s *Store) Append(ctx context.Context, rec *domain.ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byID[rec.ID]; exists {
		return fmt.Errorf("append execution %s: %w", rec.ID, storage.ErrDuplicate)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	cp := *rec
	i := sort.Search(len(s.records), func(i int) bool { return s.records[i].ID > cp.ID })
	s.records = append(s.records, nil)
	copy(s.records[i+1:], s.records[i:])
	s.records[i] = &cp
	s.byID[cp.ID] = &cp
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*domain.ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("execution %s: %w", id, storage.ErrNotFound)
	}
	cp := *rec
	return &cp, nil
}

func (s *Store) Query(ctx context.Context, filter domain.ExecutionFilter, page domain.Page) (*domain.ExecutionPage, error) {
	page = page.Normalize()

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := &domain.ExecutionPage{Records: []*domain.ExecutionRecord{}}
	for i := len(s.records) - 1; i >= 0; i-- {
		rec := s.records[i]
		if page.Cursor != "" && rec.ID >= page.Cursor {
			continue
		}
		if !filter.Matches(rec) {
			continue
		}
		if len(out.Records) == page.Limit {
			out.NextCursor = out.Records[page.Limit-1].ID
			break
		}
		cp := *rec
		out.Records = append(out.Records, &cp)
	}
	return out, nil
}

func (s *Store) SaveLead(ctx context.Context, lead *domain.LeadMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.leads[lead.ID]; exists {
		return fmt.Errorf("save lead %s: %w", lead.ID, storage.ErrDuplicate)
	}
	cp := *lead
	s.leads[lead.ID] = &cp
	return nil
}

func (s *Store) GetLead(ctx context.Context, id string) (*domain.LeadMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lead, ok := s.leads[id]
	if !ok {
		return nil, fmt.Errorf("lead %s: %w", id, storage.ErrNotFound)
	}
	cp := *lead
	return &cp, nil
}

func (s *Store) SetOutcome(ctx context.Context, leadID string, outcome domain.LeadOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.leads[leadID]; !ok {
		return fmt.Errorf("lead %s: %w", leadID, storage.ErrNotFound)
	}
	s.outcomes[leadID] = outcome
	return nil
}

func (s *Store) LeadCounts(ctx context.Context) (total, won, decided int64, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, o := range s.outcomes {
		decided++
		if o == domain.LeadOutcomeWon {
			won++
		}
	}
	return int64(len(s.leads)), won, decided, nil
}

func (s *Store) Ping(ctx context.Context) error { return nil }

func (s *Store) Close() error { return nil }
