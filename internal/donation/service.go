package donation

import (
	"context"
	"sort"
	"sync"
	"time"

	"foodrescue.org/internal/ids"
)

// Service defines donation record operations. All mutations go through the
// status state machine; nothing else may change a stored record.
type Service interface {
	Create(ctx context.Context, draft Draft) (Donation, error)
	Get(ctx context.Context, id string) (Donation, error)
	Transition(ctx context.Context, id string, target Status, actor string) (Donation, error)
	ListActive(ctx context.Context, f Filter) ([]Donation, error)
	ListLapsed(ctx context.Context) ([]Donation, error)
}

// InMemory implements Service with in-process concurrency safety.
// The write lock is held across the whole check-then-set of Transition so
// concurrent transitions on the same id are serialized: one wins, the rest
// observe ErrInvalidTransition.
type InMemory struct {
	mu      sync.RWMutex
	records map[string]*Donation
	now     func() time.Time
}

// NewInMemory creates an empty store.
func NewInMemory() *InMemory {
	return &InMemory{
		records: make(map[string]*Donation),
		now:     time.Now,
	}
}

func (s *InMemory) Create(ctx context.Context, draft Draft) (Donation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	if err := draft.Validate(now); err != nil {
		return Donation{}, err
	}

	d := &Donation{
		ID:          ids.New(),
		DonorName:   draft.DonorName,
		DonorPhone:  draft.DonorPhone,
		Category:    draft.Category,
		QuantityKg:  draft.QuantityKg,
		Description: draft.Description,
		Latitude:    draft.Latitude,
		Longitude:   draft.Longitude,
		Address:     draft.Address,
		Status:      StatusAvailable,
		CreatedAt:   now,
		ExpiresAt:   draft.ExpiresAt.UTC(),
	}
	s.records[d.ID] = d
	return *d, nil
}

func (s *InMemory) Get(ctx context.Context, id string) (Donation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.records[id]
	if !ok {
		return Donation{}, ErrNotFound
	}
	return clone(d), nil
}

func (s *InMemory) Transition(ctx context.Context, id string, target Status, actor string) (Donation, error) {
	if !target.Valid() {
		return Donation{}, staleTransition("", target)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.records[id]
	if !ok {
		return Donation{}, ErrNotFound
	}
	if !CanTransition(d.Status, target) {
		return Donation{}, staleTransition(d.Status, target)
	}
	// Close the race between expiry and assignment: a lapsed AVAILABLE
	// donation cannot be claimed even before the sweep has cancelled it.
	now := s.now().UTC()
	if target == StatusAssigned && d.Lapsed(now) {
		return Donation{}, staleTransition(d.Status, target)
	}
	handler := d.AssignedHandlerID
	if target == StatusAssigned {
		handler = actor
	}
	if RequiresHandler(target) && handler == "" {
		return Donation{}, staleTransition(d.Status, target)
	}

	d.Status = target
	switch {
	case target == StatusAssigned:
		d.AssignedHandlerID = actor
		at := now
		d.AssignedAt = &at
	case target == StatusCancelled:
		d.AssignedHandlerID = ""
		d.AssignedAt = nil
	}
	return clone(d), nil
}

func (s *InMemory) ListActive(ctx context.Context, f Filter) ([]Donation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now().UTC()
	out := make([]Donation, 0)
	for _, d := range s.records {
		if d.Status != StatusAvailable || d.Lapsed(now) {
			continue
		}
		if f.Category != "" && d.Category != f.Category {
			continue
		}
		if f.UrgentOnly && !Evaluate(d.ExpiresAt, now).Urgent {
			continue
		}
		out = append(out, clone(d))
	}
	// Soonest-expiring first: dispatch priority follows urgency.
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ExpiresAt.Equal(out[j].ExpiresAt) {
			return out[i].ExpiresAt.Before(out[j].ExpiresAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *InMemory) ListLapsed(ctx context.Context) ([]Donation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now().UTC()
	out := make([]Donation, 0)
	for _, d := range s.records {
		if d.Status == StatusAvailable && d.Lapsed(now) {
			out = append(out, clone(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func clone(d *Donation) Donation {
	out := *d
	if d.AssignedAt != nil {
		at := *d.AssignedAt
		out.AssignedAt = &at
	}
	return out
}
