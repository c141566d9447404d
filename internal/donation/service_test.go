package donation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func validDraft() Draft {
	return Draft{
		DonorName:  "Raj's Restaurant",
		DonorPhone: "+919876543210",
		Category:   CategoryVeg,
		QuantityKg: 15.5,
		Latitude:   13.0827,
		Longitude:  80.2707,
		Address:    "123 Marina Beach Road, Chennai",
		ExpiresAt:  time.Now().Add(4 * time.Hour),
	}
}

func TestCreateAndGet(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	d, err := s.Create(ctx, validDraft())
	if err != nil {
		t.Fatal(err)
	}
	if d.Status != StatusAvailable {
		t.Fatalf("new donation status = %s, want AVAILABLE", d.Status)
	}
	if d.ID == "" || d.CreatedAt.IsZero() {
		t.Fatalf("missing id or created_at: %#v", d)
	}

	got, err := s.Get(ctx, d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != d.ID || got.DonorName != d.DonorName {
		t.Fatalf("get mismatch: %#v", got)
	}
}

func TestCreateValidation(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	cases := map[string]func(*Draft){
		"short name":     func(d *Draft) { d.DonorName = "X" },
		"bad phone":      func(d *Draft) { d.DonorPhone = "not-a-phone" },
		"bad category":   func(d *Draft) { d.Category = "RAW" },
		"zero quantity":  func(d *Draft) { d.QuantityKg = 0 },
		"huge quantity":  func(d *Draft) { d.QuantityKg = 1200 },
		"bad latitude":   func(d *Draft) { d.Latitude = 91 },
		"bad longitude":  func(d *Draft) { d.Longitude = -181 },
		"short address":  func(d *Draft) { d.Address = "n/a" },
		"past expiry":    func(d *Draft) { d.ExpiresAt = time.Now().Add(-time.Minute) },
	}
	for name, mutate := range cases {
		draft := validDraft()
		mutate(&draft)
		if _, err := s.Create(ctx, draft); !errors.Is(err, ErrValidation) {
			t.Fatalf("%s: expected ErrValidation, got %v", name, err)
		}
	}
}

func TestGetNotFound(t *testing.T) {
	s := NewInMemory()
	if _, err := s.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLifecycleHappyPath(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	d, _ := s.Create(ctx, validDraft())

	d, err := s.Transition(ctx, d.ID, StatusAssigned, "handler-7")
	if err != nil {
		t.Fatal(err)
	}
	if d.AssignedHandlerID != "handler-7" || d.AssignedAt == nil {
		t.Fatalf("assignment not recorded: %#v", d)
	}

	if d, err = s.Transition(ctx, d.ID, StatusInTransit, "handler-7"); err != nil {
		t.Fatal(err)
	}
	if d, err = s.Transition(ctx, d.ID, StatusDelivered, "handler-7"); err != nil {
		t.Fatal(err)
	}
	if d.Status != StatusDelivered || d.AssignedHandlerID != "handler-7" {
		t.Fatalf("delivered record wrong: %#v", d)
	}
}

func TestIllegalTransitions(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	d, _ := s.Create(ctx, validDraft())

	if _, err := s.Transition(ctx, d.ID, StatusDelivered, "h"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("AVAILABLE->DELIVERED should fail, got %v", err)
	}
	if _, err := s.Transition(ctx, d.ID, StatusInTransit, "h"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("AVAILABLE->IN_TRANSIT should fail, got %v", err)
	}

	if _, err := s.Transition(ctx, d.ID, StatusCancelled, ""); err != nil {
		t.Fatal(err)
	}
	// CANCELLED is terminal.
	if _, err := s.Transition(ctx, d.ID, StatusAssigned, "h"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("CANCELLED->ASSIGNED should fail, got %v", err)
	}
}

func TestCancelClearsHandler(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	d, _ := s.Create(ctx, validDraft())
	if _, err := s.Transition(ctx, d.ID, StatusAssigned, "handler-1"); err != nil {
		t.Fatal(err)
	}

	d, err := s.Transition(ctx, d.ID, StatusCancelled, "handler-1")
	if err != nil {
		t.Fatal(err)
	}
	if d.AssignedHandlerID != "" || d.AssignedAt != nil {
		t.Fatalf("cancel must clear assignment: %#v", d)
	}
}

func TestAssignRequiresHandler(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	d, _ := s.Create(ctx, validDraft())
	if _, err := s.Transition(ctx, d.ID, StatusAssigned, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("assignment without handler should fail, got %v", err)
	}
}

func TestLapsedDonationCannotBeAssigned(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	d, _ := s.Create(ctx, validDraft())

	// Move the clock past expiry; stored status is still AVAILABLE.
	s.now = func() time.Time { return d.ExpiresAt.Add(time.Second) }

	if _, err := s.Transition(ctx, d.ID, StatusAssigned, "handler-1"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("lapsed donation assignment should fail, got %v", err)
	}
	// Cancellation of a lapsed donation is still permitted (the sweep uses it).
	if _, err := s.Transition(ctx, d.ID, StatusCancelled, ""); err != nil {
		t.Fatal(err)
	}
}

func TestListActiveOrderingAndFilter(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	base := time.Now()

	late := validDraft()
	late.ExpiresAt = base.Add(6 * time.Hour)
	soon := validDraft()
	soon.ExpiresAt = base.Add(1 * time.Hour)
	soon.Category = CategoryVegan
	mid := validDraft()
	mid.ExpiresAt = base.Add(3 * time.Hour)

	dl, _ := s.Create(ctx, late)
	ds, _ := s.Create(ctx, soon)
	dm, _ := s.Create(ctx, mid)

	got, err := s.ListActive(ctx, Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 || got[0].ID != ds.ID || got[1].ID != dm.ID || got[2].ID != dl.ID {
		t.Fatalf("wrong ordering: %v", idsOf(got))
	}

	vegan, _ := s.ListActive(ctx, Filter{Category: CategoryVegan})
	if len(vegan) != 1 || vegan[0].ID != ds.ID {
		t.Fatalf("category filter wrong: %v", idsOf(vegan))
	}

	urgent, _ := s.ListActive(ctx, Filter{UrgentOnly: true})
	if len(urgent) != 1 || urgent[0].ID != ds.ID {
		t.Fatalf("urgency filter wrong: %v", idsOf(urgent))
	}

	// Assigned donations leave the active list.
	if _, err := s.Transition(ctx, ds.ID, StatusAssigned, "h"); err != nil {
		t.Fatal(err)
	}
	got, _ = s.ListActive(ctx, Filter{})
	if len(got) != 2 {
		t.Fatalf("assigned donation still listed: %v", idsOf(got))
	}
}

func TestListLapsed(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	d, _ := s.Create(ctx, validDraft())
	fresh := validDraft()
	fresh.ExpiresAt = time.Now().Add(24 * time.Hour)
	if _, err := s.Create(ctx, fresh); err != nil {
		t.Fatal(err)
	}

	s.now = func() time.Time { return d.ExpiresAt.Add(time.Minute) }
	lapsed, err := s.ListLapsed(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(lapsed) != 1 || lapsed[0].ID != d.ID {
		t.Fatalf("wrong lapsed set: %v", idsOf(lapsed))
	}
}

func TestConcurrentAssignmentSingleWinner(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	d, _ := s.Create(ctx, validDraft())

	const N = 100
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, losses := 0, 0

	for i := 0; i < N; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Transition(ctx, d.ID, StatusAssigned, "handler")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrInvalidTransition):
				losses++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if wins != 1 || losses != N-1 {
		t.Fatalf("wins=%d losses=%d, want 1/%d", wins, losses, N-1)
	}
}

func idsOf(ds []Donation) []string {
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = d.ID
	}
	return out
}
