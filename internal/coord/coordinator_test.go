package coord

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"foodrescue.org/internal/donation"
	"foodrescue.org/internal/geo"
	"foodrescue.org/internal/hub"
)

func newTestCoordinator() (*Coordinator, *hub.Hub) {
	h := hub.New(hub.Config{QueueCapacity: 32, SweepInterval: time.Hour})
	return New(donation.NewInMemory(), geo.NewIndex(), h), h
}

func draftAt(lat, lon float64, expiresIn time.Duration) donation.Draft {
	return donation.Draft{
		DonorName:  "Marina Kitchen",
		DonorPhone: "+919876543210",
		Category:   donation.CategoryVeg,
		QuantityKg: 12,
		Latitude:   lat,
		Longitude:  lon,
		Address:    "123 Marina Beach Road, Chennai",
		ExpiresAt:  time.Now().Add(expiresIn),
	}
}

func nextEvent(t *testing.T, s *hub.SessionHandle) hub.Event {
	t.Helper()
	select {
	case evt := <-s.Events():
		return evt
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return hub.Event{}
	}
}

func requireNoEvent(t *testing.T, s *hub.SessionHandle) {
	t.Helper()
	select {
	case evt := <-s.Events():
		t.Fatalf("unexpected event: %+v", evt)
	default:
	}
}

func TestCreateDonationIndexesAndAnnounces(t *testing.T) {
	c, h := newTestCoordinator()
	ctx := context.Background()
	sess := h.Register()

	d, err := c.CreateDonation(ctx, draftAt(13.0827, 80.2707, 4*time.Hour))
	require.NoError(t, err)

	evt := nextEvent(t, sess)
	require.Equal(t, hub.KindNewDonation, evt.Kind)
	require.Equal(t, d.ID, evt.DonationID)
	require.Equal(t, donation.StatusAvailable, evt.Status)

	near, err := c.Nearby(ctx, geo.Point{Lat: 13.0827, Lon: 80.2707}, 1)
	require.NoError(t, err)
	require.Len(t, near, 1)
	require.Equal(t, d.ID, near[0].Donation.ID)
	require.InDelta(t, 0, near[0].DistanceMeters, 0.001)
}

func TestCreateDonationInvalidDraftAnnouncesNothing(t *testing.T) {
	c, h := newTestCoordinator()
	sess := h.Register()

	bad := draftAt(13, 80, 4*time.Hour)
	bad.QuantityKg = -1
	_, err := c.CreateDonation(context.Background(), bad)
	require.ErrorIs(t, err, donation.ErrValidation)
	requireNoEvent(t, sess)
}

func TestLifecycleEventsArriveInOrder(t *testing.T) {
	c, h := newTestCoordinator()
	ctx := context.Background()
	sess := h.Register()

	d, err := c.CreateDonation(ctx, draftAt(13.0827, 80.2707, 4*time.Hour))
	require.NoError(t, err)
	_, err = c.ChangeStatus(ctx, d.ID, donation.StatusAssigned, "handler-1")
	require.NoError(t, err)
	_, err = c.ChangeStatus(ctx, d.ID, donation.StatusInTransit, "handler-1")
	require.NoError(t, err)

	first := nextEvent(t, sess)
	second := nextEvent(t, sess)
	third := nextEvent(t, sess)

	require.Equal(t, hub.KindNewDonation, first.Kind)
	require.Equal(t, donation.StatusAssigned, second.Status)
	require.Equal(t, donation.StatusInTransit, third.Status)
	require.Less(t, first.Seq, second.Seq)
	require.Less(t, second.Seq, third.Seq)
}

func TestChangeStatusRemovesFromIndex(t *testing.T) {
	c, _ := newTestCoordinator()
	ctx := context.Background()

	d, err := c.CreateDonation(ctx, draftAt(13.0827, 80.2707, 4*time.Hour))
	require.NoError(t, err)
	_, err = c.ChangeStatus(ctx, d.ID, donation.StatusAssigned, "handler-1")
	require.NoError(t, err)

	near, err := c.Nearby(ctx, geo.Point{Lat: 13.0827, Lon: 80.2707}, 1000)
	require.NoError(t, err)
	require.Empty(t, near)
}

func TestChangeStatusFailureAnnouncesNothing(t *testing.T) {
	c, h := newTestCoordinator()
	ctx := context.Background()

	d, err := c.CreateDonation(ctx, draftAt(13, 80, 4*time.Hour))
	require.NoError(t, err)

	sess := h.Register() // registered after create, sees only what follows
	_, err = c.ChangeStatus(ctx, d.ID, donation.StatusDelivered, "h")
	require.ErrorIs(t, err, donation.ErrInvalidTransition)
	requireNoEvent(t, sess)
}

func TestSweepExpiredCancelsAndIsIdempotent(t *testing.T) {
	c, h := newTestCoordinator()
	ctx := context.Background()

	dying, err := c.CreateDonation(ctx, draftAt(13.0827, 80.2707, 60*time.Millisecond))
	require.NoError(t, err)
	_, err = c.CreateDonation(ctx, draftAt(13.1, 80.3, time.Hour))
	require.NoError(t, err)

	sess := h.Register()
	time.Sleep(120 * time.Millisecond)

	swept, err := c.SweepExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, swept)

	evt := nextEvent(t, sess)
	require.Equal(t, hub.KindStatusUpdate, evt.Kind)
	require.Equal(t, dying.ID, evt.DonationID)
	require.Equal(t, donation.StatusCancelled, evt.Status)

	got, err := c.Get(ctx, dying.ID)
	require.NoError(t, err)
	require.Equal(t, donation.StatusCancelled, got.Status)

	// Second sweep: same end state, no duplicate events.
	swept, err = c.SweepExpired(ctx)
	require.NoError(t, err)
	require.Zero(t, swept)
	requireNoEvent(t, sess)
}

func TestNearbySkipsRecordsThatLeftTheActiveSet(t *testing.T) {
	c, _ := newTestCoordinator()
	ctx := context.Background()

	kept, err := c.CreateDonation(ctx, draftAt(13.0827, 80.2707, time.Hour))
	require.NoError(t, err)
	claimed, err := c.CreateDonation(ctx, draftAt(13.0830, 80.2707, time.Hour))
	require.NoError(t, err)

	// Simulate index drift: the entry survives even though the record has
	// been claimed.
	_, err = c.store.Transition(ctx, claimed.ID, donation.StatusAssigned, "handler-1")
	require.NoError(t, err)

	near, err := c.Nearby(ctx, geo.Point{Lat: 13.0827, Lon: 80.2707}, 5000)
	require.NoError(t, err)
	require.Len(t, near, 1)
	require.Equal(t, kept.ID, near[0].Donation.ID)
}

func TestReconcileHealsIndexDrift(t *testing.T) {
	c, _ := newTestCoordinator()
	ctx := context.Background()

	d, err := c.CreateDonation(ctx, draftAt(13.0827, 80.2707, time.Hour))
	require.NoError(t, err)

	// Orphan entry with no backing record, and a missing entry for d.
	c.index.Upsert("ghost", geo.Point{Lat: 13.0827, Lon: 80.2707})
	c.index.Remove(d.ID)

	require.NoError(t, c.Reconcile(ctx))

	require.Equal(t, 1, c.index.Len())
	near, err := c.Nearby(ctx, geo.Point{Lat: 13.0827, Lon: 80.2707}, 100)
	require.NoError(t, err)
	require.Len(t, near, 1)
	require.Equal(t, d.ID, near[0].Donation.ID)
}

func TestConcurrentClaimSingleWinnerThroughFacade(t *testing.T) {
	c, h := newTestCoordinator()
	ctx := context.Background()
	sess := h.Register()

	d, err := c.CreateDonation(ctx, draftAt(13, 80, time.Hour))
	require.NoError(t, err)
	nextEvent(t, sess) // NEW_DONATION

	const N = 50
	results := make(chan error, N)
	for i := 0; i < N; i++ {
		go func() {
			_, err := c.ChangeStatus(ctx, d.ID, donation.StatusAssigned, "handler")
			results <- err
		}()
	}

	wins := 0
	for i := 0; i < N; i++ {
		err := <-results
		if err == nil {
			wins++
			continue
		}
		require.True(t, errors.Is(err, donation.ErrInvalidTransition), "unexpected error: %v", err)
	}
	require.Equal(t, 1, wins)

	// Exactly one STATUS_UPDATE was announced for the winning claim.
	evt := nextEvent(t, sess)
	require.Equal(t, donation.StatusAssigned, evt.Status)
	requireNoEvent(t, sess)
}
