// Package coord composes the record store, the geospatial index and the
// event hub into single logical operations: every observable mutation is
// applied to the store, reflected into the index, then announced on the
// hub, in that order.
package coord

import (
	"context"
	"errors"
	"time"

	"foodrescue.org/internal/donation"
	"foodrescue.org/internal/geo"
	"foodrescue.org/internal/hub"
	"foodrescue.org/internal/obs"
)

// Coordinator is the only entry point external collaborators use to read or
// mutate donation state.
type Coordinator struct {
	store donation.Service
	index *geo.Index
	hub   *hub.Hub
}

// New wires the facade. The index starts empty; call Reconcile once at boot
// when the store is durable.
func New(store donation.Service, index *geo.Index, h *hub.Hub) *Coordinator {
	return &Coordinator{store: store, index: index, hub: h}
}

// NearbyDonation is one proximity-query result.
type NearbyDonation struct {
	Donation       donation.Donation `json:"donation"`
	DistanceMeters float64           `json:"distance_meters"`
}

// CreateDonation validates and persists a new listing, indexes its position
// and announces it. Index and announce failures do not roll the record back;
// the periodic reconciliation heals drift.
func (c *Coordinator) CreateDonation(ctx context.Context, draft donation.Draft) (donation.Donation, error) {
	d, err := c.store.Create(ctx, draft)
	if err != nil {
		return donation.Donation{}, err
	}

	c.index.Upsert(d.ID, geo.Point{Lat: d.Latitude, Lon: d.Longitude})
	c.hub.Publish(hub.Event{
		Kind:       hub.KindNewDonation,
		DonationID: d.ID,
		Status:     d.Status,
	})
	return d, nil
}

// ChangeStatus runs the state machine and, on success, updates the index
// before the event is published so a consumer reacting to the event sees
// consistent proximity results.
func (c *Coordinator) ChangeStatus(ctx context.Context, id string, target donation.Status, actor string) (donation.Donation, error) {
	d, err := c.store.Transition(ctx, id, target, actor)
	if err != nil {
		return donation.Donation{}, err
	}

	// Only AVAILABLE donations are plotted; every legal transition leaves
	// that set, so the entry is always removed.
	c.index.Remove(d.ID)
	c.hub.Publish(hub.Event{
		Kind:       hub.KindStatusUpdate,
		DonationID: d.ID,
		Status:     d.Status,
	})
	return d, nil
}

// Get returns one donation.
func (c *Coordinator) Get(ctx context.Context, id string) (donation.Donation, error) {
	return c.store.Get(ctx, id)
}

// ListActive returns AVAILABLE, unexpired donations, soonest-expiring first.
func (c *Coordinator) ListActive(ctx context.Context, f donation.Filter) ([]donation.Donation, error) {
	return c.store.ListActive(ctx, f)
}

// Nearby answers a radius query and joins the hits with their records.
// Entries the index still holds for records that have since left the active
// set are skipped; the reconciliation pass removes them.
func (c *Coordinator) Nearby(ctx context.Context, center geo.Point, radiusMeters float64) ([]NearbyDonation, error) {
	matches := c.index.QueryRadius(center, radiusMeters)
	now := time.Now().UTC()

	out := make([]NearbyDonation, 0, len(matches))
	for _, m := range matches {
		d, err := c.store.Get(ctx, m.ID)
		if errors.Is(err, donation.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if d.Status != donation.StatusAvailable || d.Lapsed(now) {
			continue
		}
		out = append(out, NearbyDonation{Donation: d, DistanceMeters: m.DistanceMeters})
	}
	return out, nil
}

// SweepExpired cancels every lapsed AVAILABLE donation and announces each
// cancellation. Running it twice in a row is a no-op the second time:
// already-cancelled records are terminal and emit nothing.
func (c *Coordinator) SweepExpired(ctx context.Context) (int, error) {
	lapsed, err := c.store.ListLapsed(ctx)
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, d := range lapsed {
		res, err := c.store.Transition(ctx, d.ID, donation.StatusCancelled, "")
		if errors.Is(err, donation.ErrInvalidTransition) || errors.Is(err, donation.ErrNotFound) {
			// Lost a race with a concurrent transition; nothing to announce.
			continue
		}
		if err != nil {
			return swept, err
		}
		c.index.Remove(res.ID)
		c.hub.Publish(hub.Event{
			Kind:       hub.KindStatusUpdate,
			DonationID: res.ID,
			Status:     res.Status,
		})
		swept++
	}
	if swept > 0 {
		obs.AddDonationsSwept(swept)
		obs.LogRequest(map[string]any{
			"ts":    time.Now().UTC().Format(time.RFC3339Nano),
			"msg":   "expiry sweep",
			"swept": swept,
		})
	}
	return swept, nil
}

// Reconcile re-derives the geospatial index from the record store, healing
// any drift left by partial failures.
func (c *Coordinator) Reconcile(ctx context.Context) error {
	active, err := c.store.ListActive(ctx, donation.Filter{})
	if err != nil {
		return err
	}
	entries := make(map[string]geo.Point, len(active))
	for _, d := range active {
		entries[d.ID] = geo.Point{Lat: d.Latitude, Lon: d.Longitude}
	}
	c.index.Replace(entries)
	obs.SetDonationsActive(len(active))
	return nil
}

// Start runs the expiry sweep and the index reconciliation on their
// intervals until the returned stop function is called.
func (c *Coordinator) Start(sweepEvery, reconcileEvery time.Duration) func() {
	done := make(chan struct{})
	go func() {
		sweep := time.NewTicker(sweepEvery)
		reconcile := time.NewTicker(reconcileEvery)
		defer sweep.Stop()
		defer reconcile.Stop()
		for {
			select {
			case <-done:
				return
			case <-sweep.C:
				if _, err := c.SweepExpired(context.Background()); err != nil {
					obs.LogRequest(map[string]any{
						"ts":    time.Now().UTC().Format(time.RFC3339Nano),
						"level": "error",
						"msg":   "expiry sweep failed",
						"error": err.Error(),
					})
				}
			case <-reconcile.C:
				if err := c.Reconcile(context.Background()); err != nil {
					obs.LogRequest(map[string]any{
						"ts":    time.Now().UTC().Format(time.RFC3339Nano),
						"level": "error",
						"msg":   "index reconciliation failed",
						"error": err.Error(),
					})
				}
			}
		}
	}()
	return func() { close(done) }
}
