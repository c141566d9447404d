package donation

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// FoodCategory is the closed set of listed food kinds.
type FoodCategory string

const (
	CategoryVeg    FoodCategory = "VEG"
	CategoryNonVeg FoodCategory = "NON_VEG"
	CategoryVegan  FoodCategory = "VEGAN"
	CategoryMixed  FoodCategory = "MIXED"
)

// Categories lists every valid food category.
var Categories = []FoodCategory{CategoryVeg, CategoryNonVeg, CategoryVegan, CategoryMixed}

func (c FoodCategory) Valid() bool {
	switch c {
	case CategoryVeg, CategoryNonVeg, CategoryVegan, CategoryMixed:
		return true
	}
	return false
}

// Status is the stored lifecycle state of a donation. "Expired" is never
// stored; it is derived from the expiry timestamp at read time.
type Status string

const (
	StatusAvailable Status = "AVAILABLE"
	StatusAssigned  Status = "ASSIGNED"
	StatusInTransit Status = "IN_TRANSIT"
	StatusDelivered Status = "DELIVERED"
	StatusCancelled Status = "CANCELLED"
)

// Statuses lists every storable status.
var Statuses = []Status{StatusAvailable, StatusAssigned, StatusInTransit, StatusDelivered, StatusCancelled}

func (s Status) Valid() bool {
	switch s {
	case StatusAvailable, StatusAssigned, StatusInTransit, StatusDelivered, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are permitted.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusCancelled
}

// transitions is the full state machine as data. Absent edges are illegal.
var transitions = map[Status][]Status{
	StatusAvailable: {StatusAssigned, StatusCancelled},
	StatusAssigned:  {StatusInTransit, StatusCancelled},
	StatusInTransit: {StatusDelivered, StatusCancelled},
	StatusDelivered: {},
	StatusCancelled: {},
}

// CanTransition reports whether the edge from -> to exists in the state machine.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// RequiresHandler reports whether a status must carry an assigned handler.
// Every Service implementation enforces it before committing a transition.
func RequiresHandler(s Status) bool {
	return s == StatusAssigned || s == StatusInTransit || s == StatusDelivered
}

// Donation is the central entity. Records are never physically deleted;
// terminal records are retained and excluded from active queries.
type Donation struct {
	ID                string       `json:"id"`
	DonorName         string       `json:"donor_name"`
	DonorPhone        string       `json:"donor_phone"`
	Category          FoodCategory `json:"category"`
	QuantityKg        float64      `json:"quantity_kg"`
	Description       string       `json:"description,omitempty"`
	Latitude          float64      `json:"latitude"`
	Longitude         float64      `json:"longitude"`
	Address           string       `json:"address"`
	Status            Status       `json:"status"`
	CreatedAt         time.Time    `json:"created_at"`
	ExpiresAt         time.Time    `json:"expires_at"`
	AssignedHandlerID string       `json:"assigned_handler_id,omitempty"`
	AssignedAt        *time.Time   `json:"assigned_at,omitempty"`
}

// Lapsed reports whether the expiry has passed. A lapsed AVAILABLE donation
// is ineligible for assignment even before the sweep cancels it.
func (d Donation) Lapsed(now time.Time) bool {
	return !d.ExpiresAt.After(now)
}

// Draft carries caller-supplied attributes for a new donation.
type Draft struct {
	DonorName   string       `json:"donor_name"`
	DonorPhone  string       `json:"donor_phone"`
	Category    FoodCategory `json:"category"`
	QuantityKg  float64      `json:"quantity_kg"`
	Description string       `json:"description,omitempty"`
	Latitude    float64      `json:"latitude"`
	Longitude   float64      `json:"longitude"`
	Address     string       `json:"address"`
	ExpiresAt   time.Time    `json:"expires_at"`
}

const (
	maxQuantityKg     = 500
	maxDescriptionLen = 500
)

// Validate checks the draft against the listing rules.
func (d Draft) Validate(now time.Time) error {
	name := strings.TrimSpace(d.DonorName)
	if len(name) < 2 || len(name) > 100 {
		return fmt.Errorf("%w: donor_name must be 2-100 characters", ErrValidation)
	}
	if !validPhone(d.DonorPhone) {
		return fmt.Errorf("%w: donor_phone must be a valid phone number", ErrValidation)
	}
	if !d.Category.Valid() {
		return fmt.Errorf("%w: unknown category %q", ErrValidation, d.Category)
	}
	if d.QuantityKg <= 0 || d.QuantityKg > maxQuantityKg {
		return fmt.Errorf("%w: quantity_kg must be in (0, %d]", ErrValidation, maxQuantityKg)
	}
	if len(d.Description) > maxDescriptionLen {
		return fmt.Errorf("%w: description too long", ErrValidation)
	}
	if d.Latitude < -90 || d.Latitude > 90 {
		return fmt.Errorf("%w: latitude out of range", ErrValidation)
	}
	if d.Longitude < -180 || d.Longitude > 180 {
		return fmt.Errorf("%w: longitude out of range", ErrValidation)
	}
	addr := strings.TrimSpace(d.Address)
	if len(addr) < 10 || len(addr) > 300 {
		return fmt.Errorf("%w: address must be 10-300 characters", ErrValidation)
	}
	if !d.ExpiresAt.After(now) {
		return fmt.Errorf("%w: expires_at must be in the future", ErrValidation)
	}
	return nil
}

func validPhone(p string) bool {
	p = strings.TrimSpace(p)
	p = strings.TrimPrefix(p, "+")
	if len(p) < 10 || len(p) > 15 {
		return false
	}
	if p[0] == '0' {
		return false
	}
	for _, r := range p {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Filter narrows ListActive results. Zero value matches everything.
type Filter struct {
	Category   FoodCategory
	UrgentOnly bool
}

var (
	ErrValidation        = errors.New("invalid donation")
	ErrNotFound          = errors.New("donation not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrTimeout           = errors.New("store timeout")
)

// staleTransition wraps ErrInvalidTransition for a request that lost a race
// or targeted an illegal edge. The caller should re-fetch and decide.
func staleTransition(from, to Status) error {
	return fmt.Errorf("%w: %s -> %s (stale state, re-fetch current status)", ErrInvalidTransition, from, to)
}
