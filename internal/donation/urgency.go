package donation

import "time"

// urgentWindow is the last stretch before expiry during which a donation is
// flagged for prioritized dispatch.
const urgentWindow = 120 * time.Minute

// Urgency classifies how much usable lifetime a donation has left.
type Urgency struct {
	MinutesRemaining float64 `json:"minutes_remaining"`
	Urgent           bool    `json:"urgent"`
	Expired          bool    `json:"expired"`
}

// Evaluate is a pure function of the expiry timestamp and the clock.
// The urgent window is inclusive at zero minutes and exclusive at the
// window boundary. It never reads or writes stored state.
func Evaluate(expiresAt, now time.Time) Urgency {
	remaining := expiresAt.Sub(now)
	minutes := remaining.Minutes()
	return Urgency{
		MinutesRemaining: minutes,
		Urgent:           remaining >= 0 && remaining < urgentWindow,
		Expired:          remaining < 0,
	}
}
