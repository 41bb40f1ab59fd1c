// README: Dispatch outcomes and Redis key layout for dispatch records.
package matching

import "time"

const (
	OutcomeAssigned    = "assigned"
	OutcomeNoCandidate = "no_candidate"
	OutcomeNoCoords    = "no_coords"
)

// DispatchRecord is what the store remembers about a dispatched order.
type DispatchRecord struct {
	OrderNumber  string    `json:"order_number"`
	DispatchedAt time.Time `json:"dispatched_at"`
	Notified     []string  `json:"notified_drivers"`
}

const (
	dispatchKeyPrefix = "dispatch:order:%s:dispatched_at"
	notifiedKeyPrefix = "dispatch:order:%s:notified"
	// TTL for dispatch keys (orders should resolve well within 7 days).
	defaultKeyTTL = 7 * 24 * time.Hour
)
