// README: Order persistence contract shared by the postgres, mongo and memory stores.
package order

import (
	"context"
	"time"
)

// Store persists orders. Transition is the only write used by the lifecycle and must be a
// single atomic conditional update: it returns (nil, nil) when no order matched.
type Store interface {
	Create(ctx context.Context, o *Order) error
	GetByNumber(ctx context.Context, number string) (*Order, error)
	List(ctx context.Context, f Filter) ([]*Order, error)
	Transition(ctx context.Context, t Transition) (*Order, error)
	// UpdateTrackedLocation skips delivered orders and reports ErrNotFound for them.
	UpdateTrackedLocation(ctx context.Context, number string, loc TrackedLocation) error
	AdminUpdate(ctx context.Context, number string, p Patch, at time.Time) (*Order, error)
	// SetRating applies only to delivered, unrated orders; (nil, nil) otherwise.
	SetRating(ctx context.Context, number string, rating int, at time.Time) (*Order, error)
	Delete(ctx context.Context, number string) error
	PlaceCounts(ctx context.Context, since time.Time) ([]PlaceCount, error)
	DailyCounts(ctx context.Context, since time.Time) ([]DayCount, error)
}

func strPtr(s string) *string {
	return &s
}

func timePtr(t time.Time) *time.Time {
	return &t
}

func dayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
