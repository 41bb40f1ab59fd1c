// README: Order aggregate, status definitions and the legacy status mapping.
package order

import (
	"fmt"
	"strings"
	"time"

	"courier/internal/types"
)

type Status string

const (
	StatusReceived  Status = "received"
	StatusInTransit Status = "in_transit"
	StatusDelivered Status = "delivered"
)

type Customer struct {
	Name    string       `json:"name" bson:"name"`
	Phone   string       `json:"phone" bson:"phone"`
	Address string       `json:"address" bson:"address"`
	Coords  *types.Point `json:"coords,omitempty" bson:"coords,omitempty"`
}

// TrackedLocation is the last position relayed for an order.
type TrackedLocation struct {
	Lat  float64   `json:"lat" bson:"lat"`
	Lng  float64   `json:"lng" bson:"lng"`
	Time time.Time `json:"time" bson:"time"`
}

type Order struct {
	Number             string           `json:"order_number" bson:"order_number"`
	Customer           Customer         `json:"customer" bson:"customer"`
	AssignedDriverID   *string          `json:"assigned_driver_id" bson:"assigned_driver_id"`
	Status             Status           `json:"status" bson:"status"`
	ItemType           string           `json:"type_of_item" bson:"type_of_item"`
	TrackedLocation    *TrackedLocation `json:"tracked_location" bson:"tracked_location"`
	Rating             *int             `json:"rating,omitempty" bson:"rating,omitempty"`
	DispatchDistanceKm *float64         `json:"dispatch_distance_km,omitempty" bson:"dispatch_distance_km,omitempty"`
	CreatedAt          time.Time        `json:"created_at" bson:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at" bson:"updated_at"`
	AcceptedAt         *time.Time       `json:"accepted_at,omitempty" bson:"accepted_at,omitempty"`
	DeliveredAt        *time.Time       `json:"delivered_at,omitempty" bson:"delivered_at,omitempty"`
}

// InPool reports whether the order is still open for any driver to pick up.
func (o *Order) InPool() bool {
	return o.Status == StatusReceived && o.AssignedDriverID == nil
}

// SeededLocation reports whether the tracked location is still the customer's own
// coordinates written at submission, before any driver position arrived.
func (o *Order) SeededLocation() bool {
	l, c := o.TrackedLocation, o.Customer.Coords
	return l != nil && c != nil && l.Lat == c.Lat && l.Lng == c.Lng && l.Time.Equal(o.CreatedAt)
}

// AllowedTransitions represents the order state flow as code. delivered is terminal.
var AllowedTransitions = map[Status][]Status{
	StatusReceived:  {StatusInTransit},
	StatusInTransit: {StatusDelivered},
}

func CanTransition(from, to Status) bool {
	next, ok := AllowedTransitions[from]
	if !ok {
		return false
	}
	for _, s := range next {
		if s == to {
			return true
		}
	}
	return false
}

// legacyStatuses maps values written by older clients onto the canonical enum.
var legacyStatuses = map[string]Status{
	"received":           StatusReceived,
	"pending":            StatusReceived,
	"pending_acceptance": StatusReceived,
	"in_transit":         StatusInTransit,
	"delivered":          StatusDelivered,
	"completed":          StatusDelivered,
}

// ParseStatus accepts canonical and legacy spellings, case-insensitively.
func ParseStatus(v string) (Status, error) {
	if s, ok := legacyStatuses[strings.ToLower(strings.TrimSpace(v))]; ok {
		return s, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStatus, v)
}

// Transition describes one conditional update. The store applies it only when the
// order currently has status From (and, when MatchDriver is set, the driver guard holds).
type Transition struct {
	Number   string
	From     Status
	To       Status
	DriverID string
	// MatchDriver requires assigned_driver_id = DriverID.
	MatchDriver bool
	// AllowUnassigned relaxes MatchDriver to also accept an unassigned order.
	AllowUnassigned bool
	ClearLocation   bool
	At              time.Time
}

// Filter narrows List queries. Zero values are ignored.
type Filter struct {
	Status     Status
	DriverID   string
	Unassigned bool
	Limit      int
}

// Patch is the generic administrative update. It bypasses the lifecycle checks.
type Patch struct {
	Status           *Status `json:"status,omitempty"`
	AssignedDriverID *string `json:"assigned_driver_id,omitempty"`
	ItemType         *string `json:"type_of_item,omitempty"`
	CustomerName     *string `json:"customer_name,omitempty"`
	CustomerPhone    *string `json:"customer_phone,omitempty"`
	CustomerAddress  *string `json:"customer_address,omitempty"`
	Rating           *int    `json:"rating,omitempty"`
	ClearDriver      bool    `json:"clear_driver,omitempty"`
}

func (p Patch) Empty() bool {
	return p.Status == nil && p.AssignedDriverID == nil && p.ItemType == nil &&
		p.CustomerName == nil && p.CustomerPhone == nil && p.CustomerAddress == nil &&
		p.Rating == nil && !p.ClearDriver
}

// PlaceCount is the number of orders per delivery address.
type PlaceCount struct {
	City       string `json:"city" bson:"city"`
	Deliveries int64  `json:"deliveries" bson:"deliveries"`
}

// DayCount is the number of orders created on a calendar day (YYYY-MM-DD, UTC).
type DayCount struct {
	Date   string `json:"date" bson:"date"`
	Orders int64  `json:"orders" bson:"orders"`
}
