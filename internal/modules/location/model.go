// README: Location relay inputs and the payloads pushed to subscribers.
package location

import (
	"time"

	"courier/internal/modules/order"
)

// LocationUpdate is one driver position report for an order.
type LocationUpdate struct {
	OrderNumber string
	DriverID    string
	Lat         float64
	Lng         float64
}

// LocationPayload is the body of a location-updated event.
type LocationPayload struct {
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	DriverID  string    `json:"driverId"`
	Timestamp time.Time `json:"timestamp"`
}

// StatusPayload is the body of status-update and order-accepted events.
type StatusPayload struct {
	OrderNumber string       `json:"orderId"`
	Status      order.Status `json:"status"`
	DriverID    string       `json:"driverId,omitempty"`
}

// DeliveredPayload is the body of a delivery-completed event.
type DeliveredPayload struct {
	OrderNumber string     `json:"orderId"`
	DriverID    string     `json:"driverId,omitempty"`
	DeliveredAt *time.Time `json:"deliveredAt,omitempty"`
}

type lastKnown struct {
	loc      order.TrackedLocation
	driverID string
}

func (l lastKnown) payload() LocationPayload {
	return LocationPayload{Lat: l.loc.Lat, Lng: l.loc.Lng, DriverID: l.driverID, Timestamp: l.loc.Time}
}
