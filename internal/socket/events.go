// README: Real-time event names and the JSON frame exchanged over the socket.
package socket

import "encoding/json"

// Inbound events.
const (
	EventDriverJoin         = "driver-join"
	EventDriverAvailability = "driver-availability"
	EventDriverLocation     = "driver-location"
	EventUpdateLocation     = "update-location"
	EventJoinOrder          = "join-order"
	EventLeaveOrder         = "leave-order"
)

// Outbound events.
const (
	EventNewOrder          = "new-order"
	EventOrderAccepted     = "order-accepted"
	EventStatusUpdate      = "status-update"
	EventLocationUpdated   = "location-updated"
	EventDeliveryCompleted = "delivery-completed"
	EventError             = "error"
)

// DriversRoom holds every connection that identified itself as a driver.
const DriversRoom = "drivers-pool"

// Frame is the envelope for every message in both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outFrame struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

func encode(event string, data any) ([]byte, error) {
	return json.Marshal(outFrame{Event: event, Data: data})
}

// ErrorPayload is sent with EventError.
type ErrorPayload struct {
	Event   string `json:"event,omitempty"`
	Message string `json:"message"`
}
