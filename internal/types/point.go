// README: Shared value objects used across modules.
package types

// Point is a WGS84 coordinate pair in decimal degrees.
type Point struct {
	Lat float64 `json:"lat" bson:"lat"`
	Lng float64 `json:"lng" bson:"lng"`
}

// Handle identifies one live real-time connection. A reconnecting client gets a new handle.
type Handle string
