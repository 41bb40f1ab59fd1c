// README: WebSocket endpoint; upgrades the connection and dispatches inbound frames.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"courier/internal/modules/location"
	"courier/internal/modules/presence"
	"courier/internal/socket"
	"courier/internal/types"
)

type SocketHandler struct {
	hub      *socket.Hub
	presence *presence.Registry
	relay    *location.Relay
	logger   zerolog.Logger
	upgrader websocket.Upgrader
	// base outlives the upgrade request; connections end when it is cancelled.
	base context.Context
}

func NewSocketHandler(ctx context.Context, hub *socket.Hub, reg *presence.Registry, relay *location.Relay, logger zerolog.Logger) *SocketHandler {
	return &SocketHandler{
		hub:      hub,
		presence: reg,
		relay:    relay,
		logger:   logger.With().Str("component", "socket").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// origins are enforced by the CORS layer for browsers
			CheckOrigin: func(*http.Request) bool { return true },
		},
		base: ctx,
	}
}

func (h *SocketHandler) ServeWs(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	h.hub.Serve(h.base, conn, h)
}

// idPayload accepts either a bare string or an object carrying the id.
type idPayload struct {
	DriverID string `json:"driverId"`
	OrderID  string `json:"orderId"`
}

type availabilityPayload struct {
	DriverID  string `json:"driverId"`
	Available *bool  `json:"available"`
}

type positionPayload struct {
	OrderID  string   `json:"orderId"`
	DriverID string   `json:"driverId"`
	Lat      *float64 `json:"lat"`
	Lng      *float64 `json:"lng"`
}

var errMalformed = errors.New("malformed payload")

func (h *SocketHandler) HandleFrame(ctx context.Context, conn types.Handle, f socket.Frame) {
	var err error
	switch f.Event {
	case socket.EventDriverJoin:
		err = h.driverJoin(conn, f.Data)
	case socket.EventDriverAvailability:
		err = h.driverAvailability(f.Data)
	case socket.EventDriverLocation:
		err = h.driverLocation(f.Data)
	case socket.EventUpdateLocation:
		err = h.updateLocation(ctx, f.Data)
	case socket.EventJoinOrder:
		err = h.joinOrder(ctx, conn, f.Data)
	case socket.EventLeaveOrder:
		err = h.relay.Unsubscribe(decodeID(f.Data, func(p idPayload) string { return p.OrderID }), conn)
	default:
		err = errors.New("unknown event")
	}
	if err == nil {
		return
	}
	h.logger.Debug().Err(err).Str("event", f.Event).Str("handle", string(conn)).Msg("frame rejected")
	if sendErr := h.hub.Send(conn, socket.EventError, socket.ErrorPayload{Event: f.Event, Message: err.Error()}); sendErr != nil {
		h.logger.Debug().Err(sendErr).Msg("error frame not delivered")
	}
}

func (h *SocketHandler) driverJoin(conn types.Handle, data json.RawMessage) error {
	driverID := decodeID(data, func(p idPayload) string { return p.DriverID })
	if driverID == "" {
		return errors.New("driverId is required")
	}
	h.presence.Register(driverID, conn)
	h.hub.Join(socket.DriversRoom, conn)
	h.logger.Info().Str("driver", driverID).Str("handle", string(conn)).Msg("driver joined")
	return nil
}

func (h *SocketHandler) driverAvailability(data json.RawMessage) error {
	var p availabilityPayload
	if err := json.Unmarshal(data, &p); err != nil || p.DriverID == "" || p.Available == nil {
		return errMalformed
	}
	if !h.presence.SetAvailability(p.DriverID, *p.Available) {
		h.logger.Debug().Str("driver", p.DriverID).Msg("availability for unknown driver ignored")
	}
	return nil
}

func (h *SocketHandler) driverLocation(data json.RawMessage) error {
	var p positionPayload
	if err := json.Unmarshal(data, &p); err != nil || p.DriverID == "" || p.Lat == nil || p.Lng == nil {
		return errMalformed
	}
	if !location.ValidCoords(*p.Lat, *p.Lng) {
		return location.ErrInvalidLocation
	}
	h.presence.ReportLocation(p.DriverID, *p.Lat, *p.Lng)
	return nil
}

func (h *SocketHandler) updateLocation(ctx context.Context, data json.RawMessage) error {
	var p positionPayload
	if err := json.Unmarshal(data, &p); err != nil || p.Lat == nil || p.Lng == nil {
		return errMalformed
	}
	if p.DriverID != "" && location.ValidCoords(*p.Lat, *p.Lng) {
		h.presence.ReportLocation(p.DriverID, *p.Lat, *p.Lng)
	}
	return h.relay.PublishLocation(ctx, location.LocationUpdate{
		OrderNumber: p.OrderID,
		DriverID:    p.DriverID,
		Lat:         *p.Lat,
		Lng:         *p.Lng,
	})
}

func (h *SocketHandler) joinOrder(ctx context.Context, conn types.Handle, data json.RawMessage) error {
	number := decodeID(data, func(p idPayload) string { return p.OrderID })
	if err := h.relay.Subscribe(ctx, number, conn); err != nil {
		if errors.Is(err, location.ErrInvalidLocation) || errors.Is(err, socket.ErrUnknownHandle) {
			return err
		}
		// joined, but the stored position could not be loaded
		h.logger.Warn().Err(err).Str("order", number).Msg("catch-up lookup failed")
	}
	return nil
}

func decodeID(data json.RawMessage, pick func(idPayload) string) string {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var p idPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return ""
	}
	return strings.TrimSpace(pick(p))
}

var _ socket.FrameHandler = (*SocketHandler)(nil)
