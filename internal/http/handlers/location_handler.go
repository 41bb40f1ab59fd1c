// README: HTTP fallback for driver position reports when the socket is unavailable.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"courier/internal/modules/location"
	"courier/internal/modules/order"
	"courier/internal/modules/presence"
)

type LocationHandler struct {
	orders   *order.Service
	presence *presence.Registry
	relay    *location.Relay
}

func NewLocationHandler(orders *order.Service, reg *presence.Registry, relay *location.Relay) *LocationHandler {
	return &LocationHandler{orders: orders, presence: reg, relay: relay}
}

type locationReq struct {
	DriverID    string   `json:"driver_id"`
	OrderNumber string   `json:"order_number"`
	Lat         *float64 `json:"lat"`
	Lng         *float64 `json:"lng"`
}

// Update records the position in presence and relays it to every in-transit order of the
// driver, or only to order_number when given.
func (h *LocationHandler) Update(c *gin.Context) {
	var req locationReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	driverID, ok := actingDriver(c, req.DriverID)
	if !ok {
		return
	}
	if req.Lat == nil || req.Lng == nil || !location.ValidCoords(*req.Lat, *req.Lng) {
		writeError(c, http.StatusBadRequest, location.ErrInvalidLocation.Error())
		return
	}

	h.presence.ReportLocation(driverID, *req.Lat, *req.Lng)

	active, err := h.orders.ActiveForDriver(c.Request.Context(), driverID)
	if err != nil {
		writeOrderError(c, err)
		return
	}
	relayed := []string{}
	for _, o := range active {
		if req.OrderNumber != "" && o.Number != req.OrderNumber {
			continue
		}
		err := h.relay.PublishLocation(c.Request.Context(), location.LocationUpdate{
			OrderNumber: o.Number,
			DriverID:    driverID,
			Lat:         *req.Lat,
			Lng:         *req.Lng,
		})
		if errors.Is(err, location.ErrInvalidLocation) {
			writeError(c, http.StatusBadRequest, err.Error())
			return
		}
		if err != nil {
			// delivered since the listing, or the store is unreachable
			continue
		}
		relayed = append(relayed, o.Number)
	}
	writeJSON(c, http.StatusOK, map[string]any{"driver_id": driverID, "relayed": relayed})
}
