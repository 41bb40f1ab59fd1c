// README: Driver handlers for accepting and completing deliveries.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"courier/internal/http/middleware"
	"courier/internal/modules/order"
)

type DriverHandler struct {
	orders *order.Service
}

func NewDriverHandler(orders *order.Service) *DriverHandler {
	return &DriverHandler{orders: orders}
}

type transitionReq struct {
	OrderNumber string `json:"order_number"`
	DriverID    string `json:"driver_id"`
}

// actingDriver resolves which driver the caller acts as. Only admins may act for others.
func actingDriver(c *gin.Context, requested string) (string, bool) {
	uid := middleware.CallerUID(c)
	if requested == "" || requested == uid {
		return uid, true
	}
	if middleware.IsAdmin(c) {
		return requested, true
	}
	writeError(c, http.StatusForbidden, "forbidden: cannot act for another driver")
	return "", false
}

func (h *DriverHandler) Accept(c *gin.Context) {
	var req transitionReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	driverID, ok := actingDriver(c, req.DriverID)
	if !ok {
		return
	}
	o, err := h.orders.Accept(c.Request.Context(), order.AcceptCommand{Number: req.OrderNumber, DriverID: driverID})
	if err != nil {
		writeOrderError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, o)
}

func (h *DriverHandler) Complete(c *gin.Context) {
	var req transitionReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	driverID, ok := actingDriver(c, req.DriverID)
	if !ok {
		return
	}
	o, err := h.orders.Complete(c.Request.Context(), order.CompleteCommand{Number: req.OrderNumber, DriverID: driverID})
	if err != nil {
		writeOrderError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, o)
}

// Active lists the caller's in-transit orders (?driver= for admins).
func (h *DriverHandler) Active(c *gin.Context) {
	driverID, ok := actingDriver(c, c.Query("driver"))
	if !ok {
		return
	}
	list, err := h.orders.ActiveForDriver(c.Request.Context(), driverID)
	if err != nil {
		writeOrderError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, ordersOrEmpty(list))
}
