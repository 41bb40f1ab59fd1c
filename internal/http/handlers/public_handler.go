// README: Customer-facing handlers; submit, track and rate without an account.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"courier/internal/modules/order"
)

type PublicHandler struct {
	orders *order.Service
}

func NewPublicHandler(orders *order.Service) *PublicHandler {
	return &PublicHandler{orders: orders}
}

type submitResponse struct {
	OrderNumber      string       `json:"order_number"`
	Status           order.Status `json:"status"`
	AssignedDriverID *string      `json:"assigned_driver_id"`
	DistanceKm       *float64     `json:"distance_km"`
	Order            *order.Order `json:"order"`
}

func (h *PublicHandler) Submit(c *gin.Context) {
	var cmd order.SubmitCommand
	if err := c.ShouldBindJSON(&cmd); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	o, res, err := h.orders.Submit(c.Request.Context(), cmd)
	if err != nil {
		writeOrderError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, submitResponse{
		OrderNumber:      o.Number,
		Status:           o.Status,
		AssignedDriverID: res.DriverID,
		DistanceKm:       res.DistanceKm,
		Order:            o,
	})
}

func (h *PublicHandler) Track(c *gin.Context) {
	view, err := h.orders.Track(c.Request.Context(), c.Param("number"))
	if err != nil {
		writeOrderError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, view)
}

type rateReq struct {
	Rating int `json:"rating"`
}

func (h *PublicHandler) Rate(c *gin.Context) {
	var req rateReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	o, err := h.orders.Rate(c.Request.Context(), order.RateCommand{Number: c.Param("number"), Rating: req.Rating})
	if err != nil {
		writeOrderError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, map[string]any{"order_number": o.Number, "rating": o.Rating})
}
