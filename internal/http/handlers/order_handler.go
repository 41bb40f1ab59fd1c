// README: Staff and admin order handlers for listing, administration and stats.
package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"courier/internal/modules/matching"
	"courier/internal/modules/order"
)

type OrderHandler struct {
	orders   *order.Service
	dispatch *matching.Service
}

func NewOrderHandler(orders *order.Service, dispatch *matching.Service) *OrderHandler {
	return &OrderHandler{orders: orders, dispatch: dispatch}
}

// List supports ?status=, ?driver=, ?unassigned=true and ?limit=.
func (h *OrderHandler) List(c *gin.Context) {
	var f order.Filter
	if s := c.Query("status"); s != "" {
		st, err := order.ParseStatus(s)
		if err != nil {
			writeOrderError(c, err)
			return
		}
		f.Status = st
	}
	f.DriverID = c.Query("driver")
	f.Unassigned = c.Query("unassigned") == "true"
	if l := c.Query("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			writeError(c, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		f.Limit = n
	}
	list, err := h.orders.List(c.Request.Context(), f)
	if err != nil {
		writeOrderError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, ordersOrEmpty(list))
}

// Available lists the orders the calling driver (or ?driver= for admins) can accept.
func (h *OrderHandler) Available(c *gin.Context) {
	driverID, ok := actingDriver(c, c.Query("driver"))
	if !ok {
		return
	}
	list, err := h.orders.ListAvailable(c.Request.Context(), driverID)
	if err != nil {
		writeOrderError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, ordersOrEmpty(list))
}

func (h *OrderHandler) Get(c *gin.Context) {
	o, err := h.orders.Get(c.Request.Context(), c.Param("number"))
	if err != nil {
		writeOrderError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, o)
}

type updateReq struct {
	Status           *string `json:"status"`
	AssignedDriverID *string `json:"assigned_driver_id"`
	ItemType         *string `json:"type_of_item"`
	CustomerName     *string `json:"customer_name"`
	CustomerPhone    *string `json:"customer_phone"`
	CustomerAddress  *string `json:"customer_address"`
	Rating           *int    `json:"rating"`
	ClearDriver      bool    `json:"clear_driver"`
}

// Update is the administrative bypass; it applies any field without lifecycle checks.
func (h *OrderHandler) Update(c *gin.Context) {
	var req updateReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	p := order.Patch{
		AssignedDriverID: req.AssignedDriverID,
		ItemType:         req.ItemType,
		CustomerName:     req.CustomerName,
		CustomerPhone:    req.CustomerPhone,
		CustomerAddress:  req.CustomerAddress,
		Rating:           req.Rating,
		ClearDriver:      req.ClearDriver,
	}
	if req.Status != nil {
		st, err := order.ParseStatus(*req.Status)
		if err != nil {
			writeOrderError(c, err)
			return
		}
		p.Status = &st
	}
	o, err := h.orders.AdminUpdate(c.Request.Context(), c.Param("number"), p)
	if err != nil {
		writeOrderError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, o)
}

func (h *OrderHandler) Delete(c *gin.Context) {
	if err := h.orders.Delete(c.Request.Context(), c.Param("number")); err != nil {
		writeOrderError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *OrderHandler) PlaceStats(c *gin.Context) {
	counts, err := h.orders.PlaceStats(c.Request.Context(), c.Query("range"))
	if err != nil {
		writeOrderError(c, err)
		return
	}
	if counts == nil {
		counts = []order.PlaceCount{}
	}
	writeJSON(c, http.StatusOK, counts)
}

func (h *OrderHandler) DailyStats(c *gin.Context) {
	counts, err := h.orders.DailyStats(c.Request.Context(), c.Query("range"))
	if err != nil {
		writeOrderError(c, err)
		return
	}
	if counts == nil {
		counts = []order.DayCount{}
	}
	writeJSON(c, http.StatusOK, counts)
}

// Dispatch returns the dispatch record kept in Redis, when enabled.
func (h *OrderHandler) Dispatch(c *gin.Context) {
	number := c.Param("number")
	if _, err := h.orders.Get(c.Request.Context(), number); err != nil {
		writeOrderError(c, err)
		return
	}
	rec, ok, err := h.dispatch.Record(c.Request.Context(), number)
	if err != nil {
		writeOrderError(c, err)
		return
	}
	if !ok {
		writeError(c, http.StatusNotFound, "no dispatch record")
		return
	}
	writeJSON(c, http.StatusOK, rec)
}

func ordersOrEmpty(list []*order.Order) []*order.Order {
	if list == nil {
		return []*order.Order{}
	}
	return list
}
