// README: Logistics handlers: assignment, delivery lifecycle transitions and courier records.
package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"swiftdispatch/internal/http/middleware"
	"swiftdispatch/internal/modules/assignment"
	"swiftdispatch/internal/modules/matching"
	"swiftdispatch/internal/types"
)

type LogisticsHandler struct {
	matching   *matching.Service
	assignment *assignment.Service
	log        *slog.Logger
}

func NewLogisticsHandler(m *matching.Service, a *assignment.Service, log *slog.Logger) *LogisticsHandler {
	if log == nil {
		log = slog.Default()
	}
	return &LogisticsHandler{matching: m, assignment: a, log: log}
}

// Assign handles POST /logistics/internal/assign.
func (h *LogisticsHandler) Assign(c *gin.Context) {
	var req matching.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid body")
		return
	}
	if !isValidID(string(req.OrderID)) {
		writeError(c, http.StatusBadRequest, "invalid orderId")
		return
	}
	res, err := h.matching.Assign(c.Request.Context(), req)
	if err != nil {
		h.log.Info("assign failed", "order_id", req.OrderID, "caller", middleware.CallerService(c), "err", err)
		writeMatchingError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{
		"message":  "courier assigned",
		"delivery": res,
	})
}

type transitionBody struct {
	OrderID  types.ID `json:"orderId"`
	DriverID types.ID `json:"driverId"`
}

func (b transitionBody) valid() bool {
	return isValidID(string(b.OrderID)) && isValidID(string(b.DriverID))
}

// Pickup handles PUT /logistics/driver/pickup.
func (h *LogisticsHandler) Pickup(c *gin.Context) {
	h.transition(c, h.assignment.Pickup, "order picked up")
}

// Deliver handles PUT /logistics/driver/deliver.
func (h *LogisticsHandler) Deliver(c *gin.Context) {
	h.transition(c, h.assignment.Deliver, "order delivered")
}

func (h *LogisticsHandler) transition(
	c *gin.Context,
	apply func(context.Context, assignment.TransitionCommand) (*assignment.Assignment, error),
	msg string,
) {
	var body transitionBody
	if err := c.ShouldBindJSON(&body); err != nil || !body.valid() {
		writeError(c, http.StatusBadRequest, "orderId and driverId are required")
		return
	}
	a, err := apply(c.Request.Context(), assignment.TransitionCommand{OrderID: body.OrderID, CourierID: body.DriverID})
	if err != nil {
		writeAssignmentError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"message": msg, "delivery": a})
}

type cancelBody struct {
	OrderID types.ID `json:"orderId"`
	Reason  string   `json:"reason"`
}

// Cancel handles POST /logistics/internal/cancel.
func (h *LogisticsHandler) Cancel(c *gin.Context) {
	var body cancelBody
	if err := c.ShouldBindJSON(&body); err != nil || !isValidID(string(body.OrderID)) {
		writeError(c, http.StatusBadRequest, "orderId is required")
		return
	}
	a, err := h.assignment.Cancel(c.Request.Context(), assignment.CancelCommand{OrderID: body.OrderID, Reason: body.Reason})
	if err != nil {
		writeAssignmentError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"message": "delivery cancelled", "delivery": a})
}

// Delivery handles GET /logistics/deliveries/:id.
func (h *LogisticsHandler) Delivery(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	a, err := h.assignment.Get(c.Request.Context(), id)
	if err != nil {
		writeAssignmentError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, a)
}

// OrderDelivery handles GET /logistics/orders/:id/delivery, the active
// delivery for an order plus how many dispatch attempts it took.
func (h *LogisticsHandler) OrderDelivery(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	a, err := h.assignment.GetActiveByOrder(c.Request.Context(), id)
	if err != nil {
		writeAssignmentError(c, err)
		return
	}
	attempts, err := h.matching.Attempts(c.Request.Context(), id)
	if err != nil {
		h.log.Warn("attempt count unavailable", "order_id", id, "err", err)
	}
	writeJSON(c, http.StatusOK, gin.H{"delivery": a, "attempts": attempts})
}

type courierBody struct {
	ID          types.ID `json:"id"`
	Name        string   `json:"name"`
	Phone       string   `json:"phone"`
	VehicleType string   `json:"vehicleType"`
	MaxCapacity int      `json:"maxCapacity"`
}

// CreateCourier handles POST /logistics/admin/drivers.
func (h *LogisticsHandler) CreateCourier(c *gin.Context) {
	var body courierBody
	if err := c.ShouldBindJSON(&body); err != nil || !isValidID(string(body.ID)) {
		writeError(c, http.StatusBadRequest, "id is required")
		return
	}
	courier, err := h.assignment.CreateCourier(c.Request.Context(), assignment.CreateCourierCommand{
		ID:          body.ID,
		Name:        body.Name,
		Phone:       body.Phone,
		VehicleType: body.VehicleType,
		MaxCapacity: body.MaxCapacity,
	})
	if err != nil {
		writeAssignmentError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, courier)
}

// Courier handles GET /logistics/admin/drivers/:id.
func (h *LogisticsHandler) Courier(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	courier, err := h.assignment.GetCourier(c.Request.Context(), id)
	if err != nil {
		writeAssignmentError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, courier)
}
