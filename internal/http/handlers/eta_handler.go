// README: ETA handler; query parsing and response shaping for GET /eta.
package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"swiftdispatch/internal/clock"
	"swiftdispatch/internal/modules/eta"
)

type ETAHandler struct {
	eta   *eta.Service
	clock clock.Clock
}

func NewETAHandler(svc *eta.Service, clk clock.Clock) *ETAHandler {
	if clk == nil {
		clk = clock.Real()
	}
	return &ETAHandler{eta: svc, clock: clk}
}

type etaBreakdown struct {
	DistanceKm        float64 `json:"distanceKm"`
	TravelTimeMinutes int     `json:"travelTimeMinutes"`
	BufferTimeMinutes int     `json:"bufferTimeMinutes"`
	PrepTimeMinutes   int     `json:"prepTimeMinutes"`
}

type etaResponse struct {
	ETAMinutes int          `json:"etaMinutes"`
	Breakdown  etaBreakdown `json:"breakdown"`
}

// Predict handles GET /eta. vehicleType defaults to BIKE; timeOfDay and
// dayOfWeek default to the current wall clock.
func (h *ETAHandler) Predict(c *gin.Context) {
	pickup, err := queryPoint(c, "pickupLat", "pickupLng")
	if err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}
	drop, err := queryPoint(c, "dropLat", "dropLng")
	if err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}
	prep := 0
	if raw := c.Query("prepTimeMinutes"); raw != "" {
		prep, err = strconv.Atoi(raw)
		if err != nil || prep < 0 {
			writeError(c, http.StatusBadRequest, "invalid prepTimeMinutes")
			return
		}
	}

	now := h.clock.Now()
	req := eta.Request{
		Pickup:          pickup,
		Drop:            drop,
		VehicleType:     strings.ToUpper(c.DefaultQuery("vehicleType", "BIKE")),
		TimeOfDay:       strings.ToLower(c.DefaultQuery("timeOfDay", eta.TimeOfDay(now))),
		DayOfWeek:       strings.ToLower(c.DefaultQuery("dayOfWeek", eta.DayOfWeek(now))),
		PrepTimeMinutes: prep,
	}
	res, err := h.eta.Predict(c.Request.Context(), req)
	if err != nil {
		writeETAError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, etaResponse{
		ETAMinutes: res.ETAMinutes,
		Breakdown: etaBreakdown{
			DistanceKm:        res.Breakdown.DistanceKm,
			TravelTimeMinutes: res.Breakdown.TravelTimeMinutes,
			BufferTimeMinutes: res.Breakdown.BufferTimeMinutes,
			PrepTimeMinutes:   res.Breakdown.PrepTimeMinutes,
		},
	})
}
