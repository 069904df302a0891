// README: Courier index handlers: location reports, removal, nearby search, status and live stream.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"

	"swiftdispatch/internal/modules/location"
	"swiftdispatch/internal/types"
)

type LocationHandler struct {
	location *location.Service
	log      *slog.Logger
}

func NewLocationHandler(svc *location.Service, log *slog.Logger) *LocationHandler {
	if log == nil {
		log = slog.Default()
	}
	return &LocationHandler{location: svc, log: log}
}

type statusBody struct {
	Available   bool   `json:"available"`
	OnDuty      bool   `json:"onDuty"`
	VehicleType string `json:"vehicleType"`
	CurrentLoad int    `json:"currentLoad"`
	MaxCapacity int    `json:"maxCapacity"`
}

type reportBody struct {
	Lat      *float64    `json:"lat"`
	Lng      *float64    `json:"lng"`
	Speed    float64     `json:"speed"`
	Heading  float64     `json:"heading"`
	Accuracy float64     `json:"accuracy"`
	Status   *statusBody `json:"status"`
}

func (b reportBody) report(id types.ID) (location.Report, bool) {
	if b.Lat == nil || b.Lng == nil {
		return location.Report{}, false
	}
	r := location.Report{
		CourierID: id,
		Point:     types.Point{Lat: *b.Lat, Lng: *b.Lng},
		Speed:     b.Speed,
		Heading:   b.Heading,
		Accuracy:  b.Accuracy,
	}
	if b.Status != nil {
		r.Status = &location.Status{
			Available:   b.Status.Available,
			OnDuty:      b.Status.OnDuty,
			VehicleType: b.Status.VehicleType,
			CurrentLoad: b.Status.CurrentLoad,
			MaxCapacity: b.Status.MaxCapacity,
		}
	}
	return r, r.Point.Valid()
}

// Index handles POST /drivers/:id/location.
func (h *LocationHandler) Index(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var body reportBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, http.StatusBadRequest, "invalid body")
		return
	}
	rep, ok := body.report(id)
	if !ok {
		writeError(c, http.StatusBadRequest, "valid latitude and longitude are required")
		return
	}
	loc, err := h.location.IndexLocation(c.Request.Context(), rep)
	if err != nil {
		writeLocationError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{
		"message":  "location indexed",
		"driverId": id,
		"location": loc.Point,
		"cell":     loc.Cell,
	})
}

// Remove handles DELETE /drivers/:id/location. Unknown couriers are not an error.
func (h *LocationHandler) Remove(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	removed, err := h.location.Remove(c.Request.Context(), id)
	if err != nil {
		writeLocationError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"driverId": id, "removed": removed})
}

// Get handles GET /drivers/:id/location.
func (h *LocationHandler) Get(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	loc, err := h.location.GetLocation(c.Request.Context(), id)
	if err != nil {
		writeLocationError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{
		"driverId":   id,
		"lat":        loc.Point.Lat,
		"lng":        loc.Point.Lng,
		"cell":       loc.Cell,
		"observedAt": loc.ObservedAt,
	})
}

// Status handles GET /drivers/:id/status.
func (h *LocationHandler) Status(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	st, err := h.location.GetStatus(c.Request.Context(), id)
	if err != nil {
		writeLocationError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, st)
}

// Heartbeat handles POST /drivers/:id/heartbeat.
func (h *LocationHandler) Heartbeat(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := h.location.Heartbeat(c.Request.Context(), id); err != nil {
		writeLocationError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Nearby handles GET /drivers/nearby?lat&lng&radius with optional
// available, onDuty and vehicleType filters. Absent status filters mean
// available and on duty.
func (h *LocationHandler) Nearby(c *gin.Context) {
	center, err := queryPoint(c, "lat", "lng")
	if err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}
	radius, err := queryFloatDefault(c, "radius", 3)
	if err != nil || radius <= 0 {
		writeError(c, http.StatusBadRequest, "invalid radius")
		return
	}
	filter, err := parseFilter(c)
	if err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}

	found, err := h.location.FindNearby(c.Request.Context(), center, radius, filter)
	if err != nil {
		if errors.Is(err, location.ErrBadRequest) {
			writeLocationError(c, err)
			return
		}
		// read path degrades to an empty answer
		h.log.Warn("nearby search failed", "err", err)
		found = nil
	}
	ids := make([]types.ID, len(found))
	for i, n := range found {
		ids[i] = n.CourierID
	}
	writeJSON(c, http.StatusOK, gin.H{
		"driverIds":      ids,
		"count":          len(ids),
		"searchLocation": center,
		"radius":         radius,
	})
}

// Metrics handles GET /drivers/metrics.
func (h *LocationHandler) Metrics(c *gin.Context) {
	m, err := h.location.Metrics(c.Request.Context())
	if err != nil {
		writeLocationError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, m)
}

func parseFilter(c *gin.Context) (location.Filter, error) {
	f := location.DispatchFilter()
	for name, dst := range map[string]**bool{"available": &f.Available, "onDuty": &f.OnDuty} {
		raw := c.Query(name)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return location.Filter{}, errors.New("invalid " + name)
		}
		*dst = &v
	}
	f.VehicleType = c.Query("vehicleType")
	return f, nil
}

// Stream handles GET /drivers/:id/stream. Each text frame is a location
// report for the courier; the server answers every frame with an ack.
func (h *LocationHandler) Stream(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")
	conn.SetReadLimit(1 << 16)

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	go func() {
		t := time.NewTicker(30 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
				_ = conn.Ping(pctx)
				cancel()
			}
		}
	}()

	for {
		mt, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if mt != websocket.MessageText {
			continue
		}
		ack := streamAck{Type: "ack"}
		var body reportBody
		if err := json.Unmarshal(data, &body); err != nil {
			ack.Error = "invalid frame"
		} else if rep, ok := body.report(id); !ok {
			ack.Error = "valid latitude and longitude are required"
		} else if loc, err := h.location.IndexLocation(ctx, rep); err != nil {
			h.log.Warn("stream index failed", "courier_id", id, "err", err)
			ack.Error = "index write failed"
		} else {
			ack.Cell = loc.Cell
		}
		out, _ := json.Marshal(ack)
		wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = conn.Write(wctx, websocket.MessageText, out)
		cancel()
		if err != nil {
			return
		}
	}
}

type streamAck struct {
	Type  string `json:"type"`
	Cell  string `json:"cell,omitempty"`
	Error string `json:"error,omitempty"`
}
