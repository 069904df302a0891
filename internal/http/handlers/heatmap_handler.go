// README: Heatmap handlers: surge lookup, aggregated feed updates and the region view.
package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"swiftdispatch/internal/modules/heatmap"
	"swiftdispatch/internal/types"
)

type HeatmapHandler struct {
	heatmap *heatmap.Service
	log     *slog.Logger
}

func NewHeatmapHandler(svc *heatmap.Service, log *slog.Logger) *HeatmapHandler {
	if log == nil {
		log = slog.Default()
	}
	return &HeatmapHandler{heatmap: svc, log: log}
}

// Surge handles GET /heatmap/surge?lat&lng. A heatmap that cannot be read
// answers with the neutral multiplier.
func (h *HeatmapHandler) Surge(c *gin.Context) {
	p, err := queryPoint(c, "lat", "lng")
	if err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}
	v, err := h.heatmap.SurgeIndex(c.Request.Context(), p)
	if errors.Is(err, heatmap.ErrBadRequest) {
		writeHeatmapError(c, err)
		return
	}
	inZone := false
	if err != nil {
		h.log.Warn("surge lookup failed", "lat", p.Lat, "lng", p.Lng, "err", err)
		v = heatmap.NeutralSurge
	} else if inZone, err = h.heatmap.IsInSurgeZone(c.Request.Context(), p); err != nil {
		h.log.Warn("surge zone lookup failed", "lat", p.Lat, "lng", p.Lng, "err", err)
		inZone = false
	}
	writeJSON(c, http.StatusOK, gin.H{
		"multiplier":  v,
		"location":    p,
		"inSurgeZone": inZone,
	})
}

type feedBody struct {
	Lat         *float64 `json:"lat"`
	Lng         *float64 `json:"lng"`
	OrderCount  int      `json:"orderCount"`
	DriverCount int      `json:"driverCount"`
}

// Update handles POST /heatmap/update.
func (h *HeatmapHandler) Update(c *gin.Context) {
	var body feedBody
	if err := c.ShouldBindJSON(&body); err != nil || body.Lat == nil || body.Lng == nil {
		writeError(c, http.StatusBadRequest, "lat and lng are required")
		return
	}
	p := types.Point{Lat: *body.Lat, Lng: *body.Lng}
	v, err := h.heatmap.UpdateFeed(c.Request.Context(), p, body.OrderCount, body.DriverCount)
	if err != nil {
		writeHeatmapError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"multiplier": v, "location": p})
}

// Region handles GET /heatmap/region?lat&lng&radius.
func (h *HeatmapHandler) Region(c *gin.Context) {
	p, err := queryPoint(c, "lat", "lng")
	if err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}
	radius, err := queryFloatDefault(c, "radius", 3)
	if err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}
	cells, err := h.heatmap.Region(c.Request.Context(), p, radius)
	if err != nil {
		writeHeatmapError(c, err)
		return
	}
	if cells == nil {
		cells = []heatmap.CellStat{}
	}
	writeJSON(c, http.StatusOK, gin.H{"cells": cells, "count": len(cells)})
}
