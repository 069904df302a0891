package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"swiftdispatch/internal/geo"
	"swiftdispatch/internal/modules/heatmap"
	"swiftdispatch/internal/types"
)

var errRedisDown = errors.New("redis: connection refused")

// downStore fails every heatmap read and write.
type downStore struct{}

func (downStore) RecordOrder(context.Context, string, string, time.Time, time.Duration) error {
	return errRedisDown
}
func (downStore) OrderCount(context.Context, string, time.Time) (int64, error) {
	return 0, errRedisDown
}
func (downStore) SetAvailability(context.Context, string, types.ID, bool) error { return errRedisDown }
func (downStore) AvailableCount(context.Context, string) (int64, error)          { return 0, errRedisDown }
func (downStore) SetReportedSupply(context.Context, string, int, time.Duration) error {
	return errRedisDown
}
func (downStore) ReportedSupply(context.Context, string) (int64, error) { return 0, errRedisDown }
func (downStore) CachedSurge(context.Context, string) (float64, bool, error) {
	return 0, false, errRedisDown
}
func (downStore) CacheSurge(context.Context, string, float64, time.Duration) error { return errRedisDown }
func (downStore) InvalidateSurge(context.Context, string) error                     { return errRedisDown }

func surgeRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	svc := heatmap.NewService(downStore{}, geo.NewGrid(8), heatmap.Config{}, nil, nil)
	h := NewHeatmapHandler(svc, nil)
	r := gin.New()
	r.GET("/heatmap/surge", h.Surge)
	return r
}

func TestSurgeDegradesToNeutral(t *testing.T) {
	w := httptest.NewRecorder()
	surgeRouter().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/heatmap/surge?lat=12.9716&lng=77.5946", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var resp struct {
		Multiplier  float64 `json:"multiplier"`
		InSurgeZone bool    `json:"inSurgeZone"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Multiplier != heatmap.NeutralSurge || resp.InSurgeZone {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestSurgeStillRejectsBadPoint(t *testing.T) {
	w := httptest.NewRecorder()
	surgeRouter().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/heatmap/surge?lat=95&lng=77.5946", nil))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
}
