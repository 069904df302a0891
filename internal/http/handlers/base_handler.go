// README: Base handler utilities (JSON helpers, query parsing, error mapping).
package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"swiftdispatch/internal/modules/assignment"
	"swiftdispatch/internal/modules/eta"
	"swiftdispatch/internal/modules/heatmap"
	"swiftdispatch/internal/modules/location"
	"swiftdispatch/internal/modules/matching"
	"swiftdispatch/internal/types"
)

type errorResponse struct {
	Error string `json:"error"`
}

// isValidID accepts up to 64 characters of letters, digits, '-' and '_'.
func isValidID(v string) bool {
	if v == "" || len(v) > 64 {
		return false
	}
	for _, c := range v {
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '-' || c == '_' {
			continue
		}
		return false
	}
	return true
}

func writeJSON(c *gin.Context, status int, v any) {
	c.JSON(status, v)
}

func writeError(c *gin.Context, status int, msg string) {
	writeJSON(c, status, errorResponse{Error: msg})
}

func pathID(c *gin.Context) (types.ID, bool) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid id")
		return "", false
	}
	return types.ID(id), true
}

func queryFloat(c *gin.Context, name string) (float64, error) {
	raw := c.Query(name)
	if raw == "" {
		return 0, fmt.Errorf("missing %s", name)
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s", name)
	}
	return v, nil
}

func queryFloatDefault(c *gin.Context, name string, def float64) (float64, error) {
	if c.Query(name) == "" {
		return def, nil
	}
	return queryFloat(c, name)
}

func queryPoint(c *gin.Context, latName, lngName string) (types.Point, error) {
	lat, err := queryFloat(c, latName)
	if err != nil {
		return types.Point{}, err
	}
	lng, err := queryFloat(c, lngName)
	if err != nil {
		return types.Point{}, err
	}
	p := types.Point{Lat: lat, Lng: lng}
	if !p.Valid() {
		return types.Point{}, fmt.Errorf("%s/%s out of range", latName, lngName)
	}
	return p, nil
}

func writeLocationError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, location.ErrBadRequest):
		writeError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, location.ErrNotFound):
		writeError(c, http.StatusNotFound, "courier not found")
	case errors.Is(err, location.ErrConflict):
		writeError(c, http.StatusConflict, err.Error())
	case errors.Is(err, location.ErrUnavailable):
		writeError(c, http.StatusServiceUnavailable, "index unavailable")
	default:
		writeError(c, http.StatusInternalServerError, "internal error")
	}
}

func writeETAError(c *gin.Context, err error) {
	if errors.Is(err, eta.ErrBadRequest) {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}
	writeError(c, http.StatusInternalServerError, "internal error")
}

func writeHeatmapError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, heatmap.ErrBadRequest):
		writeError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, heatmap.ErrUnavailable):
		writeError(c, http.StatusServiceUnavailable, "heatmap unavailable")
	default:
		writeError(c, http.StatusInternalServerError, "internal error")
	}
}

func writeMatchingError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, matching.ErrBadRequest):
		writeError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, matching.ErrNoCandidate):
		writeError(c, http.StatusNotFound, matching.ErrNoCandidate.Error())
	case errors.Is(err, matching.ErrOrderNotFound):
		writeError(c, http.StatusNotFound, "order not found")
	case errors.Is(err, matching.ErrOrderNotAssignable):
		writeError(c, http.StatusConflict, err.Error())
	default:
		writeAssignmentError(c, err)
	}
}

func writeAssignmentError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, assignment.ErrBadRequest):
		writeError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, assignment.ErrNotFound):
		writeError(c, http.StatusNotFound, "delivery not found or not assigned to this courier")
	case errors.Is(err, assignment.ErrCourierNotFound):
		writeError(c, http.StatusNotFound, err.Error())
	case errors.Is(err, assignment.ErrInvalidState),
		errors.Is(err, assignment.ErrConflict),
		errors.Is(err, assignment.ErrAlreadyAssigned),
		errors.Is(err, assignment.ErrCommitFailed):
		writeError(c, http.StatusConflict, err.Error())
	default:
		writeError(c, http.StatusInternalServerError, "internal error")
	}
}
