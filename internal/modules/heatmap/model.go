// README: Demand/supply heatmap types.
package heatmap

import (
	"errors"

	"swiftdispatch/internal/types"
)

var (
	ErrBadRequest  = errors.New("bad heatmap request")
	ErrUnavailable = errors.New("heatmap unavailable")
)

// NeutralSurge is returned for cells without history and whenever the
// heatmap cannot be read.
const NeutralSurge = 1.0

// CellStat summarizes one grid cell for the region view.
type CellStat struct {
	Cell              string      `json:"cell"`
	Center            types.Point `json:"center"`
	OrderInflowRate   float64     `json:"orderInflowRate"`
	AvailableCouriers int64       `json:"availableCouriers"`
	SurgeIndex        float64     `json:"surgeIndex"`
	AvgETAMinutes     float64     `json:"avgEta"`
}
