// README: Hexagonal grid (H3) used to bucket couriers and demand into cells.
package geo

import (
	"math"

	"github.com/uber/h3-go/v4"

	"swiftdispatch/internal/types"
)

// Average hexagon edge length in km per resolution.
var avgEdgeKm = [...]float64{
	1281.256011, 483.0568391, 182.5129565, 68.97922179,
	26.07175968, 9.854090990, 3.724532667, 1.406475763,
	0.531414010, 0.200786148, 0.075863783, 0.028673973,
	0.010830188, 0.004092010, 0.001546100, 0.000584169,
}

// Cells near pentagons and at high latitudes are smaller than the
// average; ring counts are sized against this fraction of the mean edge.
const minEdgeFactor = 0.75

type Grid struct {
	res int
}

func NewGrid(resolution int) Grid {
	if resolution < 0 {
		resolution = 0
	}
	if resolution > 15 {
		resolution = 15
	}
	return Grid{res: resolution}
}

func (g Grid) Resolution() int { return g.res }

func (g Grid) EdgeKm() float64 { return avgEdgeKm[g.res] }

// Cell returns the cell id containing p.
func (g Grid) Cell(p types.Point) string {
	return h3.LatLngToCell(h3.NewLatLng(p.Lat, p.Lng), g.res).String()
}

// Disk returns the cell containing p plus every cell within k rings of it.
func (g Grid) Disk(p types.Point, k int) []string {
	origin := h3.LatLngToCell(h3.NewLatLng(p.Lat, p.Lng), g.res)
	cells := h3.GridDisk(origin, k)
	out := make([]string, 0, len(cells))
	for _, c := range cells {
		out = append(out, c.String())
	}
	return out
}

// Center returns the centroid of a cell id produced by this grid.
func (g Grid) Center(cell string) types.Point {
	ll := h3.CellToLatLng(h3.Cell(h3.IndexFromString(cell)))
	return types.Point{Lat: ll.Lat, Lng: ll.Lng}
}

// RingsFor returns the smallest ring count whose disk covers every point
// within radiusKm of any location inside the origin cell.
func (g Grid) RingsFor(radiusKm float64) int {
	if radiusKm <= 0 {
		return 0
	}
	edge := avgEdgeKm[g.res] * minEdgeFactor
	step := math.Sqrt(3) * edge
	k := int(math.Ceil((radiusKm + avgEdgeKm[g.res]) / step))
	if k < 1 {
		k = 1
	}
	return k
}
