package geo

import (
	"errors"
	"sort"

	"rideflow/internal/types"
)

var ErrInvalidPolygon = errors.New("polygon needs at least 3 valid vertices")

// Polygon is a closed ring of vertices; the closing edge is implicit.
type Polygon struct {
	vertices []types.Point
}

func NewPolygon(points []types.Point) (Polygon, error) {
	if len(points) < 3 {
		return Polygon{}, ErrInvalidPolygon
	}
	for _, p := range points {
		if !p.Valid() {
			return Polygon{}, ErrInvalidPolygon
		}
	}
	// drop an explicit closing vertex if the caller supplied one
	if len(points) > 3 && points[0] == points[len(points)-1] {
		points = points[:len(points)-1]
	}
	v := make([]types.Point, len(points))
	copy(v, points)
	return Polygon{vertices: v}, nil
}

func (p Polygon) Vertices() []types.Point {
	out := make([]types.Point, len(p.vertices))
	copy(out, p.vertices)
	return out
}

// Contains reports whether pt lies inside the polygon using ray casting on
// the lat/lng plane. Points on an edge may fall either way.
func (p Polygon) Contains(pt types.Point) bool {
	n := len(p.vertices)
	if n < 3 {
		return false
	}
	inside := false
	j := n - 1
	for i := 0; i < n; i++ {
		vi, vj := p.vertices[i], p.vertices[j]
		if (vi.Lat > pt.Lat) != (vj.Lat > pt.Lat) {
			crossLng := (vj.Lng-vi.Lng)*(pt.Lat-vi.Lat)/(vj.Lat-vi.Lat) + vi.Lng
			if pt.Lng < crossLng {
				inside = !inside
			}
		}
		j = i
	}
	return inside
}

// Zone is a geofenced area carrying its own fare multiplier.
type Zone struct {
	ID             types.ID
	Name           string
	Polygon        Polygon
	FareMultiplier float64
	Priority       int
	Active         bool
}

// ZoneMultiplier returns the multiplier of the first active zone, in
// priority order, containing pt. Without a match it returns 1.0.
func ZoneMultiplier(zones []Zone, pt types.Point) float64 {
	if z, ok := FindZone(zones, pt); ok {
		return z.FareMultiplier
	}
	return 1.0
}

func FindZone(zones []Zone, pt types.Point) (Zone, bool) {
	ordered := make([]Zone, 0, len(zones))
	for _, z := range zones {
		if z.Active && z.FareMultiplier > 0 {
			ordered = append(ordered, z)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Priority < ordered[j].Priority })
	for _, z := range ordered {
		if z.Polygon.Contains(pt) {
			return z, true
		}
	}
	return Zone{}, false
}
