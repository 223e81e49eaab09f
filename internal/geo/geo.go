package geo

import (
	"errors"
	"fmt"
	"strings"

	"github.com/wroge/wgs84"

	"github.com/topographica/livemap/pkg/core"
)

// ErrUnknownProjection is returned for a projection name that is not supported.
var ErrUnknownProjection = errors.New("unknown projection")

// Projection names the world -> display mapping.
type Projection string

const (
	// ProjectionSimple maps block (x, z) to (lat = -z, lng = x), the flat
	// CRS the tile viewer uses.
	ProjectionSimple Projection = "simple"

	// ProjectionEPSG4326 reads blocks as EPSG:3857 metres (east = x,
	// north = -z) and converts them to WGS84 lon/lat for GIS viewers.
	ProjectionEPSG4326 Projection = "epsg4326"
)

// Transform converts world positions to display points. The zero value is
// the simple projection.
type Transform struct {
	projection Projection
	toLonLat   wgs84.Func
}

// NewTransform returns the transform for the named projection.
// An empty name selects the simple projection.
func NewTransform(name string) (Transform, error) {
	switch Projection(strings.ToLower(name)) {
	case "", ProjectionSimple:
		return Transform{projection: ProjectionSimple}, nil
	case ProjectionEPSG4326:
		return Transform{
			projection: ProjectionEPSG4326,
			toLonLat:   wgs84.EPSG().Transform(3857, 4326),
		}, nil
	default:
		return Transform{}, fmt.Errorf("%w: %q", ErrUnknownProjection, name)
	}
}

// Projection returns the projection this transform applies.
func (t Transform) Projection() Projection {
	if t.projection == "" {
		return ProjectionSimple
	}
	return t.projection
}

// ToDisplay converts a world position to display space.
func (t Transform) ToDisplay(p core.Position) core.DisplayPoint {
	if t.toLonLat == nil {
		return core.DisplayPoint{Lat: -p.Z, Lng: p.X}
	}
	lon, lat, _ := t.toLonLat(p.X, -p.Z, 0)
	return core.DisplayPoint{Lat: lat, Lng: lon}
}

// ToDisplayAll converts a list of positions, preserving order.
func (t Transform) ToDisplayAll(ps []core.Position) []core.DisplayPoint {
	out := make([]core.DisplayPoint, len(ps))
	for i, p := range ps {
		out[i] = t.ToDisplay(p)
	}
	return out
}
