// Package markers validates the static marker list and places it in
// display space.
package markers

import (
	"errors"
	"fmt"
	"math"

	geom "github.com/peterstace/simplefeatures/geom"

	"github.com/topographica/livemap/internal/config"
	"github.com/topographica/livemap/internal/geo"
	"github.com/topographica/livemap/pkg/core"
	"github.com/topographica/livemap/pkg/streaming"
)

// ErrInvalidMarker is returned for a marker that cannot be drawn.
var ErrInvalidMarker = errors.New("invalid marker")

// FromConfig converts the configured marker list into markers for one
// world. Entries with an empty world apply to every world. Rectangles are
// expanded into polygons.
func FromConfig(world string, cfgs []config.MarkerConfig) ([]core.StaticMarker, error) {
	var out []core.StaticMarker
	for i, c := range cfgs {
		if c.World != "" && c.World != world {
			continue
		}
		m, err := fromConfig(c)
		if err != nil {
			return nil, fmt.Errorf("marker %d: %w", i, err)
		}
		if err := Validate(m); err != nil {
			return nil, fmt.Errorf("marker %d: %w", i, err)
		}
		out = append(out, Expand(m))
	}
	return out, nil
}

func fromConfig(c config.MarkerConfig) (core.StaticMarker, error) {
	pts := make([]core.Position, 0, len(c.Points))
	for j, p := range c.Points {
		if len(p) != 2 {
			return core.StaticMarker{}, fmt.Errorf("%w: point %d needs [x, z]", ErrInvalidMarker, j)
		}
		pts = append(pts, core.Position{X: p[0], Z: p[1]})
	}
	kind := core.MarkerKind(c.Kind)
	if kind == "" {
		kind = core.MarkerPoint
	}
	return core.StaticMarker{
		Kind:    kind,
		Points:  pts,
		Radius:  c.Radius,
		Tooltip: c.Tooltip,
		Style:   c.Style,
	}, nil
}

// Validate checks point counts and radius for the marker kind.
func Validate(m core.StaticMarker) error {
	for _, p := range m.Points {
		if math.IsNaN(p.X) || math.IsNaN(p.Z) || math.IsInf(p.X, 0) || math.IsInf(p.Z, 0) {
			return fmt.Errorf("%w: non-finite coordinate", ErrInvalidMarker)
		}
	}

	n := len(m.Points)
	switch m.Kind {
	case core.MarkerPoint:
		if n != 1 {
			return fmt.Errorf("%w: marker needs 1 point, got %d", ErrInvalidMarker, n)
		}
	case core.MarkerCircle:
		if n != 1 {
			return fmt.Errorf("%w: circle needs 1 centre, got %d", ErrInvalidMarker, n)
		}
		if m.Radius <= 0 {
			return fmt.Errorf("%w: circle radius must be positive", ErrInvalidMarker)
		}
	case core.MarkerPolyline:
		if n < 2 {
			return fmt.Errorf("%w: polyline needs at least 2 points, got %d", ErrInvalidMarker, n)
		}
	case core.MarkerPolygon:
		if n < 3 {
			return fmt.Errorf("%w: polygon needs at least 3 points, got %d", ErrInvalidMarker, n)
		}
	case core.MarkerRectangle:
		if n != 2 {
			return fmt.Errorf("%w: rectangle needs 2 corners, got %d", ErrInvalidMarker, n)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidMarker, m.Kind)
	}
	return nil
}

// Expand turns a rectangle into a four-corner polygon going low,
// (highX, lowZ), high, (lowX, highZ). Other kinds are returned unchanged.
func Expand(m core.StaticMarker) core.StaticMarker {
	if m.Kind != core.MarkerRectangle || len(m.Points) != 2 {
		return m
	}
	a, b := m.Points[0], m.Points[1]
	low := core.Position{X: math.Min(a.X, b.X), Z: math.Min(a.Z, b.Z)}
	high := core.Position{X: math.Max(a.X, b.X), Z: math.Max(a.Z, b.Z)}
	m.Kind = core.MarkerPolygon
	m.Points = []core.Position{
		low,
		{X: high.X, Z: low.Z},
		high,
		{X: low.X, Z: high.Z},
	}
	return m
}

// ToDisplay transforms markers into the form sent to subscribers.
func ToDisplay(tr geo.Transform, ms []core.StaticMarker) []streaming.StaticMarker {
	out := make([]streaming.StaticMarker, 0, len(ms))
	for _, m := range ms {
		out = append(out, streaming.StaticMarker{
			Method:  string(m.Kind),
			Points:  tr.ToDisplayAll(m.Points),
			Radius:  m.Radius,
			Tooltip: m.Tooltip,
			Style:   m.Style,
		})
	}
	return out
}

// Features renders markers as GeoJSON features. Circles become points with
// a radius property.
func Features(tr geo.Transform, ms []core.StaticMarker) []geom.GeoJSONFeature {
	out := make([]geom.GeoJSONFeature, 0, len(ms))
	for i, m := range ms {
		props := map[string]any{"kind": string(m.Kind)}
		if m.Tooltip != "" {
			props["tooltip"] = m.Tooltip
		}
		for k, v := range m.Style {
			props[k] = v
		}
		pts := tr.ToDisplayAll(m.Points)

		switch m.Kind {
		case core.MarkerPolyline:
			out = append(out, geo.LineFeature(i, pts, props))
		case core.MarkerPolygon:
			out = append(out, geo.PolygonFeature(i, pts, props))
		case core.MarkerCircle:
			props["radius"] = m.Radius
			out = append(out, geo.PointFeature(i, pts[0], props))
		default:
			out = append(out, geo.PointFeature(i, pts[0], props))
		}
	}
	return out
}
