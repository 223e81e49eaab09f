package geo

import (
	geom "github.com/peterstace/simplefeatures/geom"

	"github.com/topographica/livemap/pkg/core"
)

// GeoJSON output puts lng on X and lat on Y, as the format requires.

func toXY(p core.DisplayPoint) geom.XY {
	return geom.XY{X: p.Lng, Y: p.Lat}
}

func toSequence(pts []core.DisplayPoint, closeRing bool) geom.Sequence {
	flat := make([]float64, 0, (len(pts)+1)*2)
	for _, p := range pts {
		flat = append(flat, p.Lng, p.Lat)
	}
	if closeRing && len(pts) > 0 && pts[0] != pts[len(pts)-1] {
		flat = append(flat, pts[0].Lng, pts[0].Lat)
	}
	return geom.NewSequence(flat, geom.DimXY)
}

// PointFeature builds a GeoJSON point feature.
func PointFeature(id any, p core.DisplayPoint, props map[string]any) geom.GeoJSONFeature {
	pt := geom.NewPoint(geom.Coordinates{XY: toXY(p), Type: geom.DimXY})
	return geom.GeoJSONFeature{ID: id, Geometry: pt.AsGeometry(), Properties: props}
}

// LineFeature builds a GeoJSON line string feature.
func LineFeature(id any, pts []core.DisplayPoint, props map[string]any) geom.GeoJSONFeature {
	ls := geom.NewLineString(toSequence(pts, false))
	return geom.GeoJSONFeature{ID: id, Geometry: ls.AsGeometry(), Properties: props}
}

// PolygonFeature builds a GeoJSON polygon feature from an outer ring. The
// ring is closed if the last point does not repeat the first.
func PolygonFeature(id any, pts []core.DisplayPoint, props map[string]any) geom.GeoJSONFeature {
	ring := geom.NewLineString(toSequence(pts, true))
	poly := geom.NewPolygon([]geom.LineString{ring})
	return geom.GeoJSONFeature{ID: id, Geometry: poly.AsGeometry(), Properties: props}
}

// FeatureCollection wraps features for JSON encoding. A nil slice encodes as
// an empty collection.
func FeatureCollection(features []geom.GeoJSONFeature) geom.GeoJSONFeatureCollection {
	if features == nil {
		features = []geom.GeoJSONFeature{}
	}
	return geom.GeoJSONFeatureCollection(features)
}
