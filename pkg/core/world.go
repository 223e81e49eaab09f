// pkg/core/world.go
package core

// World is a map that players can be displayed on.
type World struct {
	FolderName  string
	DisplayName string
	// Origin is the block the map is centred on.
	Origin Position
}

// StaticMarker is a fixed shape placed on the map from configuration.
type StaticMarker struct {
	Kind    MarkerKind
	Points  []Position
	Radius  float64 // circles only
	Tooltip string
	Style   map[string]any
}

// MarkerKind is the shape of a static marker.
type MarkerKind string

const (
	MarkerPoint     MarkerKind = "marker"
	MarkerCircle    MarkerKind = "circle"
	MarkerPolyline  MarkerKind = "polyline"
	MarkerPolygon   MarkerKind = "polygon"
	MarkerRectangle MarkerKind = "rectangle"
)
