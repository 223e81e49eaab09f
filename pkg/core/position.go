// pkg/core/position.go
package core

// Position is a point in world space, in blocks. The vertical axis is not
// tracked.
type Position struct {
	X float64 `json:"x"`
	Z float64 `json:"z"`
}

// DisplayPoint is a point in display space after the world transform has
// been applied.
type DisplayPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}
