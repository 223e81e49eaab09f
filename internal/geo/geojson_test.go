package geo

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/topographica/livemap/pkg/core"
)

func TestPointFeature(t *testing.T) {
	f := PointFeature("alice", core.DisplayPoint{Lat: -20, Lng: 10}, map[string]any{"name": "alice"})

	data, err := json.Marshal(f)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"coordinates":[10,-20]`)
	assert.Contains(t, string(data), `"id":"alice"`)
}

func TestPolygonFeature_ClosesRing(t *testing.T) {
	pts := []core.DisplayPoint{{Lat: 0, Lng: 0}, {Lat: 0, Lng: 1}, {Lat: 1, Lng: 1}}
	f := PolygonFeature(1, pts, nil)

	poly, ok := f.Geometry.AsPolygon()
	require.True(t, ok)
	ring := poly.ExteriorRing()
	assert.Equal(t, 4, ring.Coordinates().Length())
	assert.True(t, ring.IsClosed())
}

func TestLineFeature(t *testing.T) {
	f := LineFeature(2, []core.DisplayPoint{{Lat: 0, Lng: 0}, {Lat: -10, Lng: 10}}, nil)

	ls, ok := f.Geometry.AsLineString()
	require.True(t, ok)
	assert.Equal(t, 2, ls.Coordinates().Length())
}

func TestFeatureCollection_Empty(t *testing.T) {
	data, err := json.Marshal(FeatureCollection(nil))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"FeatureCollection","features":[]}`, string(data))
}
