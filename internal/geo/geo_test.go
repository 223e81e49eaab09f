package geo

import (
	"errors"
	"math"
	"testing"

	"github.com/topographica/livemap/pkg/core"
)

func TestNewTransform(t *testing.T) {
	for _, name := range []string{"", "simple", "SIMPLE", "epsg4326"} {
		if _, err := NewTransform(name); err != nil {
			t.Fatalf("NewTransform(%q): %v", name, err)
		}
	}

	_, err := NewTransform("mercator")
	if !errors.Is(err, ErrUnknownProjection) {
		t.Fatalf("expected ErrUnknownProjection, got %v", err)
	}
}

func TestSimpleToDisplay(t *testing.T) {
	tr, _ := NewTransform("simple")
	cases := []struct {
		in   core.Position
		want core.DisplayPoint
	}{
		{core.Position{X: 10, Z: 20}, core.DisplayPoint{Lat: -20, Lng: 10}},
		{core.Position{X: -5, Z: -7}, core.DisplayPoint{Lat: 7, Lng: -5}},
		{core.Position{}, core.DisplayPoint{}},
	}
	for _, c := range cases {
		if got := tr.ToDisplay(c.in); got != c.want {
			t.Errorf("ToDisplay(%v) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestZeroTransformIsSimple(t *testing.T) {
	var tr Transform
	if tr.Projection() != ProjectionSimple {
		t.Fatalf("got %s", tr.Projection())
	}
	got := tr.ToDisplay(core.Position{X: 1, Z: 2})
	if got != (core.DisplayPoint{Lat: -2, Lng: 1}) {
		t.Fatalf("got %v", got)
	}
}

func TestEPSG4326ToDisplay(t *testing.T) {
	tr, err := NewTransform("epsg4326")
	if err != nil {
		t.Fatal(err)
	}
	if got := tr.ToDisplay(core.Position{}); math.Abs(got.Lat) > 1e-9 || math.Abs(got.Lng) > 1e-9 {
		t.Fatalf("origin should map to 0,0, got %v", got)
	}

	// east is +x, north is -z
	p := tr.ToDisplay(core.Position{X: 1000, Z: -1000})
	if p.Lng <= 0 || p.Lat <= 0 {
		t.Fatalf("expected north-east quadrant, got %v", p)
	}
	if p.Lng > 0.01 || p.Lat > 0.01 {
		t.Fatalf("1km should stay well under 0.01 degrees, got %v", p)
	}
}

func TestToDisplayAll(t *testing.T) {
	var tr Transform
	got := tr.ToDisplayAll([]core.Position{{X: 1, Z: 1}, {X: 2, Z: 3}})
	if len(got) != 2 || got[1] != (core.DisplayPoint{Lat: -3, Lng: 2}) {
		t.Fatalf("unexpected %v", got)
	}
}
