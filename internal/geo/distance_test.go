package geo

import (
	"context"
	"math"
	"testing"

	"swiftdispatch/internal/types"
)

func TestHaversineKm_KnownDistances(t *testing.T) {
	tests := []struct {
		name      string
		a, b      types.Point
		wantKm    float64
		tolerance float64
	}{
		{
			name:      "same point",
			a:         types.Point{Lat: 25.033, Lng: 121.565},
			b:         types.Point{Lat: 25.033, Lng: 121.565},
			wantKm:    0,
			tolerance: 0.001,
		},
		{
			name:      "Taipei 101 to Taipei Main Station",
			a:         types.Point{Lat: 25.0340, Lng: 121.5645},
			b:         types.Point{Lat: 25.0478, Lng: 121.5170},
			wantKm:    5.0,
			tolerance: 0.5,
		},
		{
			name:      "New York to Los Angeles (~3944km)",
			a:         types.Point{Lat: 40.7128, Lng: -74.0060},
			b:         types.Point{Lat: 34.0522, Lng: -118.2437},
			wantKm:    3944,
			tolerance: 50,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := HaversineKm(tt.a, tt.b)
			if math.Abs(got-tt.wantKm) > tt.tolerance {
				t.Errorf("HaversineKm() = %f, want %f (±%f)", got, tt.wantKm, tt.tolerance)
			}
		})
	}
}

func TestHaversineKm_Symmetry(t *testing.T) {
	a := types.Point{Lat: 25.0, Lng: 121.0}
	b := types.Point{Lat: 26.0, Lng: 122.0}
	if d1, d2 := HaversineKm(a, b), HaversineKm(b, a); math.Abs(d1-d2) > 0.0001 {
		t.Errorf("haversine is not symmetric: %f vs %f", d1, d2)
	}
}

func TestDestinationRoundTrip(t *testing.T) {
	origin := types.Point{Lat: 25.0330, Lng: 121.5654}
	for bearing := 0.0; bearing < 360; bearing += 45 {
		p := Destination(origin, bearing, 2.5)
		if d := HaversineKm(origin, p); math.Abs(d-2.5) > 1e-6 {
			t.Errorf("bearing %.0f: distance %f, want 2.5", bearing, d)
		}
	}
}

func TestGreatCircleDistancer(t *testing.T) {
	a := types.Point{Lat: 25.0340, Lng: 121.5645}
	b := types.Point{Lat: 25.0478, Lng: 121.5170}
	got, err := GreatCircle{}.DistanceKm(context.Background(), a, b)
	if err != nil {
		t.Fatalf("DistanceKm: %v", err)
	}
	if got != HaversineKm(a, b) {
		t.Fatalf("DistanceKm = %f, want %f", got, HaversineKm(a, b))
	}
}
