package geo

import (
	"math"
	"testing"

	"github.com/example/carpool/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestHaversineOneDegreeOfLatitude(t *testing.T) {
	d := Haversine(0, 0, 1, 0)
	if math.Abs(d-111195) > 50 {
		t.Fatalf("expected ~111195m, got %f", d)
	}
}

func TestValid(t *testing.T) {
	cases := []struct {
		c    models.Coord
		want bool
	}{
		{models.Coord{Lat: 48.85, Lon: 2.35}, true},
		{models.Coord{Lat: -90, Lon: 180}, true},
		{models.Coord{Lat: 90.1, Lon: 0}, false},
		{models.Coord{Lat: 0, Lon: -180.5}, false},
		{models.Coord{Lat: math.NaN(), Lon: 0}, false},
	}
	for _, tc := range cases {
		if got := Valid(tc.c); got != tc.want {
			t.Errorf("Valid(%+v) = %v, want %v", tc.c, got, tc.want)
		}
	}
}

func TestDistanceMetersNeedsBothEnds(t *testing.T) {
	if _, ok := DistanceMeters(&models.Coord{}, nil); ok {
		t.Fatal("expected no distance with a missing end")
	}
	if d, ok := DistanceMeters(&models.Coord{}, &models.Coord{}); !ok || d != 0 {
		t.Fatalf("expected 0 distance, got %f ok=%v", d, ok)
	}
}
