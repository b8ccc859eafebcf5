package gps

import (
	"fmt"
	"math"

	"github.com/go-playground/validator/v10"
)

const (
	MinLatitude  = -90.0
	MaxLatitude  = 90.0
	MinLongitude = -180.0
	MaxLongitude = 180.0
)

// Position is a single WGS84 fix as exchanged on the position topic.
type Position struct {
	Latitude        float64 `json:"latitude" validate:"min=-90,max=90"`     // decimal degrees
	Longitude       float64 `json:"longitude" validate:"min=-180,max=180"` // decimal degrees
	TimestampMillis int64   `json:"timestampMillis"`                       // unix epoch, ms
}

var validate = validator.New()

// NewPosition builds a Position and rejects out-of-range coordinates.
func NewPosition(lat, lng float64, timestampMillis int64) (Position, error) {
	p := Position{Latitude: lat, Longitude: lng, TimestampMillis: timestampMillis}
	if err := p.Validate(); err != nil {
		return Position{}, err
	}
	return p, nil
}

// Validate checks latitude is within [-90,90] and longitude within [-180,180].
func (p Position) Validate() error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("position (%v, %v) out of range: %w", p.Latitude, p.Longitude, err)
	}
	return nil
}

// Rounded returns p with both coordinates rounded to 6 decimal places.
func (p Position) Rounded() Position {
	p.Latitude = Round6(p.Latitude)
	p.Longitude = Round6(p.Longitude)
	return p
}

// Offset moves p by the given degrees, clamps to the valid range and rounds
// the result to 6 decimals. The timestamp is left untouched.
func (p Position) Offset(dLat, dLng float64) Position {
	lat, lng := Clamp(p.Latitude+dLat, p.Longitude+dLng)
	p.Latitude = Round6(lat)
	p.Longitude = Round6(lng)
	return p
}

func (p Position) String() string {
	return fmt.Sprintf("(%.6f, %.6f @%d)", p.Latitude, p.Longitude, p.TimestampMillis)
}

// Round6 rounds x to 6 decimal places (~0.1 m).
func Round6(x float64) float64 {
	return math.Round(x*1e6) / 1e6
}

// Clamp limits lat to [-90,90] and lng to [-180,180].
func Clamp(lat, lng float64) (float64, float64) {
	return math.Max(MinLatitude, math.Min(MaxLatitude, lat)),
		math.Max(MinLongitude, math.Min(MaxLongitude, lng))
}
