package vision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/roman-kulish/offboard-control/internal/geometry"
)

// ErrTooManyParseErrors is returned when the number of consecutive parse errors exceeds the threshold
var ErrTooManyParseErrors = errors.New("too many consecutive parse errors")

// ErrNotFinite is returned for observations carrying NaN or infinite coordinates
var ErrNotFinite = errors.New("coordinate is not a finite number")

// Handler receives a target position relative to the camera, in the sensor frame
type Handler func(observation geometry.Vector)

// Source produces observations until ctx is done or it fails
type Source interface {
	Run(ctx context.Context) error
}

type observation struct {
	X *float64 `json:"x"`
	Y *float64 `json:"y"`
	Z *float64 `json:"z"`
}

// ParseJSON decodes a {"x":..,"y":..,"z":..} observation. All three
// coordinates are required.
func ParseJSON(b []byte) (geometry.Vector, error) {
	var o observation
	if err := json.Unmarshal(b, &o); err != nil {
		return geometry.Vector{}, fmt.Errorf("invalid observation: %w", err)
	}
	if o.X == nil || o.Y == nil || o.Z == nil {
		return geometry.Vector{}, errors.New("invalid observation: x, y and z are required")
	}
	return geometry.NewVector(*o.X, *o.Y, *o.Z), nil
}

// ParseCSV decodes an "x,y,z" observation line
func ParseCSV(line string) (geometry.Vector, error) {
	parts := strings.Split(strings.TrimSpace(line), ",")
	if len(parts) != 3 {
		return geometry.Vector{}, fmt.Errorf("expected 3 fields, got %d", len(parts))
	}

	var v [3]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return geometry.Vector{}, fmt.Errorf("field %d: %w", i+1, err)
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return geometry.Vector{}, fmt.Errorf("field %d: %w", i+1, ErrNotFinite)
		}
		v[i] = f
	}

	return geometry.NewVector(v[0], v[1], v[2]), nil
}
