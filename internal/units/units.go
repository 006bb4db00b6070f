// Package units provides shared constants and conversion for angle units.
// Transforms are stored and solved in radians; operators may read and enter
// degrees.
package units

import (
	"fmt"
	"math"
	"strings"
)

// Unit constants
const (
	Radians = "rad"
	Degrees = "deg"
)

// ValidUnits contains all valid unit values
var ValidUnits = []string{Radians, Degrees}

// IsValid checks if the given unit is in the list of valid units
func IsValid(unit string) bool {
	for _, validUnit := range ValidUnits {
		if unit == validUnit {
			return true
		}
	}
	return false
}

// GetValidUnitsString returns a comma-separated string of valid units for error messages
func GetValidUnitsString() string {
	return strings.Join(ValidUnits, ", ")
}

// Validate returns an error naming the valid units when unit is not one.
func Validate(unit string) error {
	if !IsValid(unit) {
		return fmt.Errorf("invalid angle units %q (valid: %s)", unit, GetValidUnitsString())
	}
	return nil
}

// ToDegrees converts radians to degrees.
func ToDegrees(rad float64) float64 { return rad * 180 / math.Pi }

// ToRadians converts degrees to radians.
func ToRadians(deg float64) float64 { return deg * math.Pi / 180 }

// FromRadians converts an angle in radians to the target units.
func FromRadians(rad float64, targetUnits string) float64 {
	if targetUnits == Degrees {
		return ToDegrees(rad)
	}
	return rad
}

// ToRadiansFrom converts an angle given in units to radians. Unknown units are
// taken as radians.
func ToRadiansFrom(angle float64, units string) float64 {
	if units == Degrees {
		return ToRadians(angle)
	}
	return angle
}
