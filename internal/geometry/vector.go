package geometry

import "github.com/golang/geo/r3"

// Vector is a position or displacement in metres. It is used for world
// positions, relative observations and setpoints alike.
type Vector = r3.Vector

// NewVector returns a Vector from its components
func NewVector(x, y, z float64) Vector {
	return r3.Vector{X: x, Y: y, Z: z}
}

// NEDToENU converts a vector expressed in North-East-Down axes into
// East-North-Up axes.
func NEDToENU(v Vector) Vector {
	return Vector{X: v.Y, Y: v.X, Z: -v.Z}
}

// ENUToNED converts a vector expressed in East-North-Up axes into
// North-East-Down axes. The swap is its own inverse.
func ENUToNED(v Vector) Vector {
	return Vector{X: v.Y, Y: v.X, Z: -v.Z}
}
