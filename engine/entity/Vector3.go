package entity

import (
	"fmt"
)

// Coord is one coordinate of an entity position; cells partition the X and Z axes
type Coord float32

// Yaw is the type of entity Yaw
type Yaw float32

// Vector3 is type of entity position
type Vector3 struct {
	X Coord
	Y Coord
	Z Coord
}

func (p Vector3) String() string {
	return fmt.Sprintf("(%.2f, %.2f, %.2f)", p.X, p.Y, p.Z)
}
