package directory

import (
	"fmt"
	"math"
)

// Rect is a region on the XZ plane. MinX/MinZ are inclusive, MaxX/MaxZ exclusive
type Rect struct {
	MinX, MinZ, MaxX, MaxZ float32
}

func (r Rect) String() string {
	return fmt.Sprintf("[%.1f,%.1f)x[%.1f,%.1f)", r.MinX, r.MaxX, r.MinZ, r.MaxZ)
}

// IsValid returns if the rect has a positive area
func (r Rect) IsValid() bool {
	return r.MinX < r.MaxX && r.MinZ < r.MaxZ
}

// Contains returns if the point is inside the rect
func (r Rect) Contains(x, z float32) bool {
	return x >= r.MinX && x < r.MaxX && z >= r.MinZ && z < r.MaxZ
}

// DistanceTo returns the distance from the point to the rect, 0 if inside
func (r Rect) DistanceTo(x, z float32) float32 {
	dx := axisDistance(x, r.MinX, r.MaxX)
	dz := axisDistance(z, r.MinZ, r.MaxZ)
	return float32(math.Sqrt(float64(dx*dx + dz*dz)))
}

// DistanceToRect returns the gap between two rects, 0 if they touch or overlap
func (r Rect) DistanceToRect(o Rect) float32 {
	dx := gap(r.MinX, r.MaxX, o.MinX, o.MaxX)
	dz := gap(r.MinZ, r.MaxZ, o.MinZ, o.MaxZ)
	return float32(math.Sqrt(float64(dx*dx + dz*dz)))
}

func axisDistance(v, min, max float32) float32 {
	if v < min {
		return min - v
	} else if v > max {
		return v - max
	}
	return 0
}

func gap(min1, max1, min2, max2 float32) float32 {
	if max1 < min2 {
		return min2 - max1
	} else if max2 < min1 {
		return min1 - max2
	}
	return 0
}
