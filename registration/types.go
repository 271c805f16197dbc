// Package registration implements a loop-based registration pipeline for
// ordered sequences of 3D point-cloud frames. The sequence is partitioned
// into loops bounded by widely spaced edge frames; edges are aligned
// globally first, each loop's inner frames are then aligned relative to its
// edges, and an optional two-pass loop-closure correction redistributes the
// remaining drift before all per-loop results are aggregated into one
// global transform sequence.
package registration

import (
	"math"

	"github.com/golang/geo/r3"
)

// PointCloud is an ordered set of 3D points. Clouds handed to the pipeline
// are treated as immutable; operations that move points return a new cloud.
type PointCloud struct {
	Points []r3.Vector
}

// NewPointCloud wraps the given points without copying.
func NewPointCloud(points []r3.Vector) *PointCloud {
	return &PointCloud{Points: points}
}

// Len returns the number of points in the cloud.
func (c *PointCloud) Len() int {
	if c == nil {
		return 0
	}
	return len(c.Points)
}

// Clone returns a deep copy of the cloud.
func (c *PointCloud) Clone() *PointCloud {
	if c == nil {
		return nil
	}
	points := make([]r3.Vector, len(c.Points))
	copy(points, c.Points)
	return &PointCloud{Points: points}
}

// Centroid returns the mean of all points, or the zero vector for an empty
// cloud.
func (c *PointCloud) Centroid() r3.Vector {
	if c.Len() == 0 {
		return r3.Vector{}
	}
	var sum r3.Vector
	for _, p := range c.Points {
		sum = sum.Add(p)
	}
	return sum.Mul(1.0 / float64(len(c.Points)))
}

// Bounds returns the axis-aligned bounding box of the cloud. For an empty
// cloud both corners are the zero vector.
func (c *PointCloud) Bounds() (min, max r3.Vector) {
	if c.Len() == 0 {
		return r3.Vector{}, r3.Vector{}
	}
	min = r3.Vector{X: math.MaxFloat64, Y: math.MaxFloat64, Z: math.MaxFloat64}
	max = r3.Vector{X: -math.MaxFloat64, Y: -math.MaxFloat64, Z: -math.MaxFloat64}
	for _, p := range c.Points {
		if p.X < min.X {
			min.X = p.X
		}
		if p.Y < min.Y {
			min.Y = p.Y
		}
		if p.Z < min.Z {
			min.Z = p.Z
		}
		if p.X > max.X {
			max.X = p.X
		}
		if p.Y > max.Y {
			max.Y = p.Y
		}
		if p.Z > max.Z {
			max.Z = p.Z
		}
	}
	return min, max
}

// Transformed returns a copy of the cloud with t applied to every point.
func (c *PointCloud) Transformed(t Transform) *PointCloud {
	if c == nil {
		return nil
	}
	points := make([]r3.Vector, len(c.Points))
	for i, p := range c.Points {
		points[i] = t.Apply(p)
	}
	return &PointCloud{Points: points}
}

// Frame is a point cloud plus its index in the global frame sequence.
// Frames are immutable once read from a FrameSource.
type Frame struct {
	Index int
	Cloud *PointCloud
}

// Transformed returns a copy of the frame with t applied to its cloud.
func (f Frame) Transformed(t Transform) Frame {
	return Frame{Index: f.Index, Cloud: f.Cloud.Transformed(t)}
}

// KeypointsFrame is the keypoint subset of a frame, carried alongside
// transforms as they are refined through the registration stages.
type KeypointsFrame struct {
	Index  int
	Points []r3.Vector
}

// Transformed returns a copy of the keypoints with t applied.
func (k KeypointsFrame) Transformed(t Transform) KeypointsFrame {
	points := make([]r3.Vector, len(k.Points))
	for i, p := range k.Points {
		points[i] = t.Apply(p)
	}
	return KeypointsFrame{Index: k.Index, Points: points}
}

// Centroid returns the mean of the keypoints, or the zero vector when the
// frame holds none.
func (k KeypointsFrame) Centroid() r3.Vector {
	if len(k.Points) == 0 {
		return r3.Vector{}
	}
	var sum r3.Vector
	for _, p := range k.Points {
		sum = sum.Add(p)
	}
	return sum.Mul(1.0 / float64(len(k.Points)))
}

// Mesh is a triangle mesh produced by a MeshSink. Triangles index into
// Vertices.
type Mesh struct {
	Vertices  []r3.Vector
	Triangles [][3]int
}

// LoopView bundles everything the per-loop visualization hook receives:
// the loop being visualized, its raw and transformed inner frames, the
// final keypoint snapshot and the final inner transforms.
type LoopView struct {
	Loop              Loop
	InnerFrames       []Frame
	TransformedFrames []Frame
	Keypoints         []KeypointsFrame
	Transforms        []Transform
}
