package registration

import (
	"fmt"
	"math"
	"sort"

	"github.com/golang/geo/r3"
)

// Filter reduces or cleans point clouds before alignment.
type Filter interface {
	Apply(frames []Frame) ([]Frame, error)
}

// NopFilter passes frames through unchanged.
type NopFilter struct{}

func (NopFilter) Apply(frames []Frame) ([]Frame, error) {
	return frames, nil
}

// FilterChain applies filters in order, feeding each one the output of the
// previous.
type FilterChain []Filter

func (c FilterChain) Apply(frames []Frame) ([]Frame, error) {
	var err error
	for _, f := range c {
		frames, err = f.Apply(frames)
		if err != nil {
			return nil, err
		}
	}
	return frames, nil
}

// VoxelGridFilter downsamples each cloud to one point per occupied voxel,
// replacing the voxel's points with their centroid.
type VoxelGridFilter struct {
	LeafSize float64
}

func (f *VoxelGridFilter) Apply(frames []Frame) ([]Frame, error) {
	if f.LeafSize <= 0 {
		return nil, fmt.Errorf("voxel grid: leaf size %v must be positive", f.LeafSize)
	}

	out := make([]Frame, len(frames))
	for i, frame := range frames {
		out[i] = Frame{Index: frame.Index, Cloud: f.downsample(frame.Cloud)}
	}
	return out, nil
}

func (f *VoxelGridFilter) downsample(cloud *PointCloud) *PointCloud {
	type bucket struct {
		sum   r3.Vector
		count int
	}
	cells := make(map[cellCoord]*bucket)
	for _, p := range cloud.Points {
		c := cellCoord{
			x: int32(math.Floor(p.X / f.LeafSize)),
			y: int32(math.Floor(p.Y / f.LeafSize)),
			z: int32(math.Floor(p.Z / f.LeafSize)),
		}
		b := cells[c]
		if b == nil {
			b = &bucket{}
			cells[c] = b
		}
		b.sum = b.sum.Add(p)
		b.count++
	}

	// Emit centroids in cell order so output is deterministic.
	keys := make([]cellCoord, 0, len(cells))
	for c := range cells {
		keys = append(keys, c)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.x != b.x {
			return a.x < b.x
		}
		if a.y != b.y {
			return a.y < b.y
		}
		return a.z < b.z
	})

	points := make([]r3.Vector, 0, len(keys))
	for _, c := range keys {
		b := cells[c]
		points = append(points, b.sum.Mul(1/float64(b.count)))
	}
	return NewPointCloud(points)
}

// StatisticalOutlierFilter drops points whose mean distance to their MeanK
// nearest neighbors exceeds the cloud mean by more than StddevMul standard
// deviations.
type StatisticalOutlierFilter struct {
	MeanK     int
	StddevMul float64
}

func (f *StatisticalOutlierFilter) Apply(frames []Frame) ([]Frame, error) {
	if f.MeanK < 1 {
		return nil, fmt.Errorf("statistical outlier: mean k %d must be at least 1", f.MeanK)
	}

	out := make([]Frame, len(frames))
	for i, frame := range frames {
		out[i] = Frame{Index: frame.Index, Cloud: f.clean(frame.Cloud)}
	}
	return out, nil
}

func (f *StatisticalOutlierFilter) clean(cloud *PointCloud) *PointCloud {
	n := cloud.Len()
	k := f.MeanK
	if k > n-1 {
		k = n - 1
	}
	if k < 1 {
		return cloud
	}

	// Size cells for roughly one point per cell.
	lo, hi := cloud.Bounds()
	ext := hi.Sub(lo)
	maxExt := math.Max(ext.X, math.Max(ext.Y, ext.Z))
	cellSize := maxExt / math.Cbrt(float64(n))
	ix := newPointIndex(cloud.Points, cellSize)

	means := make([]float64, n)
	for i, p := range cloud.Points {
		dists := ix.kNearestSquared(p, i, k)
		sum := 0.0
		for _, d2 := range dists {
			sum += math.Sqrt(d2)
		}
		means[i] = sum / float64(len(dists))
	}

	mean := 0.0
	for _, m := range means {
		mean += m
	}
	mean /= float64(n)
	variance := 0.0
	for _, m := range means {
		variance += (m - mean) * (m - mean)
	}
	variance /= float64(n)
	threshold := mean + f.StddevMul*math.Sqrt(variance)

	points := make([]r3.Vector, 0, n)
	for i, p := range cloud.Points {
		if means[i] <= threshold {
			points = append(points, p)
		}
	}
	return NewPointCloud(points)
}
