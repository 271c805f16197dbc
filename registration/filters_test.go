package registration

import (
	"testing"

	"github.com/golang/geo/r3"
)

func framesFromClouds(clouds ...*PointCloud) []Frame {
	frames := make([]Frame, len(clouds))
	for i, c := range clouds {
		frames[i] = Frame{Index: i, Cloud: c}
	}
	return frames
}

func TestVoxelGridFilter(t *testing.T) {
	t.Run("points in one voxel collapse to centroid", func(t *testing.T) {
		cloud := NewPointCloud([]r3.Vector{
			{X: 0.1, Y: 0.1, Z: 0.1},
			{X: 0.3, Y: 0.2, Z: 0.2},
			{X: 0.2, Y: 0.3, Z: 0.3},
		})
		f := &VoxelGridFilter{LeafSize: 1}

		out, err := f.Apply(framesFromClouds(cloud))
		if err != nil {
			t.Fatalf("Apply() error = %v", err)
		}
		got := out[0].Cloud
		if got.Len() != 1 {
			t.Fatalf("downsampled cloud has %d points, want 1", got.Len())
		}
		want := r3.Vector{X: 0.2, Y: 0.2, Z: 0.2}
		if !vectorsEqual(got.Points[0], want) {
			t.Errorf("centroid = %v, want %v", got.Points[0], want)
		}
	})

	t.Run("distant points stay separate", func(t *testing.T) {
		cloud := NewPointCloud([]r3.Vector{
			{X: 0.5}, {X: 5.5}, {X: -3.5},
		})
		f := &VoxelGridFilter{LeafSize: 1}

		out, err := f.Apply(framesFromClouds(cloud))
		if err != nil {
			t.Fatalf("Apply() error = %v", err)
		}
		if got := out[0].Cloud.Len(); got != 3 {
			t.Errorf("downsampled cloud has %d points, want 3", got)
		}
	})

	t.Run("output order is deterministic", func(t *testing.T) {
		cloud := NewPointCloud([]r3.Vector{
			{X: 7.5}, {X: -2.5}, {X: 3.5}, {X: 0.5},
		})
		f := &VoxelGridFilter{LeafSize: 1}

		first, err := f.Apply(framesFromClouds(cloud))
		if err != nil {
			t.Fatalf("Apply() error = %v", err)
		}
		for trial := 0; trial < 5; trial++ {
			again, err := f.Apply(framesFromClouds(cloud))
			if err != nil {
				t.Fatalf("Apply() error = %v", err)
			}
			for i := range first[0].Cloud.Points {
				if !vectorsEqual(first[0].Cloud.Points[i], again[0].Cloud.Points[i]) {
					t.Fatalf("trial %d: point order changed between runs", trial)
				}
			}
		}
	})

	t.Run("frame index survives", func(t *testing.T) {
		f := &VoxelGridFilter{LeafSize: 1}
		out, err := f.Apply([]Frame{{Index: 42, Cloud: NewPointCloud([]r3.Vector{{X: 1}})}})
		if err != nil {
			t.Fatalf("Apply() error = %v", err)
		}
		if out[0].Index != 42 {
			t.Errorf("frame index = %d, want 42", out[0].Index)
		}
	})

	t.Run("invalid leaf size", func(t *testing.T) {
		f := &VoxelGridFilter{LeafSize: 0}
		if _, err := f.Apply(nil); err == nil {
			t.Fatal("Apply() accepted zero leaf size")
		}
	})
}

func TestStatisticalOutlierFilter(t *testing.T) {
	t.Run("far outlier is dropped", func(t *testing.T) {
		// Dense 4x4x4 lattice plus one point far outside it.
		points := make([]r3.Vector, 0, 65)
		for x := 0; x < 4; x++ {
			for y := 0; y < 4; y++ {
				for z := 0; z < 4; z++ {
					points = append(points, r3.Vector{X: float64(x), Y: float64(y), Z: float64(z)})
				}
			}
		}
		points = append(points, r3.Vector{X: 100, Y: 100, Z: 100})

		f := &StatisticalOutlierFilter{MeanK: 8, StddevMul: 1}
		out, err := f.Apply(framesFromClouds(NewPointCloud(points)))
		if err != nil {
			t.Fatalf("Apply() error = %v", err)
		}
		got := out[0].Cloud
		if got.Len() != 64 {
			t.Fatalf("filtered cloud has %d points, want 64", got.Len())
		}
		for _, p := range got.Points {
			if p.X > 50 {
				t.Fatalf("outlier %v survived filtering", p)
			}
		}
	})

	t.Run("uniform cloud is untouched", func(t *testing.T) {
		points := make([]r3.Vector, 0, 27)
		for x := 0; x < 3; x++ {
			for y := 0; y < 3; y++ {
				for z := 0; z < 3; z++ {
					points = append(points, r3.Vector{X: float64(x), Y: float64(y), Z: float64(z)})
				}
			}
		}

		f := &StatisticalOutlierFilter{MeanK: 4, StddevMul: 3}
		out, err := f.Apply(framesFromClouds(NewPointCloud(points)))
		if err != nil {
			t.Fatalf("Apply() error = %v", err)
		}
		if got := out[0].Cloud.Len(); got != len(points) {
			t.Errorf("filtered cloud has %d points, want %d", got, len(points))
		}
	})

	t.Run("tiny cloud passes through", func(t *testing.T) {
		cloud := NewPointCloud([]r3.Vector{{X: 1}})
		f := &StatisticalOutlierFilter{MeanK: 8, StddevMul: 1}

		out, err := f.Apply(framesFromClouds(cloud))
		if err != nil {
			t.Fatalf("Apply() error = %v", err)
		}
		if out[0].Cloud.Len() != 1 {
			t.Errorf("filtered cloud has %d points, want 1", out[0].Cloud.Len())
		}
	})

	t.Run("invalid mean k", func(t *testing.T) {
		f := &StatisticalOutlierFilter{MeanK: 0}
		if _, err := f.Apply(nil); err == nil {
			t.Fatal("Apply() accepted zero mean k")
		}
	})
}

func TestFilterChain(t *testing.T) {
	t.Run("filters run in order", func(t *testing.T) {
		points := []r3.Vector{
			{X: 0.1, Y: 0.1, Z: 0.1},
			{X: 0.2, Y: 0.2, Z: 0.2},
			{X: 1.5, Y: 0.1, Z: 0.1},
		}
		chain := FilterChain{
			&VoxelGridFilter{LeafSize: 1},
			NopFilter{},
		}

		out, err := chain.Apply(framesFromClouds(NewPointCloud(points)))
		if err != nil {
			t.Fatalf("Apply() error = %v", err)
		}
		if got := out[0].Cloud.Len(); got != 2 {
			t.Errorf("chained output has %d points, want 2", got)
		}
	})

	t.Run("error stops the chain", func(t *testing.T) {
		chain := FilterChain{
			&VoxelGridFilter{LeafSize: -1},
			NopFilter{},
		}
		if _, err := chain.Apply(nil); err == nil {
			t.Fatal("Apply() swallowed filter error")
		}
	})

	t.Run("empty chain passes through", func(t *testing.T) {
		frames := framesFromClouds(NewPointCloud([]r3.Vector{{X: 1}}))
		out, err := FilterChain{}.Apply(frames)
		if err != nil {
			t.Fatalf("Apply() error = %v", err)
		}
		if len(out) != 1 || out[0].Cloud.Len() != 1 {
			t.Errorf("empty chain altered frames: %v", out)
		}
	})
}
