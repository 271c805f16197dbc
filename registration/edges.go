package registration

import (
	"context"
	"fmt"
)

// EdgeSelector chooses the frame indices that bound loops. The returned
// indices are strictly increasing; consecutive indices form one loop each.
type EdgeSelector interface {
	SelectEdges(ctx context.Context, source FrameSource, from, to, step, loopSize int) ([]int, error)
}

// FixedStrideSelector places edges every loopSize strided frames starting
// at from, so consecutive edges are loopSize*step raw indices apart. A
// trailing span shorter than one loop is dropped.
type FixedStrideSelector struct{}

func (FixedStrideSelector) SelectEdges(ctx context.Context, source FrameSource, from, to, step, loopSize int) ([]int, error) {
	if loopSize < 1 {
		return nil, fmt.Errorf("%w: loop size %d", ErrInvalidRange, loopSize)
	}
	if err := checkRange(from, to, step); err != nil {
		return nil, err
	}

	var edges []int
	for i := from; i <= to; i += loopSize * step {
		edges = append(edges, i)
	}
	if len(edges) < 2 {
		return nil, fmt.Errorf("%w: range [%d, %d] shorter than loop size %d", ErrNoLoops, from, to, loopSize)
	}
	return edges, nil
}

// DistanceMetric measures how far apart two frames are. The balanced
// selector uses it to keep accumulated motion per loop roughly constant.
type DistanceMetric interface {
	Distance(a, b Frame) float64
}

// CentroidDistanceMetric measures frame distance as the Euclidean distance
// between cloud centroids.
type CentroidDistanceMetric struct{}

func (CentroidDistanceMetric) Distance(a, b Frame) float64 {
	return a.Cloud.Centroid().Sub(b.Cloud.Centroid()).Norm()
}

// BalancedSelector walks the frame range and places edges so that every
// loop covers about the same accumulated frame distance. The loop count
// matches what the fixed stride would produce; only the edge positions
// move. The first and last walked frames are always edges.
type BalancedSelector struct {
	Metric DistanceMetric
}

func (s *BalancedSelector) SelectEdges(ctx context.Context, source FrameSource, from, to, step, loopSize int) ([]int, error) {
	if loopSize < 1 {
		return nil, fmt.Errorf("%w: loop size %d", ErrInvalidRange, loopSize)
	}
	if err := checkRange(from, to, step); err != nil {
		return nil, err
	}

	frames, err := source.Read(ctx, from, to, step)
	if err != nil {
		return nil, err
	}
	n := len(frames)
	loops := (n - 1) / loopSize
	if loops < 1 {
		return nil, fmt.Errorf("%w: %d frames at step %d cover less than one loop of %d", ErrNoLoops, n, step, loopSize)
	}

	metric := s.Metric
	if metric == nil {
		metric = CentroidDistanceMetric{}
	}

	dists := make([]float64, n)
	total := 0.0
	for j := 1; j < n; j++ {
		dists[j] = metric.Distance(frames[j-1], frames[j])
		total += dists[j]
	}
	target := total / float64(loops)
	eps := target * 1e-9

	positions := []int{0}
	cum := 0.0
	k := 1
	for j := 1; j < n && k < loops; j++ {
		cum += dists[j]
		if cum >= float64(k)*target-eps && j > positions[len(positions)-1] {
			positions = append(positions, j)
			k++
		}
	}
	if positions[len(positions)-1] != n-1 {
		positions = append(positions, n-1)
	}
	if len(positions) < 2 {
		return nil, fmt.Errorf("%w: balancing yielded no loops", ErrNoLoops)
	}

	edges := make([]int, len(positions))
	for i, p := range positions {
		edges[i] = from + p*step
	}
	return edges, nil
}
