package registration

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/golang/geo/r3"
)

// ICPConfig holds configuration for iterative closest point refinement.
// All distance thresholds are in the same units as the input point clouds.
type ICPConfig struct {
	MaxIterations     int     `yaml:"max_iterations"`              // Maximum number of iterations per frame pair
	ConvergenceThresh float64 `yaml:"convergence_threshold"`       // Stop when fitness improvement is below this
	MaxCorrespondDist float64 `yaml:"max_correspondence_distance"` // Maximum distance for point correspondence
	OutlierPercentile float64 `yaml:"outlier_percentile"`          // Reject correspondences above this percentile (0-1)
	SamplePoints      int     `yaml:"sample_points"`               // Cap on source points used per pair, 0 keeps all
}

// DefaultICPConfig returns sensible defaults for ICP refinement.
func DefaultICPConfig() ICPConfig {
	return ICPConfig{
		MaxIterations:     30,
		ConvergenceThresh: 1e-6,
		MaxCorrespondDist: 0.5,
		OutlierPercentile: 0.9,
		SamplePoints:      2000,
	}
}

// FineResult holds the outcome of fine alignment over a frame sequence.
type FineResult struct {
	Transforms           []Transform      // Cumulative transform per frame; [0] is the seed
	Frames               []Frame          // Input frames under their cumulative transforms
	TransformedKeypoints []KeypointsFrame // Input keypoints under the cumulative transforms
	FitnessScores        []float64        // Mean squared correspondence distance per frame; [0] is 0
}

// FineAligner refines a coarse alignment into a tight transform chain.
type FineAligner interface {
	Align(ctx context.Context, frames []Frame, seed Transform, keypoints []KeypointsFrame) (*FineResult, error)
}

// ICPAligner refines consecutive frame pairs with trimmed iterative closest
// point. Each pair starts from the identity, so inputs are expected to be
// roughly aligned already.
type ICPAligner struct {
	Config ICPConfig
}

// NewICPAligner returns an aligner with the given configuration.
func NewICPAligner(cfg ICPConfig) *ICPAligner {
	return &ICPAligner{Config: cfg}
}

// Align chains pairwise refinements over frames. Frame i is aligned to
// frame i-1 and composed onto the running transform, which starts at seed.
// Keypoints, if given, must hold one entry per frame; they ride along and
// are returned under the cumulative transforms.
func (a *ICPAligner) Align(ctx context.Context, frames []Frame, seed Transform, keypoints []KeypointsFrame) (*FineResult, error) {
	if len(frames) == 0 {
		return nil, fmt.Errorf("%w: no frames to align", ErrTooFewPoints)
	}
	if keypoints != nil && len(keypoints) != len(frames) {
		return nil, fmt.Errorf("keypoint count mismatch: %d frames, %d keypoint sets", len(frames), len(keypoints))
	}

	res := &FineResult{
		Transforms:    make([]Transform, len(frames)),
		Frames:        make([]Frame, len(frames)),
		FitnessScores: make([]float64, len(frames)),
	}
	res.Transforms[0] = seed

	for i := 1; i < len(frames); i++ {
		pairwise, fitness, err := a.alignPair(ctx, frames[i].Cloud, frames[i-1].Cloud)
		if err != nil {
			return nil, fmt.Errorf("frames %d and %d: %w", frames[i-1].Index, frames[i].Index, err)
		}
		res.Transforms[i] = res.Transforms[i-1].Mul(pairwise)
		res.FitnessScores[i] = fitness
	}

	for i, f := range frames {
		res.Frames[i] = f.Transformed(res.Transforms[i])
	}
	if keypoints != nil {
		res.TransformedKeypoints = make([]KeypointsFrame, len(frames))
		for i, kp := range keypoints {
			res.TransformedKeypoints[i] = kp.Transformed(res.Transforms[i])
		}
	}
	return res, nil
}

// alignPair refines the transform mapping src onto tgt, starting from the
// identity. It returns the best transform seen and its fitness, the mean
// squared correspondence distance.
func (a *ICPAligner) alignPair(ctx context.Context, src, tgt *PointCloud) (Transform, float64, error) {
	srcPoints := samplePoints(src.Points, a.Config.SamplePoints)
	ix := newPointIndex(tgt.Points, a.Config.MaxCorrespondDist)

	current := Identity()
	prevFit, n := a.fitness(srcPoints, ix, current)
	if n < 3 {
		return Identity(), 0, fmt.Errorf("%w: %d pairs within %v", ErrNoCorrespondences, n, a.Config.MaxCorrespondDist)
	}
	best := current
	bestFit := prevFit

	for iter := 0; iter < a.Config.MaxIterations; iter++ {
		if err := ctx.Err(); err != nil {
			return Identity(), 0, err
		}

		srcCorr, tgtCorr, dists := a.correspondences(srcPoints, tgt.Points, ix, current)
		if len(srcCorr) < 3 {
			break
		}
		srcCorr, tgtCorr = trimByPercentile(srcCorr, tgtCorr, dists, a.Config.OutlierPercentile)
		if len(srcCorr) < 3 {
			break
		}

		inc, err := EstimateRigidTransform(srcCorr, tgtCorr)
		if err != nil {
			break
		}
		next := inc.Mul(current)

		fit, matched := a.fitness(srcPoints, ix, next)
		if matched < 3 {
			break
		}
		if fit < bestFit {
			best = next
			bestFit = fit
		}
		if improvement := prevFit - fit; improvement >= 0 && improvement < a.Config.ConvergenceThresh {
			break
		}
		if fit > prevFit*1.5 {
			break
		}
		current = next
		prevFit = fit
	}
	return best, bestFit, nil
}

// correspondences pairs each transformed source point with its nearest
// target point within the correspondence distance.
func (a *ICPAligner) correspondences(src, tgt []r3.Vector, ix *pointIndex, t Transform) (srcCorr, tgtCorr []r3.Vector, dists []float64) {
	for _, p := range src {
		moved := t.Apply(p)
		if j, d2, ok := ix.nearest(moved); ok {
			srcCorr = append(srcCorr, moved)
			tgtCorr = append(tgtCorr, tgt[j])
			dists = append(dists, math.Sqrt(d2))
		}
	}
	return
}

// fitness computes the mean squared correspondence distance of src under t,
// along with the number of matched points.
func (a *ICPAligner) fitness(src []r3.Vector, ix *pointIndex, t Transform) (float64, int) {
	total := 0.0
	matched := 0
	for _, p := range src {
		if _, d2, ok := ix.nearest(t.Apply(p)); ok {
			total += d2
			matched++
		}
	}
	if matched == 0 {
		return math.MaxFloat64, 0
	}
	return total / float64(matched), matched
}

// trimByPercentile removes correspondences with distances above the given
// percentile.
func trimByPercentile(srcCorr, tgtCorr []r3.Vector, dists []float64, percentile float64) ([]r3.Vector, []r3.Vector) {
	if len(dists) == 0 || percentile >= 1.0 {
		return srcCorr, tgtCorr
	}

	sorted := make([]float64, len(dists))
	copy(sorted, dists)
	sort.Float64s(sorted)
	idx := int(float64(len(sorted)) * percentile)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	threshold := sorted[idx]

	var outSrc, outTgt []r3.Vector
	for i, d := range dists {
		if d <= threshold {
			outSrc = append(outSrc, srcCorr[i])
			outTgt = append(outTgt, tgtCorr[i])
		}
	}
	return outSrc, outTgt
}

// samplePoints reduces a point slice to at most max points by uniform index
// sampling.
func samplePoints(points []r3.Vector, max int) []r3.Vector {
	if max <= 0 || len(points) <= max {
		return points
	}
	out := make([]r3.Vector, max)
	step := float64(len(points)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		out[i] = points[int(float64(i)*step)]
	}
	return out
}
