package registration

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"github.com/golang/geo/r3"
)

// SACConfig holds configuration for sample consensus alignment.
// All distances are in the same units as the input clouds.
type SACConfig struct {
	KeypointLeafSize float64 `yaml:"keypoint_leaf_size"` // Voxel size for keypoint extraction
	Candidates       int     `yaml:"candidates"`         // Random translation candidates per frame pair
	InlierDist       float64 `yaml:"inlier_distance"`    // Maximum distance for a keypoint inlier
	MinInliers       int     `yaml:"min_inliers"`        // Candidates matching fewer keypoints are rejected
	RefineRounds     int     `yaml:"refine_rounds"`      // Rigid refinement iterations after candidate selection
	Seed             int64   `yaml:"seed"`               // Base RNG seed; each pair derives its stream from the frame index
}

// DefaultSACConfig returns sensible defaults for sample consensus alignment.
func DefaultSACConfig() SACConfig {
	return SACConfig{
		KeypointLeafSize: 0.25,
		Candidates:       400,
		InlierDist:       0.5,
		MinInliers:       5,
		RefineRounds:     3,
		Seed:             1,
	}
}

// CoarseResult holds the outcome of coarse alignment over a frame sequence.
type CoarseResult struct {
	Transforms           []Transform      // Cumulative transform per frame; [0] is the seed
	Frames               []Frame          // Input frames under their cumulative transforms
	Keypoints            []KeypointsFrame // Extracted keypoints in source coordinates
	TransformedKeypoints []KeypointsFrame // Keypoints under the cumulative transforms
}

// CoarseAligner estimates an initial transform chain for a frame sequence.
type CoarseAligner interface {
	Align(ctx context.Context, frames []Frame, seed Transform) (*CoarseResult, error)
}

// SampleConsensusAligner aligns consecutive frames by scoring random
// keypoint pairings. For each pair it collects candidate translations from
// random source/target keypoint matches, keeps the candidate with the best
// inlier score and refines it with a few rigid estimation rounds.
type SampleConsensusAligner struct {
	Config SACConfig
}

// NewSampleConsensusAligner returns an aligner with the given configuration.
func NewSampleConsensusAligner(cfg SACConfig) *SampleConsensusAligner {
	return &SampleConsensusAligner{Config: cfg}
}

// Align chains pairwise alignments over frames. Frame i is aligned to frame
// i-1 and composed onto the running transform, which starts at seed.
func (a *SampleConsensusAligner) Align(ctx context.Context, frames []Frame, seed Transform) (*CoarseResult, error) {
	if len(frames) == 0 {
		return nil, fmt.Errorf("%w: no frames to align", ErrTooFewPoints)
	}

	keypoints := make([]KeypointsFrame, len(frames))
	for i, f := range frames {
		kp, err := a.extractKeypoints(f)
		if err != nil {
			return nil, err
		}
		keypoints[i] = kp
	}

	rng := rand.New(rand.NewSource(a.Config.Seed + int64(frames[0].Index)))

	res := &CoarseResult{
		Transforms:           make([]Transform, len(frames)),
		Frames:               make([]Frame, len(frames)),
		Keypoints:            keypoints,
		TransformedKeypoints: make([]KeypointsFrame, len(frames)),
	}
	res.Transforms[0] = seed

	for i := 1; i < len(frames); i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		pairwise := a.alignPair(keypoints[i].Points, keypoints[i-1].Points, rng)
		res.Transforms[i] = res.Transforms[i-1].Mul(pairwise)
	}

	for i, f := range frames {
		res.Frames[i] = f.Transformed(res.Transforms[i])
		res.TransformedKeypoints[i] = keypoints[i].Transformed(res.Transforms[i])
	}
	return res, nil
}

// extractKeypoints downsamples a frame to its keypoint set. Clouds too
// small to downsample are used as-is.
func (a *SampleConsensusAligner) extractKeypoints(f Frame) (KeypointsFrame, error) {
	points := f.Cloud.Points
	if a.Config.KeypointLeafSize > 0 {
		grid := &VoxelGridFilter{LeafSize: a.Config.KeypointLeafSize}
		points = grid.downsample(f.Cloud).Points
	}
	if len(points) < 3 {
		return KeypointsFrame{}, fmt.Errorf("%w: frame %d has %d keypoints", ErrTooFewPoints, f.Index, len(points))
	}
	return KeypointsFrame{Index: f.Index, Points: points}, nil
}

// alignPair estimates the transform mapping src keypoints onto tgt
// keypoints. It never fails: when no candidate produces enough inliers the
// centroid shift is returned and the fine stage is left to recover.
func (a *SampleConsensusAligner) alignPair(src, tgt []r3.Vector, rng *rand.Rand) Transform {
	ix := newPointIndex(tgt, a.Config.InlierDist)

	srcCentroid := centroidOf(src)
	tgtCentroid := centroidOf(tgt)
	centroidShift := tgtCentroid.Sub(srcCentroid)

	// Candidate translations: centroid-to-centroid plus random pairings.
	candidates := make([]r3.Vector, 0, a.Config.Candidates+1)
	candidates = append(candidates, centroidShift)
	for i := 0; i < a.Config.Candidates; i++ {
		s := src[rng.Intn(len(src))]
		t := tgt[rng.Intn(len(tgt))]
		candidates = append(candidates, t.Sub(s))
	}

	best := centroidShift
	bestInliers := -1
	bestDist := math.MaxFloat64
	for _, shift := range candidates {
		inliers, avgDist := a.scoreShift(src, ix, shift)
		if inliers < a.Config.MinInliers {
			continue
		}
		if inliers > bestInliers || (inliers == bestInliers && avgDist < bestDist) {
			best = shift
			bestInliers = inliers
			bestDist = avgDist
		}
	}

	current := Translation(best)
	if bestInliers < 0 {
		return current
	}

	// Refine with full rigid estimation over the inlier correspondences.
	for round := 0; round < a.Config.RefineRounds; round++ {
		var srcCorr, tgtCorr []r3.Vector
		for _, p := range src {
			moved := current.Apply(p)
			if j, _, ok := ix.nearest(moved); ok {
				srcCorr = append(srcCorr, moved)
				tgtCorr = append(tgtCorr, tgt[j])
			}
		}
		if len(srcCorr) < 3 {
			break
		}
		inc, err := EstimateRigidTransform(srcCorr, tgtCorr)
		if err != nil {
			break
		}
		current = inc.Mul(current)
	}
	return current
}

// scoreShift counts src keypoints that land within InlierDist of a target
// keypoint under the candidate shift.
func (a *SampleConsensusAligner) scoreShift(src []r3.Vector, ix *pointIndex, shift r3.Vector) (int, float64) {
	inliers := 0
	total := 0.0
	for _, p := range src {
		if _, d2, ok := ix.nearest(p.Add(shift)); ok {
			inliers++
			total += math.Sqrt(d2)
		}
	}
	if inliers == 0 {
		return 0, math.MaxFloat64
	}
	return inliers, total / float64(inliers)
}

func centroidOf(points []r3.Vector) r3.Vector {
	if len(points) == 0 {
		return r3.Vector{}
	}
	var sum r3.Vector
	for _, p := range points {
		sum = sum.Add(p)
	}
	return sum.Mul(1 / float64(len(points)))
}
