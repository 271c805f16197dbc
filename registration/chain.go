package registration

import (
	"context"
	"fmt"
)

// ChainResult holds the combined outcome of coarse and fine alignment.
type ChainResult struct {
	Transforms           []Transform      // Combined fine * coarse transform per frame
	Frames               []Frame          // Input frames under the combined transforms
	Keypoints            []KeypointsFrame // Keypoints in source coordinates, from the coarse stage
	TransformedKeypoints []KeypointsFrame // Keypoints under the combined transforms
	FitnessScores        []float64        // Fine stage fitness per frame
}

// AlignmentChain runs coarse alignment and refines its output with the
// fine aligner. The seed only enters the coarse stage; the fine stage
// starts from the identity in the coarse-aligned space.
type AlignmentChain struct {
	Coarse CoarseAligner
	Fine   FineAligner
}

// Align aligns the frame sequence and returns the combined transform chain.
func (c *AlignmentChain) Align(ctx context.Context, frames []Frame, seed Transform) (*ChainResult, error) {
	coarse, err := c.Coarse.Align(ctx, frames, seed)
	if err != nil {
		return nil, fmt.Errorf("coarse alignment: %w", err)
	}

	fine, err := c.Fine.Align(ctx, coarse.Frames, Identity(), coarse.TransformedKeypoints)
	if err != nil {
		return nil, fmt.Errorf("fine alignment: %w", err)
	}

	res := &ChainResult{
		Transforms:           make([]Transform, len(frames)),
		Frames:               fine.Frames,
		Keypoints:            coarse.Keypoints,
		TransformedKeypoints: fine.TransformedKeypoints,
		FitnessScores:        fine.FitnessScores,
	}
	for i := range frames {
		res.Transforms[i] = fine.Transforms[i].Mul(coarse.Transforms[i])
	}
	return res, nil
}
