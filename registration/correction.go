package registration

import (
	"context"
	"fmt"
	"log"

	"github.com/golang/geo/r3"
)

// CorrectionResult holds per-frame corrective transforms computed by a
// correction pass. Correctives compose onto the running transforms from the
// left; the first frame's corrective is always the identity.
type CorrectionResult struct {
	Correctives          []Transform
	TransformedKeypoints []KeypointsFrame // Input keypoints under the correctives
}

// CorrectionPass computes corrective transforms for a processed loop.
// Running holds the combined transform per frame, keypoints the frame
// keypoints under those transforms, and edgeKeypoints the world-space
// anchor of the loop's opening edge.
type CorrectionPass interface {
	Correct(ctx context.Context, frames []Frame, keypoints []KeypointsFrame, running []Transform, edgeKeypoints KeypointsFrame) (*CorrectionResult, error)
}

// LoopConstraintPass measures how far the loop's closing frame drifted from
// the opening edge anchor and distributes the closure error over the loop.
// Frame i receives the fraction i/(n-1) of the error, so the first frame
// stays fixed and the last frame absorbs the full correction.
type LoopConstraintPass struct {
	MaxCorrespondDist float64 // Keypoint pairing cutoff for the closure fit
}

func (p *LoopConstraintPass) Correct(ctx context.Context, frames []Frame, keypoints []KeypointsFrame, running []Transform, edgeKeypoints KeypointsFrame) (*CorrectionResult, error) {
	if err := checkCorrectionInput(frames, keypoints, running); err != nil {
		return nil, err
	}
	n := len(running)
	if n < 3 {
		return identityCorrection(keypoints, n), nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	closure, ok := p.closureError(keypoints[n-1], edgeKeypoints)
	if !ok {
		log.Printf("[CORRECT] loop [%d, %d]: no closure overlap within %v, skipping constraint pass",
			frames[0].Index, frames[n-1].Index, p.MaxCorrespondDist)
		return identityCorrection(keypoints, n), nil
	}

	res := &CorrectionResult{
		Correctives:          make([]Transform, n),
		TransformedKeypoints: make([]KeypointsFrame, n),
	}
	for i := 0; i < n; i++ {
		res.Correctives[i] = closure.Fraction(float64(i) / float64(n-1))
		res.TransformedKeypoints[i] = keypoints[i].Transformed(res.Correctives[i])
	}
	return res, nil
}

// closureError fits the rigid transform mapping the last frame's keypoints
// onto the edge anchor. It reports false when too few keypoints pair up.
func (p *LoopConstraintPass) closureError(last, anchor KeypointsFrame) (Transform, bool) {
	ix := newPointIndex(anchor.Points, p.MaxCorrespondDist)

	var src, dst []r3.Vector
	for _, kp := range last.Points {
		if j, _, ok := ix.nearest(kp); ok {
			src = append(src, kp)
			dst = append(dst, anchor.Points[j])
		}
	}
	if len(src) < 3 {
		return Identity(), false
	}
	t, err := EstimateRigidTransform(src, dst)
	if err != nil {
		return Identity(), false
	}
	return t, true
}

// GlobalRelaxationPass smooths the camera trajectory after the closure
// constraint. Interior frame positions move toward the midpoint of their
// neighbors over a number of sweeps while both loop edges stay pinned.
type GlobalRelaxationPass struct {
	Sweeps int     // Relaxation sweeps over the trajectory
	Factor float64 // Fraction of the midpoint gap closed per sweep (0-1)
}

func (p *GlobalRelaxationPass) Correct(ctx context.Context, frames []Frame, keypoints []KeypointsFrame, running []Transform, edgeKeypoints KeypointsFrame) (*CorrectionResult, error) {
	if err := checkCorrectionInput(frames, keypoints, running); err != nil {
		return nil, err
	}
	n := len(running)
	if n < 3 || p.Sweeps < 1 || p.Factor <= 0 {
		return identityCorrection(keypoints, n), nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	orig := make([]r3.Vector, n)
	pos := make([]r3.Vector, n)
	for i, t := range running {
		orig[i] = t.Origin()
		pos[i] = orig[i]
	}

	for sweep := 0; sweep < p.Sweeps; sweep++ {
		for i := 1; i < n-1; i++ {
			mid := pos[i-1].Add(pos[i+1]).Mul(0.5)
			pos[i] = pos[i].Add(mid.Sub(pos[i]).Mul(p.Factor))
		}
	}

	res := &CorrectionResult{
		Correctives:          make([]Transform, n),
		TransformedKeypoints: make([]KeypointsFrame, n),
	}
	for i := 0; i < n; i++ {
		res.Correctives[i] = Translation(pos[i].Sub(orig[i]))
		res.TransformedKeypoints[i] = keypoints[i].Transformed(res.Correctives[i])
	}
	return res, nil
}

// LoopClosureCorrector chains correction passes over a processed loop.
// Each pass sees the keypoints as moved by the previous one, and its
// correctives fold into the running transforms of all frames but the first.
type LoopClosureCorrector struct {
	Passes []CorrectionPass
}

// NewLoopClosureCorrector builds the standard corrector: the loop
// constraint pass followed by global relaxation.
func NewLoopClosureCorrector(constraint *LoopConstraintPass, relaxation *GlobalRelaxationPass) *LoopClosureCorrector {
	c := &LoopClosureCorrector{}
	if constraint != nil {
		c.Passes = append(c.Passes, constraint)
	}
	if relaxation != nil {
		c.Passes = append(c.Passes, relaxation)
	}
	return c
}

// Apply runs all passes and returns the corrected running transforms along
// with the keypoints under them. The first frame's transform is returned
// unchanged.
func (c *LoopClosureCorrector) Apply(ctx context.Context, frames []Frame, keypoints []KeypointsFrame, running []Transform, edgeKeypoints KeypointsFrame) ([]Transform, []KeypointsFrame, error) {
	corrected := make([]Transform, len(running))
	copy(corrected, running)

	for _, pass := range c.Passes {
		res, err := pass.Correct(ctx, frames, keypoints, corrected, edgeKeypoints)
		if err != nil {
			return nil, nil, err
		}
		for i := 1; i < len(corrected); i++ {
			corrected[i] = res.Correctives[i].Mul(corrected[i])
		}
		keypoints = res.TransformedKeypoints
	}
	return corrected, keypoints, nil
}

func checkCorrectionInput(frames []Frame, keypoints []KeypointsFrame, running []Transform) error {
	if len(frames) != len(running) || len(keypoints) != len(running) {
		return fmt.Errorf("correction input mismatch: %d frames, %d keypoint sets, %d transforms",
			len(frames), len(keypoints), len(running))
	}
	return nil
}

func identityCorrection(keypoints []KeypointsFrame, n int) *CorrectionResult {
	res := &CorrectionResult{
		Correctives:          make([]Transform, n),
		TransformedKeypoints: make([]KeypointsFrame, n),
	}
	for i := 0; i < n; i++ {
		res.Correctives[i] = Identity()
		res.TransformedKeypoints[i] = keypoints[i]
	}
	return res
}
