package registration

import (
	"context"
	"testing"

	"github.com/golang/geo/r3"
)

// correctionFixture builds n frames with trivial clouds, per-frame
// keypoints and identity running transforms.
func correctionFixture(n int) ([]Frame, []KeypointsFrame, []Transform) {
	frames := make([]Frame, n)
	keypoints := make([]KeypointsFrame, n)
	running := make([]Transform, n)
	for i := 0; i < n; i++ {
		frames[i] = Frame{Index: i, Cloud: NewPointCloud([]r3.Vector{{X: float64(i)}})}
		keypoints[i] = KeypointsFrame{Index: i, Points: []r3.Vector{{X: float64(i)}}}
		running[i] = Identity()
	}
	return frames, keypoints, running
}

func TestLoopConstraintPassDistributesClosureError(t *testing.T) {
	anchor := KeypointsFrame{Index: 0, Points: latticeCloud(4, 4, 2, 1).Points}
	drift := r3.Vector{X: 0.12, Y: -0.08, Z: 0.05}

	frames, keypoints, running := correctionFixture(5)
	keypoints[4] = anchor.Transformed(Translation(drift))
	keypoints[4].Index = 4

	pass := &LoopConstraintPass{MaxCorrespondDist: 0.5}
	res, err := pass.Correct(context.Background(), frames, keypoints, running, anchor)
	if err != nil {
		t.Fatalf("Correct() error = %v", err)
	}

	if !transformsEqual(res.Correctives[0], Identity()) {
		t.Errorf("Correctives[0] = %v, want identity", res.Correctives[0])
	}
	closure := Translation(drift).Inverse()
	if !transformsWithin(res.Correctives[4], closure, 1e-9) {
		t.Errorf("Correctives[4] = %v, want full closure %v", res.Correctives[4], closure)
	}
	half := Translation(drift.Mul(-0.5))
	if !transformsWithin(res.Correctives[2], half, 1e-9) {
		t.Errorf("Correctives[2] = %v, want half closure %v", res.Correctives[2], half)
	}

	// Keypoints come back under their correctives.
	for i := range keypoints {
		want := res.Correctives[i].Apply(keypoints[i].Points[0])
		if !vectorsEqual(res.TransformedKeypoints[i].Points[0], want) {
			t.Errorf("TransformedKeypoints[%d] = %v, want %v", i, res.TransformedKeypoints[i].Points[0], want)
		}
	}
}

func TestLoopConstraintPassWithoutOverlap(t *testing.T) {
	anchor := KeypointsFrame{Points: latticeCloud(3, 3, 1, 1).Points}
	frames, keypoints, running := correctionFixture(4)
	// The closing frame sits nowhere near the anchor.
	keypoints[3] = KeypointsFrame{Index: 3, Points: []r3.Vector{{X: 500}, {X: 501}, {X: 502}}}

	pass := &LoopConstraintPass{MaxCorrespondDist: 0.5}
	res, err := pass.Correct(context.Background(), frames, keypoints, running, anchor)
	if err != nil {
		t.Fatalf("Correct() error = %v", err)
	}
	for i, c := range res.Correctives {
		if !transformsEqual(c, Identity()) {
			t.Errorf("Correctives[%d] = %v, want identity when the loop cannot close", i, c)
		}
	}
}

func TestLoopConstraintPassShortLoop(t *testing.T) {
	frames, keypoints, running := correctionFixture(2)
	pass := &LoopConstraintPass{MaxCorrespondDist: 0.5}

	res, err := pass.Correct(context.Background(), frames, keypoints, running, keypoints[0])
	if err != nil {
		t.Fatalf("Correct() error = %v", err)
	}
	for i, c := range res.Correctives {
		if !transformsEqual(c, Identity()) {
			t.Errorf("Correctives[%d] = %v, want identity for short loop", i, c)
		}
	}
}

func TestGlobalRelaxationPassSmoothsTrajectory(t *testing.T) {
	frames, keypoints, _ := correctionFixture(5)
	// Zigzag trajectory between pinned endpoints on the x axis.
	running := []Transform{
		Translation(r3.Vector{X: 0, Y: 0}),
		Translation(r3.Vector{X: 1, Y: 1}),
		Translation(r3.Vector{X: 2, Y: 0}),
		Translation(r3.Vector{X: 3, Y: 1}),
		Translation(r3.Vector{X: 4, Y: 0}),
	}

	pass := &GlobalRelaxationPass{Sweeps: 3, Factor: 0.5}
	res, err := pass.Correct(context.Background(), frames, keypoints, running, keypoints[0])
	if err != nil {
		t.Fatalf("Correct() error = %v", err)
	}

	if !transformsEqual(res.Correctives[0], Identity()) {
		t.Errorf("Correctives[0] = %v, want identity", res.Correctives[0])
	}
	if !transformsEqual(res.Correctives[4], Identity()) {
		t.Errorf("Correctives[4] = %v, want identity", res.Correctives[4])
	}

	before := 0.0
	after := 0.0
	for i := 1; i < 4; i++ {
		p := running[i].Origin()
		q := res.Correctives[i].Mul(running[i]).Origin()
		before += p.Y * p.Y
		after += q.Y * q.Y
	}
	if after >= before {
		t.Errorf("zigzag deviation after relaxation = %v, want below %v", after, before)
	}
}

func TestGlobalRelaxationPassDisabled(t *testing.T) {
	frames, keypoints, running := correctionFixture(5)
	pass := &GlobalRelaxationPass{Sweeps: 0, Factor: 0.5}

	res, err := pass.Correct(context.Background(), frames, keypoints, running, keypoints[0])
	if err != nil {
		t.Fatalf("Correct() error = %v", err)
	}
	for i, c := range res.Correctives {
		if !transformsEqual(c, Identity()) {
			t.Errorf("Correctives[%d] = %v, want identity with zero sweeps", i, c)
		}
	}
}

// recordingPass captures its inputs and applies a fixed translation to
// every frame except the first.
type recordingPass struct {
	shift    r3.Vector
	received []KeypointsFrame
	anchor   KeypointsFrame
}

func (p *recordingPass) Correct(ctx context.Context, frames []Frame, keypoints []KeypointsFrame, running []Transform, edgeKeypoints KeypointsFrame) (*CorrectionResult, error) {
	p.received = append([]KeypointsFrame(nil), keypoints...)
	p.anchor = edgeKeypoints
	res := &CorrectionResult{
		Correctives:          make([]Transform, len(running)),
		TransformedKeypoints: make([]KeypointsFrame, len(running)),
	}
	for i := range running {
		if i == 0 {
			res.Correctives[i] = Identity()
		} else {
			res.Correctives[i] = Translation(p.shift)
		}
		res.TransformedKeypoints[i] = keypoints[i].Transformed(res.Correctives[i])
	}
	return res, nil
}

func TestLoopClosureCorrectorThreadsPasses(t *testing.T) {
	frames, keypoints, running := correctionFixture(3)
	first := &recordingPass{shift: r3.Vector{X: 1}}
	second := &recordingPass{shift: r3.Vector{Y: 2}}
	corrector := &LoopClosureCorrector{Passes: []CorrectionPass{first, second}}

	corrected, outKP, err := corrector.Apply(context.Background(), frames, keypoints, running, keypoints[0])
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	// The opening frame never moves.
	if !transformsEqual(corrected[0], running[0]) {
		t.Errorf("corrected[0] = %v, want untouched", corrected[0])
	}
	want1 := Translation(r3.Vector{Y: 2}).Mul(Translation(r3.Vector{X: 1}))
	if !transformsEqual(corrected[1], want1) {
		t.Errorf("corrected[1] = %v, want %v", corrected[1], want1)
	}

	// The second pass sees keypoints as moved by the first.
	got := second.received[1].Points[0]
	wantKP := r3.Vector{X: 2}
	if !vectorsEqual(got, wantKP) {
		t.Errorf("second pass received keypoint %v, want %v", got, wantKP)
	}

	// Final keypoints carry both passes.
	if !vectorsEqual(outKP[1].Points[0], r3.Vector{X: 2, Y: 2}) {
		t.Errorf("final keypoints[1] = %v, want (2, 2, 0)", outKP[1].Points[0])
	}

	// Input running transforms are not mutated.
	if !transformsEqual(running[1], Identity()) {
		t.Errorf("input running[1] mutated to %v", running[1])
	}
}
