package registration

import (
	"context"
	"errors"
	"testing"

	"github.com/golang/geo/r3"
)

// fakeCoarse applies a fixed pairwise transform to every consecutive pair.
type fakeCoarse struct {
	pairwise Transform
}

func (f *fakeCoarse) Align(ctx context.Context, frames []Frame, seed Transform) (*CoarseResult, error) {
	res := &CoarseResult{
		Transforms:           make([]Transform, len(frames)),
		Frames:               make([]Frame, len(frames)),
		Keypoints:            make([]KeypointsFrame, len(frames)),
		TransformedKeypoints: make([]KeypointsFrame, len(frames)),
	}
	for i := range frames {
		if i == 0 {
			res.Transforms[0] = seed
		} else {
			res.Transforms[i] = res.Transforms[i-1].Mul(f.pairwise)
		}
		res.Frames[i] = frames[i].Transformed(res.Transforms[i])
		kp := KeypointsFrame{Index: frames[i].Index, Points: []r3.Vector{{X: float64(i)}}}
		res.Keypoints[i] = kp
		res.TransformedKeypoints[i] = kp.Transformed(res.Transforms[i])
	}
	return res, nil
}

// fakeFine mirrors fakeCoarse for the fine stage and reports fixed fitness.
type fakeFine struct {
	pairwise Transform
	err      error
}

func (f *fakeFine) Align(ctx context.Context, frames []Frame, seed Transform, keypoints []KeypointsFrame) (*FineResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	res := &FineResult{
		Transforms:           make([]Transform, len(frames)),
		Frames:               make([]Frame, len(frames)),
		TransformedKeypoints: make([]KeypointsFrame, len(frames)),
		FitnessScores:        make([]float64, len(frames)),
	}
	for i := range frames {
		if i == 0 {
			res.Transforms[0] = seed
		} else {
			res.Transforms[i] = res.Transforms[i-1].Mul(f.pairwise)
			res.FitnessScores[i] = 0.25
		}
		res.Frames[i] = frames[i].Transformed(res.Transforms[i])
		res.TransformedKeypoints[i] = keypoints[i].Transformed(res.Transforms[i])
	}
	return res, nil
}

func TestAlignmentChainComposesStages(t *testing.T) {
	// Rotation and translation do not commute, so stage order shows in the
	// combined transforms.
	coarseStep := RotationAxisAngle(r3.Vector{Z: 1}, 0.3)
	fineStep := Translation(r3.Vector{X: 1})
	chain := &AlignmentChain{
		Coarse: &fakeCoarse{pairwise: coarseStep},
		Fine:   &fakeFine{pairwise: fineStep},
	}

	base := latticeCloud(3, 3, 1, 0.5)
	frames := []Frame{
		{Index: 0, Cloud: base},
		{Index: 1, Cloud: base},
		{Index: 2, Cloud: base},
	}

	res, err := chain.Align(context.Background(), frames, Identity())
	if err != nil {
		t.Fatalf("Align() error = %v", err)
	}

	// Combined transform per frame is fine * coarse.
	for i := range frames {
		coarse := Identity()
		fine := Identity()
		for j := 0; j < i; j++ {
			coarse = coarse.Mul(coarseStep)
			fine = fine.Mul(fineStep)
		}
		want := fine.Mul(coarse)
		if !transformsEqual(res.Transforms[i], want) {
			t.Errorf("Transforms[%d] = %v, want %v", i, res.Transforms[i], want)
		}
	}

	// Frames carry the combined transforms.
	for i, f := range res.Frames {
		want := frames[i].Cloud.Points[0]
		want = res.Transforms[i].Apply(want)
		if !vectorsEqual(f.Cloud.Points[0], want) {
			t.Errorf("frame %d cloud not under combined transform", i)
		}
	}

	// Raw keypoints come from the coarse stage untouched, fitness from fine.
	for i := range frames {
		if !vectorsEqual(res.Keypoints[i].Points[0], r3.Vector{X: float64(i)}) {
			t.Errorf("Keypoints[%d] = %v, want raw coarse keypoints", i, res.Keypoints[i].Points[0])
		}
	}
	if res.FitnessScores[0] != 0 {
		t.Errorf("FitnessScores[0] = %v, want 0", res.FitnessScores[0])
	}
	if res.FitnessScores[1] != 0.25 {
		t.Errorf("FitnessScores[1] = %v, want 0.25", res.FitnessScores[1])
	}
}

func TestAlignmentChainSeedOnlyEntersCoarse(t *testing.T) {
	seed := Translation(r3.Vector{X: 5, Y: -2})
	chain := &AlignmentChain{
		Coarse: &fakeCoarse{pairwise: Identity()},
		Fine:   &fakeFine{pairwise: Identity()},
	}
	frames := movedFrames(latticeCloud(3, 3, 1, 0.5), Identity())

	res, err := chain.Align(context.Background(), frames, seed)
	if err != nil {
		t.Fatalf("Align() error = %v", err)
	}
	for i := range frames {
		if !transformsEqual(res.Transforms[i], seed) {
			t.Errorf("Transforms[%d] = %v, want the seed alone", i, res.Transforms[i])
		}
	}
}

func TestAlignmentChainPropagatesErrors(t *testing.T) {
	wantErr := errors.New("fine blew up")
	chain := &AlignmentChain{
		Coarse: &fakeCoarse{pairwise: Identity()},
		Fine:   &fakeFine{err: wantErr},
	}
	frames := movedFrames(latticeCloud(3, 3, 1, 0.5), Identity())

	if _, err := chain.Align(context.Background(), frames, Identity()); !errors.Is(err, wantErr) {
		t.Fatalf("Align() error = %v, want wrapped %v", err, wantErr)
	}
}

func TestAlignmentChainEndToEnd(t *testing.T) {
	base := latticeCloud(5, 5, 3, 0.5)
	motion := Translation(r3.Vector{X: 0.6, Y: -0.4, Z: 0.2}).
		Mul(RotationAxisAngle(r3.Vector{Z: 1}, 0.04))
	frames := movedFrames(base, motion)

	chain := &AlignmentChain{
		Coarse: NewSampleConsensusAligner(testSACConfig()),
		Fine:   NewICPAligner(testICPConfig()),
	}
	res, err := chain.Align(context.Background(), frames, Identity())
	if err != nil {
		t.Fatalf("Align() error = %v", err)
	}

	inv := motion.Inverse()
	for _, p := range frames[1].Cloud.Points {
		got := res.Transforms[1].Apply(p)
		want := inv.Apply(p)
		if d := got.Sub(want).Norm(); d > 1e-6 {
			t.Fatalf("point %v maps to %v, want %v (off by %v)", p, got, want, d)
		}
	}
}
