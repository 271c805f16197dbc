package registration

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"github.com/golang/geo/r3"
)

func testICPConfig() ICPConfig {
	cfg := DefaultICPConfig()
	cfg.MaxCorrespondDist = 0.5
	return cfg
}

func TestICPAlignerRecoversSmallMotion(t *testing.T) {
	base := latticeCloud(5, 5, 3, 0.5)
	motion := Translation(r3.Vector{X: 0.02, Y: -0.015, Z: 0.01}).
		Mul(RotationAxisAngle(r3.Vector{Z: 1}, 0.02))
	frames := movedFrames(base, motion)

	aligner := NewICPAligner(testICPConfig())
	res, err := aligner.Align(context.Background(), frames, Identity(), nil)
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

	if res.FitnessScores[0] != 0 {
		t.Errorf("FitnessScores[0] = %v, want 0", res.FitnessScores[0])
	}
	if res.FitnessScores[1] > 1e-10 {
		t.Errorf("FitnessScores[1] = %v, want near zero", res.FitnessScores[1])
	}
}

func TestICPAlignerRecoversMotionOnScatteredCloud(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	base := NewPointCloud(randomCloud(rng, 500, 10))
	motion := Translation(r3.Vector{X: 0.08, Y: -0.05, Z: 0.03}).
		Mul(RotationAxisAngle(r3.Vector{X: 1, Z: 2}, 0.01))
	frames := movedFrames(base, motion)

	aligner := NewICPAligner(testICPConfig())
	res, err := aligner.Align(context.Background(), frames, Identity(), nil)
	if err != nil {
		t.Fatalf("Align() error = %v", err)
	}

	inv := motion.Inverse()
	worst := 0.0
	for _, p := range frames[1].Cloud.Points {
		got := res.Transforms[1].Apply(p)
		want := inv.Apply(p)
		if d := got.Sub(want).Norm(); d > worst {
			worst = d
		}
	}
	if worst > 0.01 {
		t.Errorf("worst point deviation after refinement = %v, want < 0.01", worst)
	}
}

func TestICPAlignerSeedComposition(t *testing.T) {
	base := latticeCloud(4, 4, 2, 0.5)
	frames := movedFrames(base, Identity())
	seed := Translation(r3.Vector{X: 3, Y: -1, Z: 0.5})

	aligner := NewICPAligner(testICPConfig())
	res, err := aligner.Align(context.Background(), frames, seed, nil)
	if err != nil {
		t.Fatalf("Align() error = %v", err)
	}

	if !transformsEqual(res.Transforms[0], seed) {
		t.Errorf("Transforms[0] = %v, want the seed", res.Transforms[0])
	}
	// Identical clouds need no pairwise correction, so the seed carries over.
	if !transformsWithin(res.Transforms[1], seed, 1e-9) {
		t.Errorf("Transforms[1] = %v, want %v", res.Transforms[1], seed)
	}
}

func TestICPAlignerKeypointsRideAlong(t *testing.T) {
	base := latticeCloud(4, 4, 2, 0.5)
	frames := movedFrames(base, Translation(r3.Vector{X: 0.05}))
	keypoints := []KeypointsFrame{
		{Index: 0, Points: []r3.Vector{{X: 1, Y: 1, Z: 0.5}}},
		{Index: 1, Points: []r3.Vector{{X: 1.05, Y: 1, Z: 0.5}}},
	}

	aligner := NewICPAligner(testICPConfig())
	res, err := aligner.Align(context.Background(), frames, Identity(), keypoints)
	if err != nil {
		t.Fatalf("Align() error = %v", err)
	}

	if len(res.TransformedKeypoints) != 2 {
		t.Fatalf("TransformedKeypoints has %d entries, want 2", len(res.TransformedKeypoints))
	}
	for i := range keypoints {
		want := res.Transforms[i].Apply(keypoints[i].Points[0])
		if !vectorsEqual(res.TransformedKeypoints[i].Points[0], want) {
			t.Errorf("TransformedKeypoints[%d] = %v, want %v", i, res.TransformedKeypoints[i].Points[0], want)
		}
	}
}

func TestICPAlignerErrors(t *testing.T) {
	aligner := NewICPAligner(testICPConfig())

	t.Run("no frames", func(t *testing.T) {
		if _, err := aligner.Align(context.Background(), nil, Identity(), nil); !errors.Is(err, ErrTooFewPoints) {
			t.Fatalf("Align() error = %v, want ErrTooFewPoints", err)
		}
	})

	t.Run("keypoint count mismatch", func(t *testing.T) {
		frames := movedFrames(latticeCloud(3, 3, 1, 0.5), Identity())
		kp := []KeypointsFrame{{Index: 0}}
		if _, err := aligner.Align(context.Background(), frames, Identity(), kp); err == nil {
			t.Fatal("Align() accepted mismatched keypoint sets")
		}
	})

	t.Run("disjoint clouds", func(t *testing.T) {
		frames := []Frame{
			{Index: 0, Cloud: latticeCloud(3, 3, 1, 0.5)},
			{Index: 1, Cloud: latticeCloud(3, 3, 1, 0.5).Transformed(Translation(r3.Vector{X: 100}))},
		}
		if _, err := aligner.Align(context.Background(), frames, Identity(), nil); !errors.Is(err, ErrNoCorrespondences) {
			t.Fatalf("Align() error = %v, want ErrNoCorrespondences", err)
		}
	})

	t.Run("canceled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		frames := movedFrames(latticeCloud(3, 3, 2, 0.5), Identity())
		if _, err := aligner.Align(ctx, frames, Identity(), nil); !errors.Is(err, context.Canceled) {
			t.Fatalf("Align() error = %v, want context.Canceled", err)
		}
	})
}
