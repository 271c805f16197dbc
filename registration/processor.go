package registration

import (
	"context"
	"fmt"
	"log"
)

// LoopProcessor registers the inner frames of a single loop. It reads the
// frame window, filters it, runs the alignment chain seeded with the loop's
// start-edge transform and optionally applies loop closure correction
// before handing the result to the meshing and visualization sinks.
//
// ProcessOneLoop never mutates its input, so one processor can serve many
// loops concurrently as long as the sinks tolerate concurrent calls.
type LoopProcessor struct {
	Source    FrameSource
	Filter    Filter // nil skips filtering
	Chain     *AlignmentChain
	Corrector *LoopClosureCorrector // nil disables loop closure correction
	Mesh      MeshSink              // nil disables mesh integration
	Viz       VisualizationSink     // nil disables per-loop visualization
	ReadStep  int                   // Stride between inner frames, defaults to 1
}

// ProcessOneLoop aligns every inner frame of the loop and returns a copy
// with InnerTransforms and InnerFitness populated. The first inner
// transform always equals the loop's start-edge transform.
func (p *LoopProcessor) ProcessOneLoop(ctx context.Context, loop Loop) (Loop, error) {
	step := p.ReadStep
	if step < 1 {
		step = 1
	}
	frames, err := p.Source.Read(ctx, loop.Start, loop.End, step)
	if err != nil {
		return Loop{}, fmt.Errorf("loop [%d, %d]: read frames: %w", loop.Start, loop.End, err)
	}
	if p.Filter != nil {
		if frames, err = p.Filter.Apply(frames); err != nil {
			return Loop{}, fmt.Errorf("loop [%d, %d]: filter: %w", loop.Start, loop.End, err)
		}
	}

	res, err := p.Chain.Align(ctx, frames, loop.EdgeTransforms[0])
	if err != nil {
		return Loop{}, fmt.Errorf("loop [%d, %d]: %w", loop.Start, loop.End, err)
	}

	transforms := res.Transforms
	keypoints := res.TransformedKeypoints
	moved := res.Frames
	if p.Corrector != nil {
		anchor := loop.EdgeKeypoints.Transformed(loop.EdgeTransforms[0])
		transforms, keypoints, err = p.Corrector.Apply(ctx, res.Frames, res.TransformedKeypoints, res.Transforms, anchor)
		if err != nil {
			return Loop{}, fmt.Errorf("loop [%d, %d]: correction: %w", loop.Start, loop.End, err)
		}
		moved = transformedFrames(frames, transforms)
	}

	log.Printf("[LOOP] [%d, %d]: aligned %d frames, mean fitness %.4g",
		loop.Start, loop.End, len(frames), meanFitness(res.FitnessScores))

	done := loop
	done.InnerTransforms = transforms
	done.InnerFitness = res.FitnessScores

	if p.Mesh != nil {
		if err := p.Mesh.Integrate(moved); err != nil {
			return Loop{}, fmt.Errorf("loop [%d, %d]: mesh integration: %w", loop.Start, loop.End, err)
		}
	}
	if p.Viz != nil {
		view := LoopView{
			Loop:              done,
			InnerFrames:       frames,
			TransformedFrames: moved,
			Keypoints:         keypoints,
			Transforms:        transforms,
		}
		if err := p.Viz.VisualizeLoop(view); err != nil {
			return Loop{}, fmt.Errorf("loop [%d, %d]: visualize: %w", loop.Start, loop.End, err)
		}
	}
	return done, nil
}

func transformedFrames(frames []Frame, transforms []Transform) []Frame {
	out := make([]Frame, len(frames))
	for i := range frames {
		out[i] = frames[i].Transformed(transforms[i])
	}
	return out
}

// meanFitness averages the pairwise fitness scores, skipping the zero
// slot of the seed frame.
func meanFitness(scores []float64) float64 {
	if len(scores) < 2 {
		return 0
	}
	sum := 0.0
	for _, s := range scores[1:] {
		sum += s
	}
	return sum / float64(len(scores)-1)
}
