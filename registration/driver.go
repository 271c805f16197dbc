package registration

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// maxParallelWorkers caps the loop worker pool regardless of CPU count.
const maxParallelWorkers = 8

// PipelineOptions selects the frame range, loop sizing and output toggles
// of a registration run.
type PipelineOptions struct {
	ReadFrom int // First frame index of the sequence
	ReadTo   int // Last frame index, inclusive
	ReadStep int // Stride through the sequence, defaults to 1
	LoopSize int // Loop span in frame indices

	// Workers bounds parallel loop processing. Zero picks
	// min(NumCPU, maxParallelWorkers).
	Workers int

	DrawCameraPoses bool
	DrawMesh        bool
}

// Deps bundles the collaborators a PipelineDriver drives. Source, Selector
// and Chain are required; nil sinks are replaced by null implementations.
type Deps struct {
	Source    FrameSource
	Selector  EdgeSelector
	Filter    Filter
	Chain     *AlignmentChain
	Corrector *LoopClosureCorrector
	Mesh      MeshSink
	Viz       VisualizationSink
}

// PipelineDriver runs the loop-based registration pipeline: sequential
// preparation (edge selection and edge-level alignment), parallel loop
// processing, then aggregation into one global transform sequence.
//
// The driver owns its loop slice for the lifetime of a run; Loops returns
// a copy. Methods are not safe for concurrent use with each other.
type PipelineDriver struct {
	opts PipelineOptions
	deps Deps
	proc *LoopProcessor

	loops     []Loop
	prepared  bool
	processed bool
}

// NewPipelineDriver wires the pipeline together.
func NewPipelineDriver(opts PipelineOptions, deps Deps) (*PipelineDriver, error) {
	if deps.Source == nil {
		return nil, errors.New("pipeline requires a frame source")
	}
	if deps.Selector == nil {
		return nil, errors.New("pipeline requires an edge selector")
	}
	if deps.Chain == nil {
		return nil, errors.New("pipeline requires an alignment chain")
	}
	if opts.ReadStep < 1 {
		opts.ReadStep = 1
	}
	if opts.ReadTo < opts.ReadFrom {
		return nil, fmt.Errorf("%w: read range [%d, %d]", ErrInvalidRange, opts.ReadFrom, opts.ReadTo)
	}
	if deps.Mesh == nil {
		deps.Mesh = NullMeshSink{}
	}
	if deps.Viz == nil {
		deps.Viz = NullVisualizer{}
	}

	proc := &LoopProcessor{
		Source:    deps.Source,
		Filter:    deps.Filter,
		Chain:     deps.Chain,
		Corrector: deps.Corrector,
		Viz:       deps.Viz,
		ReadStep:  opts.ReadStep,
	}
	if opts.DrawMesh {
		proc.Mesh = deps.Mesh
	}
	return &PipelineDriver{opts: opts, deps: deps, proc: proc}, nil
}

// PrepareAllLoops selects edge frames, aligns them globally and seeds every
// loop with its edge transforms and keypoints. After it returns, each loop
// carries everything its processing needs.
func (d *PipelineDriver) PrepareAllLoops(ctx context.Context) error {
	edges, err := d.deps.Selector.SelectEdges(ctx, d.deps.Source,
		d.opts.ReadFrom, d.opts.ReadTo, d.opts.ReadStep, d.opts.LoopSize)
	if err != nil {
		return fmt.Errorf("select edges: %w", err)
	}
	loops, err := BuildLoops(edges)
	if err != nil {
		return fmt.Errorf("build loops: %w", err)
	}

	edgeFrames := make([]Frame, 0, len(edges))
	for _, e := range edges {
		frames, err := d.deps.Source.Read(ctx, e, e, 1)
		if err != nil {
			return fmt.Errorf("read edge frame %d: %w", e, err)
		}
		edgeFrames = append(edgeFrames, frames...)
	}
	if len(loops)+1 != len(edgeFrames) {
		return fmt.Errorf("%w: %d loops need %d edge frames, have %d",
			ErrEdgeCountMismatch, len(loops), len(loops)+1, len(edgeFrames))
	}

	if d.deps.Filter != nil {
		if edgeFrames, err = d.deps.Filter.Apply(edgeFrames); err != nil {
			return fmt.Errorf("filter edge frames: %w", err)
		}
	}

	chain, err := d.deps.Chain.Align(ctx, edgeFrames, Identity())
	if err != nil {
		return fmt.Errorf("align edge frames: %w", err)
	}
	for i := 1; i < len(edgeFrames); i++ {
		loops[i-1].EdgeFrames = [2]Frame{edgeFrames[i-1], edgeFrames[i]}
		loops[i-1].EdgeTransforms = [2]Transform{chain.Transforms[i-1], chain.Transforms[i]}
		loops[i-1].EdgeKeypoints = chain.Keypoints[i-1]
	}

	if d.opts.DrawMesh {
		if err := d.deps.Mesh.PrepareVolume(); err != nil {
			return fmt.Errorf("prepare volume: %w", err)
		}
	}

	d.loops = loops
	d.prepared = true
	d.processed = false
	log.Printf("[PIPELINE] prepared %d loops over frames [%d, %d]",
		len(loops), d.opts.ReadFrom, d.opts.ReadTo)
	return nil
}

// ProcessAllLoops registers every loop's inner frames on a bounded worker
// pool. Results land in loop order regardless of completion order; the
// first error cancels the remaining work.
func (d *PipelineDriver) ProcessAllLoops(ctx context.Context) error {
	if !d.prepared {
		return fmt.Errorf("process loops: %w", ErrNotPrepared)
	}

	workers := d.opts.Workers
	if workers < 1 {
		workers = min(runtime.NumCPU(), maxParallelWorkers)
	}

	results := make([]Loop, len(d.loops))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range d.loops {
		g.Go(func() error {
			done, err := d.proc.ProcessOneLoop(gCtx, d.loops[i])
			if err != nil {
				return err
			}
			results[i] = done
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	d.loops = results
	d.processed = true
	if err := d.deps.Viz.VisualizeLoops(d.Loops()); err != nil {
		return fmt.Errorf("visualize loops: %w", err)
	}
	log.Printf("[PIPELINE] processed %d loops with %d workers", len(results), workers)
	return nil
}

// Aggregate concatenates the per-loop transform chains into the global
// sequence. Neighboring loops share their boundary frame, so every loop
// after the first contributes its transforms from the second entry on.
func (d *PipelineDriver) Aggregate(ctx context.Context) ([]Transform, error) {
	if !d.processed {
		return nil, fmt.Errorf("aggregate: %w", ErrNotProcessed)
	}

	total := 0
	for i, loop := range d.loops {
		if !loop.Processed() {
			return nil, fmt.Errorf("aggregate: loop %d [%d, %d]: %w",
				i, loop.Start, loop.End, ErrNotProcessed)
		}
		total += len(loop.InnerTransforms)
	}

	global := make([]Transform, 0, total)
	for i, loop := range d.loops {
		inner := loop.InnerTransforms
		if i > 0 {
			inner = inner[1:]
		}
		global = append(global, inner...)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := d.deps.Viz.Redraw(); err != nil {
		return nil, fmt.Errorf("redraw: %w", err)
	}
	if d.opts.DrawCameraPoses {
		if err := d.deps.Viz.VisualizeCameraPoses(global); err != nil {
			return nil, fmt.Errorf("visualize camera poses: %w", err)
		}
	}
	if d.opts.DrawMesh {
		if err := d.deps.Mesh.CalculateMesh(); err != nil {
			return nil, fmt.Errorf("calculate mesh: %w", err)
		}
		mesh, err := d.deps.Mesh.GetMesh()
		if err != nil {
			return nil, fmt.Errorf("get mesh: %w", err)
		}
		if err := d.deps.Viz.VisualizeMesh(mesh); err != nil {
			return nil, fmt.Errorf("visualize mesh: %w", err)
		}
	}

	log.Printf("[PIPELINE] aggregated %d transforms from %d loops", len(global), len(d.loops))
	return global, nil
}

// Run executes the three pipeline phases in order. Any failure aborts
// before the next phase runs.
func (d *PipelineDriver) Run(ctx context.Context) ([]Transform, error) {
	if err := d.PrepareAllLoops(ctx); err != nil {
		return nil, err
	}
	if err := d.ProcessAllLoops(ctx); err != nil {
		return nil, err
	}
	return d.Aggregate(ctx)
}

// Loops returns a copy of the driver's loop list.
func (d *PipelineDriver) Loops() []Loop {
	return append([]Loop(nil), d.loops...)
}
