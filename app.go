package main

import (
	"context"
	"log"
	"path/filepath"
	"time"

	"github.com/ilia-glushchenko/roomscanner/registration"
	"github.com/ilia-glushchenko/roomscanner/storage"
)

const reportFile = "report.html"

// App owns the wiring of one registration run: it turns the configuration
// into pipeline collaborators, drives the pipeline and hands the results
// to the optional store, report and mesh outputs.
type App struct {
	cfg *registration.Config

	store     *storage.RunStore
	publisher *registration.PosePublisher
	volume    *registration.VoxelVolume
}

// NewApp creates an application around a validated configuration.
func NewApp(cfg *registration.Config) *App {
	return &App{cfg: cfg}
}

// Close releases the optional collaborators opened by Run.
func (a *App) Close() {
	if a.publisher != nil {
		a.publisher.Close()
		a.publisher = nil
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			log.Printf("[STORE] close: %v", err)
		}
		a.store = nil
	}
}

// Run executes the full pipeline: connect optional sinks, prepare and
// process all loops, aggregate, then persist and report. Any pipeline
// error aborts before persistence or meshing output.
func (a *App) Run(ctx context.Context) error {
	if err := a.connect(); err != nil {
		return err
	}

	deps := a.buildDeps()
	driver, err := registration.NewPipelineDriver(a.cfg.PipelineOptions(), deps)
	if err != nil {
		return err
	}

	run := a.newRun()
	if a.store != nil {
		if err := a.store.InsertRun(run); err != nil {
			return err
		}
		log.Printf("[STORE] recording run %s", run.RunID)
	}

	started := time.Now()
	global, err := driver.Run(ctx)
	if err != nil {
		return err
	}
	loops := driver.Loops()

	if a.store != nil {
		if err := a.store.SavePoses(run.RunID, global); err != nil {
			return err
		}
		if err := a.store.SaveLoopStats(run.RunID, loops); err != nil {
			return err
		}
		if err := a.store.FinishRun(run.RunID, len(loops), len(global)); err != nil {
			return err
		}
	}

	if out := a.cfg.Visualization.OutputDir; out != "" {
		path := filepath.Join(out, reportFile)
		if err := registration.WriteAlignmentReport(path, loops, global); err != nil {
			return err
		}
		log.Printf("[PIPELINE] wrote %s", path)
	}
	if a.volume != nil {
		if err := a.exportMesh(); err != nil {
			return err
		}
	}

	logSummary(loops, global, time.Since(started))
	return nil
}

// connect opens the configuration-gated collaborators. An empty broker or
// database path leaves the corresponding collaborator nil and the feature
// off; once configured, a connection failure is fatal.
func (a *App) connect() error {
	if broker := a.cfg.MQTT.Broker; broker != "" {
		pub, err := registration.DialPosePublisher(broker, a.cfg.MQTT.ClientID, a.cfg.MQTT.TopicPrefix)
		if err != nil {
			return err
		}
		a.publisher = pub
	}
	if path := a.cfg.Storage.DatabasePath; path != "" {
		store, err := storage.Open(path)
		if err != nil {
			return err
		}
		a.store = store
	}
	return nil
}

// buildDeps assembles the pipeline collaborators from the configuration.
func (a *App) buildDeps() registration.Deps {
	deps := registration.Deps{
		Source: &registration.DirectorySource{
			Dir:     a.cfg.Input.Dir,
			Pattern: a.cfg.Input.Pattern,
		},
		Chain: &registration.AlignmentChain{
			Coarse: registration.NewSampleConsensusAligner(a.cfg.Coarse),
			Fine:   registration.NewICPAligner(a.cfg.Fine),
		},
	}

	if a.cfg.Registration.EdgeBalancing {
		deps.Selector = &registration.BalancedSelector{Metric: registration.CentroidDistanceMetric{}}
	} else {
		deps.Selector = registration.FixedStrideSelector{}
	}

	var filters registration.FilterChain
	if leaf := a.cfg.Filters.VoxelLeafSize; leaf > 0 {
		filters = append(filters, &registration.VoxelGridFilter{LeafSize: leaf})
	}
	if k := a.cfg.Filters.OutlierMeanK; k > 0 {
		filters = append(filters, &registration.StatisticalOutlierFilter{
			MeanK:     k,
			StddevMul: a.cfg.Filters.OutlierStddev,
		})
	}
	if len(filters) > 0 {
		deps.Filter = filters
	}

	if a.cfg.Registration.LoopClosureCorrection {
		deps.Corrector = registration.NewLoopClosureCorrector(
			&registration.LoopConstraintPass{
				MaxCorrespondDist: a.cfg.Correction.CorrespondDistance,
			},
			&registration.GlobalRelaxationPass{
				Sweeps: a.cfg.Correction.RelaxationSweeps,
				Factor: a.cfg.Correction.RelaxationFactor,
			},
		)
	}

	if a.cfg.Visualization.DrawMesh {
		a.volume = registration.NewVoxelVolume(a.cfg.Meshing.VoxelSize)
		deps.Mesh = a.volume
	}

	var sinks []registration.VisualizationSink
	if out := a.cfg.Visualization.OutputDir; out != "" && (a.cfg.Visualization.DrawCameraPoses || a.cfg.Visualization.DrawMesh) {
		sinks = append(sinks,
			registration.NewPoseRenderer(out),
			registration.NewTrajectoryRenderer(out),
		)
	}
	if a.publisher != nil {
		sinks = append(sinks, a.publisher)
	}
	if len(sinks) > 0 {
		deps.Viz = registration.NewCompositeVisualizer(sinks...)
	}
	return deps
}

// newRun snapshots the run settings for the store.
func (a *App) newRun() *storage.Run {
	return &storage.Run{
		ReadFrom:      a.cfg.Registration.ReadFrom,
		ReadTo:        a.cfg.Registration.ReadTo,
		ReadStep:      a.cfg.Registration.ReadStep,
		LoopSize:      a.cfg.Registration.FixedLoopSize,
		EdgeBalancing: a.cfg.Registration.EdgeBalancing,
		Correction:    a.cfg.Registration.LoopClosureCorrection,
	}
}

// exportMesh writes the reconstructed surface as binary STL next to the
// rendered views.
func (a *App) exportMesh() error {
	mesh, err := a.volume.GetMesh()
	if err != nil {
		return err
	}
	path := filepath.Join(a.cfg.Visualization.OutputDir, "mesh.stl")
	if err := registration.WriteSTLFile(path, mesh); err != nil {
		return err
	}
	log.Printf("[PIPELINE] wrote %s (%d vertices, %d triangles)",
		path, len(mesh.Vertices), len(mesh.Triangles))
	return nil
}

// logSummary prints the run totals: pose count, track length and the
// fitness range across loops.
func logSummary(loops []registration.Loop, global []registration.Transform, elapsed time.Duration) {
	distance := 0.0
	for i := 1; i < len(global); i++ {
		distance += global[i].Origin().Sub(global[i-1].Origin()).Norm()
	}

	worst, best := 0.0, 0.0
	for i, loop := range loops {
		mean := loopMeanFitness(loop)
		if i == 0 || mean > worst {
			worst = mean
		}
		if i == 0 || mean < best {
			best = mean
		}
	}

	log.Printf("[PIPELINE] done in %s: %d poses over %d loops, track length %.2f, loop fitness %.4g..%.4g",
		elapsed.Round(time.Millisecond), len(global), len(loops), distance, best, worst)
}

func loopMeanFitness(loop registration.Loop) float64 {
	if len(loop.InnerFitness) < 2 {
		return 0
	}
	sum := 0.0
	for _, s := range loop.InnerFitness[1:] {
		sum += s
	}
	return sum / float64(len(loop.InnerFitness)-1)
}
