package registration

import (
	"errors"
	"testing"
)

func TestCompositeVisualizerFansOut(t *testing.T) {
	first := &recordingVisualizer{}
	second := &recordingVisualizer{}
	comp := NewCompositeVisualizer(first, second)

	if err := comp.Redraw(); err != nil {
		t.Fatalf("Redraw() error = %v", err)
	}
	if err := comp.VisualizeCameraPoses([]Transform{Identity()}); err != nil {
		t.Fatalf("VisualizeCameraPoses() error = %v", err)
	}
	if err := comp.VisualizeMesh(&Mesh{}); err != nil {
		t.Fatalf("VisualizeMesh() error = %v", err)
	}
	if err := comp.VisualizeLoop(LoopView{}); err != nil {
		t.Fatalf("VisualizeLoop() error = %v", err)
	}
	if err := comp.VisualizeLoops(nil); err != nil {
		t.Fatalf("VisualizeLoops() error = %v", err)
	}

	for i, v := range []*recordingVisualizer{first, second} {
		if v.draws != 1 || len(v.poses) != 1 || len(v.meshs) != 1 || len(v.views) != 1 || len(v.loops) != 1 {
			t.Errorf("sink %d missed calls: draws=%d poses=%d meshes=%d views=%d loops=%d",
				i, v.draws, len(v.poses), len(v.meshs), len(v.views), len(v.loops))
		}
	}
}

func TestCompositeVisualizerStopsAtFirstError(t *testing.T) {
	sentinel := errors.New("sink down")
	second := &recordingVisualizer{}
	comp := NewCompositeVisualizer(erroringVisualizer{loopErr: sentinel}, second)

	if err := comp.VisualizeLoop(LoopView{}); !errors.Is(err, sentinel) {
		t.Fatalf("VisualizeLoop() error = %v, want sentinel", err)
	}
	if len(second.views) != 0 {
		t.Error("later sink was called after an earlier sink failed")
	}
}

func TestNewCompositeVisualizerSkipsNil(t *testing.T) {
	viz := &recordingVisualizer{}
	comp := NewCompositeVisualizer(nil, viz, nil)
	if len(comp.Sinks) != 1 {
		t.Fatalf("Sinks = %d, want 1", len(comp.Sinks))
	}
}
