package registration

// VisualizationSink receives pipeline progress for rendering or export.
// Implementations must tolerate concurrent VisualizeLoop calls; the
// remaining hooks run from a single goroutine.
type VisualizationSink interface {
	// Redraw clears previously rendered state before aggregation output.
	Redraw() error
	// VisualizeCameraPoses renders the aggregated camera trajectory.
	VisualizeCameraPoses(transforms []Transform) error
	// VisualizeMesh renders the extracted surface mesh.
	VisualizeMesh(m *Mesh) error
	// VisualizeLoop renders one processed loop. Called per loop, possibly
	// concurrently.
	VisualizeLoop(view LoopView) error
	// VisualizeLoops renders the completed loop set after processing.
	VisualizeLoops(loops []Loop) error
}

// NullVisualizer drops everything. It stands in when rendering is
// disabled.
type NullVisualizer struct{}

func (NullVisualizer) Redraw() error { return nil }
func (NullVisualizer) VisualizeCameraPoses([]Transform) error { return nil }
func (NullVisualizer) VisualizeMesh(*Mesh) error { return nil }
func (NullVisualizer) VisualizeLoop(LoopView) error { return nil }
func (NullVisualizer) VisualizeLoops([]Loop) error { return nil }

// CompositeVisualizer fans every call out to its children in order and
// stops at the first error.
type CompositeVisualizer struct {
	Sinks []VisualizationSink
}

// NewCompositeVisualizer bundles sinks into one. Nil entries are skipped.
func NewCompositeVisualizer(sinks ...VisualizationSink) *CompositeVisualizer {
	c := &CompositeVisualizer{}
	for _, s := range sinks {
		if s != nil {
			c.Sinks = append(c.Sinks, s)
		}
	}
	return c
}

func (c *CompositeVisualizer) Redraw() error {
	for _, s := range c.Sinks {
		if err := s.Redraw(); err != nil {
			return err
		}
	}
	return nil
}

func (c *CompositeVisualizer) VisualizeCameraPoses(transforms []Transform) error {
	for _, s := range c.Sinks {
		if err := s.VisualizeCameraPoses(transforms); err != nil {
			return err
		}
	}
	return nil
}

func (c *CompositeVisualizer) VisualizeMesh(m *Mesh) error {
	for _, s := range c.Sinks {
		if err := s.VisualizeMesh(m); err != nil {
			return err
		}
	}
	return nil
}

func (c *CompositeVisualizer) VisualizeLoop(view LoopView) error {
	for _, s := range c.Sinks {
		if err := s.VisualizeLoop(view); err != nil {
			return err
		}
	}
	return nil
}

func (c *CompositeVisualizer) VisualizeLoops(loops []Loop) error {
	for _, s := range c.Sinks {
		if err := s.VisualizeLoops(loops); err != nil {
			return err
		}
	}
	return nil
}
