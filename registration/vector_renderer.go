package registration

import (
	"fmt"
	"image/color"
	"image/png"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/simplify"
	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/rasterizer"
	"github.com/tdewolff/canvas/renderers/svg"
)

const (
	trajectorySVGFile = "trajectory.svg"
	trajectoryPNGFile = "trajectory.png"
)

// canvasRenderer is the surface both the svg and rasterizer backends expose.
type canvasRenderer interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
}

// canvasColor converts the package palette to the premultiplied RGBA the
// canvas library draws with.
func canvasColor(c color.NRGBA) color.RGBA {
	if c.A == 255 {
		return color.RGBA{c.R, c.G, c.B, 255}
	}
	a := uint32(c.A)
	return color.RGBA{
		R: uint8(uint32(c.R) * a / 255),
		G: uint8(uint32(c.G) * a / 255),
		B: uint8(uint32(c.B) * a / 255),
		A: c.A,
	}
}

// TrajectoryRenderer writes the aggregated camera trajectory as vector
// graphics: an SVG of the ground-plane track, optionally rasterized to PNG
// as well. The track is Douglas-Peucker simplified before rendering so that
// long scans with thousands of poses stay compact as vectors. Per-loop and
// mesh hooks are no-ops; PoseRenderer covers those.
type TrajectoryRenderer struct {
	OutputDir    string
	Scale        float64           // canvas millimeters per world unit
	Padding      float64           // canvas millimeters around the track
	Tolerance    float64           // simplification tolerance in world units; 0 disables
	GridSpacing  float64           // grid line spacing in world units; 0 disables
	Resolution   canvas.Resolution // resolution for PNG output
	RasterizePNG bool              // also write trajectory.png
}

// NewTrajectoryRenderer creates a trajectory renderer with default settings.
func NewTrajectoryRenderer(outputDir string) *TrajectoryRenderer {
	return &TrajectoryRenderer{
		OutputDir:    outputDir,
		Scale:        10.0, // 1 m of world becomes 1 cm of canvas
		Padding:      20.0,
		Tolerance:    0.02, // 2 cm
		GridSpacing:  1.0,  // 1 m grid
		Resolution:   canvas.DPI(300),
		RasterizePNG: true,
	}
}

// Redraw removes trajectory output left over from a previous run.
func (r *TrajectoryRenderer) Redraw() error {
	for _, name := range []string{trajectorySVGFile, trajectoryPNGFile} {
		if err := os.Remove(filepath.Join(r.OutputDir, name)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("redraw %s: %w", name, err)
		}
	}
	return nil
}

// VisualizeCameraPoses writes trajectory.svg, and trajectory.png when
// RasterizePNG is set, under OutputDir.
func (r *TrajectoryRenderer) VisualizeCameraPoses(transforms []Transform) error {
	if err := os.MkdirAll(r.OutputDir, 0o755); err != nil {
		return fmt.Errorf("render trajectory: %w", err)
	}
	if err := r.renderFile(trajectorySVGFile, transforms, r.RenderToSVG); err != nil {
		return err
	}
	if !r.RasterizePNG {
		return nil
	}
	return r.renderFile(trajectoryPNGFile, transforms, r.RenderToPNG)
}

func (r *TrajectoryRenderer) VisualizeMesh(*Mesh) error { return nil }
func (r *TrajectoryRenderer) VisualizeLoop(LoopView) error { return nil }
func (r *TrajectoryRenderer) VisualizeLoops([]Loop) error { return nil }

// RenderToSVG writes the trajectory as an SVG to the provided writer.
func (r *TrajectoryRenderer) RenderToSVG(w io.Writer, transforms []Transform) error {
	track, view := r.prepare(transforms)

	svgRenderer := svg.New(w, view.width, view.height, nil)
	r.renderTrack(svgRenderer, track, view)
	return svgRenderer.Close()
}

// RenderToPNG rasterizes the same drawing and writes it as a PNG.
func (r *TrajectoryRenderer) RenderToPNG(w io.Writer, transforms []Transform) error {
	track, view := r.prepare(transforms)

	rast := rasterizer.New(view.width, view.height, r.Resolution, canvas.DefaultColorSpace)
	r.renderTrack(rast, track, view)

	// Rasterizer implements image.Image.
	return png.Encode(w, rast)
}

func (r *TrajectoryRenderer) renderFile(name string, transforms []Transform, render func(io.Writer, []Transform) error) error {
	if err := os.MkdirAll(r.OutputDir, 0o755); err != nil {
		return fmt.Errorf("render %s: %w", name, err)
	}
	f, err := os.Create(filepath.Join(r.OutputDir, name))
	if err != nil {
		return fmt.Errorf("render %s: %w", name, err)
	}
	if err := render(f, transforms); err != nil {
		_ = f.Close()
		return fmt.Errorf("render %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("render %s: %w", name, err)
	}
	return nil
}

// groundTrack projects the camera origins onto the ground plane and reduces
// the polyline with Douglas-Peucker. Endpoints always survive reduction.
func (r *TrajectoryRenderer) groundTrack(transforms []Transform) orb.LineString {
	track := make(orb.LineString, len(transforms))
	for i, t := range transforms {
		o := t.Origin()
		track[i] = orb.Point{o.X, o.Z}
	}
	if r.Tolerance <= 0 || len(track) < 3 {
		return track
	}
	simplified := simplify.DouglasPeucker(r.Tolerance).Simplify(track.Clone())
	if ls, ok := simplified.(orb.LineString); ok {
		return ls
	}
	return track
}

// trackView holds the world-space bounds of a track and the canvas size
// they map to.
type trackView struct {
	minX, minY    float64
	maxX, maxY    float64
	width, height float64
}

func (r *TrajectoryRenderer) prepare(transforms []Transform) (orb.LineString, trackView) {
	track := r.groundTrack(transforms)

	var v trackView
	if len(track) > 0 {
		v.minX, v.minY = math.MaxFloat64, math.MaxFloat64
		v.maxX, v.maxY = -math.MaxFloat64, -math.MaxFloat64
		for _, p := range track {
			if p[0] < v.minX {
				v.minX = p[0]
			}
			if p[1] < v.minY {
				v.minY = p[1]
			}
			if p[0] > v.maxX {
				v.maxX = p[0]
			}
			if p[1] > v.maxY {
				v.maxY = p[1]
			}
		}
	}
	v.width = (v.maxX-v.minX)*r.Scale + 2*r.Padding
	v.height = (v.maxY-v.minY)*r.Scale + 2*r.Padding
	return track, v
}

// renderTrack draws onto a canvas renderer (shared logic for SVG and PNG).
func (r *TrajectoryRenderer) renderTrack(renderer canvasRenderer, track orb.LineString, view trackView) {
	// White background.
	bgStyle := canvas.DefaultStyle
	bgStyle.Fill = canvas.Paint{Color: canvas.White}
	renderer.RenderPath(canvas.Rectangle(view.width, view.height), bgStyle, canvas.Identity)

	toCanvas := func(p orb.Point) (float64, float64) {
		return (p[0]-view.minX)*r.Scale + r.Padding, (p[1]-view.minY)*r.Scale + r.Padding
	}

	// Grid lines.
	if r.GridSpacing > 0 {
		gridStyle := canvas.DefaultStyle
		gridStyle.Fill = canvas.Paint{Color: canvas.Transparent}
		gridStyle.Stroke = canvas.Paint{Color: canvas.Gray}
		gridStyle.StrokeWidth = 0.3
		gridStyle.Dashes = []float64{2.0, 2.0}

		for x := math.Floor(view.minX/r.GridSpacing) * r.GridSpacing; x <= view.maxX; x += r.GridSpacing {
			gridPath := &canvas.Path{}
			x1, y1 := toCanvas(orb.Point{x, view.minY})
			x2, y2 := toCanvas(orb.Point{x, view.maxY})
			gridPath.MoveTo(x1, y1)
			gridPath.LineTo(x2, y2)
			renderer.RenderPath(gridPath, gridStyle, canvas.Identity)
		}
		for y := math.Floor(view.minY/r.GridSpacing) * r.GridSpacing; y <= view.maxY; y += r.GridSpacing {
			gridPath := &canvas.Path{}
			x1, y1 := toCanvas(orb.Point{view.minX, y})
			x2, y2 := toCanvas(orb.Point{view.maxX, y})
			gridPath.MoveTo(x1, y1)
			gridPath.LineTo(x2, y2)
			renderer.RenderPath(gridPath, gridStyle, canvas.Identity)
		}
	}

	if len(track) == 0 {
		return
	}

	// Trajectory polyline.
	if len(track) >= 2 {
		lineStyle := canvas.DefaultStyle
		lineStyle.Fill = canvas.Paint{Color: canvas.Transparent}
		lineStyle.Stroke = canvas.Paint{Color: canvasColor(trajectoryColor)}
		lineStyle.StrokeWidth = 1.0

		line := &canvas.Path{}
		for i, p := range track {
			cx, cy := toCanvas(p)
			if i == 0 {
				line.MoveTo(cx, cy)
			} else {
				line.LineTo(cx, cy)
			}
		}
		renderer.RenderPath(line, lineStyle, canvas.Identity)
	}

	// Poses retained by simplification.
	dotStyle := canvas.DefaultStyle
	dotStyle.Fill = canvas.Paint{Color: canvasColor(poseColor)}
	dotStyle.Stroke = canvas.Paint{Color: canvas.Transparent}

	for _, p := range track {
		cx, cy := toCanvas(p)
		renderer.RenderPath(canvas.Circle(0.8).Translate(cx, cy), dotStyle, canvas.Identity)
	}

	// Start marker. Text labels need a loaded font family in
	// tdewolff/canvas; the raster renderer carries the labels instead.
	startStyle := canvas.DefaultStyle
	startStyle.Fill = canvas.Paint{Color: canvasColor(startColor)}
	startStyle.Stroke = canvas.Paint{Color: canvas.Black}
	startStyle.StrokeWidth = 0.4

	sx, sy := toCanvas(track[0])
	renderer.RenderPath(canvas.Rectangle(3.0, 3.0).Translate(sx-1.5, sy-1.5), startStyle, canvas.Identity)
}
