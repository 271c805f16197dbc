package registration

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"

	"github.com/golang/geo/r3"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// Rendering colors shared by the raster views.
var (
	renderBackground = color.NRGBA{240, 240, 240, 255}
	trajectoryColor  = color.NRGBA{0, 0, 139, 255}     // Dark blue
	poseColor        = color.NRGBA{255, 215, 0, 255}   // Gold
	cloudColor       = color.NRGBA{120, 120, 120, 255} // Grey
	keypointColor    = color.NRGBA{255, 99, 71, 255}   // Tomato
	meshEdgeColor    = color.NRGBA{60, 60, 60, 255}    // Dark grey
	startColor       = color.NRGBA{0, 100, 0, 255}     // Dark green
)

// loopPalette colors loops in summary views.
var loopPalette = []color.NRGBA{
	{100, 149, 237, 255}, // Cornflower blue
	{255, 99, 71, 255},   // Tomato
	{144, 238, 144, 255}, // Light green
	{255, 215, 0, 255},   // Gold
	{186, 85, 211, 255},  // Medium orchid
	{70, 130, 180, 255},  // Steel blue
}

// PoseRenderer is a VisualizationSink writing top-down raster PNG views
// into OutputDir. The world is projected onto the X/Z plane, dropping
// height. Loop views go to separate files, so concurrent VisualizeLoop
// calls are safe.
type PoseRenderer struct {
	OutputDir string
	Scale     float64 // Pixels per world unit
	Padding   int     // Pixels around the drawable area
	PointStep int     // Render every nth cloud point
}

// NewPoseRenderer creates a renderer with default settings.
func NewPoseRenderer(outputDir string) *PoseRenderer {
	return &PoseRenderer{
		OutputDir: outputDir,
		Scale:     100,
		Padding:   30,
		PointStep: 2,
	}
}

// Redraw removes the renderer's previous output files.
func (r *PoseRenderer) Redraw() error {
	for _, pattern := range []string{"loop_*.png", "loops.png", "camera_poses.png", "mesh.png"} {
		matches, err := filepath.Glob(filepath.Join(r.OutputDir, pattern))
		if err != nil {
			return fmt.Errorf("redraw: %w", err)
		}
		for _, m := range matches {
			if err := os.Remove(m); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("redraw: %w", err)
			}
		}
	}
	return nil
}

// VisualizeCameraPoses draws the camera trajectory with one marker per
// pose and a square at the start.
func (r *PoseRenderer) VisualizeCameraPoses(transforms []Transform) error {
	points := make([]flatPoint, len(transforms))
	for i, t := range transforms {
		points[i] = flatten(t.Origin())
	}

	view := r.newView(points)
	for i := 1; i < len(points); i++ {
		x0, y0 := view.toImage(points[i-1])
		x1, y1 := view.toImage(points[i])
		drawLine(view.img, x0, y0, x1, y1, trajectoryColor)
	}
	for _, p := range points {
		x, y := view.toImage(p)
		drawCircle(view.img, x, y, 3, poseColor)
	}
	if len(points) > 0 {
		x, y := view.toImage(points[0])
		drawSquare(view.img, x, y, 8, startColor)
		drawText(view.img, x+8, y-8, "start", color.NRGBA{0, 0, 0, 255})
	}
	return r.savePNG("camera_poses.png", view.img)
}

// VisualizeMesh draws the wireframe of the extracted surface.
func (r *PoseRenderer) VisualizeMesh(m *Mesh) error {
	points := make([]flatPoint, len(m.Vertices))
	for i, v := range m.Vertices {
		points[i] = flatten(v)
	}

	view := r.newView(points)
	for _, tri := range m.Triangles {
		for i := 0; i < 3; i++ {
			x0, y0 := view.toImage(points[tri[i]])
			x1, y1 := view.toImage(points[tri[(i+1)%3]])
			drawLine(view.img, x0, y0, x1, y1, meshEdgeColor)
		}
	}
	return r.savePNG("mesh.png", view.img)
}

// VisualizeLoop draws one registered loop: aligned cloud points, keypoints
// and the camera path through the loop.
func (r *PoseRenderer) VisualizeLoop(view LoopView) error {
	step := r.PointStep
	if step < 1 {
		step = 1
	}

	var cloud, keypoints, cameras []flatPoint
	for _, f := range view.TransformedFrames {
		if f.Cloud == nil {
			continue
		}
		for i := 0; i < f.Cloud.Len(); i += step {
			cloud = append(cloud, flatten(f.Cloud.Points[i]))
		}
	}
	for _, kp := range view.Keypoints {
		for _, p := range kp.Points {
			keypoints = append(keypoints, flatten(p))
		}
	}
	for _, t := range view.Transforms {
		cameras = append(cameras, flatten(t.Origin()))
	}

	all := make([]flatPoint, 0, len(cloud)+len(keypoints)+len(cameras))
	all = append(all, cloud...)
	all = append(all, keypoints...)
	all = append(all, cameras...)

	rv := r.newView(all)
	for _, p := range cloud {
		x, y := rv.toImage(p)
		setPixel(rv.img, x, y, cloudColor)
	}
	for _, p := range keypoints {
		x, y := rv.toImage(p)
		drawSquare(rv.img, x, y, 2, keypointColor)
	}
	for i := 1; i < len(cameras); i++ {
		x0, y0 := rv.toImage(cameras[i-1])
		x1, y1 := rv.toImage(cameras[i])
		drawLine(rv.img, x0, y0, x1, y1, trajectoryColor)
	}
	for _, p := range cameras {
		x, y := rv.toImage(p)
		drawCircle(rv.img, x, y, 3, poseColor)
	}
	drawText(rv.img, 10, 15, fmt.Sprintf("loop [%d, %d]", view.Loop.Start, view.Loop.End),
		color.NRGBA{0, 0, 0, 255})

	return r.savePNG(fmt.Sprintf("loop_%04d_%04d.png", view.Loop.Start, view.Loop.End), rv.img)
}

// VisualizeLoops draws every loop's camera path in its own color.
func (r *PoseRenderer) VisualizeLoops(loops []Loop) error {
	paths := make([][]flatPoint, len(loops))
	var all []flatPoint
	for i, loop := range loops {
		for _, t := range loop.InnerTransforms {
			p := flatten(t.Origin())
			paths[i] = append(paths[i], p)
			all = append(all, p)
		}
	}

	view := r.newView(all)
	for i, path := range paths {
		c := loopPalette[i%len(loopPalette)]
		for j := 1; j < len(path); j++ {
			x0, y0 := view.toImage(path[j-1])
			x1, y1 := view.toImage(path[j])
			drawLine(view.img, x0, y0, x1, y1, c)
		}
		for _, p := range path {
			x, y := view.toImage(p)
			drawCircle(view.img, x, y, 2, c)
		}
	}
	return r.savePNG("loops.png", view.img)
}

func (r *PoseRenderer) savePNG(name string, img *image.RGBA) error {
	if err := os.MkdirAll(r.OutputDir, 0o755); err != nil {
		return fmt.Errorf("render %s: %w", name, err)
	}
	f, err := os.Create(filepath.Join(r.OutputDir, name))
	if err != nil {
		return fmt.Errorf("render %s: %w", name, err)
	}
	defer func() { _ = f.Close() }()

	if err := png.Encode(f, img); err != nil {
		return fmt.Errorf("render %s: %w", name, err)
	}
	return nil
}

// flatPoint is a world point projected to the X/Z ground plane.
type flatPoint struct {
	x, y float64
}

func flatten(v r3.Vector) flatPoint {
	return flatPoint{x: v.X, y: v.Z}
}

// rasterView maps projected world coordinates onto an image.
type rasterView struct {
	img        *image.RGBA
	minX, minY float64
	scale      float64
	padding    int
}

// newView sizes an image to fit the points and fills the background.
// Oversized views are scaled down to at most 4000 pixels per side.
func (r *PoseRenderer) newView(points []flatPoint) *rasterView {
	minX, minY := math.MaxFloat64, math.MaxFloat64
	maxX, maxY := -math.MaxFloat64, -math.MaxFloat64
	for _, p := range points {
		minX = math.Min(minX, p.x)
		minY = math.Min(minY, p.y)
		maxX = math.Max(maxX, p.x)
		maxY = math.Max(maxY, p.y)
	}
	if len(points) == 0 {
		minX, minY, maxX, maxY = 0, 0, 0, 0
	}

	scale := r.Scale
	if scale <= 0 {
		scale = 100
	}
	width := int((maxX-minX)*scale) + 2*r.Padding
	height := int((maxY-minY)*scale) + 2*r.Padding
	if width > 4000 {
		scale *= float64(4000) / float64(width)
		width = 4000
		height = int((maxY-minY)*scale) + 2*r.Padding
	}
	if height > 4000 {
		scale *= float64(4000) / float64(height)
		height = 4000
		width = int((maxX-minX)*scale) + 2*r.Padding
	}
	if width <= 0 {
		width = 2*r.Padding + 1
	}
	if height <= 0 {
		height = 2*r.Padding + 1
	}

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, renderBackground)
		}
	}
	return &rasterView{img: img, minX: minX, minY: minY, scale: scale, padding: r.Padding}
}

func (v *rasterView) toImage(p flatPoint) (int, int) {
	x := int((p.x-v.minX)*v.scale) + v.padding
	y := int((p.y-v.minY)*v.scale) + v.padding
	return x, y
}

func setPixel(img *image.RGBA, x, y int, c color.Color) {
	b := img.Bounds()
	if x >= b.Min.X && x < b.Max.X && y >= b.Min.Y && y < b.Max.Y {
		img.Set(x, y, c)
	}
}

// drawLine steps along the segment one pixel at a time.
func drawLine(img *image.RGBA, x0, y0, x1, y1 int, c color.Color) {
	steps := iabs(x1 - x0)
	if dy := iabs(y1 - y0); dy > steps {
		steps = dy
	}
	if steps == 0 {
		setPixel(img, x0, y0, c)
		return
	}
	for i := 0; i <= steps; i++ {
		t := float64(i) / float64(steps)
		x := int(math.Round(float64(x0) + t*float64(x1-x0)))
		y := int(math.Round(float64(y0) + t*float64(y1-y0)))
		setPixel(img, x, y, c)
	}
}

// drawCircle draws a filled circle.
func drawCircle(img *image.RGBA, cx, cy, radius int, c color.Color) {
	for dy := -radius; dy <= radius; dy++ {
		for dx := -radius; dx <= radius; dx++ {
			if dx*dx+dy*dy <= radius*radius {
				setPixel(img, cx+dx, cy+dy, c)
			}
		}
	}
}

// drawSquare draws a filled square.
func drawSquare(img *image.RGBA, cx, cy, size int, c color.Color) {
	half := size / 2
	for dy := -half; dy <= half; dy++ {
		for dx := -half; dx <= half; dx++ {
			setPixel(img, cx+dx, cy+dy, c)
		}
	}
}

// drawText renders text at the given position.
func drawText(img *image.RGBA, x, y int, text string, c color.Color) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}

func iabs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
