package registration

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"sync"

	"github.com/golang/geo/r3"
)

// MeshSink accumulates registered frames into a volumetric model and
// extracts a surface mesh from it. Integrate may be called concurrently.
type MeshSink interface {
	PrepareVolume() error
	Integrate(frames []Frame) error
	CalculateMesh() error
	GetMesh() (*Mesh, error)
}

// VoxelVolume is an occupancy-grid MeshSink. Integrated points mark cells
// of a uniform grid; CalculateMesh emits two triangles for every cell face
// that borders empty space.
type VoxelVolume struct {
	mu        sync.Mutex
	voxelSize float64
	cells     map[cellCoord]struct{}
	mesh      *Mesh
	prepared  bool
}

// NewVoxelVolume creates a volume with the given cell edge length.
// Non-positive sizes fall back to 0.1.
func NewVoxelVolume(voxelSize float64) *VoxelVolume {
	if voxelSize <= 0 {
		voxelSize = 0.1
	}
	return &VoxelVolume{voxelSize: voxelSize}
}

// PrepareVolume resets the volume. It must be called before Integrate.
func (v *VoxelVolume) PrepareVolume() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cells = make(map[cellCoord]struct{})
	v.mesh = nil
	v.prepared = true
	return nil
}

// Integrate marks every cell touched by the frames' points as occupied.
func (v *VoxelVolume) Integrate(frames []Frame) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.prepared {
		return fmt.Errorf("integrate: %w", ErrNotPrepared)
	}
	for _, f := range frames {
		if f.Cloud == nil {
			continue
		}
		for _, p := range f.Cloud.Points {
			v.cells[v.cellOf(p)] = struct{}{}
		}
	}
	return nil
}

func (v *VoxelVolume) cellOf(p r3.Vector) cellCoord {
	return cellCoord{
		x: int32(math.Floor(p.X / v.voxelSize)),
		y: int32(math.Floor(p.Y / v.voxelSize)),
		z: int32(math.Floor(p.Z / v.voxelSize)),
	}
}

// OccupiedCells reports how many cells the integrated frames cover.
func (v *VoxelVolume) OccupiedCells() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.cells)
}

// voxelFaces enumerates the six cell faces: the neighbor offset that hides
// the face and its four corners in corner-lattice coordinates, wound
// counter-clockwise seen from outside.
var voxelFaces = [6]struct {
	dx, dy, dz int32
	corners    [4][3]int32
}{
	{+1, 0, 0, [4][3]int32{{1, 0, 0}, {1, 1, 0}, {1, 1, 1}, {1, 0, 1}}},
	{-1, 0, 0, [4][3]int32{{0, 0, 1}, {0, 1, 1}, {0, 1, 0}, {0, 0, 0}}},
	{0, +1, 0, [4][3]int32{{0, 1, 0}, {0, 1, 1}, {1, 1, 1}, {1, 1, 0}}},
	{0, -1, 0, [4][3]int32{{0, 0, 0}, {1, 0, 0}, {1, 0, 1}, {0, 0, 1}}},
	{0, 0, +1, [4][3]int32{{0, 0, 1}, {1, 0, 1}, {1, 1, 1}, {0, 1, 1}}},
	{0, 0, -1, [4][3]int32{{0, 0, 0}, {0, 1, 0}, {1, 1, 0}, {1, 0, 0}}},
}

// CalculateMesh extracts the surface between occupied and empty cells.
// Shared corners are emitted once, so the surface of a solid block is
// closed.
func (v *VoxelVolume) CalculateMesh() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.prepared {
		return fmt.Errorf("calculate mesh: %w", ErrNotPrepared)
	}

	cells := make([]cellCoord, 0, len(v.cells))
	for c := range v.cells {
		cells = append(cells, c)
	}
	sort.Slice(cells, func(i, j int) bool {
		a, b := cells[i], cells[j]
		if a.x != b.x {
			return a.x < b.x
		}
		if a.y != b.y {
			return a.y < b.y
		}
		return a.z < b.z
	})

	mesh := &Mesh{}
	corners := make(map[cellCoord]int)
	vertexAt := func(x, y, z int32) int {
		c := cellCoord{x: x, y: y, z: z}
		if idx, ok := corners[c]; ok {
			return idx
		}
		idx := len(mesh.Vertices)
		corners[c] = idx
		mesh.Vertices = append(mesh.Vertices, r3.Vector{
			X: float64(x) * v.voxelSize,
			Y: float64(y) * v.voxelSize,
			Z: float64(z) * v.voxelSize,
		})
		return idx
	}

	for _, c := range cells {
		for _, face := range voxelFaces {
			neighbor := cellCoord{x: c.x + face.dx, y: c.y + face.dy, z: c.z + face.dz}
			if _, occupied := v.cells[neighbor]; occupied {
				continue
			}
			var quad [4]int
			for i, corner := range face.corners {
				quad[i] = vertexAt(c.x+corner[0], c.y+corner[1], c.z+corner[2])
			}
			mesh.Triangles = append(mesh.Triangles, [3]int{quad[0], quad[1], quad[2]})
			mesh.Triangles = append(mesh.Triangles, [3]int{quad[0], quad[2], quad[3]})
		}
	}

	v.mesh = mesh
	return nil
}

// GetMesh returns the extracted surface. CalculateMesh must run first.
func (v *VoxelVolume) GetMesh() (*Mesh, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.mesh == nil {
		return nil, ErrMeshNotCalculated
	}
	return v.mesh, nil
}

// NullMeshSink discards everything fed into it. GetMesh returns an empty
// mesh so downstream consumers stay safe when meshing is disabled.
type NullMeshSink struct{}

func (NullMeshSink) PrepareVolume() error { return nil }
func (NullMeshSink) Integrate([]Frame) error { return nil }
func (NullMeshSink) CalculateMesh() error { return nil }
func (NullMeshSink) GetMesh() (*Mesh, error) { return &Mesh{}, nil }

// WriteBinarySTL writes the mesh in binary STL format. Facet normals are
// recomputed from the triangle winding.
func WriteBinarySTL(w io.Writer, m *Mesh) error {
	var header [80]byte
	copy(header[:], "roomscanner voxel surface")
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("stl header: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(m.Triangles))); err != nil {
		return fmt.Errorf("stl triangle count: %w", err)
	}

	buf := make([]byte, 50)
	for _, tri := range m.Triangles {
		a, b, c := m.Vertices[tri[0]], m.Vertices[tri[1]], m.Vertices[tri[2]]
		n := b.Sub(a).Cross(c.Sub(a))
		if norm := n.Norm(); norm > 0 {
			n = n.Mul(1 / norm)
		}
		off := 0
		for _, v := range []r3.Vector{n, a, b, c} {
			binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(float32(v.X)))
			binary.LittleEndian.PutUint32(buf[off+4:], math.Float32bits(float32(v.Y)))
			binary.LittleEndian.PutUint32(buf[off+8:], math.Float32bits(float32(v.Z)))
			off += 12
		}
		binary.LittleEndian.PutUint16(buf[48:], 0)
		if _, err := w.Write(buf); err != nil {
			return fmt.Errorf("stl facet: %w", err)
		}
	}
	return nil
}

// WriteSTLFile writes the mesh to path in binary STL format.
func WriteSTLFile(path string, m *Mesh) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := WriteBinarySTL(f, m); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
