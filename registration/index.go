package registration

import (
	"math"
	"sort"

	"github.com/golang/geo/r3"
)

// cellCoord identifies a voxel cell of the search grid.
type cellCoord struct {
	x, y, z int32
}

// pointIndex provides nearest neighbor queries over a fixed point set using
// a regular voxel grid. Cell size should approximately match the query
// radius so that a 3x3x3 neighborhood covers it.
type pointIndex struct {
	cellSize float64
	points   []r3.Vector
	grid     map[cellCoord][]int32
	minCell  cellCoord
	maxCell  cellCoord
}

// newPointIndex builds an index over points with the given cell size.
// A non-positive cell size falls back to 1.
func newPointIndex(points []r3.Vector, cellSize float64) *pointIndex {
	if cellSize <= 0 {
		cellSize = 1
	}
	ix := &pointIndex{
		cellSize: cellSize,
		points:   points,
		grid:     make(map[cellCoord][]int32, len(points)/4+1),
	}
	for i, p := range points {
		c := ix.cellOf(p)
		if i == 0 {
			ix.minCell, ix.maxCell = c, c
		} else {
			ix.minCell = cellCoord{x: min32(ix.minCell.x, c.x), y: min32(ix.minCell.y, c.y), z: min32(ix.minCell.z, c.z)}
			ix.maxCell = cellCoord{x: max32(ix.maxCell.x, c.x), y: max32(ix.maxCell.y, c.y), z: max32(ix.maxCell.z, c.z)}
		}
		ix.grid[c] = append(ix.grid[c], int32(i))
	}
	return ix
}

func (ix *pointIndex) cellOf(p r3.Vector) cellCoord {
	return cellCoord{
		x: int32(math.Floor(p.X / ix.cellSize)),
		y: int32(math.Floor(p.Y / ix.cellSize)),
		z: int32(math.Floor(p.Z / ix.cellSize)),
	}
}

// nearest returns the index and squared distance of the closest point to q
// within cellSize. The third result is false when no point lies in range.
func (ix *pointIndex) nearest(q r3.Vector) (int, float64, bool) {
	c := ix.cellOf(q)
	best := -1
	bestDist2 := ix.cellSize * ix.cellSize

	for dx := int32(-1); dx <= 1; dx++ {
		for dy := int32(-1); dy <= 1; dy++ {
			for dz := int32(-1); dz <= 1; dz++ {
				cell := cellCoord{x: c.x + dx, y: c.y + dy, z: c.z + dz}
				for _, i := range ix.grid[cell] {
					d2 := ix.points[i].Sub(q).Norm2()
					if d2 <= bestDist2 {
						best = int(i)
						bestDist2 = d2
					}
				}
			}
		}
	}

	if best < 0 {
		return 0, 0, false
	}
	return best, bestDist2, true
}

// kNearestSquared returns the squared distances to the k nearest points to
// q, sorted ascending, excluding the point at index exclude (pass -1 to
// keep all). Fewer than k distances are returned when the index holds fewer
// points. The search expands shell by shell until no closer candidate can
// exist.
func (ix *pointIndex) kNearestSquared(q r3.Vector, exclude, k int) []float64 {
	if k <= 0 {
		return nil
	}
	best := make([]float64, 0, k)
	c := ix.cellOf(q)

	// Beyond this shell every cell of the grid has been visited.
	maxShell := max32(chebyshev(c, ix.minCell), chebyshev(c, ix.maxCell))

	for s := int32(0); s <= maxShell; s++ {
		// Points in shell s are at least (s-1)*cellSize away.
		if len(best) == k {
			lower := float64(s-1) * ix.cellSize
			if lower > 0 && lower*lower > best[k-1] {
				break
			}
		}
		ix.scanShell(c, s, func(i int32) {
			if int(i) == exclude {
				return
			}
			d2 := ix.points[i].Sub(q).Norm2()
			at := sort.SearchFloat64s(best, d2)
			if at >= k {
				return
			}
			if len(best) < k {
				best = append(best, 0)
			}
			copy(best[at+1:], best[at:])
			best[at] = d2
		})
	}
	return best
}

// scanShell visits every indexed point whose cell has Chebyshev distance
// exactly s from center.
func (ix *pointIndex) scanShell(center cellCoord, s int32, visit func(int32)) {
	for dx := -s; dx <= s; dx++ {
		for dy := -s; dy <= s; dy++ {
			for dz := -s; dz <= s; dz++ {
				if max32(abs32(dx), max32(abs32(dy), abs32(dz))) != s {
					continue
				}
				cell := cellCoord{x: center.x + dx, y: center.y + dy, z: center.z + dz}
				for _, i := range ix.grid[cell] {
					visit(i)
				}
			}
		}
	}
}

func chebyshev(a, b cellCoord) int32 {
	return max32(abs32(a.x-b.x), max32(abs32(a.y-b.y), abs32(a.z-b.z)))
}

func abs32(v int32) int32 {
	if v < 0 {
		return -v
	}
	return v
}

func max32(a, b int32) int32 {
	if a > b {
		return a
	}
	return b
}

func min32(a, b int32) int32 {
	if a < b {
		return a
	}
	return b
}
