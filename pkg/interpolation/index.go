package interpolation

import (
	"gonum.org/v1/gonum/spatial/kdtree"

	"drase/internal/models"
)

// Point3D wraps a position with its index in the source slice so that
// k-d tree hits can be mapped back to data.
type Point3D struct {
	models.Point3D
	Index int
}

// Compare implements the kdtree.Comparable interface
func (p Point3D) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(Point3D)
	switch d {
	case 0:
		return p.X - q.X
	case 1:
		return p.Y - q.Y
	case 2:
		return p.Z - q.Z
	default:
		panic("illegal dimension")
	}
}

// Dims returns the number of dimensions for the KD-tree
func (p Point3D) Dims() int { return 3 }

// Distance returns the squared Euclidean distance between two points
func (p Point3D) Distance(c kdtree.Comparable) float64 {
	q := c.(Point3D)
	dx := p.X - q.X
	dy := p.Y - q.Y
	dz := p.Z - q.Z
	return dx*dx + dy*dy + dz*dz
}

// Points3D is a collection of Point3D that satisfies kdtree.Interface
type Points3D []Point3D

func (p Points3D) Index(i int) kdtree.Comparable         { return p[i] }
func (p Points3D) Len() int                              { return len(p) }
func (p Points3D) Slice(start, end int) kdtree.Interface { return p[start:end] }

// Pivot implements the kdtree.Interface method
func (p Points3D) Pivot(d kdtree.Dim) int {
	return pointPlane{Points3D: p, Dim: d}.Pivot()
}

type pointPlane struct {
	Points3D
	kdtree.Dim
}

func (p pointPlane) Less(i, j int) bool {
	switch p.Dim {
	case 0:
		return p.Points3D[i].X < p.Points3D[j].X
	case 1:
		return p.Points3D[i].Y < p.Points3D[j].Y
	case 2:
		return p.Points3D[i].Z < p.Points3D[j].Z
	default:
		panic("illegal dimension")
	}
}

func (p pointPlane) Pivot() int { return kdtree.Partition(p, kdtree.MedianOfMedians(p)) }

func (p pointPlane) Slice(start, end int) kdtree.SortSlicer {
	return pointPlane{Points3D: p.Points3D[start:end], Dim: p.Dim}
}

func (p pointPlane) Swap(i, j int) {
	p.Points3D[i], p.Points3D[j] = p.Points3D[j], p.Points3D[i]
}

// PositionIndex finds data points by position.
type PositionIndex struct {
	tree *kdtree.Tree
	n    int
}

// NewPositionIndex builds a k-d tree over the given positions.
func NewPositionIndex(positions []models.Point3D) *PositionIndex {
	pts := make(Points3D, len(positions))
	for i, p := range positions {
		pts[i] = Point3D{Point3D: p, Index: i}
	}
	idx := &PositionIndex{n: len(pts)}
	if len(pts) > 0 {
		idx.tree = kdtree.New(pts, true)
	}
	return idx
}

// Exact returns the index of the stored position within tol (cm) of p.
func (idx *PositionIndex) Exact(p models.Point3D, tol float64) (int, bool) {
	if idx.tree == nil {
		return 0, false
	}
	got, dist := idx.tree.Nearest(Point3D{Point3D: p})
	if got == nil || dist > tol*tol {
		return 0, false
	}
	return got.(Point3D).Index, true
}

// Len returns the number of indexed positions
func (idx *PositionIndex) Len() int { return idx.n }
