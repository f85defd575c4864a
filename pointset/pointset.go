// Package pointset defines an ordered, weighted 3D point set used as a shape
// proxy for a cage structure, either raw atomic coordinates or a sampled
// void-space point cloud.
//
// A PointSet is never mutated after construction; geometric operations return
// a new set so callers can hold references across scheduler rounds safely.
package pointset

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// CenteringTolerance is the maximum magnitude of the weighted centroid for a
// point set to count as centered at the origin.
const CenteringTolerance = 1e-4

// NewVector convenience method for creating a vector.
func NewVector(x, y, z float64) r3.Vector {
	return r3.Vector{X: x, Y: y, Z: z}
}

// Point is a single sample of a structure: a position, a label carried
// through from the generator, and a scalar weight (atomic mass for molecular
// coordinates, 1 for void-space samples).
type Point struct {
	Label    string
	Position r3.Vector
	Weight   float64
}

// PointSet is an ordered sequence of weighted points identified by a
// structure ID.
type PointSet struct {
	id     string
	points []Point
}

// New returns an empty point set for the given structure ID.
func New(id string) *PointSet {
	return &PointSet{id: id}
}

// NewFromPoints returns a point set holding a copy of the given points.
func NewFromPoints(id string, pts []Point) *PointSet {
	ps := &PointSet{id: id, points: make([]Point, len(pts))}
	copy(ps.points, pts)
	return ps
}

// Add appends a point whose weight is looked up from its label, falling back
// to 1 for labels that are not element symbols.
func (ps *PointSet) Add(label string, pos r3.Vector) {
	ps.points = append(ps.points, Point{Label: label, Position: pos, Weight: MassOf(label)})
}

// AddWeighted appends a point with an explicit weight.
func (ps *PointSet) AddWeighted(label string, pos r3.Vector, weight float64) {
	ps.points = append(ps.points, Point{Label: label, Position: pos, Weight: weight})
}

// ID returns the structure ID.
func (ps *PointSet) ID() string {
	return ps.id
}

// Size returns the number of points.
func (ps *PointSet) Size() int {
	return len(ps.points)
}

// At returns the i-th point.
func (ps *PointSet) At(i int) Point {
	return ps.points[i]
}

// Points returns a copy of the underlying points in order.
func (ps *PointSet) Points() []Point {
	out := make([]Point, len(ps.points))
	copy(out, ps.points)
	return out
}

// TotalWeight returns the sum of all point weights.
func (ps *PointSet) TotalWeight() float64 {
	var sum float64
	for _, p := range ps.points {
		sum += p.Weight
	}
	return sum
}

// Centroid returns the weight-averaged center of the set.
func (ps *PointSet) Centroid() (r3.Vector, error) {
	w := ps.TotalWeight()
	if len(ps.points) == 0 || w == 0 {
		return r3.Vector{}, errors.Errorf("point set %q has no weight to average over", ps.id)
	}
	var c r3.Vector
	for _, p := range ps.points {
		c = c.Add(p.Position.Mul(p.Weight))
	}
	return c.Mul(1 / w), nil
}

// IsCentered reports whether the weighted centroid lies at the origin within
// CenteringTolerance.
func (ps *PointSet) IsCentered() bool {
	c, err := ps.Centroid()
	if err != nil {
		return false
	}
	return c.Norm() <= CenteringTolerance
}

// Center returns a copy translated so its weighted centroid is at the origin,
// along with the offset that was removed.
func (ps *PointSet) Center() (*PointSet, r3.Vector, error) {
	c, err := ps.Centroid()
	if err != nil {
		return nil, r3.Vector{}, err
	}
	return ps.Translate(c.Mul(-1)), c, nil
}

// Translate returns a copy with the offset added to every position.
func (ps *PointSet) Translate(offset r3.Vector) *PointSet {
	out := &PointSet{id: ps.id, points: make([]Point, len(ps.points))}
	for i, p := range ps.points {
		p.Position = p.Position.Add(offset)
		out.points[i] = p
	}
	return out
}

// Rotate returns a copy with every position left-multiplied by the given 3x3
// matrix.
func (ps *PointSet) Rotate(rot mat.Matrix) *PointSet {
	return ps.Transform(rot, r3.Vector{})
}

// Transform returns a copy with every position p replaced by rot*p + offset.
func (ps *PointSet) Transform(rot mat.Matrix, offset r3.Vector) *PointSet {
	r, c := rot.Dims()
	if r != 3 || c != 3 {
		panic(errors.Errorf("expected 3x3 rotation, got %dx%d", r, c))
	}
	out := &PointSet{id: ps.id, points: make([]Point, len(ps.points))}
	for i, p := range ps.points {
		v := p.Position
		p.Position = r3.Vector{
			X: rot.At(0, 0)*v.X + rot.At(0, 1)*v.Y + rot.At(0, 2)*v.Z + offset.X,
			Y: rot.At(1, 0)*v.X + rot.At(1, 1)*v.Y + rot.At(1, 2)*v.Z + offset.Y,
			Z: rot.At(2, 0)*v.X + rot.At(2, 1)*v.Y + rot.At(2, 2)*v.Z + offset.Z,
		}
		out.points[i] = p
	}
	return out
}

// Matrix returns the positions as an n x 3 dense matrix, one point per row.
func (ps *PointSet) Matrix() *mat.Dense {
	m := mat.NewDense(len(ps.points), 3, nil)
	for i, p := range ps.points {
		m.Set(i, 0, p.Position.X)
		m.Set(i, 1, p.Position.Y)
		m.Set(i, 2, p.Position.Z)
	}
	return m
}

// MeanSquaredSeparation returns the mean of the squared distances between
// every pair of points drawn one from each set.
func (ps *PointSet) MeanSquaredSeparation(other *PointSet) float64 {
	if len(ps.points) == 0 || len(other.points) == 0 {
		return 0
	}
	var sum float64
	for _, p := range ps.points {
		for _, q := range other.points {
			d := p.Position.Sub(q.Position)
			sum += d.Dot(d)
		}
	}
	return sum / float64(len(ps.points)*len(other.points))
}

// RadiusOfGyration returns the weighted root-mean-square distance of the
// points from the centroid. Useful as a size scale for diagnostics.
func (ps *PointSet) RadiusOfGyration() float64 {
	c, err := ps.Centroid()
	if err != nil {
		return 0
	}
	var sum float64
	for _, p := range ps.points {
		d := p.Position.Sub(c)
		sum += p.Weight * d.Dot(d)
	}
	return math.Sqrt(sum / ps.TotalWeight())
}
