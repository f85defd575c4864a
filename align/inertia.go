package align

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/SimonEnsemble/latent-cage-space/pointset"
)

const (
	// degeneracyRelTol is the relative eigenvalue gap below which two
	// principal moments are treated as coincident.
	degeneracyRelTol = 0.01
	// diagonalTol bounds the off-diagonal entries of the rotated tensor.
	diagonalTol = 1e-6
	// orthonormalTol bounds |VᵀV - I| for the eigenvector matrix.
	orthonormalTol = 1e-8
)

// InertiaFrame is the principal-axis frame of a centered point set: the
// eigenvalues of its inertia tensor sorted descending and the matching
// orthonormal eigenvectors as columns of Axes.
//
// Ambiguous is set when two eigenvalues coincide within 1% relative
// tolerance. Any rotation within the degenerate eigenspace is then equally
// valid, so the frame must not be treated as authoritative.
type InertiaFrame struct {
	Eigenvalues [3]float64
	Axes        *mat.Dense
	Ambiguous   bool
}

// InertiaTensor builds the 3x3 mass-weighted inertia tensor of a centered
// point set. It errors if the weighted centroid is off the origin by more
// than pointset.CenteringTolerance.
func InertiaTensor(ps *pointset.PointSet) (*mat.SymDense, error) {
	c, err := ps.Centroid()
	if err != nil {
		return nil, err
	}
	if c.Norm() > pointset.CenteringTolerance {
		return nil, NewNotCenteredError(ps.ID(), c.Norm())
	}

	var xx, yy, zz, xy, xz, yz float64
	for i := 0; i < ps.Size(); i++ {
		p := ps.At(i)
		v, w := p.Position, p.Weight
		xx += w * (v.Y*v.Y + v.Z*v.Z)
		yy += w * (v.X*v.X + v.Z*v.Z)
		zz += w * (v.X*v.X + v.Y*v.Y)
		xy -= w * v.X * v.Y
		xz -= w * v.X * v.Z
		yz -= w * v.Y * v.Z
	}
	return mat.NewSymDense(3, []float64{
		xx, xy, xz,
		xy, yy, yz,
		xz, yz, zz,
	}), nil
}

// NewInertiaFrame diagonalizes the inertia tensor of a centered point set and
// returns its principal-axis frame.
func NewInertiaFrame(ps *pointset.PointSet) (*InertiaFrame, error) {
	tensor, err := InertiaTensor(ps)
	if err != nil {
		return nil, err
	}

	var eig mat.EigenSym
	if ok := eig.Factorize(tensor, true); !ok {
		return nil, errors.Errorf("inertia tensor of %q failed to diagonalize", ps.ID())
	}
	vals := eig.Values(nil)
	var vecs mat.Dense
	eig.VectorsTo(&vecs)

	// EigenSym returns ascending order; the frame wants descending.
	axes := mat.NewDense(3, 3, nil)
	var frame InertiaFrame
	for j := 0; j < 3; j++ {
		src := 2 - j
		frame.Eigenvalues[j] = vals[src]
		for i := 0; i < 3; i++ {
			axes.Set(i, j, vecs.At(i, src))
		}
	}
	// Eigenvector signs are arbitrary; force a proper rotation.
	if mat.Det(axes) < 0 {
		for i := 0; i < 3; i++ {
			axes.Set(i, 2, -axes.At(i, 2))
		}
	}
	frame.Axes = axes

	if err := checkOrthonormal(axes, orthonormalTol); err != nil {
		return nil, errors.Wrapf(err, "eigenvectors of %q", ps.ID())
	}

	// Each gap is judged relative to the larger moment of its own pair, so a
	// dominant first moment cannot mask a well-separated bottom pair.
	if frame.Eigenvalues[0]-frame.Eigenvalues[1] <= degeneracyRelTol*math.Max(frame.Eigenvalues[0], 1e-12) ||
		frame.Eigenvalues[1]-frame.Eigenvalues[2] <= degeneracyRelTol*math.Max(frame.Eigenvalues[1], 1e-12) {
		frame.Ambiguous = true
	}
	return &frame, nil
}

// AlignPrincipalAxes rotates a centered point set into its principal-axis
// frame (positions left-multiplied by Axesᵀ) and verifies that the rotated
// tensor is diagonal with the sorted eigenvalues on the diagonal.
func AlignPrincipalAxes(ps *pointset.PointSet) (*pointset.PointSet, *InertiaFrame, error) {
	frame, err := NewInertiaFrame(ps)
	if err != nil {
		return nil, nil, err
	}
	rotated := ps.Rotate(frame.Axes.T())

	check, err := InertiaTensor(rotated)
	if err != nil {
		return nil, nil, err
	}
	tol := diagonalTol * math.Max(frame.Eigenvalues[0], 1)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			want := 0.0
			if i == j {
				want = frame.Eigenvalues[i]
			}
			if math.Abs(check.At(i, j)-want) > tol {
				return nil, nil, errors.Errorf(
					"rotated inertia tensor of %q is not diagonal at (%d,%d): got %g, want %g",
					ps.ID(), i, j, check.At(i, j), want)
			}
		}
	}
	return rotated, frame, nil
}

func checkOrthonormal(r mat.Matrix, tol float64) error {
	var rrt mat.Dense
	rrt.Mul(r, r.T())
	var maxDev float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			want := 0.0
			if i == j {
				want = 1
			}
			if dev := math.Abs(rrt.At(i, j) - want); dev > maxDev {
				maxDev = dev
			}
		}
	}
	if maxDev > tol {
		return errors.Errorf("matrix is not orthonormal: |RRᵀ-I|=%g", maxDev)
	}
	return nil
}
