package align

import (
	"math"
	"testing"

	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"

	"github.com/SimonEnsemble/latent-cage-space/pointset"
)

// three distinct principal moments: 26, 20, 10
func axisSpanSet(id string) *pointset.PointSet {
	ps := pointset.New(id)
	ps.AddWeighted("X", pointset.NewVector(3, 0, 0), 1)
	ps.AddWeighted("X", pointset.NewVector(-3, 0, 0), 1)
	ps.AddWeighted("X", pointset.NewVector(0, 2, 0), 1)
	ps.AddWeighted("X", pointset.NewVector(0, -2, 0), 1)
	ps.AddWeighted("X", pointset.NewVector(0, 0, 1), 1)
	ps.AddWeighted("X", pointset.NewVector(0, 0, -1), 1)
	return ps
}

// all three principal moments coincide
func tetrahedronSet(id string) *pointset.PointSet {
	ps := pointset.New(id)
	ps.AddWeighted("X", pointset.NewVector(1, 1, 1), 1)
	ps.AddWeighted("X", pointset.NewVector(1, -1, -1), 1)
	ps.AddWeighted("X", pointset.NewVector(-1, 1, -1), 1)
	ps.AddWeighted("X", pointset.NewVector(-1, -1, 1), 1)
	return ps
}

func rotZ(deg float64) *mat.Dense {
	th := deg * math.Pi / 180
	return mat.NewDense(3, 3, []float64{
		math.Cos(th), -math.Sin(th), 0,
		math.Sin(th), math.Cos(th), 0,
		0, 0, 1,
	})
}

func TestInertiaTensorSymmetric(t *testing.T) {
	ps := pointset.New("sym")
	ps.AddWeighted("X", pointset.NewVector(1, 2, -1.5), 2)
	ps.AddWeighted("X", pointset.NewVector(-1, -2, 1.5), 2)
	ps.AddWeighted("X", pointset.NewVector(0.5, -0.25, 0.75), 4)
	ps.AddWeighted("X", pointset.NewVector(-0.5, 0.25, -0.75), 4)

	tensor, err := InertiaTensor(ps)
	test.That(t, err, test.ShouldBeNil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			test.That(t, tensor.At(i, j), test.ShouldAlmostEqual, tensor.At(j, i), 1e-8)
		}
	}
}

func TestInertiaTensorRequiresCentering(t *testing.T) {
	ps := pointset.New("off-center")
	ps.AddWeighted("X", pointset.NewVector(1, 0, 0), 1)
	ps.AddWeighted("X", pointset.NewVector(2, 0, 0), 1)

	_, err := InertiaTensor(ps)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "not centered")
}

func TestInertiaFrameEigenvalues(t *testing.T) {
	frame, err := NewInertiaFrame(axisSpanSet("spans"))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, frame.Ambiguous, test.ShouldBeFalse)
	test.That(t, frame.Eigenvalues[0], test.ShouldAlmostEqual, 26, 1e-8)
	test.That(t, frame.Eigenvalues[1], test.ShouldAlmostEqual, 20, 1e-8)
	test.That(t, frame.Eigenvalues[2], test.ShouldAlmostEqual, 10, 1e-8)

	test.That(t, checkOrthonormal(frame.Axes, 1e-8), test.ShouldBeNil)
	test.That(t, mat.Det(frame.Axes), test.ShouldAlmostEqual, 1, 1e-8)
}

func TestEigenvaluesSortedAfterRotation(t *testing.T) {
	rotated := axisSpanSet("spans").Rotate(rotZ(73)).Rotate(mat.NewDense(3, 3, []float64{
		1, 0, 0,
		0, 0, -1,
		0, 1, 0,
	}))
	frame, err := NewInertiaFrame(rotated)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, frame.Eigenvalues[0], test.ShouldBeGreaterThanOrEqualTo, frame.Eigenvalues[1])
	test.That(t, frame.Eigenvalues[1], test.ShouldBeGreaterThanOrEqualTo, frame.Eigenvalues[2])
	test.That(t, frame.Eigenvalues[0], test.ShouldAlmostEqual, 26, 1e-6)
	test.That(t, frame.Eigenvalues[2], test.ShouldAlmostEqual, 10, 1e-6)
}

func TestAlignPrincipalAxesRoundTrip(t *testing.T) {
	rotated := axisSpanSet("spans").Rotate(rotZ(31.5))

	aligned, frame, err := AlignPrincipalAxes(rotated)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, frame.Ambiguous, test.ShouldBeFalse)

	tensor, err := InertiaTensor(aligned)
	test.That(t, err, test.ShouldBeNil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			if i == j {
				test.That(t, tensor.At(i, j), test.ShouldAlmostEqual, frame.Eigenvalues[i], 1e-6)
			} else {
				test.That(t, math.Abs(tensor.At(i, j)), test.ShouldBeLessThan, 1e-6)
			}
		}
	}
}

func TestDegeneracyFlag(t *testing.T) {
	frame, err := NewInertiaFrame(tetrahedronSet("tetra"))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, frame.Ambiguous, test.ShouldBeTrue)

	// rotating the tetrahedron still yields equal moments and the output is
	// still usable
	aligned, frame, err := AlignPrincipalAxes(tetrahedronSet("tetra").Rotate(rotZ(12)))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, frame.Ambiguous, test.ShouldBeTrue)
	test.That(t, aligned.Size(), test.ShouldEqual, 4)
}

func TestDegeneracyReorderInvariant(t *testing.T) {
	base := tetrahedronSet("tetra")
	shuffled := pointset.New("tetra-shuffled")
	for _, i := range []int{2, 0, 3, 1} {
		p := base.At(i)
		shuffled.AddWeighted(p.Label, p.Position, p.Weight)
	}

	f1, err := NewInertiaFrame(base)
	test.That(t, err, test.ShouldBeNil)
	f2, err := NewInertiaFrame(shuffled)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, f1.Ambiguous, test.ShouldEqual, f2.Ambiguous)
	for i := 0; i < 3; i++ {
		test.That(t, f1.Eigenvalues[i], test.ShouldAlmostEqual, f2.Eigenvalues[i], 1e-8)
	}
}

func TestNearDegenerateWithinOnePercent(t *testing.T) {
	// moments 2.004, 1.504, 1.5: the bottom two gap is well under 1%
	ps := pointset.New("near")
	a := 0.5
	b := math.Sqrt(0.5)
	c := math.Sqrt(0.502)
	ps.AddWeighted("X", pointset.NewVector(c, 0, 0), 1)
	ps.AddWeighted("X", pointset.NewVector(-c, 0, 0), 1)
	ps.AddWeighted("X", pointset.NewVector(0, b, 0), 1)
	ps.AddWeighted("X", pointset.NewVector(0, -b, 0), 1)
	ps.AddWeighted("X", pointset.NewVector(0, 0, a), 1)
	ps.AddWeighted("X", pointset.NewVector(0, 0, -a), 1)

	frame, err := NewInertiaFrame(ps)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, frame.Ambiguous, test.ShouldBeTrue)
}

func TestDegeneracyGapsJudgedPerPair(t *testing.T) {
	// moments 2.0, 1.015, 1.0: the bottom two gap is ~1.5% of the second
	// moment. A dominant first moment must not drag the pair under the
	// threshold.
	ps := pointset.New("separated")
	a := math.Sqrt(0.00375)
	b := math.Sqrt(0.49625)
	c := math.Sqrt(0.50375)
	ps.AddWeighted("X", pointset.NewVector(c, 0, 0), 1)
	ps.AddWeighted("X", pointset.NewVector(-c, 0, 0), 1)
	ps.AddWeighted("X", pointset.NewVector(0, b, 0), 1)
	ps.AddWeighted("X", pointset.NewVector(0, -b, 0), 1)
	ps.AddWeighted("X", pointset.NewVector(0, 0, a), 1)
	ps.AddWeighted("X", pointset.NewVector(0, 0, -a), 1)

	frame, err := NewInertiaFrame(ps)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, frame.Eigenvalues[0], test.ShouldAlmostEqual, 2.0, 1e-8)
	test.That(t, frame.Eigenvalues[1], test.ShouldAlmostEqual, 1.015, 1e-8)
	test.That(t, frame.Eigenvalues[2], test.ShouldAlmostEqual, 1.0, 1e-8)
	test.That(t, frame.Ambiguous, test.ShouldBeFalse)
}
