package align

import (
	"math"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/SimonEnsemble/latent-cage-space/pointset"
)

const (
	// sigmaFloor keeps the variance update away from exact zero, where the
	// Gaussian kernel collapses.
	sigmaFloor = 1e-12
	// rotationOrthoTol and rotationDetTol bound the post-hoc sanity check on
	// every recovered rotation.
	rotationOrthoTol = 1e-8
	rotationDetTol   = 1e-6
)

// StopReason records why an EM registration loop terminated.
type StopReason int

const (
	// StopNone means the loop has not terminated.
	StopNone StopReason = iota
	// StopVarianceBelowTolerance means a tight fit was achieved.
	StopVarianceBelowTolerance
	// StopObjectiveStalled means the objective's improvement fell below
	// tolerance or the objective got worse. The latter conflicts with the EM
	// guarantee and is treated as a numerical early-stop, not as evidence of
	// an optimum.
	StopObjectiveStalled
	// StopMaxIterations means the hard iteration cap was hit.
	StopMaxIterations
)

func (r StopReason) String() string {
	switch r {
	case StopVarianceBelowTolerance:
		return "variance below tolerance"
	case StopObjectiveStalled:
		return "objective stopped decreasing"
	case StopMaxIterations:
		return "max EM steps reached"
	default:
		return "running"
	}
}

func stopReasonFromString(s string) StopReason {
	switch s {
	case "variance below tolerance":
		return StopVarianceBelowTolerance
	case "objective stopped decreasing":
		return StopObjectiveStalled
	case "max EM steps reached":
		return StopMaxIterations
	default:
		return StopNone
	}
}

// Config tunes the EM registration loop.
type Config struct {
	// OutlierWeight in [0,1) is the mass given to a uniform noise component,
	// absorbing points with no good match.
	OutlierWeight float64 `yaml:"outlier_weight"`
	// SigmaTolerance stops the loop once the noise variance drops below it.
	SigmaTolerance float64 `yaml:"sigma_tolerance"`
	// ObjectiveTolerance stops the loop once successive objective improvement
	// falls below it.
	ObjectiveTolerance float64 `yaml:"objective_tolerance"`
	// MaxIterations caps the number of EM rounds.
	MaxIterations int `yaml:"max_iterations"`
	// Verbose emits per-iteration diagnostics on the logger.
	Verbose bool `yaml:"verbose"`
}

// DefaultConfig returns registration parameters that work well for cage-sized
// point sets (tens to a few thousand points).
func DefaultConfig() Config {
	return Config{
		OutlierWeight:      0.1,
		SigmaTolerance:     1e-5,
		ObjectiveTolerance: 1e-6,
		MaxIterations:      100,
	}
}

// RegistrationResult is the outcome of one pairwise rigid registration,
// mapping the moving set onto the reference as x ≈ R·y + t.
type RegistrationResult struct {
	MoverID     string
	ReferenceID string
	Rotation    *mat.Dense
	Translation r3.Vector
	Variance    float64
	Objective   float64
	Iterations  int
	Reason      StopReason
}

// Register estimates the rigid transform and isotropic noise variance that
// best explain the moving set as a noisy copy of the reference, by
// expectation-maximization over soft correspondences (coherent point drift,
// rigid kernel, no scaling).
func Register(reference, moving *pointset.PointSet, cfg Config, logger golog.Logger) (*RegistrationResult, error) {
	n := reference.Size()
	m := moving.Size()
	if n != m || n == 0 {
		return nil, &DimensionMismatchError{
			MoverID:       moving.ID(),
			ReferenceID:   reference.ID(),
			MoverSize:     m,
			ReferenceSize: n,
		}
	}

	if cfg.OutlierWeight < 0 || cfg.OutlierWeight >= 1 {
		return nil, errors.Errorf("outlier weight must be in [0,1), got %g", cfg.OutlierWeight)
	}

	x := reference.Matrix() // n x 3
	y := moving.Matrix()    // m x 3

	rot := identity3()
	var trans r3.Vector
	sigma2 := reference.MeanSquaredSeparation(moving) / 3
	if sigma2 < sigmaFloor {
		sigma2 = sigmaFloor
	}

	resp := make([]float64, m*n)
	prevObjective := math.Inf(1)
	objective := math.Inf(1)

	iters := 0
	reason := StopMaxIterations
	for iter := 1; iter <= cfg.MaxIterations; iter++ {
		iters = iter
		objective = expectation(resp, x, y, rot, trans, sigma2, cfg.OutlierWeight)
		rot, trans, sigma2 = maximization(resp, x, y)
		if cfg.Verbose && logger != nil {
			logger.Debugw("em iteration",
				"mover", moving.ID(), "reference", reference.ID(),
				"iter", iter, "sigma2", sigma2, "objective", objective)
		}
		if sigma2 <= cfg.SigmaTolerance {
			reason = StopVarianceBelowTolerance
			break
		}
		if iter > 1 && prevObjective-objective < cfg.ObjectiveTolerance {
			reason = StopObjectiveStalled
			break
		}
		prevObjective = objective
	}

	// The loop body evaluates the objective before refining the transform, so
	// re-evaluate under the parameters actually being returned.
	objective = expectation(resp, x, y, rot, trans, sigma2, cfg.OutlierWeight)

	if err := validRotation(rot, moving.ID(), reference.ID()); err != nil {
		return nil, err
	}
	return &RegistrationResult{
		MoverID:     moving.ID(),
		ReferenceID: reference.ID(),
		Rotation:    rot,
		Translation: trans,
		Variance:    sigma2,
		Objective:   objective,
		Iterations:  iters,
		Reason:      reason,
	}, nil
}

// expectation fills resp with the responsibility of each reference point for
// each moving point under the current transform and returns the negative
// log-likelihood objective (lower is better).
func expectation(resp []float64, x, y *mat.Dense, rot *mat.Dense, trans r3.Vector, sigma2, outlierWeight float64) float64 {
	n, _ := x.Dims()
	m, _ := y.Dims()

	// Uniform noise component of the mixture; zero outlier weight removes it.
	noise := 0.0
	if outlierWeight > 0 {
		noise = math.Pow(2*math.Pi*sigma2, 1.5) *
			outlierWeight / (1 - outlierWeight) * float64(m) / float64(n)
	}

	objective := 0.0
	for i := 0; i < m; i++ {
		tx := rot.At(0, 0)*y.At(i, 0) + rot.At(0, 1)*y.At(i, 1) + rot.At(0, 2)*y.At(i, 2) + trans.X
		ty := rot.At(1, 0)*y.At(i, 0) + rot.At(1, 1)*y.At(i, 1) + rot.At(1, 2)*y.At(i, 2) + trans.Y
		tz := rot.At(2, 0)*y.At(i, 0) + rot.At(2, 1)*y.At(i, 1) + rot.At(2, 2)*y.At(i, 2) + trans.Z

		denom := noise
		for j := 0; j < n; j++ {
			dx := x.At(j, 0) - tx
			dy := x.At(j, 1) - ty
			dz := x.At(j, 2) - tz
			g := math.Exp(-(dx*dx + dy*dy + dz*dz) / (2 * sigma2))
			resp[i*n+j] = g
			denom += g
		}
		if denom <= 0 {
			// Every Gaussian underflowed; fall back to uniform responsibility
			// so the M-step stays defined.
			for j := 0; j < n; j++ {
				resp[i*n+j] = 1 / float64(n)
			}
			denom = math.SmallestNonzeroFloat64
		} else {
			for j := 0; j < n; j++ {
				resp[i*n+j] /= denom
			}
		}
		objective -= math.Log(denom)
	}
	// Restore the Gaussian normalization and mixture weight dropped from the
	// kernels above, giving the true negative log-likelihood. Without it the
	// value is not comparable across iterations or across candidate pairs.
	objective += float64(m) * (1.5*math.Log(2*math.Pi*sigma2) +
		math.Log(float64(n)) - math.Log(1-outlierWeight))
	return objective
}

// maximization recovers the closed-form rigid transform and variance that
// maximize the responsibility-weighted likelihood: weighted means, weighted
// cross-covariance, orthogonal Procrustes via SVD with the reflection case
// rejected by flipping the last singular direction.
func maximization(resp []float64, x, y *mat.Dense) (*mat.Dense, r3.Vector, float64) {
	n, _ := x.Dims()
	m, _ := y.Dims()

	wX := make([]float64, n) // column sums of the responsibility matrix
	wY := make([]float64, m) // row sums
	total := 0.0
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			p := resp[i*n+j]
			wX[j] += p
			wY[i] += p
			total += p
		}
	}

	var muX, muY [3]float64
	for k := 0; k < 3; k++ {
		muX[k] = stat.Mean(mat.Col(nil, k, x), wX)
		muY[k] = stat.Mean(mat.Col(nil, k, y), wY)
	}

	// Weighted cross-covariance between centered reference and moving points.
	cov := mat.NewDense(3, 3, nil)
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			p := resp[i*n+j]
			if p == 0 {
				continue
			}
			for a := 0; a < 3; a++ {
				for b := 0; b < 3; b++ {
					cov.Set(a, b, cov.At(a, b)+p*(x.At(j, a)-muX[a])*(y.At(i, b)-muY[b]))
				}
			}
		}
	}

	var svd mat.SVD
	if ok := svd.Factorize(cov, mat.SVDFull); !ok {
		// Leave the transform at identity; the post-hoc rotation check in
		// Register surfaces persistent breakdown.
		return identity3(), r3.Vector{}, sigmaFloor
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	var uvt mat.Dense
	uvt.Mul(&u, v.T())
	if mat.Det(&uvt) < 0 {
		for i := 0; i < 3; i++ {
			u.Set(i, 2, -u.At(i, 2))
		}
	}
	rot := mat.NewDense(3, 3, nil)
	rot.Mul(&u, v.T())

	trans := r3.Vector{
		X: muX[0] - (rot.At(0, 0)*muY[0] + rot.At(0, 1)*muY[1] + rot.At(0, 2)*muY[2]),
		Y: muX[1] - (rot.At(1, 0)*muY[0] + rot.At(1, 1)*muY[1] + rot.At(1, 2)*muY[2]),
		Z: muX[2] - (rot.At(2, 0)*muY[0] + rot.At(2, 1)*muY[1] + rot.At(2, 2)*muY[2]),
	}

	// Responsibility-weighted mean squared residual between transformed
	// moving points and reference points.
	var sumX, sumY, crossTrace float64
	for j := 0; j < n; j++ {
		for a := 0; a < 3; a++ {
			d := x.At(j, a) - muX[a]
			sumX += wX[j] * d * d
		}
	}
	for i := 0; i < m; i++ {
		for a := 0; a < 3; a++ {
			d := y.At(i, a) - muY[a]
			sumY += wY[i] * d * d
		}
	}
	for a := 0; a < 3; a++ {
		for b := 0; b < 3; b++ {
			crossTrace += cov.At(a, b) * rot.At(a, b)
		}
	}
	sigma2 := (sumX + sumY - 2*crossTrace) / (3 * total)
	if sigma2 < sigmaFloor {
		sigma2 = sigmaFloor
	}
	return rot, trans, sigma2
}

func validRotation(rot *mat.Dense, moverID, referenceID string) error {
	var rrt mat.Dense
	rrt.Mul(rot, rot.T())
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
	det := mat.Det(rot)
	if maxDev > rotationOrthoTol || math.Abs(det-1) > rotationDetTol {
		return &InvalidRotationError{
			MoverID:     moverID,
			ReferenceID: referenceID,
			Det:         det,
			Residual:    maxDev,
		}
	}
	return nil
}

func identity3() *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		1, 0, 0,
		0, 1, 0,
		0, 0, 1,
	})
}
