package align

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// NewNotCenteredError is used when a point set's weighted centroid is too far
// from the origin for inertia or commit invariants to hold.
func NewNotCenteredError(id string, norm float64) error {
	return errors.Errorf("point set %q is not centered: centroid norm %g exceeds tolerance", id, norm)
}

// DimensionMismatchError means the reference and moving sets of a pairwise
// registration do not hold the same number of points.
type DimensionMismatchError struct {
	MoverID       string
	ReferenceID   string
	MoverSize     int
	ReferenceSize int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("dimension mismatch registering %q (%d points) against %q (%d points)",
		e.MoverID, e.MoverSize, e.ReferenceID, e.ReferenceSize)
}

// InvalidRotationError means a recovered rotation failed the orthonormality or
// determinant check even after reflection correction, which indicates
// numerical breakdown such as a singular cross-covariance.
type InvalidRotationError struct {
	MoverID     string
	ReferenceID string
	Det         float64
	Residual    float64
}

func (e *InvalidRotationError) Error() string {
	return fmt.Sprintf("invalid rotation registering %q against %q: det=%g, |RRT-I|=%g",
		e.MoverID, e.ReferenceID, e.Det, e.Residual)
}

// StaleCacheRecordError means a cache read returned a record whose embedded
// identifiers do not match the requested key.
type StaleCacheRecordError struct {
	Requested Key
	Found     Key
}

func (e *StaleCacheRecordError) Error() string {
	return fmt.Sprintf("stale cache record: requested %v but record holds %v", e.Requested, e.Found)
}

// NoProgressError means a scheduler round had candidates but every candidate
// registration failed, so the aligned pool can no longer grow.
type NoProgressError struct {
	Unaligned []string
	Failures  error
}

func (e *NoProgressError) Error() string {
	msg := "alignment made no progress; unaligned structures: " + strings.Join(e.Unaligned, ", ")
	if e.Failures != nil {
		msg += ": " + e.Failures.Error()
	}
	return msg
}

func (e *NoProgressError) Unwrap() error {
	return e.Failures
}
