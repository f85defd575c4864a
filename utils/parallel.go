// Package utils contains shared helpers for the alignment packages.
package utils

import (
	"math"
	"runtime"
	"sync"

	"go.uber.org/multierr"
	"go.viam.com/utils"
)

// ParallelFactor controls the max level of parallelization. This might be useful
// to set in tests where too much parallelism actually slows tests down in
// aggregate.
var ParallelFactor = runtime.GOMAXPROCS(0)

func init() {
	if ParallelFactor <= 0 {
		ParallelFactor = 1
	}
}

// RunInParallel runs work(i) for every i in [0, totalSize) over a group of
// workers and returns the combined errors. Work items must not share mutable
// state; each worker owns a contiguous slice of the index range.
func RunInParallel(totalSize int, work func(i int) error) error {
	if totalSize <= 0 {
		return nil
	}
	numGroups := ParallelFactor
	if numGroups > totalSize {
		numGroups = totalSize
	}
	groupSize := int(math.Floor(float64(totalSize) / float64(numGroups)))
	extra := totalSize % numGroups

	errs := make([]error, numGroups)
	var wait sync.WaitGroup
	wait.Add(numGroups)
	for groupNum := 0; groupNum < numGroups; groupNum++ {
		groupNumCopy := groupNum
		utils.PanicCapturingGo(func() {
			defer wait.Done()
			groupNum := groupNumCopy

			from := groupSize * groupNum
			to := groupSize * (groupNum + 1)
			if groupNum == numGroups-1 {
				to += extra
			}
			var groupErr error
			for workNum := from; workNum < to; workNum++ {
				groupErr = multierr.Combine(groupErr, work(workNum))
			}
			errs[groupNum] = groupErr
		})
	}
	wait.Wait()
	return multierr.Combine(errs...)
}
