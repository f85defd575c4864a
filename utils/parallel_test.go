package utils

import (
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"go.viam.com/test"
)

func TestRunInParallelCoversAllWork(t *testing.T) {
	const n = 137
	var visited [n]int32
	err := RunInParallel(n, func(i int) error {
		atomic.AddInt32(&visited[i], 1)
		return nil
	})
	test.That(t, err, test.ShouldBeNil)
	for i := 0; i < n; i++ {
		test.That(t, visited[i], test.ShouldEqual, 1)
	}
}

func TestRunInParallelCollectsErrors(t *testing.T) {
	err := RunInParallel(10, func(i int) error {
		if i%3 == 0 {
			return errors.Errorf("work %d failed", i)
		}
		return nil
	})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "work 0 failed")
	test.That(t, err.Error(), test.ShouldContainSubstring, "work 9 failed")
}

func TestRunInParallelEmpty(t *testing.T) {
	test.That(t, RunInParallel(0, func(int) error { return nil }), test.ShouldBeNil)
}
