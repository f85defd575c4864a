package pointset

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/edaniels/golog"
	"go.viam.com/test"
)

func TestXYZRoundTrip(t *testing.T) {
	logger := golog.NewTestLogger(t)
	dir := t.TempDir()

	ps := New("cage1")
	ps.Add("C", NewVector(1.25, -0.5, 3))
	ps.Add("N", NewVector(0, 0.125, -2.75))
	ps.Add("", NewVector(0.5, 0.5, 0.5))

	fn := filepath.Join(dir, "cage1.xyz")
	test.That(t, ps.WriteToXYZFile(fn), test.ShouldBeNil)

	got, err := NewFromXYZFile(fn, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, got.ID(), test.ShouldEqual, "cage1")
	test.That(t, got.Size(), test.ShouldEqual, 3)
	test.That(t, got.At(0).Label, test.ShouldEqual, "C")
	test.That(t, got.At(0).Position.X, test.ShouldAlmostEqual, 1.25)
	test.That(t, got.At(1).Position.Z, test.ShouldAlmostEqual, -2.75)
	test.That(t, got.At(0).Weight, test.ShouldAlmostEqual, 12.011)
	// empty labels are written out as the sampler placeholder
	test.That(t, got.At(2).Label, test.ShouldEqual, "X")
	test.That(t, got.At(2).Weight, test.ShouldAlmostEqual, 1)
}

func TestXYZBadFiles(t *testing.T) {
	logger := golog.NewTestLogger(t)
	dir := t.TempDir()

	for name, contents := range map[string]string{
		"empty.xyz":     "",
		"badcount.xyz":  "two\ncomment\n",
		"truncated.xyz": "3\ncomment\nC 0 0 0\n",
		"badfield.xyz":  "1\ncomment\nC zero 0 0\n",
		"short.xyz":     "1\ncomment\nC 0 0\n",
	} {
		fn := filepath.Join(dir, name)
		test.That(t, os.WriteFile(fn, []byte(contents), 0o600), test.ShouldBeNil)
		_, err := NewFromXYZFile(fn, logger)
		test.That(t, err, test.ShouldNotBeNil)
	}

	_, err := NewFromXYZFile(filepath.Join(dir, "missing.xyz"), logger)
	test.That(t, err, test.ShouldNotBeNil)
}
