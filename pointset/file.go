package pointset

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// NewFromXYZFile reads a point set from an XYZ file: an atom count line, a
// comment line, then one "label x y z" record per point. The structure ID is
// the file name without its extension.
func NewFromXYZFile(fn string, logger golog.Logger) (ps *PointSet, err error) {
	//nolint:gosec
	f, err := os.Open(fn)
	if err != nil {
		return nil, err
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
	}()

	base := filepath.Base(fn)
	id := strings.TrimSuffix(base, filepath.Ext(base))
	ps, err = readXYZ(f, id)
	if err != nil {
		return nil, errors.Wrapf(err, "error reading xyz file %q", fn)
	}
	logger.Debugf("read %d points for structure %q from %q", ps.Size(), id, fn)
	return ps, nil
}

func readXYZ(f io.Reader, id string) (*PointSet, error) {
	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return nil, errors.New("missing atom count line")
	}
	count, err := strconv.Atoi(strings.TrimSpace(scanner.Text()))
	if err != nil {
		return nil, errors.Wrap(err, "bad atom count line")
	}
	// comment line, contents ignored
	if !scanner.Scan() {
		return nil, errors.New("missing comment line")
	}

	ps := New(id)
	for i := 0; i < count; i++ {
		if !scanner.Scan() {
			return nil, errors.Errorf("expected %d records, got %d", count, i)
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) < 4 {
			return nil, errors.Errorf("record %d: expected \"label x y z\", got %q", i, scanner.Text())
		}
		var xyz [3]float64
		for j := 0; j < 3; j++ {
			v, err := strconv.ParseFloat(fields[j+1], 64)
			if err != nil {
				return nil, errors.Wrapf(err, "record %d", i)
			}
			xyz[j] = v
		}
		ps.Add(fields[0], NewVector(xyz[0], xyz[1], xyz[2]))
	}
	return ps, scanner.Err()
}

// WriteToXYZFile writes the point set in XYZ format.
func (ps *PointSet) WriteToXYZFile(fn string) (err error) {
	//nolint:gosec
	f, err := os.Create(fn)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
	}()

	w := bufio.NewWriter(f)
	if _, err := fmt.Fprintf(w, "%d\n%s\n", ps.Size(), ps.id); err != nil {
		return err
	}
	for _, p := range ps.points {
		label := p.Label
		if label == "" {
			label = "X"
		}
		if _, err := fmt.Fprintf(w, "%s %.10f %.10f %.10f\n",
			label, p.Position.X, p.Position.Y, p.Position.Z); err != nil {
			return err
		}
	}
	return w.Flush()
}
