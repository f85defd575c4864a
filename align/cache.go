package align

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"gonum.org/v1/gonum/mat"
)

// Key identifies one persisted pairwise registration. PointCount guards
// against reusing a result after a point cloud was regenerated at a different
// density.
type Key struct {
	MoverID     string
	ReferenceID string
	PointCount  int
}

// ResultCache stores pairwise registration results. Results are deterministic
// given identical inputs, so concurrent identical writes are safe and Put is
// an idempotent upsert.
type ResultCache interface {
	// Get returns the cached result for the key, whether one was present, and
	// any read error. A record whose embedded identifiers do not match the
	// key is a *StaleCacheRecordError.
	Get(key Key) (*RegistrationResult, bool, error)

	// Put stores the result under the key, replacing any previous record.
	Put(key Key, res *RegistrationResult) error
}

// MemoryCache is an in-process ResultCache safe for concurrent use.
type MemoryCache struct {
	mu      sync.RWMutex
	records map[Key]*RegistrationResult
}

// NewMemoryCache returns an empty in-memory cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{records: map[Key]*RegistrationResult{}}
}

// Get implements ResultCache.
func (c *MemoryCache) Get(key Key) (*RegistrationResult, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	res, ok := c.records[key]
	if !ok {
		return nil, false, nil
	}
	if res.MoverID != key.MoverID || res.ReferenceID != key.ReferenceID {
		return nil, false, &StaleCacheRecordError{
			Requested: key,
			Found:     Key{MoverID: res.MoverID, ReferenceID: res.ReferenceID, PointCount: key.PointCount},
		}
	}
	return res, true, nil
}

// Put implements ResultCache.
func (c *MemoryCache) Put(key Key, res *RegistrationResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records[key] = res
	return nil
}

// cacheRecord is the on-disk form of a RegistrationResult: the rotation as 9
// row-major floats, the translation as 3 floats, plus the embedded
// identifiers used to detect stale or misnamed entries.
type cacheRecord struct {
	MoverID     string     `json:"mover_id"`
	ReferenceID string     `json:"reference_id"`
	PointCount  int        `json:"point_count"`
	Rotation    [9]float64 `json:"rotation"`
	Translation [3]float64 `json:"translation"`
	Variance    float64    `json:"variance"`
	Objective   float64    `json:"objective"`
	Iterations  int        `json:"iterations"`
	Reason      string     `json:"reason"`
}

// DirCache is a ResultCache backed by one JSON file per pair in a directory,
// usable as an inter-process handoff between batch jobs.
type DirCache struct {
	dir string
}

// NewDirCache returns a cache rooted at dir, creating it if needed.
func NewDirCache(dir string) (*DirCache, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, err
	}
	return &DirCache{dir: dir}, nil
}

func (c *DirCache) path(key Key) string {
	clean := func(s string) string {
		return strings.Map(func(r rune) rune {
			switch r {
			case '/', '\\', ':', ' ':
				return '_'
			}
			return r
		}, s)
	}
	name := fmt.Sprintf("%s__%s__%d.json", clean(key.MoverID), clean(key.ReferenceID), key.PointCount)
	return filepath.Join(c.dir, name)
}

// Get implements ResultCache.
func (c *DirCache) Get(key Key) (*RegistrationResult, bool, error) {
	//nolint:gosec
	data, err := os.ReadFile(c.path(key))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var rec cacheRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, false, errors.Wrapf(err, "corrupt cache record %q", c.path(key))
	}
	if rec.MoverID != key.MoverID || rec.ReferenceID != key.ReferenceID || rec.PointCount != key.PointCount {
		return nil, false, &StaleCacheRecordError{
			Requested: key,
			Found:     Key{MoverID: rec.MoverID, ReferenceID: rec.ReferenceID, PointCount: rec.PointCount},
		}
	}
	rot := mat.NewDense(3, 3, append([]float64(nil), rec.Rotation[:]...))
	return &RegistrationResult{
		MoverID:     rec.MoverID,
		ReferenceID: rec.ReferenceID,
		Rotation:    rot,
		Translation: r3.Vector{X: rec.Translation[0], Y: rec.Translation[1], Z: rec.Translation[2]},
		Variance:    rec.Variance,
		Objective:   rec.Objective,
		Iterations:  rec.Iterations,
		Reason:      stopReasonFromString(rec.Reason),
	}, true, nil
}

// Put implements ResultCache. The record is written to a temporary file and
// renamed so concurrent writers finish with one whole record (last write
// wins).
func (c *DirCache) Put(key Key, res *RegistrationResult) error {
	rec := cacheRecord{
		MoverID:     res.MoverID,
		ReferenceID: res.ReferenceID,
		PointCount:  key.PointCount,
		Variance:    res.Variance,
		Objective:   res.Objective,
		Iterations:  res.Iterations,
		Reason:      res.Reason.String(),
	}
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			rec.Rotation[i*3+j] = res.Rotation.At(i, j)
		}
	}
	rec.Translation = [3]float64{res.Translation.X, res.Translation.Y, res.Translation.Z}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(c.dir, ".cache-*.json")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		return multierr.Combine(err, tmp.Close(), os.Remove(tmp.Name()))
	}
	if err := tmp.Close(); err != nil {
		return multierr.Combine(err, os.Remove(tmp.Name()))
	}
	return os.Rename(tmp.Name(), c.path(key))
}
