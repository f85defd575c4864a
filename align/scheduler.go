package align

import (
	"context"
	"sort"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/SimonEnsemble/latent-cage-space/pointset"
	"github.com/SimonEnsemble/latent-cage-space/utils"
)

// alignmentState tracks, for every structure, whether it has been committed
// into the common frame and its current coordinates. Only the scheduler's
// commit mutates it, one structure per round.
type alignmentState struct {
	aligned map[string]bool
	coords  map[string]*pointset.PointSet
}

func newAlignmentState(sets []*pointset.PointSet) *alignmentState {
	s := &alignmentState{
		aligned: make(map[string]bool, len(sets)),
		coords:  make(map[string]*pointset.PointSet, len(sets)),
	}
	for _, ps := range sets {
		s.aligned[ps.ID()] = false
		s.coords[ps.ID()] = ps
	}
	return s
}

// commit flips exactly one structure from unaligned to aligned and replaces
// its coordinates. The committed coordinates must be centered.
func (s *alignmentState) commit(id string, ps *pointset.PointSet) error {
	if s.aligned[id] {
		return errors.Errorf("structure %q is already aligned", id)
	}
	if !ps.IsCentered() {
		c, _ := ps.Centroid()
		return NewNotCenteredError(id, c.Norm())
	}
	s.aligned[id] = true
	s.coords[id] = ps
	return nil
}

func (s *alignmentState) ids(aligned bool) []string {
	var out []string
	for id, a := range s.aligned {
		if a == aligned {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (s *alignmentState) alignedCount() int {
	count := 0
	for _, a := range s.aligned {
		if a {
			count++
		}
	}
	return count
}

// Scheduler aligns a whole collection of structures into one consistent
// frame: a deterministic principal-axis pass seeds the aligned pool, then
// greedy rounds of pairwise registration grow it until every structure is in.
type Scheduler struct {
	cfg    Config
	cache  ResultCache
	logger golog.Logger
}

// NewScheduler returns a scheduler using the given registration parameters
// and result cache. A nil cache falls back to a fresh in-memory cache; a nil
// logger falls back to the global logger.
func NewScheduler(cfg Config, cache ResultCache, logger golog.Logger) *Scheduler {
	if cache == nil {
		cache = NewMemoryCache()
	}
	if logger == nil {
		logger = golog.Global()
	}
	return &Scheduler{cfg: cfg, cache: cache, logger: logger}
}

// AlignPair registers the mover against the reference, consulting the cache
// first. A stale cache record is logged and recomputed rather than trusted.
func (s *Scheduler) AlignPair(mover, reference *pointset.PointSet) (*RegistrationResult, error) {
	key := Key{MoverID: mover.ID(), ReferenceID: reference.ID(), PointCount: mover.Size()}
	res, ok, err := s.cache.Get(key)
	if err != nil {
		s.logger.Warnw("registration cache read failed; recomputing", "key", key, "error", err)
	} else if ok {
		return res, nil
	}
	res, err = Register(reference, mover, s.cfg, s.logger)
	if err != nil {
		return nil, err
	}
	if err := s.cache.Put(key, res); err != nil {
		s.logger.Warnw("registration cache write failed", "key", key, "error", err)
	}
	return res, nil
}

// AlignCollection aligns every structure into one consistent frame and
// returns the final coordinates keyed by structure ID.
//
// Phase 1 runs the principal-axis aligner on every structure in parallel and
// commits the unambiguous ones; if every frame is degenerate, the structure
// with the smallest ID is committed under the identity so growth can start.
// Phase 2 repeatedly registers every unaligned structure against every
// aligned one, commits the globally best-fitting pair, and stops when the
// unaligned pool is empty.
func (s *Scheduler) AlignCollection(ctx context.Context, sets []*pointset.PointSet) (map[string]*pointset.PointSet, error) {
	if len(sets) == 0 {
		return map[string]*pointset.PointSet{}, nil
	}

	centered := make([]*pointset.PointSet, len(sets))
	for i, ps := range sets {
		c, _, err := ps.Center()
		if err != nil {
			return nil, errors.Wrapf(err, "cannot center structure %q", ps.ID())
		}
		centered[i] = c
	}
	state := newAlignmentState(centered)

	if err := s.seed(state, centered); err != nil {
		return nil, err
	}

	for len(state.ids(false)) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := s.growOnce(state); err != nil {
			return nil, err
		}
	}

	out := make(map[string]*pointset.PointSet, len(centered))
	for id, ps := range state.coords {
		out[id] = ps
	}
	return out, nil
}

// seed runs the inertia pass. Inertia alignments are independent so they run
// over the parallel helper; results land in per-index slots with no sharing.
func (s *Scheduler) seed(state *alignmentState, sets []*pointset.PointSet) error {
	type inertiaOutcome struct {
		rotated *pointset.PointSet
		frame   *InertiaFrame
		err     error
	}
	outcomes := make([]inertiaOutcome, len(sets))
	//nolint:errcheck
	utils.RunInParallel(len(sets), func(i int) error {
		rotated, frame, err := AlignPrincipalAxes(sets[i])
		outcomes[i] = inertiaOutcome{rotated: rotated, frame: frame, err: err}
		return nil
	})

	seeded := 0
	for i, ps := range sets {
		o := outcomes[i]
		switch {
		case o.err != nil:
			s.logger.Warnw("inertia alignment failed; structure left for registration phase",
				"structure", ps.ID(), "error", o.err)
		case o.frame.Ambiguous:
			s.logger.Debugw("degenerate principal moments; structure left for registration phase",
				"structure", ps.ID(), "eigenvalues", o.frame.Eigenvalues)
		default:
			if err := state.commit(ps.ID(), o.rotated); err != nil {
				return err
			}
			seeded++
		}
	}
	if seeded == 0 {
		// Growth needs at least one reference; the smallest ID keeps the
		// choice deterministic.
		id := state.ids(false)[0]
		if err := state.commit(id, state.coords[id]); err != nil {
			return err
		}
		seeded = 1
		s.logger.Infow("no unambiguous inertia frame; seeding identity", "structure", id)
	}
	s.logger.Infof("seeded %d of %d structures from principal axes", seeded, len(sets))
	return nil
}

// growOnce runs one greedy round: evaluate every unaligned x aligned pair,
// pick the global minimum objective, and commit that mover. Candidate
// evaluations are independent and run in parallel; selection and commit are
// single-threaded.
func (s *Scheduler) growOnce(state *alignmentState) error {
	unaligned := state.ids(false)
	aligned := state.ids(true)

	type candidate struct {
		moverID     string
		referenceID string
	}
	var candidates []candidate
	for _, y := range unaligned {
		for _, x := range aligned {
			candidates = append(candidates, candidate{moverID: y, referenceID: x})
		}
	}

	results := make([]*RegistrationResult, len(candidates))
	failures := make([]error, len(candidates))
	//nolint:errcheck
	utils.RunInParallel(len(candidates), func(i int) error {
		cand := candidates[i]
		res, err := s.AlignPair(state.coords[cand.moverID], state.coords[cand.referenceID])
		if err != nil {
			failures[i] = errors.Wrapf(err, "candidate %q -> %q", cand.moverID, cand.referenceID)
			return nil
		}
		results[i] = res
		return nil
	})

	best := -1
	for i, res := range results {
		if res == nil {
			continue
		}
		if best == -1 || res.Objective < results[best].Objective {
			best = i
		}
	}
	if best == -1 {
		return &NoProgressError{Unaligned: unaligned, Failures: multierr.Combine(failures...)}
	}

	winner := results[best]
	// Rotation-only commit: all pool members are centered, so the residual
	// translation is noise; re-center to hold the invariant exactly.
	moved := state.coords[winner.MoverID].Rotate(winner.Rotation)
	moved, _, err := moved.Center()
	if err != nil {
		return err
	}
	if err := state.commit(winner.MoverID, moved); err != nil {
		return err
	}
	s.logger.Infow("aligned structure",
		"structure", winner.MoverID,
		"reference", winner.ReferenceID,
		"objective", winner.Objective,
		"variance", winner.Variance,
		"iterations", winner.Iterations,
		"reason", winner.Reason.String(),
		"aligned", state.alignedCount(),
		"total", len(state.aligned),
	)
	return nil
}

// AlignPair is the single-pair driver entry: it centers both sets and
// registers the mover against the reference with no cache.
func AlignPair(mover, reference *pointset.PointSet, cfg Config, logger golog.Logger) (*RegistrationResult, error) {
	m, _, err := mover.Center()
	if err != nil {
		return nil, err
	}
	r, _, err := reference.Center()
	if err != nil {
		return nil, err
	}
	return Register(r, m, cfg, logger)
}

// AlignCollection is the collection driver entry over a fresh in-memory
// cache.
func AlignCollection(ctx context.Context, sets []*pointset.PointSet, cfg Config, logger golog.Logger) (map[string]*pointset.PointSet, error) {
	return NewScheduler(cfg, NewMemoryCache(), logger).AlignCollection(ctx, sets)
}
