package landscape

import (
	"iter"
	"maps"
	"math"
	"slices"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hpungsan/landscape/internal/errors"
	"github.com/hpungsan/landscape/internal/logging"
	"github.com/hpungsan/landscape/internal/metrics"
)

// Persister receives every new record and every hit-count change.
// Errors are logged by the Database and never fail the calling operation.
type Persister interface {
	SaveMinimum(m Minimum) error
	SaveTransitionState(ts TransitionState) error
	UpdateMinimumHits(id int64, hits int) error
}

// Options configures a Database.
type Options struct {
	// EnergyTolerance is the half-width of the energy pre-filter window.
	EnergyTolerance float64

	// Dimension fixes the coordinate length. 0 means the first stored structure fixes it.
	Dimension int

	// Comparer decides equivalence inside the energy window.
	// Defaults to DistanceComparer{Tolerance: 1e-2}.
	Comparer Comparer

	Persister Persister
	Logger    *zap.Logger
	Metrics   *metrics.Metrics

	// Now defaults to time.Now.
	Now func() time.Time
}

// Database is the in-memory store of minima and transition states.
// All methods are safe for concurrent use; lookup and insert share one write
// lock so concurrent reports of one structure create a single record.
type Database struct {
	mu sync.RWMutex

	tol       float64
	dim       int
	cmp       Comparer
	persister Persister
	logger    *zap.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	minima   map[int64]*Minimum
	byEnergy []*Minimum // sorted by Energy, then ID

	tss    map[int64]*TransitionState
	byPair map[pairKey][]*TransitionState

	nextMinID int64
	nextTSID  int64
}

type pairKey struct{ a, b int64 }

func keyFor(m1, m2 int64) pairKey {
	if m1 > m2 {
		m1, m2 = m2, m1
	}
	return pairKey{m1, m2}
}

// NewDatabase creates an empty Database.
func NewDatabase(opts Options) *Database {
	cmp := opts.Comparer
	if cmp == nil {
		cmp = DistanceComparer{Tolerance: 1e-2}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Database{
		tol:       opts.EnergyTolerance,
		dim:       opts.Dimension,
		cmp:       cmp,
		persister: opts.Persister,
		logger:    logging.OrNop(opts.Logger),
		metrics:   opts.Metrics,
		now:       now,
		minima:    make(map[int64]*Minimum),
		tss:       make(map[int64]*TransitionState),
		byPair:    make(map[pairKey][]*TransitionState),
		nextMinID: 1,
		nextTSID:  1,
	}
}

// AddMinimum stores a minimum unless an equivalent one exists. A match returns the
// existing record with its hit count incremented and isNew=false.
func (d *Database) AddMinimum(energy float64, coords Coords) (Minimum, bool, error) {
	return d.AddTaggedMinimum(energy, coords, "")
}

// AddTaggedMinimum is AddMinimum with a symmetry tag kept on insert.
func (d *Database) AddTaggedMinimum(energy float64, coords Coords, tag string) (Minimum, bool, error) {
	if err := ValidateEnergy(energy); err != nil {
		return Minimum{}, false, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := ValidateCoords(coords, d.dim); err != nil {
		return Minimum{}, false, err
	}

	if existing := d.findMinimum(energy, coords); existing != nil {
		existing.Hits++
		d.metrics.Duplicate("minimum")
		d.persist("minimum_hits", func(p Persister) error {
			return p.UpdateMinimumHits(existing.ID, existing.Hits)
		})
		return existing.clone(), false, nil
	}

	m := &Minimum{
		ID:        d.nextMinID,
		Energy:    energy,
		Coords:    coords.Clone(),
		Tag:       tag,
		Hits:      1,
		CreatedAt: d.now().Unix(),
	}
	d.insertMinimum(m)
	d.persist("minimum", func(p Persister) error { return p.SaveMinimum(m.clone()) })

	d.logger.Debug("minimum added",
		zap.Int64("minimum_id", m.ID),
		zap.Float64("energy", m.Energy))
	return m.clone(), true, nil
}

// AddTransitionState stores a transition state between two existing, distinct minima
// unless an equivalent one already joins the same unordered pair. A match returns the
// existing record with isNew=false and a nil error.
func (d *Database) AddTransitionState(energy float64, coords Coords, min1, min2 int64) (TransitionState, bool, error) {
	if err := ValidateEnergy(energy); err != nil {
		return TransitionState{}, false, err
	}
	if min1 == min2 {
		return TransitionState{}, false, errors.NewInvalidInput("transition state endpoints must differ")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := ValidateCoords(coords, d.dim); err != nil {
		return TransitionState{}, false, err
	}
	m1, ok1 := d.minima[min1]
	m2, ok2 := d.minima[min2]
	if !ok1 || !ok2 {
		e := errors.NewInvalidInput("transition state endpoint is not a known minimum")
		e.Details = map[string]any{"min1": min1, "min2": min2}
		return TransitionState{}, false, e
	}

	for _, existing := range d.byPair[keyFor(min1, min2)] {
		if d.within(existing.Energy, energy) && d.cmp.Equivalent(existing.Coords, coords) {
			d.metrics.Duplicate("transition_state")
			return existing.clone(), false, nil
		}
	}

	if energy < max(m1.Energy, m2.Energy)-d.tol {
		d.metrics.EnergyViolation()
		d.logger.Warn("transition state below endpoint energy",
			zap.Float64("energy", energy),
			zap.Int64("min1", min1),
			zap.Float64("min1_energy", m1.Energy),
			zap.Int64("min2", min2),
			zap.Float64("min2_energy", m2.Energy))
	}

	ts := &TransitionState{
		ID:        d.nextTSID,
		Energy:    energy,
		Coords:    coords.Clone(),
		Min1:      min1,
		Min2:      min2,
		CreatedAt: d.now().Unix(),
	}
	d.insertTransitionState(ts)
	d.persist("transition_state", func(p Persister) error { return p.SaveTransitionState(ts.clone()) })

	d.logger.Debug("transition state added",
		zap.Int64("transition_state_id", ts.ID),
		zap.Int64("min1", min1),
		zap.Int64("min2", min2))
	return ts.clone(), true, nil
}

// Restore loads persisted records, keeping their ids. It bypasses dedup and the
// persister. A repeated id fails with DuplicateStructure; a transition state whose
// endpoint is missing fails with InvalidInput. All records are checked before any
// is stored, so a failed Restore leaves the Database unchanged.
func (d *Database) Restore(minima []Minimum, tss []TransitionState) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	dim := d.dim
	staged := make(map[int64]bool, len(minima))
	for _, m := range minima {
		if _, ok := d.minima[m.ID]; ok || staged[m.ID] {
			return errors.NewDuplicateStructure("minimum", m.ID)
		}
		if err := ValidateEnergy(m.Energy); err != nil {
			return err
		}
		if err := ValidateCoords(m.Coords, dim); err != nil {
			return err
		}
		if dim == 0 {
			dim = len(m.Coords)
		}
		staged[m.ID] = true
	}

	known := func(id int64) bool {
		_, ok := d.minima[id]
		return ok || staged[id]
	}
	stagedTS := make(map[int64]bool, len(tss))
	for _, ts := range tss {
		if _, ok := d.tss[ts.ID]; ok || stagedTS[ts.ID] {
			return errors.NewDuplicateStructure("transition_state", ts.ID)
		}
		if !known(ts.Min1) || !known(ts.Min2) {
			return errors.NewInvalidInput("transition state endpoint is not a known minimum")
		}
		if err := ValidateCoords(ts.Coords, dim); err != nil {
			return err
		}
		if dim == 0 {
			dim = len(ts.Coords)
		}
		stagedTS[ts.ID] = true
	}

	for _, m := range minima {
		rec := m.clone()
		if rec.Hits < 1 {
			rec.Hits = 1
		}
		d.insertMinimum(&rec)
	}
	for _, ts := range tss {
		rec := ts.clone()
		d.insertTransitionState(&rec)
	}
	return nil
}

// Minimum returns the minimum with the given id.
func (d *Database) Minimum(id int64) (Minimum, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	m, ok := d.minima[id]
	if !ok {
		return Minimum{}, false
	}
	return m.clone(), true
}

// TransitionState returns the transition state with the given id.
func (d *Database) TransitionState(id int64) (TransitionState, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ts, ok := d.tss[id]
	if !ok {
		return TransitionState{}, false
	}
	return ts.clone(), true
}

// GlobalMinimum returns the lowest-energy minimum.
func (d *Database) GlobalMinimum() (Minimum, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if len(d.byEnergy) == 0 {
		return Minimum{}, false
	}
	return d.byEnergy[0].clone(), true
}

// Counts returns the number of minima and transition states.
func (d *Database) Counts() (minima, transitionStates int) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.minima), len(d.tss)
}

// Dimension returns the coordinate length, or 0 if not yet fixed.
func (d *Database) Dimension() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.dim
}

// Snapshot copies both collections, ordered by id, under one lock.
func (d *Database) Snapshot() Snapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return Snapshot{
		Minima:           d.copyMinima(),
		TransitionStates: d.copyTransitionStates(),
	}
}

// Minima returns a lazy sequence over the minima as of the call, ordered by id.
// The sequence can be ranged over any number of times.
func (d *Database) Minima() iter.Seq[Minimum] {
	d.mu.RLock()
	items := d.copyMinima()
	d.mu.RUnlock()
	return slices.Values(items)
}

// TransitionStates returns a lazy sequence over the transition states as of the
// call, ordered by id.
func (d *Database) TransitionStates() iter.Seq[TransitionState] {
	d.mu.RLock()
	items := d.copyTransitionStates()
	d.mu.RUnlock()
	return slices.Values(items)
}

// TransitionStatesBetween returns the transition states joining a and b in either order.
func (d *Database) TransitionStatesBetween(a, b int64) []TransitionState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	list := d.byPair[keyFor(a, b)]
	out := make([]TransitionState, 0, len(list))
	for _, ts := range list {
		out = append(out, ts.clone())
	}
	return out
}

// findMinimum returns the stored minimum nearest to coords among those in the
// energy window that the comparer accepts. Without a Measurer the lowest-energy
// match wins. Caller holds the lock.
func (d *Database) findMinimum(energy float64, coords Coords) *Minimum {
	lo := sort.Search(len(d.byEnergy), func(i int) bool {
		return d.byEnergy[i].Energy >= energy-d.tol
	})
	measurer, canRank := d.cmp.(Measurer)

	var best *Minimum
	bestDist := math.Inf(1)
	for i := lo; i < len(d.byEnergy) && d.byEnergy[i].Energy <= energy+d.tol; i++ {
		cand := d.byEnergy[i]
		if !d.cmp.Equivalent(cand.Coords, coords) {
			continue
		}
		if !canRank {
			return cand
		}
		if dist := measurer.Distance(cand.Coords, coords); dist < bestDist {
			best, bestDist = cand, dist
		}
	}
	return best
}

func (d *Database) within(a, b float64) bool {
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	return diff <= d.tol
}

// insertMinimum adds m to the indexes. Caller holds the lock.
func (d *Database) insertMinimum(m *Minimum) {
	if d.dim == 0 {
		d.dim = len(m.Coords)
	}
	d.minima[m.ID] = m
	i := sort.Search(len(d.byEnergy), func(i int) bool {
		e := d.byEnergy[i]
		return e.Energy > m.Energy || (e.Energy == m.Energy && e.ID > m.ID)
	})
	d.byEnergy = slices.Insert(d.byEnergy, i, m)
	if m.ID >= d.nextMinID {
		d.nextMinID = m.ID + 1
	}
}

func (d *Database) insertTransitionState(ts *TransitionState) {
	if d.dim == 0 {
		d.dim = len(ts.Coords)
	}
	d.tss[ts.ID] = ts
	k := keyFor(ts.Min1, ts.Min2)
	d.byPair[k] = append(d.byPair[k], ts)
	if ts.ID >= d.nextTSID {
		d.nextTSID = ts.ID + 1
	}
}

func (d *Database) copyMinima() []Minimum {
	out := make([]Minimum, 0, len(d.minima))
	for _, id := range slices.Sorted(maps.Keys(d.minima)) {
		out = append(out, d.minima[id].clone())
	}
	return out
}

func (d *Database) copyTransitionStates() []TransitionState {
	out := make([]TransitionState, 0, len(d.tss))
	for _, id := range slices.Sorted(maps.Keys(d.tss)) {
		out = append(out, d.tss[id].clone())
	}
	return out
}

// persist hands a write to the persister. Failures are logged and counted only.
func (d *Database) persist(kind string, fn func(Persister) error) {
	if d.persister == nil {
		return
	}
	if err := fn(d.persister); err != nil {
		d.metrics.PersistError(kind)
		d.logger.Warn("persist failed", zap.String("kind", kind), zap.Error(err))
	}
}
