// README: Driver presence registry; one entry per connected driver, keyed by driver id.
package presence

import (
	"iter"
	"sort"
	"sync"
	"time"

	"courier/internal/metrics"
	"courier/internal/types"
)

// Entry is a driver's live presence. Coords stay nil until the first location report.
type Entry struct {
	DriverID  string
	Handle    types.Handle
	Available bool
	Coords    *types.Point
	SeenAt    time.Time
	seq       uint64
}

// Candidate is an available driver with a known position.
type Candidate struct {
	DriverID string
	Position types.Point
}

// Registry is safe for concurrent use. Every operation is atomic with respect to the others.
type Registry struct {
	mu       sync.RWMutex
	byDriver map[string]*Entry
	byHandle map[types.Handle]string
	seq      uint64
	metrics  *metrics.Metrics
	now      func() time.Time
}

func NewRegistry(m *metrics.Metrics) *Registry {
	return &Registry{
		byDriver: make(map[string]*Entry),
		byHandle: make(map[types.Handle]string),
		metrics:  m,
		now:      time.Now,
	}
}

// Register inserts or replaces the driver's entry. The entry starts available with no
// coordinates; a previous handle for the same driver is forgotten.
func (r *Registry) Register(driverID string, h types.Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.byDriver[driverID]; ok {
		delete(r.byHandle, old.Handle)
	}
	if prev, ok := r.byHandle[h]; ok && prev != driverID {
		// one connection re-identifying as another driver
		delete(r.byDriver, prev)
	}
	r.seq++
	r.byDriver[driverID] = &Entry{
		DriverID:  driverID,
		Handle:    h,
		Available: true,
		SeenAt:    r.now(),
		seq:       r.seq,
	}
	r.byHandle[h] = driverID
	r.metrics.SetConnectedDrivers(len(r.byDriver))
}

// ReportLocation updates coordinates; unknown drivers are ignored.
func (r *Registry) ReportLocation(driverID string, lat, lng float64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byDriver[driverID]
	if !ok {
		return false
	}
	e.Coords = &types.Point{Lat: lat, Lng: lng}
	e.SeenAt = r.now()
	return true
}

// SetAvailability flips the flag; unknown drivers are ignored.
func (r *Registry) SetAvailability(driverID string, available bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byDriver[driverID]
	if !ok {
		return false
	}
	e.Available = available
	return true
}

// Deregister removes the entry owned by h. A stale handle whose driver has since
// re-registered on a new connection removes nothing.
func (r *Registry) Deregister(h types.Handle) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	driverID, ok := r.byHandle[h]
	if !ok {
		return "", false
	}
	delete(r.byHandle, h)
	if e, ok := r.byDriver[driverID]; ok && e.Handle == h {
		delete(r.byDriver, driverID)
		r.metrics.SetConnectedDrivers(len(r.byDriver))
		return driverID, true
	}
	return "", false
}

// Handle returns the driver's current connection handle.
func (r *Registry) Handle(driverID string) (types.Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byDriver[driverID]
	if !ok {
		return "", false
	}
	return e.Handle, true
}

// Get returns a copy of the driver's entry.
func (r *Registry) Get(driverID string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byDriver[driverID]
	if !ok {
		return Entry{}, false
	}
	out := *e
	if e.Coords != nil {
		p := *e.Coords
		out.Coords = &p
	}
	return out, true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byDriver)
}

// ListAvailable yields available drivers with known coordinates in registration order.
// Each iteration works on a fresh snapshot, so the sequence can be ranged over again.
func (r *Registry) ListAvailable() iter.Seq[Candidate] {
	return func(yield func(Candidate) bool) {
		for _, c := range r.snapshot() {
			if !yield(c) {
				return
			}
		}
	}
}

func (r *Registry) snapshot() []Candidate {
	r.mu.RLock()
	entries := make([]*Entry, 0, len(r.byDriver))
	for _, e := range r.byDriver {
		if e.Available && e.Coords != nil {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	out := make([]Candidate, len(entries))
	for i, e := range entries {
		out[i] = Candidate{DriverID: e.DriverID, Position: *e.Coords}
	}
	r.mu.RUnlock()
	return out
}
