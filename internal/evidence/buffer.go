package evidence

import (
	"sync"

	"github.com/miradorstack/mirador-sentinel/internal/models"
)

// DefaultCapacity bounds each subject's buffer unless configured otherwise.
const DefaultCapacity = 60

// Registry owns one bounded observation buffer per subject. Buffers are
// created lazily on first push and share a single configured capacity.
//
// Reads copy the underlying slice under a read lock: a push racing with
// Recent or ByTimeRange may or may not be visible in the returned snapshot,
// but the snapshot itself is always consistent. That race is benign.
type Registry struct {
	mu       sync.RWMutex
	buffers  map[string]*buffer
	capacity int
}

type buffer struct {
	units []models.ObservationUnit
}

// NewRegistry creates a Registry with the given per-subject capacity.
// Non-positive capacities fall back to DefaultCapacity.
func NewRegistry(capacity int) *Registry {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Registry{
		buffers:  make(map[string]*buffer),
		capacity: capacity,
	}
}

// Push appends a unit to the subject's buffer, evicting the oldest units
// first once capacity is exceeded.
func (r *Registry) Push(subject string, unit models.ObservationUnit) {
	r.mu.Lock()
	defer r.mu.Unlock()

	buf, ok := r.buffers[subject]
	if !ok {
		buf = &buffer{units: make([]models.ObservationUnit, 0, r.capacity)}
		r.buffers[subject] = buf
	}

	buf.units = append(buf.units, unit)
	if excess := len(buf.units) - r.capacity; excess > 0 {
		buf.units = append(buf.units[:0], buf.units[excess:]...)
	}
}

// Latest returns the most recent unit for the subject, or false when the
// buffer is absent or empty.
func (r *Registry) Latest(subject string) (models.ObservationUnit, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	buf, ok := r.buffers[subject]
	if !ok || len(buf.units) == 0 {
		return models.ObservationUnit{}, false
	}
	return buf.units[len(buf.units)-1], true
}

// Recent returns the last n units in chronological order, fewer when the
// buffer holds fewer.
func (r *Registry) Recent(subject string, n int) []models.ObservationUnit {
	if n <= 0 {
		return nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	buf, ok := r.buffers[subject]
	if !ok || len(buf.units) == 0 {
		return nil
	}
	start := len(buf.units) - n
	if start < 0 {
		start = 0
	}
	return append([]models.ObservationUnit(nil), buf.units[start:]...)
}

// ByTimeRange returns all units with start <= CapturedAt <= end, both ends
// inclusive, in insertion order.
func (r *Registry) ByTimeRange(subject string, window models.TimeRange) []models.ObservationUnit {
	r.mu.RLock()
	defer r.mu.RUnlock()

	buf, ok := r.buffers[subject]
	if !ok {
		return nil
	}
	var out []models.ObservationUnit
	for _, unit := range buf.units {
		if unit.CapturedAt.Before(window.Start) || unit.CapturedAt.After(window.End) {
			continue
		}
		out = append(out, unit)
	}
	return out
}

// Size returns the number of units currently buffered for the subject.
func (r *Registry) Size(subject string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	buf, ok := r.buffers[subject]
	if !ok {
		return 0
	}
	return len(buf.units)
}

// Clear empties one subject's buffer.
func (r *Registry) Clear(subject string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.buffers, subject)
}

// ClearAll empties every buffer.
func (r *Registry) ClearAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buffers = make(map[string]*buffer)
}
