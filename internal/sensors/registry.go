package sensors

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrUnknownSensor is returned when an operation names a sensor id that is not
// in the catalog.
var ErrUnknownSensor = errors.New("unknown sensor")

// ErrLengthMismatch is returned by Publish when the payload does not have
// exactly the descriptor's expected length.
var ErrLengthMismatch = errors.New("payload length mismatch")

// state is the mutable half of a sensor. Every field is guarded by mu.
type state struct {
	desc Descriptor

	mu        sync.Mutex
	samples   []float64
	dirty     bool
	version   uint64
	updatedAt time.Time
}

// Snapshot is a consistent copy of a dirty sensor taken for persistence.
type Snapshot struct {
	Sensor    Descriptor
	Samples   []float64
	Version   uint64
	UpdatedAt time.Time
}

// Reading is a diagnostic copy of one sensor's current state.
type Reading struct {
	Sensor    Descriptor `json:"sensor"`
	Samples   []float64  `json:"samples"`
	Dirty     bool       `json:"dirty"`
	Version   uint64     `json:"version"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Registry maps identity bytes to sensor state. The set of sensors is fixed
// at construction; only the sample buffers and dirty flags change.
type Registry struct {
	order  []*state
	byID   map[byte]*state
	byName map[string]*state
	now    func() time.Time
}

// NewRegistry builds a registry from a catalog. IDs and names must be unique.
func NewRegistry(catalog []Descriptor) (*Registry, error) {
	if len(catalog) == 0 {
		return nil, errors.New("sensor catalog is empty")
	}
	r := &Registry{
		byID:   make(map[byte]*state, len(catalog)),
		byName: make(map[string]*state, len(catalog)),
		now:    time.Now,
	}
	for _, d := range catalog {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if prev, ok := r.byID[d.ID]; ok {
			return nil, fmt.Errorf("duplicate sensor id 0x%02X (%s and %s)", d.ID, prev.desc.Name, d.Name)
		}
		if _, ok := r.byName[d.Name]; ok {
			return nil, fmt.Errorf("duplicate sensor name %q", d.Name)
		}
		s := &state{desc: d}
		r.order = append(r.order, s)
		r.byID[d.ID] = s
		r.byName[d.Name] = s
	}
	return r, nil
}

// Lookup resolves an identity byte. Unknown bytes report false.
func (r *Registry) Lookup(id byte) (Descriptor, bool) {
	s, ok := r.byID[id]
	if !ok {
		return Descriptor{}, false
	}
	return s.desc, true
}

// ByName resolves a sensor by its storage name.
func (r *Registry) ByName(name string) (Descriptor, bool) {
	s, ok := r.byName[name]
	if !ok {
		return Descriptor{}, false
	}
	return s.desc, true
}

// Descriptors returns the catalog in registration order.
func (r *Registry) Descriptors() []Descriptor {
	out := make([]Descriptor, len(r.order))
	for i, s := range r.order {
		out[i] = s.desc
	}
	return out
}

// Publish replaces a sensor's samples with a complete payload and marks it
// dirty. The slice is copied.
func (r *Registry) Publish(id byte, samples []float64) error {
	s, ok := r.byID[id]
	if !ok {
		return fmt.Errorf("%w: 0x%02X", ErrUnknownSensor, id)
	}
	if len(samples) != s.desc.Length {
		return fmt.Errorf("%w: %s expects %d samples, got %d", ErrLengthMismatch, s.desc.Name, s.desc.Length, len(samples))
	}
	buf := make([]float64, len(samples))
	copy(buf, samples)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = buf
	s.dirty = true
	s.version++
	s.updatedAt = r.now()
	return nil
}

// Dirty returns a snapshot of every sensor whose samples changed since they
// were last persisted.
func (r *Registry) Dirty() []Snapshot {
	var out []Snapshot
	for _, s := range r.order {
		s.mu.Lock()
		if s.dirty {
			samples := make([]float64, len(s.samples))
			copy(samples, s.samples)
			out = append(out, Snapshot{
				Sensor:    s.desc,
				Samples:   samples,
				Version:   s.version,
				UpdatedAt: s.updatedAt,
			})
		}
		s.mu.Unlock()
	}
	return out
}

// DirtyCount returns how many sensors are dirty without copying payloads.
func (r *Registry) DirtyCount() int {
	n := 0
	for _, s := range r.order {
		s.mu.Lock()
		if s.dirty {
			n++
		}
		s.mu.Unlock()
	}
	return n
}

// MarkPersisted clears the dirty flag if the sensor still holds the version
// that was saved. It reports whether the flag was cleared; false means a newer
// payload arrived while the save was in flight and the sensor stays dirty.
func (r *Registry) MarkPersisted(id byte, version uint64) bool {
	s, ok := r.byID[id]
	if !ok {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.version != version {
		return false
	}
	s.dirty = false
	return true
}

// Reading returns the current state of one sensor.
func (r *Registry) Reading(id byte) (Reading, bool) {
	s, ok := r.byID[id]
	if !ok {
		return Reading{}, false
	}
	return s.reading(), true
}

// Readings returns the current state of every sensor in catalog order.
func (r *Registry) Readings() []Reading {
	out := make([]Reading, len(r.order))
	for i, s := range r.order {
		out[i] = s.reading()
	}
	return out
}

func (s *state) reading() Reading {
	s.mu.Lock()
	defer s.mu.Unlock()
	samples := make([]float64, len(s.samples))
	copy(samples, s.samples)
	return Reading{
		Sensor:    s.desc,
		Samples:   samples,
		Dirty:     s.dirty,
		Version:   s.version,
		UpdatedAt: s.updatedAt,
	}
}
