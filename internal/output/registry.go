// Package output tracks the named destinations a corrected frame is delivered
// to, and provides the concrete surfaces used by the daemon and tests.
package output

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/lanikai/dewarp/internal/device"
	"github.com/lanikai/dewarp/internal/logging"
)

var log = logging.DefaultLogger.WithTag("output")

// Name identifies an output target.
type Name string

const (
	Primary   Name = "primary"
	Record    Name = "record"
	Floating  Name = "floating"
	Secondary Name = "secondary"
)

// Names lists every target in priority order, highest first.
var Names = []Name{Primary, Record, Floating, Secondary}

// Optional targets in the order they are shed when configuration keeps
// failing. The recording destination goes last; primary is never shed.
var shedOrder = []Name{Secondary, Floating, Record}

func ParseName(s string) (Name, error) {
	for _, n := range Names {
		if string(n) == s {
			return n, nil
		}
	}
	return "", errors.Errorf("unknown output target %q", s)
}

func (n Name) priority() int {
	for i, m := range Names {
		if m == n {
			return i
		}
	}
	return len(Names)
}

// Target is a named surface registered by an external owner.
type Target struct {
	Name    Name
	Surface device.Surface
}

// Change describes one registry update. Old is nil for an addition and New is
// nil for a removal.
type Change struct {
	Name Name
	Old  device.Surface
	New  device.Surface
}

// Immutable view published to readers.
type snapshot struct {
	generation uint64
	targets    map[Name]device.Surface
	suppressed map[Name]bool
}

func (s *snapshot) clone() *snapshot {
	next := &snapshot{
		generation: s.generation + 1,
		targets:    make(map[Name]device.Surface, len(s.targets)),
		suppressed: make(map[Name]bool, len(s.suppressed)),
	}
	for n, t := range s.targets {
		next.targets[n] = t
	}
	for n := range s.suppressed {
		next.suppressed[n] = true
	}
	return next
}

// Registry is the live set of output targets. Readers (the render pass) load a
// snapshot without locking; writers are serialized.
type Registry struct {
	mu       sync.Mutex
	snap     atomic.Pointer[snapshot]
	watchers map[int]func(Change)
	nextID   int
}

func NewRegistry() *Registry {
	r := &Registry{watchers: make(map[int]func(Change))}
	r.snap.Store(&snapshot{
		targets:    map[Name]device.Surface{},
		suppressed: map[Name]bool{},
	})
	return r
}

// Set registers or replaces the surface for name. Setting a target clears any
// earlier shedding of that name.
func (r *Registry) Set(name Name, s device.Surface) {
	if s == nil {
		r.Remove(name)
		return
	}

	r.mu.Lock()
	next := r.snap.Load().clone()
	old := next.targets[name]
	next.targets[name] = s
	delete(next.suppressed, name)
	r.snap.Store(next)
	watchers := r.watchersLocked()
	r.mu.Unlock()

	if old == s {
		return
	}
	log.Debug("Target %s set", name)
	notify(watchers, Change{Name: name, Old: old, New: s})
}

// Remove unregisters name. It reports whether a target was present.
func (r *Registry) Remove(name Name) bool {
	r.mu.Lock()
	cur := r.snap.Load()
	old, ok := cur.targets[name]
	if !ok {
		r.mu.Unlock()
		return false
	}
	next := cur.clone()
	delete(next.targets, name)
	delete(next.suppressed, name)
	r.snap.Store(next)
	watchers := r.watchersLocked()
	r.mu.Unlock()

	log.Debug("Target %s removed", name)
	notify(watchers, Change{Name: name, Old: old})
	return true
}

// Prune removes name only if it is still bound to s. Used when a surface is
// found invalid mid-render, so a replacement registered meanwhile survives.
func (r *Registry) Prune(name Name, s device.Surface) bool {
	r.mu.Lock()
	cur := r.snap.Load()
	if cur.targets[name] != s {
		r.mu.Unlock()
		return false
	}
	next := cur.clone()
	delete(next.targets, name)
	delete(next.suppressed, name)
	r.snap.Store(next)
	watchers := r.watchersLocked()
	r.mu.Unlock()

	log.Info("Pruned invalid target %s", name)
	notify(watchers, Change{Name: name, Old: s})
	return true
}

// Shed suppresses the lowest-priority optional target that is currently
// active. The target stays registered but is excluded from Targets until its
// owner sets it again. Watchers are not notified.
func (r *Registry) Shed() (Name, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snap.Load()
	for _, n := range shedOrder {
		if _, ok := cur.targets[n]; ok && !cur.suppressed[n] {
			next := cur.clone()
			next.suppressed[n] = true
			r.snap.Store(next)
			log.Warn("Shedding target %s", n)
			return n, true
		}
	}
	return "", false
}

// Suppressed reports whether name was shed.
func (r *Registry) Suppressed(name Name) bool {
	return r.snap.Load().suppressed[name]
}

// Get returns the surface registered for name, shed or not.
func (r *Registry) Get(name Name) (device.Surface, bool) {
	s, ok := r.snap.Load().targets[name]
	return s, ok
}

// Targets returns the active (registered, not shed) targets in priority order.
func (r *Registry) Targets() []Target {
	cur := r.snap.Load()
	targets := make([]Target, 0, len(cur.targets))
	for n, s := range cur.targets {
		if !cur.suppressed[n] {
			targets = append(targets, Target{Name: n, Surface: s})
		}
	}
	sort.Slice(targets, func(i, j int) bool {
		return targets[i].Name.priority() < targets[j].Name.priority()
	})
	return targets
}

// Valid returns the active targets whose surfaces are currently valid.
func (r *Registry) Valid() []Target {
	all := r.Targets()
	valid := all[:0]
	for _, t := range all {
		if t.Surface.Valid() {
			valid = append(valid, t)
		}
	}
	return valid
}

// Generation increases with every change.
func (r *Registry) Generation() uint64 {
	return r.snap.Load().generation
}

// Watch registers fn to be called after every Set, Remove and Prune. fn runs
// on the mutating goroutine. The returned function unregisters it.
func (r *Registry) Watch(fn func(Change)) (cancel func()) {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.watchers[id] = fn
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.watchers, id)
		r.mu.Unlock()
	}
}

func (r *Registry) watchersLocked() []func(Change) {
	fns := make([]func(Change), 0, len(r.watchers))
	for _, fn := range r.watchers {
		fns = append(fns, fn)
	}
	return fns
}

func notify(watchers []func(Change), c Change) {
	for _, fn := range watchers {
		fn(c)
	}
}
