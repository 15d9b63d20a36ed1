// Package phase defines the named, ranked stages that order interceptors in a chain.
package phase

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrEmptyPhase is returned when a phase has no name.
	ErrEmptyPhase = errors.New("phase name is empty")
	// ErrDuplicatePhase is returned when a set contains the same name or priority twice.
	ErrDuplicatePhase = errors.New("duplicate phase")
)

// Phase is a named stage of message processing with a fixed priority.
type Phase struct {
	Name     string
	Priority int
}

// New creates a phase.
func New(name string, priority int) Phase {
	return Phase{Name: name, Priority: priority}
}

func (p Phase) String() string {
	return fmt.Sprintf("%s(%d)", p.Name, p.Priority)
}

// Set is an immutable, totally ordered set of phases.
type Set struct {
	phases []Phase
	index  map[string]int
}

// NewSet builds a set from an ordered list of names. Each phase's priority is its position.
func NewSet(names ...string) (*Set, error) {
	phases := make([]Phase, len(names))
	for i, name := range names {
		phases[i] = Phase{Name: name, Priority: i}
	}
	return NewSetFromPhases(phases...)
}

// NewSetFromPhases builds a set from phases with explicit priorities.
// Phases are sorted by priority; duplicate names or priorities are rejected.
func NewSetFromPhases(phases ...Phase) (*Set, error) {
	sorted := make([]Phase, len(phases))
	copy(sorted, phases)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority < sorted[j].Priority
	})

	index := make(map[string]int, len(sorted))
	for i, p := range sorted {
		if p.Name == "" {
			return nil, fmt.Errorf("phase at position %d: %w", i, ErrEmptyPhase)
		}
		if _, ok := index[p.Name]; ok {
			return nil, fmt.Errorf("%w: name %q", ErrDuplicatePhase, p.Name)
		}
		if i > 0 && sorted[i-1].Priority == p.Priority {
			return nil, fmt.Errorf("%w: %q and %q share priority %d",
				ErrDuplicatePhase, sorted[i-1].Name, p.Name, p.Priority)
		}
		index[p.Name] = i
	}
	return &Set{phases: sorted, index: index}, nil
}

// MustSet is like NewSet but panics on error. Intended for package-level phase lists.
func MustSet(names ...string) *Set {
	s, err := NewSet(names...)
	if err != nil {
		panic(err)
	}
	return s
}

// Phases returns the phases in order.
func (s *Set) Phases() []Phase {
	out := make([]Phase, len(s.phases))
	copy(out, s.phases)
	return out
}

// Names returns the phase names in order.
func (s *Set) Names() []string {
	out := make([]string, len(s.phases))
	for i, p := range s.phases {
		out[i] = p.Name
	}
	return out
}

// Len returns the number of phases.
func (s *Set) Len() int {
	return len(s.phases)
}

// Index returns the rank of the named phase.
func (s *Set) Index(name string) (int, bool) {
	i, ok := s.index[name]
	return i, ok
}

// Contains reports whether the set has a phase with the given name.
func (s *Set) Contains(name string) bool {
	_, ok := s.index[name]
	return ok
}

// Get returns the phase at rank i.
func (s *Set) Get(i int) Phase {
	return s.phases[i]
}
