// Package seed scopes deterministic generation. A seeded block seeds every registered
// generator, forces deterministic kernels, and restores the previous flags on exit.
package seed

import (
	"sync"
	"sync/atomic"
)

// Flags are the process-wide determinism switches of the inference device.
type Flags struct {
	Deterministic bool
	Benchmark     bool
}

// Seeder is a random generator that can be reseeded.
type Seeder interface {
	Seed(seed int64)
}

// FlagController reads and writes the device determinism flags.
type FlagController interface {
	Flags() Flags
	SetFlags(flags Flags)
}

// Scope serializes seeded blocks. Flags are global to the device, so two seeded
// generations must never overlap.
type Scope struct {
	flags   FlagController
	seeders []Seeder
	mu      sync.Mutex
	active  atomic.Bool
}

// NewScope creates a Scope over the given flag controller and seeders.
func NewScope(flags FlagController, seeders ...Seeder) *Scope {
	return &Scope{flags: flags, seeders: seeders}
}

// Run executes fn. With a nil seed fn runs unchanged. Otherwise all seeders are seeded,
// Deterministic is set and Benchmark cleared; the previous flags are restored when fn
// returns, fails or panics.
func (s *Scope) Run(seed *int64, fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if seed == nil {
		return fn()
	}

	previous := s.flags.Flags()

	s.active.Store(true)

	defer func() {
		s.flags.SetFlags(previous)
		s.active.Store(false)
	}()

	for _, seeder := range s.seeders {
		seeder.Seed(*seed)
	}

	s.flags.SetFlags(Flags{Deterministic: true, Benchmark: false})

	return fn()
}

// Active reports whether a seeded block is running.
func (s *Scope) Active() bool {
	return s.active.Load()
}
