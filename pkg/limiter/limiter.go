// Package limiter provides counting-semaphore concurrency limits for the
// pipeline worker pools.
package limiter

import (
	"fmt"
	"sync"

	"issuepilot/pkg/config"
)

// Phase names used as limiter keys.
const (
	PhasePlan      = "plan"
	PhaseImplement = "implement"
	PhaseReview    = "review"
	PhaseCorrect   = "correct"
	PhaseUnstick   = "unstick"
)

// ErrSlotLimit is returned when a phase's worker pool is at capacity.
var ErrSlotLimit = fmt.Errorf("slot limit exceeded")

// Limiter enforces per-phase concurrency limits.
type Limiter struct {
	phases map[string]*PhaseLimiter
	mu     sync.RWMutex
}

// PhaseLimiter is a counting semaphore for one phase's worker pool.
type PhaseLimiter struct {
	name     string
	maxSlots int
	current  int
	mu       sync.Mutex
}

// NewLimiter creates a limiter sized from the configured pool limits.
func NewLimiter(cfg *config.Config) *Limiter {
	l := &Limiter{
		phases: make(map[string]*PhaseLimiter),
	}

	limits := map[string]int{
		PhasePlan:      cfg.Limits.Planners,
		PhaseImplement: cfg.Limits.Implementers,
		PhaseReview:    cfg.Limits.Reviewers,
		PhaseCorrect:   cfg.Limits.Correctors,
		PhaseUnstick:   cfg.Limits.Unstickers,
	}
	for name, maxSlots := range limits {
		l.phases[name] = &PhaseLimiter{name: name, maxSlots: maxSlots}
	}

	return l
}

// Acquire reserves a worker slot for a phase. Returns ErrSlotLimit when the
// pool is at capacity; the caller should retry on the next poll.
func (l *Limiter) Acquire(phase string) error {
	pl, err := l.phase(phase)
	if err != nil {
		return err
	}
	return pl.Acquire()
}

// Release returns a worker slot to a phase's pool.
func (l *Limiter) Release(phase string) error {
	pl, err := l.phase(phase)
	if err != nil {
		return err
	}
	return pl.Release()
}

// InUse returns the number of occupied slots for a phase.
func (l *Limiter) InUse(phase string) (int, error) {
	pl, err := l.phase(phase)
	if err != nil {
		return 0, err
	}
	return pl.InUse(), nil
}

func (l *Limiter) phase(name string) (*PhaseLimiter, error) {
	l.mu.RLock()
	pl, exists := l.phases[name]
	l.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("phase %s not configured", name)
	}
	return pl, nil
}

// Acquire reserves one slot.
func (pl *PhaseLimiter) Acquire() error {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	if pl.current >= pl.maxSlots {
		return ErrSlotLimit
	}

	pl.current++
	return nil
}

// Release returns one slot.
func (pl *PhaseLimiter) Release() error {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	if pl.current <= 0 {
		return fmt.Errorf("no slots to release for phase %s", pl.name)
	}

	pl.current--
	return nil
}

// InUse returns the number of occupied slots.
func (pl *PhaseLimiter) InUse() int {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	return pl.current
}
