package limiter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"issuepilot/pkg/config"
)

func newTestLimiter(t *testing.T) *Limiter {
	t.Helper()

	cfg := config.Default()
	cfg.Limits.Correctors = 2
	cfg.Limits.Unstickers = 1
	return NewLimiter(cfg)
}

func TestAcquireUpToLimit(t *testing.T) {
	l := newTestLimiter(t)

	require.NoError(t, l.Acquire(PhaseCorrect))
	require.NoError(t, l.Acquire(PhaseCorrect))

	err := l.Acquire(PhaseCorrect)
	assert.ErrorIs(t, err, ErrSlotLimit)

	inUse, err := l.InUse(PhaseCorrect)
	require.NoError(t, err)
	assert.Equal(t, 2, inUse)
}

func TestReleaseFreesSlot(t *testing.T) {
	l := newTestLimiter(t)

	require.NoError(t, l.Acquire(PhaseUnstick))
	assert.ErrorIs(t, l.Acquire(PhaseUnstick), ErrSlotLimit)

	require.NoError(t, l.Release(PhaseUnstick))
	assert.NoError(t, l.Acquire(PhaseUnstick))
}

func TestReleaseWithoutAcquire(t *testing.T) {
	l := newTestLimiter(t)
	assert.Error(t, l.Release(PhasePlan))
}

func TestUnknownPhase(t *testing.T) {
	l := newTestLimiter(t)

	assert.Error(t, l.Acquire("bogus"))
	assert.Error(t, l.Release("bogus"))
	_, err := l.InUse("bogus")
	assert.Error(t, err)
}

func TestPhasesAreIndependent(t *testing.T) {
	l := newTestLimiter(t)

	require.NoError(t, l.Acquire(PhaseUnstick))
	assert.NoError(t, l.Acquire(PhaseCorrect), "correct pool unaffected by unstick pool")
}
