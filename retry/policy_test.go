package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNextDelayStopsAfterMaxAttempts(t *testing.T) {
	t.Parallel()
	p := New(Params{InitialDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, Multiplier: 2, MaxAttempts: 3, JitterFactor: 0})

	for i := 0; i < 3; i++ {
		_, ok := p.NextDelay()
		assert.True(t, ok, "attempt %d should still be allowed", i+1)
	}
	_, ok := p.NextDelay()
	assert.False(t, ok, "a 4th call must return false once max_attempts is exceeded")
}

func TestResetRestoresInitialState(t *testing.T) {
	t.Parallel()
	p := New(Params{InitialDelay: time.Millisecond, MaxDelay: time.Second, Multiplier: 2, MaxAttempts: 1, JitterFactor: 0})
	_, ok := p.NextDelay()
	assert.True(t, ok)
	_, ok = p.NextDelay()
	assert.False(t, ok)

	p.Reset()
	assert.Equal(t, 0, p.Attempts())
	_, ok = p.NextDelay()
	assert.True(t, ok, "after reset the attempt budget must be restored")
}

func TestCancelVoidsPendingRetry(t *testing.T) {
	t.Parallel()
	p := New(DefaultParams())
	p.Cancel()
	_, ok := p.NextDelay()
	assert.False(t, ok)
}

func TestDelayGrowsTowardMax(t *testing.T) {
	t.Parallel()
	p := New(Params{InitialDelay: 10 * time.Millisecond, MaxDelay: 40 * time.Millisecond, Multiplier: 2, JitterFactor: 0})
	d1, ok := p.NextDelay()
	assert.True(t, ok)
	d2, _ := p.NextDelay()
	d3, _ := p.NextDelay()
	d4, _ := p.NextDelay()
	assert.LessOrEqual(t, d1, d2)
	assert.LessOrEqual(t, d2, d3)
	assert.LessOrEqual(t, d3, time.Duration(40*time.Millisecond)+1)
	_ = d4
}
