package circuit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// outcome is one reported call result (ok=false is a failure) and what the
// breaker should answer after recording it.
type outcome struct {
	ok       bool
	fallback bool
	opened   bool
	closed   bool
}

func fail(fallback, opened bool) outcome { return outcome{fallback: fallback, opened: opened} }
func pass(fallback, closed bool) outcome { return outcome{ok: true, fallback: fallback, closed: closed} }

func TestBreakerSequences(t *testing.T) {
	tests := []struct {
		name      string
		opts      []Option
		outcomes  []outcome
		finalOpen bool
	}{
		{
			name:      "opens on the third consecutive broker failure",
			opts:      []Option{WithFailureThreshold(3)},
			outcomes:  []outcome{fail(false, false), fail(false, false), fail(true, true)},
			finalOpen: true,
		},
		{
			name:      "a delivered notification resets the failure run",
			opts:      []Option{WithFailureThreshold(3)},
			outcomes:  []outcome{fail(false, false), fail(false, false), pass(false, false), fail(false, false), fail(false, false)},
			finalOpen: false,
		},
		{
			name:      "needs consecutive successes to close",
			opts:      []Option{WithFailureThreshold(1), WithSuccessThreshold(2)},
			outcomes:  []outcome{fail(true, true), pass(true, false), pass(false, true)},
			finalOpen: false,
		},
		{
			name:      "a failure while open restarts the success run",
			opts:      []Option{WithFailureThreshold(1), WithSuccessThreshold(3)},
			outcomes:  []outcome{fail(true, true), pass(true, false), pass(true, false), fail(true, false), pass(true, false), pass(true, false)},
			finalOpen: true,
		},
		{
			name:      "failures while open report no new transition",
			opts:      []Option{WithFailureThreshold(1)},
			outcomes:  []outcome{fail(true, true), fail(true, false), fail(true, false)},
			finalOpen: true,
		},
		{
			name:      "defaults open on the fifth failure",
			outcomes:  []outcome{fail(false, false), fail(false, false), fail(false, false), fail(false, false), fail(true, true)},
			finalOpen: true,
		},
		{
			name:      "non-positive thresholds keep the defaults",
			opts:      []Option{WithFailureThreshold(0), WithSuccessThreshold(-1)},
			outcomes:  []outcome{fail(false, false), fail(false, false), fail(false, false), fail(false, false), fail(true, true)},
			finalOpen: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := New("notifications", tt.opts...)
			for i, o := range tt.outcomes {
				if o.ok {
					usePrimary, change := b.RecordSuccess()
					assert.Equal(t, !o.fallback, usePrimary, "step %d primary", i)
					assert.Equal(t, o.closed, change.Closed, "step %d closed", i)
					assert.False(t, change.Opened, "step %d", i)
					continue
				}
				useFallback, change := b.RecordFailure()
				assert.Equal(t, o.fallback, useFallback, "step %d fallback", i)
				assert.Equal(t, o.opened, change.Opened, "step %d opened", i)
				assert.False(t, change.Closed, "step %d", i)
			}
			assert.Equal(t, tt.finalOpen, b.IsOpen())
		})
	}
}

func TestBreakerStartsClosedAndResets(t *testing.T) {
	b := New("blob-storage", WithFailureThreshold(1))
	require.Equal(t, StateClosed, b.State())
	require.Equal(t, "blob-storage", b.Name())

	b.RecordFailure()
	require.Equal(t, StateOpen, b.State())

	b.Reset()
	assert.Equal(t, StateClosed, b.State())
	useFallback, change := b.RecordFailure()
	assert.True(t, useFallback)
	assert.True(t, change.Opened, "reset clears the failure count")
}
