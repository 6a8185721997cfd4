package ratelimit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBurstThenExhaustion(t *testing.T) {
	l := New(60, 3)

	for i := 0; i < 3; i++ {
		_, ok := l.Allow("work", "echo")
		require.True(t, ok, "call %d should pass within burst", i)
	}

	retryAfter, ok := l.Allow("work", "echo")
	require.False(t, ok)
	assert.Greater(t, retryAfter, int64(0))
}

func TestBucketsAreIndependentPerGroupAndTool(t *testing.T) {
	l := New(60, 1)

	_, ok := l.Allow("work", "echo")
	require.True(t, ok)
	_, ok = l.Allow("work", "echo")
	require.False(t, ok)

	// Different group, same tool.
	_, ok = l.Allow("home", "echo")
	assert.True(t, ok)

	// Same group, different tool.
	_, ok = l.Allow("work", "fetch")
	assert.True(t, ok)
}

func TestDisabledWhenNonPositive(t *testing.T) {
	for _, l := range []*Limiter{New(0, 3), New(60, 0)} {
		for i := 0; i < 100; i++ {
			_, ok := l.Allow("work", "echo")
			require.True(t, ok)
		}
	}
}

func TestRetryAfterAtLeastOneSecond(t *testing.T) {
	// 6000/min refills every 10ms; the ceiling still reports >= 1s.
	l := New(6000, 1)
	_, ok := l.Allow("work", "echo")
	require.True(t, ok)

	retryAfter, ok := l.Allow("work", "echo")
	if !ok {
		assert.GreaterOrEqual(t, retryAfter, int64(1))
	}
}
