package feed

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff_Delay(t *testing.T) {
	b := Backoff{Base: time.Second, Cap: 30 * time.Second, MaxAttempts: 5}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{60, 30 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, b.Delay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestBackoff_Exhausted(t *testing.T) {
	b := DefaultBackoff()
	assert.False(t, b.Exhausted(4))
	assert.True(t, b.Exhausted(5))

	forever := Backoff{Base: time.Second}
	assert.False(t, forever.Exhausted(1000))
}
