package supervisor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff_DoublesAndCaps(t *testing.T) {
	b := newBackoff()

	var prev time.Duration
	for i := 0; i < 10; i++ {
		d := b.delay()
		assert.GreaterOrEqual(t, d, prev, "delays must never shrink")
		assert.LessOrEqual(t, d, backoffMax)
		prev = d
	}
	assert.Equal(t, backoffMax, b.delay())
}

func TestBackoff_ResetsAfterStableRun(t *testing.T) {
	b := newBackoff()
	b.delay()
	b.delay()
	b.delay()

	b.observe(stableRunThreshold / 2)
	assert.Greater(t, b.delay(), backoffBase, "short run must not reset")

	b.observe(stableRunThreshold)
	assert.Equal(t, backoffBase, b.delay())
}
