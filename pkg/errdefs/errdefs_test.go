package errdefs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetup_ReasonFromSentinel(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		reason string
	}{
		{"layer missing", fmt.Errorf("assemble: %w", ErrLayerMissing), ReasonLayerMissing},
		{"disk exhausted", fmt.Errorf("writable layer: %w", ErrDiskExhausted), ReasonDiskExhausted},
		{"generic", errors.New("mount failed"), ReasonSetupFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			se := Setup(tt.err)
			assert.Equal(t, tt.reason, se.Reason)
			assert.True(t, errors.Is(se, tt.err) || errors.Is(se.Err, tt.err))
		})
	}
}

func TestSetupError_UnwrapsToSentinel(t *testing.T) {
	se := Setup(fmt.Errorf("fetch sha256:abc: %w", ErrLayerMissing))
	assert.True(t, errors.Is(se, ErrLayerMissing))
	assert.True(t, IsSetupFailure(se))
	assert.True(t, IsSetupFailure(fmt.Errorf("start: %w", se)))
	assert.False(t, IsSetupFailure(ErrContainerBusy))
}

func TestReasonOf(t *testing.T) {
	assert.Equal(t, ReasonLayerMissing, ReasonOf(Setup(ErrLayerMissing)))
	assert.Equal(t, ReasonDiskExhausted, ReasonOf(fmt.Errorf("x: %w", ErrDiskExhausted)))
	assert.Equal(t, ReasonSetupFailed, ReasonOf(errors.New("boom")))
}
