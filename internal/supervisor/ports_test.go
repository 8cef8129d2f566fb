package supervisor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLowestFree(t *testing.T) {
	tests := []struct {
		name string
		used []int
		want int
	}{
		{"empty", nil, 3001},
		{"below base ignored", []int{80, 3000}, 3001},
		{"contiguous", []int{3001, 3002, 3003}, 3004},
		{"gap", []int{3001, 3003}, 3002},
		{"gap after base", []int{3002}, 3001},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := newPortSet(tt.used...).lowestFree(3001)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLowestFreeExhausted(t *testing.T) {
	_, err := newPortSet(65535).lowestFree(65535)
	assert.ErrorIs(t, err, ErrNoPort)
}

func TestTransitions(t *testing.T) {
	assert.True(t, CanTransition(StateProvisioning, StateRunning))
	assert.True(t, CanTransition(StateFailed, StateProvisioning))
	assert.False(t, CanTransition(StateStopped, StateRunning))
	assert.False(t, CanTransition(StateRunning, StateProvisioning))
	assert.Equal(t, "starting", StateProvisioning.Status())
	assert.Equal(t, "stopped", StateStopped.Status())
}
