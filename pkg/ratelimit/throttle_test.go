package ratelimit

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewThrottle_Validation(t *testing.T) {
	tests := []struct {
		name      string
		batchSize int
		scale     float64
		wantErr   bool
	}{
		{"valid", 100, 0.8, false},
		{"zero batch", 0, 0.8, true},
		{"scale zero", 10, 0, true},
		{"scale one", 10, 1, true},
		{"scale above one", 10, 1.5, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewThrottle(tt.batchSize, tt.scale, zerolog.Nop())
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestThrottle_Derate(t *testing.T) {
	throttle, err := NewThrottle(100, 0.8, zerolog.Nop())
	require.NoError(t, err)
	gate := NewGate("test-derate", 10)

	require.NoError(t, throttle.Derate(context.Background(), gate))
	assert.Equal(t, 80, throttle.BatchSize())
	assert.Equal(t, 8, gate.Permits())

	require.NoError(t, throttle.Derate(context.Background(), gate))
	assert.Equal(t, 64, throttle.BatchSize())
	assert.Equal(t, 6, gate.Permits())
}

func TestThrottle_DerateClampsAtOne(t *testing.T) {
	throttle, err := NewThrottle(1, 0.5, zerolog.Nop())
	require.NoError(t, err)
	gate := NewGate("test-derate-clamp", 1)

	for i := 0; i < 3; i++ {
		require.NoError(t, throttle.Derate(context.Background(), gate))
	}
	assert.Equal(t, 1, throttle.BatchSize())
	assert.Equal(t, 1, gate.Permits())
}

func TestScaleDown(t *testing.T) {
	tests := []struct {
		n     int
		scale float64
		want  int
	}{
		{10, 0.8, 8},
		{3, 0.8, 2},
		{2, 0.8, 1},
		{1, 0.8, 1},
		{100, 0.8, 80},
		{7, 0.5, 3},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, scaleDown(tt.n, tt.scale), "scaleDown(%d, %v)", tt.n, tt.scale)
	}
}
