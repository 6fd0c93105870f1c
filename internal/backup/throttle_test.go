package backup

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNiceThrottlerRunsFunction(t *testing.T) {
	tests := []struct {
		name    string
		enabled bool
	}{
		{name: "enabled", enabled: true},
		{name: "disabled", enabled: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			throttler := NewNiceThrottler(tt.enabled, 19, nil)
			assert.Equal(t, tt.enabled, throttler.Enabled())

			ran := false
			require.NoError(t, throttler.Run(func() error {
				ran = true
				return nil
			}))
			assert.True(t, ran)
		})
	}
}

func TestNiceThrottlerPropagatesError(t *testing.T) {
	throttler := NewNiceThrottler(true, 10, nil)

	wantErr := fmt.Errorf("compression exploded")
	err := throttler.Run(func() error { return wantErr })
	assert.Equal(t, wantErr, err)
}

func TestNiceThrottlerClampsNiceness(t *testing.T) {
	assert.Equal(t, 0, NewNiceThrottler(true, -5, nil).niceness)
	assert.Equal(t, 19, NewNiceThrottler(true, 40, nil).niceness)
}

func TestNiceThrottlerSequentialRuns(t *testing.T) {
	throttler := NewNiceThrottler(true, 19, nil)

	for i := 0; i < 5; i++ {
		n := i
		require.NoError(t, throttler.Run(func() error {
			if n < 0 {
				return fmt.Errorf("unreachable")
			}
			return nil
		}))
	}
}
