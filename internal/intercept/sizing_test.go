package intercept

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-risk/internal/common"
	"fleet-risk/internal/settings"
)

func TestTargetStake(t *testing.T) {
	tests := []struct {
		name      string
		portfolio float64
		want      float64
		wantErr   bool
	}{
		{"default curve", 10000, 700, false},
		{"rounded to cents", 123.456, 8.64, false},
		{"smallest nonzero stake", 0.08, 0.01, false},
		{"rounds to zero", 0.05, 0, true},
		{"empty account", 0, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := TargetStake(settings.Defaults(), settings.DefaultFeatures(), SizingInput{Portfolio: tt.portfolio})
			if tt.wantErr {
				assert.ErrorIs(t, err, common.ErrInternalComputation)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
