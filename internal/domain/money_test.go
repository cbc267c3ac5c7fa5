package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatMajor(t *testing.T) {
	assert.Equal(t, "220.00", FormatMajor(22000, "TRY"))
	assert.Equal(t, "0.05", FormatMajor(5, "EUR"))
	assert.Equal(t, "1500", FormatMajor(1500, "JPY"))
}

func TestParseMajor(t *testing.T) {
	tests := []struct {
		in       string
		currency string
		want     int64
		wantErr  bool
	}{
		{"220.00", "TRY", 22000, false},
		{"49.9", "TRY", 4990, false},
		{" 15 ", "USD", 1500, false},
		{"1500", "JPY", 1500, false},
		{"0.001", "EUR", 0, true},
		{"12.5", "JPY", 0, true},
		{"abc", "TRY", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in+"/"+tt.currency, func(t *testing.T) {
			got, err := ParseMajor(tt.in, tt.currency)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
