package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyFor(t *testing.T) {
	hex := "4CA2C4"

	tests := []struct {
		name    string
		report  AircraftReport
		want    string
		wantErr bool
	}{
		{
			name:   "date and hex ident",
			report: AircraftReport{GeneratedDate: "2024/06/01", HexIdent: &hex},
			want:   "2024.06.01.4CA2C4",
		},
		{
			name:   "missing hex ident becomes empty segment",
			report: AircraftReport{GeneratedDate: "2024/06/01"},
			want:   "2024.06.01.",
		},
		{
			name:    "empty date",
			report:  AircraftReport{MessageType: "STA"},
			wantErr: true,
		},
		{
			name:    "two part date",
			report:  AircraftReport{GeneratedDate: "2024/06"},
			wantErr: true,
		},
		{
			name:    "dash separated date",
			report:  AircraftReport{GeneratedDate: "2024-06-01"},
			wantErr: true,
		},
		{
			name:    "four part date",
			report:  AircraftReport{GeneratedDate: "2024/06/01/02"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, err := KeyFor(tt.report)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidGeneratedDate)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, key.String())
		})
	}
}

func TestKeyFor_DependsOnlyOnDateAndHex(t *testing.T) {
	hex := "ABCDEF"
	alt := int32(1000)
	a := AircraftReport{MessageType: "MSG", GeneratedDate: "2024/06/01", GeneratedTime: "10:00:00.000", HexIdent: &hex}
	b := AircraftReport{MessageType: "STA", GeneratedDate: "2024/06/01", GeneratedTime: "23:59:59.999", HexIdent: &hex, Altitude: &alt}

	ka, err := KeyFor(a)
	require.NoError(t, err)
	kb, err := KeyFor(b)
	require.NoError(t, err)

	assert.Equal(t, ka, kb)

	again, err := KeyFor(a)
	require.NoError(t, err)
	assert.Equal(t, ka, again)
}
