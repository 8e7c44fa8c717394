package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewReadingKeepsMissingFieldsAbsent(t *testing.T) {
	ts := time.Date(2024, 2, 10, 12, 30, 45, 987654321, time.FixedZone("CET", 3600))
	r := NewReading(ts, Fields{
		FieldPowerW:         0, // zero is a real value, not absence
		FieldDailyEnergyKWH: 6.2,
	})

	assert.Equal(t, time.Date(2024, 2, 10, 11, 30, 45, 0, time.UTC), r.Timestamp)

	require.NotNil(t, r.PowerW)
	assert.Equal(t, 0.0, *r.PowerW)
	require.NotNil(t, r.DailyEnergyKWH)
	assert.Equal(t, 6.2, *r.DailyEnergyKWH)

	assert.Nil(t, r.PVVoltageV)
	assert.Nil(t, r.GridVoltageV)
	assert.Nil(t, r.TemperatureC)
	assert.Nil(t, r.TotalEnergyKWH)
}

func TestReadingJSONOmitsAbsentFields(t *testing.T) {
	power := 1850.0
	r := Reading{
		Timestamp: time.Date(2024, 2, 10, 12, 0, 0, 0, time.UTC),
		PowerW:    &power,
	}

	data, err := json.Marshal(r)
	require.NoError(t, err)

	assert.Contains(t, string(data), `"power_w":1850`)
	assert.NotContains(t, string(data), "grid_voltage_v")
	assert.NotContains(t, string(data), `"id"`)
}

func TestDailyEnergyJSONKeepsNullForEmptyDays(t *testing.T) {
	data, err := json.Marshal(DailyEnergy{Date: "2024-02-10"})
	require.NoError(t, err)
	// null, not 0: a day without data is not a day without generation
	assert.JSONEq(t, `{"date":"2024-02-10","energy_kwh":null}`, string(data))
}

func TestParseResolution(t *testing.T) {
	tests := []struct {
		in      string
		want    Resolution
		wantErr bool
	}{
		{"", ResolutionRaw, false},
		{"raw", ResolutionRaw, false},
		{"hourly", ResolutionHourly, false},
		{"daily", ResolutionDaily, false},
		{"weekly", "", true},
		{"Hourly", "", true},
	}

	for _, tt := range tests {
		got, err := ParseResolution(tt.in)
		if tt.wantErr {
			assert.Error(t, err, "input %q", tt.in)
			continue
		}
		require.NoError(t, err, "input %q", tt.in)
		assert.Equal(t, tt.want, got)
	}
}
