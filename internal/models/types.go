package models

import (
	"fmt"
	"time"
)

// Reading is a single inverter sample. Fields the inverter did not report
// (register read failure, value not decodable) are nil rather than zero,
// since zero is a legitimate reading for most of them at night.
type Reading struct {
	ID              int64     `json:"-" db:"id"`
	Timestamp       time.Time `json:"timestamp" db:"timestamp"`
	PowerW          *float64  `json:"power_w,omitempty" db:"power_w"`
	PVVoltageV      *float64  `json:"pv_voltage_v,omitempty" db:"pv_voltage_v"`
	PVCurrentA      *float64  `json:"pv_current_a,omitempty" db:"pv_current_a"`
	GridVoltageV    *float64  `json:"grid_voltage_v,omitempty" db:"grid_voltage_v"`
	GridFrequencyHz *float64  `json:"grid_frequency_hz,omitempty" db:"grid_frequency_hz"`
	TemperatureC    *float64  `json:"temperature_c,omitempty" db:"temperature_c"`
	DailyEnergyKWH  *float64  `json:"daily_energy_kwh,omitempty" db:"daily_energy_kwh"`
	TotalEnergyKWH  *float64  `json:"total_energy_kwh,omitempty" db:"total_energy_kwh"`
}

// Fields is the decoded output of one inverter poll, keyed by field name.
// A key is missing when the corresponding register could not be read.
type Fields map[string]float64

// Field names produced by the inverter readers.
const (
	FieldPowerW          = "power_w"
	FieldPVVoltageV      = "pv_voltage_v"
	FieldPVCurrentA      = "pv_current_a"
	FieldGridVoltageV    = "grid_voltage_v"
	FieldGridFrequencyHz = "grid_frequency_hz"
	FieldTemperatureC    = "temperature_c"
	FieldDailyEnergyKWH  = "daily_energy_kwh"
	FieldTotalEnergyKWH  = "total_energy_kwh"
)

// NewReading builds a Reading at ts from decoded fields. Missing keys stay nil.
func NewReading(ts time.Time, fields Fields) Reading {
	get := func(name string) *float64 {
		if v, ok := fields[name]; ok {
			return &v
		}
		return nil
	}
	return Reading{
		Timestamp:       ts.UTC().Truncate(time.Second),
		PowerW:          get(FieldPowerW),
		PVVoltageV:      get(FieldPVVoltageV),
		PVCurrentA:      get(FieldPVCurrentA),
		GridVoltageV:    get(FieldGridVoltageV),
		GridFrequencyHz: get(FieldGridFrequencyHz),
		TemperatureC:    get(FieldTemperatureC),
		DailyEnergyKWH:  get(FieldDailyEnergyKWH),
		TotalEnergyKWH:  get(FieldTotalEnergyKWH),
	}
}

// DailyEnergy is one day of the daily generation summary. EnergyKWH is nil
// for days with no stored readings: "no data" must not read as "no generation".
type DailyEnergy struct {
	Date      string   `json:"date"`
	EnergyKWH *float64 `json:"energy_kwh"`
}

// FieldStats holds min/max/avg for one numeric field over a period.
// Count is the number of readings in which the field was present.
type FieldStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	Count int     `json:"count"`
}

// Resolution selects the read-side bucketing of history queries.
// It never affects what is stored.
type Resolution string

const (
	ResolutionRaw    Resolution = "raw"
	ResolutionHourly Resolution = "hourly"
	ResolutionDaily  Resolution = "daily"
)

// ParseResolution validates a resolution string, defaulting empty to raw.
func ParseResolution(s string) (Resolution, error) {
	switch Resolution(s) {
	case "":
		return ResolutionRaw, nil
	case ResolutionRaw, ResolutionHourly, ResolutionDaily:
		return Resolution(s), nil
	default:
		return "", fmt.Errorf("invalid resolution: %s", s)
	}
}
