// Package inverter reads measurements from a Solis inverter.
//
// Two transports are supported: the SolarMAN V5 protocol spoken by the
// Ginlong wifi data-logger stick (the common setup), and plain Modbus TCP for
// inverters reachable directly. Both decode the same input-register map into
// named fields; registers that fail to read simply leave their fields absent.
package inverter

import (
	"context"
	"fmt"

	"github.com/pkosek/solis-ginlong-local-monitor/internal/models"
)

// Reader is the device-read contract consumed by the collector. A partial
// decode returns only the fields that were read; a total failure returns a
// *CommError.
type Reader interface {
	Read(ctx context.Context) (models.Fields, error)
}

// CommError is a transient device or network failure. It is never fatal: the
// collector logs it, skips the cycle's write and tries again next cycle.
type CommError struct {
	Addr string
	Op   string
	Err  error
}

func (e *CommError) Error() string {
	return fmt.Sprintf("inverter %s: %s: %v", e.Addr, e.Op, e.Err)
}

func (e *CommError) Unwrap() error { return e.Err }

// register describes one input-register read and how its words decode into
// measurement fields.
type register struct {
	addr     uint16
	quantity uint16
	decode   func(words []uint16, out models.Fields)
}

// solisInputRegisters is the register map of the Solis single-phase series,
// as documented for the RS485/Modbus interface. Tested against a
// Solis-mini-2000-4G behind a SolarMAN V5 stick.
var solisInputRegisters = []register{
	{3004, 2, func(w []uint16, out models.Fields) {
		out[models.FieldPowerW] = float64(uint32(w[0])<<16 | uint32(w[1]))
	}},
	{3008, 2, func(w []uint16, out models.Fields) {
		out[models.FieldTotalEnergyKWH] = float64(uint32(w[0])<<16 | uint32(w[1]))
	}},
	{3014, 1, func(w []uint16, out models.Fields) {
		out[models.FieldDailyEnergyKWH] = float64(w[0]) * 0.1
	}},
	{3021, 2, func(w []uint16, out models.Fields) {
		out[models.FieldPVVoltageV] = float64(w[0]) * 0.1
		out[models.FieldPVCurrentA] = float64(w[1]) * 0.1
	}},
	// 3035 is "Phase B voltage" in the register table but carries the AC
	// output voltage on single-phase units.
	{3035, 1, func(w []uint16, out models.Fields) {
		out[models.FieldGridVoltageV] = float64(w[0]) * 0.1
	}},
	{3041, 1, func(w []uint16, out models.Fields) {
		out[models.FieldTemperatureC] = float64(int16(w[0])) * 0.1
	}},
	{3042, 1, func(w []uint16, out models.Fields) {
		out[models.FieldGridFrequencyHz] = float64(w[0]) * 0.01
	}},
}

// readFunc performs one input-register read on an open transport.
type readFunc func(addr, quantity uint16) ([]uint16, error)

// decodeAll walks the register map, decoding whatever reads succeed. A
// partial decode returns the decoded fields with a nil error; the last read
// error is returned only when nothing decoded at all.
func decodeAll(ctx context.Context, read readFunc, pause func(context.Context) error) (models.Fields, error) {
	fields := make(models.Fields)
	var lastErr error
	for i, reg := range solisInputRegisters {
		if i > 0 && pause != nil {
			if err := pause(ctx); err != nil {
				return fields, err
			}
		}
		words, err := read(reg.addr, reg.quantity)
		if err != nil {
			lastErr = err
			continue
		}
		if len(words) < int(reg.quantity) {
			lastErr = fmt.Errorf("register %d: short response (%d words)", reg.addr, len(words))
			continue
		}
		reg.decode(words, fields)
	}
	if len(fields) == 0 && lastErr != nil {
		return nil, lastErr
	}
	return fields, nil
}
