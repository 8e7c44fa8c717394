package inverter

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/goburrow/modbus"
	"github.com/pkosek/solis-ginlong-local-monitor/internal/models"
)

// ModbusTCPReader reads Solis input registers over plain Modbus TCP, for
// inverters wired to an RS485-to-ethernet bridge instead of the wifi stick.
// The register map is identical to the SolarMAN transport.
type ModbusTCPReader struct {
	addr    string
	slaveID byte
	timeout time.Duration
}

// NewModbusTCPReader creates a reader for a Modbus TCP endpoint at addr.
func NewModbusTCPReader(addr string, slaveID byte, timeout time.Duration) *ModbusTCPReader {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ModbusTCPReader{addr: addr, slaveID: slaveID, timeout: timeout}
}

// Read polls every mapped register once over a fresh connection.
func (r *ModbusTCPReader) Read(ctx context.Context) (models.Fields, error) {
	handler := modbus.NewTCPClientHandler(r.addr)
	handler.Timeout = r.timeout
	handler.SlaveId = r.slaveID

	if err := handler.Connect(); err != nil {
		return nil, &CommError{Addr: r.addr, Op: "connect", Err: err}
	}
	defer handler.Close()

	client := modbus.NewClient(handler)
	read := func(addr, quantity uint16) ([]uint16, error) {
		raw, err := client.ReadInputRegisters(addr, quantity)
		if err != nil {
			return nil, err
		}
		if len(raw) < int(quantity)*2 {
			return nil, fmt.Errorf("register %d: short response (%d bytes)", addr, len(raw))
		}
		words := make([]uint16, quantity)
		for i := range words {
			words[i] = binary.BigEndian.Uint16(raw[2*i:])
		}
		return words, nil
	}

	fields, err := decodeAll(ctx, read, nil)
	if err != nil {
		return nil, &CommError{Addr: r.addr, Op: "read registers", Err: err}
	}
	return fields, nil
}

var _ Reader = (*ModbusTCPReader)(nil)
