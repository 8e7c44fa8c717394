package inverter

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/sigurn/crc16"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pkosek/solis-ginlong-local-monitor/internal/models"
)

// buildResponseFrame assembles a valid V5 response the way the logger stick
// would, wrapping a Modbus read-input-registers reply carrying words.
func buildResponseFrame(t *testing.T, serial uint32, slaveID byte, words []uint16) []byte {
	t.Helper()

	rtu := make([]byte, 3, 3+2*len(words)+2)
	rtu[0] = slaveID
	rtu[1] = fnReadInputRegisters
	rtu[2] = byte(2 * len(words))
	for _, w := range words {
		rtu = binary.BigEndian.AppendUint16(rtu, w)
	}
	rtu = binary.LittleEndian.AppendUint16(rtu, crc16.Checksum(rtu, modbusTable))

	payload := make([]byte, responsePayloadHeaderLen, responsePayloadHeaderLen+len(rtu))
	payload[0] = 0x02
	payload = append(payload, rtu...)

	frame := make([]byte, 0, 11+len(payload)+2)
	frame = append(frame, frameStart)
	frame = binary.LittleEndian.AppendUint16(frame, uint16(len(payload)))
	frame = binary.LittleEndian.AppendUint16(frame, controlResp)
	frame = binary.LittleEndian.AppendUint16(frame, 1)
	frame = binary.LittleEndian.AppendUint32(frame, serial)
	frame = append(frame, payload...)
	frame = append(frame, v5Checksum(frame), frameEnd)
	return frame
}

func TestBuildRequestLayout(t *testing.T) {
	r := NewSolarmanReader("192.168.1.50:8899", 1234567890, 1, 0)
	frame := r.buildRequest(7, 3014, 1)

	require.Equal(t, byte(frameStart), frame[0])
	require.Equal(t, byte(frameEnd), frame[len(frame)-1])

	payloadLen := binary.LittleEndian.Uint16(frame[1:3])
	assert.Equal(t, 11+int(payloadLen)+2, len(frame))
	assert.Equal(t, uint16(controlReq), binary.LittleEndian.Uint16(frame[3:5]))
	assert.Equal(t, uint16(7), binary.LittleEndian.Uint16(frame[5:7]))
	assert.Equal(t, uint32(1234567890), binary.LittleEndian.Uint32(frame[7:11]))

	assert.Equal(t, v5Checksum(frame[:len(frame)-2]), frame[len(frame)-2])

	// the embedded RTU request follows the payload header
	rtu := frame[11+requestPayloadHeaderLen : len(frame)-2]
	require.Len(t, rtu, 8)
	assert.Equal(t, byte(1), rtu[0])
	assert.Equal(t, byte(fnReadInputRegisters), rtu[1])
	assert.Equal(t, uint16(3014), binary.BigEndian.Uint16(rtu[2:4]))
	assert.Equal(t, uint16(1), binary.BigEndian.Uint16(rtu[4:6]))
	assert.Equal(t, crc16.Checksum(rtu[:6], modbusTable), binary.LittleEndian.Uint16(rtu[6:8]))
}

func TestReadFrameRoundTrip(t *testing.T) {
	frame := buildResponseFrame(t, 1234567890, 1, []uint16{0x0012, 0x3456})

	payload, err := readFrame(bytes.NewReader(frame), 1234567890)
	require.NoError(t, err)

	words, err := parseModbusResponse(payload, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, []uint16{0x0012, 0x3456}, words)
}

func TestReadFrameRejectsCorruption(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(frame []byte)
		wantErr string
	}{
		{"bad start byte", func(f []byte) { f[0] = 0x00 }, "start byte"},
		{"bad end byte", func(f []byte) { f[len(f)-1] = 0x00 }, "end byte"},
		{"checksum mismatch", func(f []byte) { f[len(f)-2] ^= 0xFF }, "checksum"},
		{"wrong control code", func(f []byte) {
			binary.LittleEndian.PutUint16(f[3:5], controlReq)
			f[len(f)-2] = v5Checksum(f[:len(f)-2])
		}, "control code"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame := buildResponseFrame(t, 1234567890, 1, []uint16{0x0001})
			tt.mutate(frame)

			_, err := readFrame(bytes.NewReader(frame), 1234567890)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestReadFrameRejectsOtherLoggerSerial(t *testing.T) {
	frame := buildResponseFrame(t, 555, 1, []uint16{0x0001})

	_, err := readFrame(bytes.NewReader(frame), 1234567890)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "logger")
}

func TestParseModbusResponseRejectsBadCRC(t *testing.T) {
	frame := buildResponseFrame(t, 1234567890, 1, []uint16{0x0001})
	payload, err := readFrame(bytes.NewReader(frame), 1234567890)
	require.NoError(t, err)

	payload[responsePayloadHeaderLen+3] ^= 0xFF

	_, err = parseModbusResponse(payload, 1, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "crc")
}

func TestParseModbusResponseSurfacesException(t *testing.T) {
	payload := make([]byte, responsePayloadHeaderLen, responsePayloadHeaderLen+5)
	payload = append(payload, 1, fnReadInputRegisters|0x80, 0x02, 0x00, 0x00)

	_, err := parseModbusResponse(payload, 1, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exception 0x02")
}

func TestDecodeAllpartialFailureKeepsGoodFields(t *testing.T) {
	read := func(addr, quantity uint16) ([]uint16, error) {
		switch addr {
		case 3004:
			return []uint16{0, 2500}, nil
		case 3041:
			return []uint16{0xFFF6}, nil // -1.0 C, signed register
		default:
			return nil, fmt.Errorf("register %d timed out", addr)
		}
	}

	fields, err := decodeAll(context.Background(), read, nil)
	require.NoError(t, err)
	require.Len(t, fields, 2)
	assert.Equal(t, 2500.0, fields[models.FieldPowerW])
	assert.InDelta(t, -1.0, fields[models.FieldTemperatureC], 1e-9)
}

func TestDecodeAllNothingReadableIsAnError(t *testing.T) {
	read := func(addr, quantity uint16) ([]uint16, error) {
		return nil, fmt.Errorf("connection reset")
	}

	fields, err := decodeAll(context.Background(), read, nil)
	require.Error(t, err)
	assert.Nil(t, fields)
}

func TestDecodeAllScalesRegisters(t *testing.T) {
	// 1850 W, 4321 kWh lifetime, 6.2 kWh today, 310.5 V / 5.8 A on the
	// string, 241.2 V grid, 32.1 C, 50.02 Hz
	values := map[uint16][]uint16{
		3004: {0, 1850},
		3008: {0, 4321},
		3014: {62},
		3021: {3105, 58},
		3035: {2412},
		3041: {321},
		3042: {5002},
	}
	read := func(addr, quantity uint16) ([]uint16, error) {
		return values[addr], nil
	}

	fields, err := decodeAll(context.Background(), read, nil)
	require.NoError(t, err)

	assert.Equal(t, 1850.0, fields[models.FieldPowerW])
	assert.Equal(t, 4321.0, fields[models.FieldTotalEnergyKWH])
	assert.InDelta(t, 6.2, fields[models.FieldDailyEnergyKWH], 1e-9)
	assert.InDelta(t, 310.5, fields[models.FieldPVVoltageV], 1e-9)
	assert.InDelta(t, 5.8, fields[models.FieldPVCurrentA], 1e-9)
	assert.InDelta(t, 241.2, fields[models.FieldGridVoltageV], 1e-9)
	assert.InDelta(t, 32.1, fields[models.FieldTemperatureC], 1e-9)
	assert.InDelta(t, 50.02, fields[models.FieldGridFrequencyHz], 1e-9)
}

func TestDecodeAllStopsWhenContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	reads := 0
	read := func(addr, quantity uint16) ([]uint16, error) {
		reads++
		return []uint16{0, 0}, nil
	}
	pause := func(ctx context.Context) error {
		cancel()
		return ctx.Err()
	}

	_, err := decodeAll(ctx, read, pause)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, reads)
}
