package inverter

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/pkosek/solis-ginlong-local-monitor/internal/models"
	"github.com/sigurn/crc16"
)

// SolarMAN V5 frame constants.
const (
	frameStart  = 0xA5
	frameEnd    = 0x15
	controlReq  = 0x4510 // data logger request
	controlResp = 0x1510 // data logger response

	fnReadInputRegisters = 0x04

	// requestPayloadHeader precedes the embedded Modbus RTU frame in a
	// request: frame type, sensor type, total working time, power-on time,
	// offset time. All zero when originating a request.
	requestPayloadHeaderLen = 15

	// responsePayloadHeaderLen is the same region in a response, with a
	// one-byte status following the frame type.
	responsePayloadHeaderLen = 14

	// interRegisterDelay paces consecutive register reads; the logger stick
	// drops requests that arrive back to back.
	interRegisterDelay = 300 * time.Millisecond
)

var modbusTable = crc16.MakeTable(crc16.CRC16_MODBUS)

// SolarmanReader reads Solis input registers through a Ginlong SolarMAN V5
// wifi data-logger stick. Each Read dials a fresh TCP connection, walks the
// register map, and disconnects; the stick does not cope well with long-lived
// sessions.
type SolarmanReader struct {
	addr    string // host:port of the logger stick, port is usually 8899
	serial  uint32 // logger serial number, printed on the stick
	slaveID byte
	timeout time.Duration
	seq     uint16
}

// NewSolarmanReader creates a reader for the logger at addr with the given
// stick serial. timeout bounds the whole of one Read call's socket I/O.
func NewSolarmanReader(addr string, serial uint32, slaveID byte, timeout time.Duration) *SolarmanReader {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &SolarmanReader{
		addr:    addr,
		serial:  serial,
		slaveID: slaveID,
		timeout: timeout,
	}
}

// Read polls every mapped register once. Individual register failures leave
// their fields absent; if nothing could be read, a *CommError is returned.
func (r *SolarmanReader) Read(ctx context.Context) (models.Fields, error) {
	dialer := net.Dialer{Timeout: r.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", r.addr)
	if err != nil {
		return nil, &CommError{Addr: r.addr, Op: "connect", Err: err}
	}
	defer conn.Close()

	read := func(addr, quantity uint16) ([]uint16, error) {
		if err := conn.SetDeadline(time.Now().Add(r.timeout)); err != nil {
			return nil, err
		}
		return r.readInputRegisters(conn, addr, quantity)
	}

	fields, err := decodeAll(ctx, read, sleepBetweenReads)
	if err != nil {
		return nil, &CommError{Addr: r.addr, Op: "read registers", Err: err}
	}
	return fields, nil
}

func sleepBetweenReads(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(interRegisterDelay):
		return nil
	}
}

// readInputRegisters sends one wrapped Modbus read-input-registers request
// and decodes the register words from the response.
func (r *SolarmanReader) readInputRegisters(conn net.Conn, addr, quantity uint16) ([]uint16, error) {
	r.seq++
	frame := r.buildRequest(r.seq, addr, quantity)
	if _, err := conn.Write(frame); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	payload, err := readFrame(conn, r.serial)
	if err != nil {
		return nil, err
	}
	return parseModbusResponse(payload, r.slaveID, quantity)
}

// buildRequest assembles a V5 frame wrapping a Modbus RTU read request.
func (r *SolarmanReader) buildRequest(seq, addr, quantity uint16) []byte {
	rtu := make([]byte, 6, 8)
	rtu[0] = r.slaveID
	rtu[1] = fnReadInputRegisters
	binary.BigEndian.PutUint16(rtu[2:], addr)
	binary.BigEndian.PutUint16(rtu[4:], quantity)
	rtu = binary.LittleEndian.AppendUint16(rtu, crc16.Checksum(rtu, modbusTable))

	payload := make([]byte, requestPayloadHeaderLen, requestPayloadHeaderLen+len(rtu))
	payload[0] = 0x02 // frame type: inverter
	payload = append(payload, rtu...)

	frame := make([]byte, 0, 11+len(payload)+2)
	frame = append(frame, frameStart)
	frame = binary.LittleEndian.AppendUint16(frame, uint16(len(payload)))
	frame = binary.LittleEndian.AppendUint16(frame, controlReq)
	frame = binary.LittleEndian.AppendUint16(frame, seq)
	frame = binary.LittleEndian.AppendUint32(frame, r.serial)
	frame = append(frame, payload...)
	frame = append(frame, v5Checksum(frame), frameEnd)
	return frame
}

// v5Checksum is the outer-frame checksum: byte sum of everything after the
// start byte, modulo 256.
func v5Checksum(frame []byte) byte {
	var sum byte
	for _, b := range frame[1:] {
		sum += b
	}
	return sum
}

// readFrame reads and validates one V5 response frame, returning its payload.
func readFrame(conn io.Reader, serial uint32) ([]byte, error) {
	header := make([]byte, 11)
	if _, err := io.ReadFull(conn, header); err != nil {
		return nil, fmt.Errorf("read frame header: %w", err)
	}
	if header[0] != frameStart {
		return nil, fmt.Errorf("bad frame start byte 0x%02x", header[0])
	}

	payloadLen := binary.LittleEndian.Uint16(header[1:3])
	rest := make([]byte, int(payloadLen)+2)
	if _, err := io.ReadFull(conn, rest); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	if rest[len(rest)-1] != frameEnd {
		return nil, fmt.Errorf("bad frame end byte 0x%02x", rest[len(rest)-1])
	}

	var sum byte
	for _, b := range header[1:] {
		sum += b
	}
	for _, b := range rest[:len(rest)-2] {
		sum += b
	}
	if sum != rest[len(rest)-2] {
		return nil, fmt.Errorf("frame checksum mismatch: got 0x%02x want 0x%02x", rest[len(rest)-2], sum)
	}

	if control := binary.LittleEndian.Uint16(header[3:5]); control != controlResp {
		return nil, fmt.Errorf("unexpected control code 0x%04x", control)
	}
	if got := binary.LittleEndian.Uint32(header[7:11]); got != serial {
		return nil, fmt.Errorf("response for logger %d, expected %d", got, serial)
	}

	return rest[:payloadLen], nil
}

// parseModbusResponse validates the embedded RTU frame and extracts the
// register words.
func parseModbusResponse(payload []byte, slaveID byte, quantity uint16) ([]uint16, error) {
	if len(payload) < responsePayloadHeaderLen+5 {
		return nil, fmt.Errorf("payload too short for modbus frame (%d bytes)", len(payload))
	}
	rtu := payload[responsePayloadHeaderLen:]

	if rtu[0] != slaveID {
		return nil, fmt.Errorf("response from slave %d, expected %d", rtu[0], slaveID)
	}
	if rtu[1] == fnReadInputRegisters|0x80 {
		if len(rtu) >= 3 {
			return nil, fmt.Errorf("modbus exception 0x%02x", rtu[2])
		}
		return nil, fmt.Errorf("truncated modbus exception")
	}
	if rtu[1] != fnReadInputRegisters {
		return nil, fmt.Errorf("unexpected modbus function 0x%02x", rtu[1])
	}

	byteCount := int(rtu[2])
	if byteCount != int(quantity)*2 || len(rtu) < 3+byteCount+2 {
		return nil, fmt.Errorf("unexpected modbus response length: count=%d len=%d", byteCount, len(rtu))
	}

	frame := rtu[:3+byteCount]
	crc := binary.LittleEndian.Uint16(rtu[3+byteCount : 3+byteCount+2])
	if crc16.Checksum(frame, modbusTable) != crc {
		return nil, fmt.Errorf("modbus crc mismatch")
	}

	words := make([]uint16, quantity)
	for i := range words {
		words[i] = binary.BigEndian.Uint16(frame[3+2*i:])
	}
	return words, nil
}

var _ Reader = (*SolarmanReader)(nil)
