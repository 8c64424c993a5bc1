// Package esp implements the Espressif ROM/stub serial bootloader used
// on ESP8266 and ESP32-family chips: SLIP-framed commands, RAM stub
// upload, SPI flash writes with MD5 verification, and baud changes.
package esp

import (
	"encoding/binary"
	"time"

	"github.com/duinoapp/upload-multitool/serialport"
	"github.com/duinoapp/upload-multitool/slip"
	"github.com/duinoapp/upload-multitool/uperr"
)

// ROM loader opcodes.
const (
	opFlashBegin     = 0x02
	opFlashData      = 0x03
	opFlashEnd       = 0x04
	opMemBegin       = 0x05
	opMemEnd         = 0x06
	opMemData        = 0x07
	opSync           = 0x08
	opWriteReg       = 0x09
	opReadReg        = 0x0A
	opSpiSetParams   = 0x0B
	opSpiAttach      = 0x0D
	opChangeBaudrate = 0x0F
	opFlashDeflBegin = 0x10
	opFlashDeflData  = 0x11
	opFlashDeflEnd   = 0x12
	opSpiFlashMD5    = 0x13

	// Stub-only opcodes.
	opEraseFlash  = 0xD0
	opEraseRegion = 0xD1
)

const (
	checksumSeed = 0xEF

	flashSectorSize  = 0x1000
	romFlashWriteSz  = 0x400
	stubFlashWriteSz = 0x4000
	memBlockSize     = 0x1800

	defaultOpTimeout = 3 * time.Second
	eraseTimeout     = 120 * time.Second
	syncReplyTimeout = 100 * time.Millisecond

	chipDetectMagicReg = 0x40001000
)

// checksum XORs data over the 0xEF seed. Only the flash/mem data
// commands carry it; everything else passes zero.
func checksum(data []byte) uint32 {
	sum := byte(checksumSeed)
	for _, b := range data {
		sum ^= b
	}
	return uint32(sum)
}

// buildCommand assembles the raw (pre-SLIP) command packet.
func buildCommand(op byte, data []byte, chk uint32) []byte {
	packet := make([]byte, 8+len(data))
	packet[0] = 0x00
	packet[1] = op
	binary.LittleEndian.PutUint16(packet[2:4], uint16(len(data)))
	binary.LittleEndian.PutUint32(packet[4:8], chk)
	copy(packet[8:], data)
	return packet
}

// response is one decoded loader reply.
type response struct {
	op    byte
	value uint32
	body  []byte
}

// reader accumulates serial bytes and yields SLIP frames.
type reader struct {
	port serialport.Port
	buf  []byte
}

// readFrame returns the next decoded SLIP payload within the timeout.
func (r *reader) readFrame(timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	chunk := make([]byte, 256)

	for {
		if frame, rest := slip.ReadFrame(r.buf); frame != nil {
			r.buf = append([]byte(nil), rest...)
			payload, err := slip.Decode(frame)
			if err != nil {
				return nil, uperr.Wrap(uperr.ProtocolMismatch, err, "slip decode")
			}
			return payload, nil
		} else {
			r.buf = append([]byte(nil), rest...)
		}

		remain := time.Until(deadline)
		if remain <= 0 {
			return nil, uperr.Errorf(uperr.ReceiveTimeout,
				"no complete frame within %s", timeout)
		}
		if err := r.port.SetReadTimeout(remain); err != nil {
			return nil, uperr.Wrap(uperr.IoRead, err, "set read timeout")
		}
		got, err := r.port.Read(chunk)
		if err != nil {
			return nil, uperr.Wrap(uperr.IoRead, err, "serial read")
		}
		if got == 0 {
			return nil, uperr.Errorf(uperr.ReceiveTimeout,
				"no complete frame within %s", timeout)
		}
		r.buf = append(r.buf, chunk[:got]...)
		if len(r.buf) > 1<<20 {
			return nil, uperr.New(uperr.FramingOverflow, "unframed input exceeds 1 MiB")
		}
	}
}

// readResponse reads frames until a loader response for op arrives.
func (r *reader) readResponse(op byte, timeout time.Duration) (*response, error) {
	deadline := time.Now().Add(timeout)

	for {
		remain := time.Until(deadline)
		if remain <= 0 {
			return nil, uperr.Errorf(uperr.ReceiveTimeout,
				"no response to op 0x%02x within %s", op, timeout)
		}

		payload, err := r.readFrame(remain)
		if err != nil {
			return nil, err
		}
		if len(payload) < 8 || payload[0] != 0x01 {
			continue // boot banner or stray frame
		}
		if payload[1] != op {
			continue
		}

		size := int(binary.LittleEndian.Uint16(payload[2:4]))
		resp := &response{
			op:    payload[1],
			value: binary.LittleEndian.Uint32(payload[4:8]),
		}
		if size > len(payload)-8 {
			size = len(payload) - 8
		}
		resp.body = payload[8 : 8+size]
		return resp, nil
	}
}
