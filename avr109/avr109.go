// Package avr109 implements the LUFA-style USB-CDC bootloader protocol
// (AVR109 / "butterfly") used by ATmega32U4 boards. Entering the
// bootloader goes through the 1200-baud touch, after which the OS
// re-enumerates the device and the caller-supplied reconnect callback
// hands back a fresh port. The engine therefore never assumes the port
// it finishes on is the port it started with.
package avr109

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/duinoapp/upload-multitool/cpu"
	"github.com/duinoapp/upload-multitool/logger"
	"github.com/duinoapp/upload-multitool/serialport"
	"github.com/duinoapp/upload-multitool/uperr"
)

const (
	defaultTimeout   = time.Second
	pageWriteTimeout = 4500 * time.Millisecond
	chipEraseTimeout = 9 * time.Second
	reconnectTimeout = 30 * time.Second
	defaultSpeed     = 57600
	defaultPageSize  = 128
	syncAttempts     = 5
)

// Options tune one programming session.
type Options struct {
	Timeout      time.Duration
	Speed        int // bootloader session baud
	OriginalBaud int // restored when the session ends
	DeviceCode   byte
	Reconnect    serialport.ReconnectFunc
}

// Instance drives one target. The port reference is reassigned when the
// device re-enumerates, so it must not be cached across operations.
type Instance struct {
	port serialport.Port
	log  *logger.Log
	opts Options

	autoInc      bool
	blockMode    bool
	bufferSize   int
	fallbackPage int
}

// New creates an engine bound to the caller's current port.
func New(port serialport.Port, log *logger.Log, opts Options) *Instance {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Speed <= 0 {
		opts.Speed = defaultSpeed
	}
	return &Instance{port: port, log: log, opts: opts}
}

// Bootload programs and verifies the image. The returned port is the
// one the session finished on, which may differ from the input port.
func (b *Instance) Bootload(ctx context.Context, image []byte, profile *cpu.Profile) (serialport.Port, error) {
	b.fallbackPage = defaultPageSize
	if profile != nil && profile.PageSize > 0 {
		b.fallbackPage = profile.PageSize
	}

	if err := b.enterBootloader(ctx); err != nil {
		return b.port, err
	}

	if err := b.connect(); err != nil {
		return b.port, err
	}

	if err := b.initialize(); err != nil {
		return b.port, err
	}

	err := b.programFlash(ctx, image)
	if err == nil {
		err = b.verifyFlash(ctx, image)
	}

	leaveErr := b.leave(ctx)
	if err != nil {
		return b.port, err
	}
	return b.port, leaveErr
}

// enterBootloader performs the 1200-baud touch and obtains the
// re-enumerated port through the reconnect callback. DTR/RTS toggling
// is neither needed nor reliable here; the baud touch is authoritative.
func (b *Instance) enterBootloader(ctx context.Context) error {
	if err := b.port.SetBaudRate(1200); err != nil {
		return uperr.Wrap(uperr.IoWrite, err, "1200-baud touch")
	}
	time.Sleep(500 * time.Millisecond)
	if err := b.port.Close(); err != nil {
		return err
	}

	fresh, err := b.reconnect(ctx, b.opts.Speed)
	if err != nil {
		return err
	}
	b.port = fresh

	if !b.port.IsOpen() {
		if err := b.port.Open(); err != nil {
			return err
		}
	}
	return nil
}

// reconnect races the caller-supplied callback against the 30 s bound.
// Without a callback the original port object is reused directly.
func (b *Instance) reconnect(ctx context.Context, baud int) (serialport.Port, error) {
	if b.opts.Reconnect == nil {
		if err := b.port.SetBaudRate(baud); err != nil {
			return nil, uperr.Wrap(uperr.IoOpen, err, "set session baud")
		}
		return b.port, nil
	}

	ctx, cancel := context.WithTimeout(ctx, reconnectTimeout)
	defer cancel()

	type result struct {
		port serialport.Port
		err  error
	}
	done := make(chan result, 1)
	go func() {
		p, err := b.opts.Reconnect(ctx, serialport.ReconnectParams{BaudRate: baud})
		done <- result{p, err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, uperr.Wrap(uperr.ReconnectRejected, res.err, "reconnect callback failed")
		}
		if res.port == nil {
			return nil, uperr.New(uperr.ReconnectRejected, "reconnect callback returned no port")
		}
		return res.port, nil
	case <-ctx.Done():
		return nil, uperr.Wrap(uperr.ReconnectTimeout, ctx.Err(), "waiting for device re-enumeration")
	}
}

// connect reads the 7-character software identifier, retrying on
// timeouts while the bootloader settles.
func (b *Instance) connect() error {
	var lastErr error
	for i := 0; i < syncAttempts; i++ {
		id, err := b.requestExact([]byte{cmdSoftwareID}, 7, b.opts.Timeout)
		if err == nil {
			b.log.Printf("avr109: bootloader %q", string(id))
			return nil
		}
		if !uperr.IsTimeout(err) {
			return err
		}
		lastErr = err
	}
	return uperr.Wrap(uperr.ReceiveTimeout, lastErr, ErrConnect)
}

// initialize queries versions and capabilities, selects the device code
// and enters programming mode.
func (b *Instance) initialize() error {
	ver, err := b.requestExact([]byte{cmdSoftwareVersion}, 2, b.opts.Timeout)
	if err != nil {
		return err
	}
	b.log.Printf("avr109: software version %c.%c", ver[0], ver[1])

	// Hardware version is optional; a lone '?' means not implemented.
	if err := b.probeHardwareVersion(); err != nil {
		return err
	}

	ptype, err := b.requestExact([]byte{cmdProgrammerType}, 1, b.opts.Timeout)
	if err != nil {
		return err
	}
	b.log.Printf("avr109: programmer type %c", ptype[0])

	inc, err := b.requestExact([]byte{cmdAutoIncProbe}, 1, b.opts.Timeout)
	if err != nil {
		return err
	}
	b.autoInc = inc[0] == 'Y'

	if err := b.probeBlockMode(); err != nil {
		return err
	}

	if err := b.selectDevice(); err != nil {
		return err
	}

	return b.expectEmpty([]byte{cmdEnterProgMode}, b.opts.Timeout)
}

func (b *Instance) probeHardwareVersion() error {
	if _, err := b.port.Write([]byte{cmdHardwareVersion}); err != nil {
		return uperr.Wrap(uperr.IoWrite, err, "write command")
	}
	first, err := serialport.ReadExact(b.port, 1, b.opts.Timeout)
	if err != nil {
		return err
	}
	if first[0] == respUnsupported {
		return nil
	}
	second, err := serialport.ReadExact(b.port, 1, b.opts.Timeout)
	if err != nil {
		return err
	}
	b.log.Printf("avr109: hardware version %c.%c", first[0], second[0])
	return nil
}

func (b *Instance) probeBlockMode() error {
	first, err := b.requestExact([]byte{cmdBlockModeProbe}, 1, b.opts.Timeout)
	if err != nil {
		return err
	}
	if first[0] != 'Y' {
		b.blockMode = false
		return nil
	}

	size, err := serialport.ReadExact(b.port, 2, b.opts.Timeout)
	if err != nil {
		return err
	}
	b.blockMode = true
	b.bufferSize = int(size[0])<<8 | int(size[1])
	b.log.Printf("avr109: block mode, buffer %d bytes", b.bufferSize)
	return nil
}

// selectDevice fetches the NUL-terminated device-code list and selects
// the configured code, or the first offered one.
func (b *Instance) selectDevice() error {
	if _, err := b.port.Write([]byte{cmdDeviceCodes}); err != nil {
		return uperr.Wrap(uperr.IoWrite, err, "write command")
	}
	codes, err := serialport.ReadUntil(b.port, 0x00, b.opts.Timeout)
	if err != nil {
		return err
	}
	if len(codes) == 0 {
		return uperr.New(uperr.UnknownDeviceCode, "bootloader offered no device codes")
	}

	code := codes[0]
	if b.opts.DeviceCode != 0 {
		if bytes.IndexByte(codes, b.opts.DeviceCode) < 0 {
			return uperr.Errorf(uperr.UnknownDeviceCode,
				"%s: want 0x%02x, offered % x", ErrUnknownDevice, b.opts.DeviceCode, codes)
		}
		code = b.opts.DeviceCode
	}

	b.log.Printf("avr109: selecting device code 0x%02x", code)
	return b.expectEmpty([]byte{cmdSelectDevice, code}, b.opts.Timeout)
}

func (b *Instance) pageSize() int {
	if b.blockMode && b.bufferSize > 0 {
		return b.bufferSize
	}
	if b.fallbackPage > 0 {
		return b.fallbackPage
	}
	return defaultPageSize
}

// setAddress loads the word address (byte address / 2 for flash).
func (b *Instance) setAddress(wordAddr int) error {
	return b.expectEmpty([]byte{
		cmdSetAddress, byte(wordAddr >> 8), byte(wordAddr),
	}, b.opts.Timeout)
}

func (b *Instance) programFlash(ctx context.Context, image []byte) error {
	pageSize := b.pageSize()

	for addr := 0; addr < len(image); addr += pageSize {
		if err := ctx.Err(); err != nil {
			return uperr.Wrap(uperr.Cancelled, err, "programming aborted")
		}

		end := addr + pageSize
		if end > len(image) {
			end = len(image)
		}
		page := image[addr:end]

		if err := b.setAddress(addr / 2); err != nil {
			return err
		}

		if b.blockMode {
			if err := b.blockLoad(page, memtypeFlash); err != nil {
				return err
			}
		} else {
			if err := b.byteLoadFlash(addr, page); err != nil {
				return err
			}
		}
		b.log.Printf("avr109: wrote %d bytes at 0x%04x", len(page), addr)
	}
	return nil
}

func (b *Instance) blockLoad(page []byte, memtype byte) error {
	frame := append([]byte{
		cmdBlockLoad, byte(len(page) >> 8), byte(len(page)), memtype,
	}, page...)
	return b.expectEmpty(frame, pageWriteTimeout)
}

// byteLoadFlash interleaves low/high byte writes, then re-addresses the
// page start and issues the page write. Without auto-increment the
// address is reloaded after every word.
func (b *Instance) byteLoadFlash(pageAddr int, page []byte) error {
	for i := 0; i < len(page); i += 2 {
		low := page[i]
		high := byte(0xFF)
		if i+1 < len(page) {
			high = page[i+1]
		}

		if !b.autoInc && i > 0 {
			if err := b.setAddress((pageAddr + i) / 2); err != nil {
				return err
			}
		}
		if err := b.expectEmpty([]byte{cmdWriteProgMemLow, low}, b.opts.Timeout); err != nil {
			return err
		}
		if err := b.expectEmpty([]byte{cmdWriteProgMemHigh, high}, b.opts.Timeout); err != nil {
			return err
		}
	}

	if err := b.setAddress(pageAddr / 2); err != nil {
		return err
	}
	return b.expectEmpty([]byte{cmdIssuePageWrite}, pageWriteTimeout)
}

func (b *Instance) verifyFlash(ctx context.Context, image []byte) error {
	pageSize := b.pageSize()

	for addr := 0; addr < len(image); addr += pageSize {
		if err := ctx.Err(); err != nil {
			return uperr.Wrap(uperr.Cancelled, err, "verify aborted")
		}

		end := addr + pageSize
		if end > len(image) {
			end = len(image)
		}
		page := image[addr:end]

		if err := b.setAddress(addr / 2); err != nil {
			return err
		}

		var got []byte
		var err error
		if b.blockMode {
			got, err = b.blockRead(len(page), memtypeFlash)
		} else {
			got, err = b.byteReadFlash(addr, len(page))
		}
		if err != nil {
			return err
		}

		deswapWords(got)
		if !bytes.Equal(got, page) {
			return uperr.Errorf(uperr.VerifyFailed,
				"flash readback mismatch at 0x%04x", addr)
		}
	}
	b.log.Println("avr109: verify ok")
	return nil
}

func (b *Instance) blockRead(n int, memtype byte) ([]byte, error) {
	return b.requestExact([]byte{
		cmdBlockRead, byte(n >> 8), byte(n), memtype,
	}, n, b.opts.Timeout)
}

func (b *Instance) byteReadFlash(pageAddr, n int) ([]byte, error) {
	out := make([]byte, 0, n)
	for i := 0; i < n; i += 2 {
		if !b.autoInc && i > 0 {
			if err := b.setAddress((pageAddr + i) / 2); err != nil {
				return nil, err
			}
		}
		word, err := b.requestExact([]byte{cmdReadProgMem}, 2, b.opts.Timeout)
		if err != nil {
			return nil, err
		}
		out = append(out, word...)
	}
	return out[:n], nil
}

// deswapWords converts high-byte-first word order back to byte order.
func deswapWords(buf []byte) {
	for i := 0; i+1 < len(buf); i += 2 {
		buf[i], buf[i+1] = buf[i+1], buf[i]
	}
}

// WriteEEPROM programs data into EEPROM starting at the given address.
// EEPROM uses byte addressing and single-byte pages outside block mode.
func (b *Instance) WriteEEPROM(ctx context.Context, addr int, data []byte) error {
	if b.blockMode {
		for off := 0; off < len(data); off += b.bufferSize {
			if err := ctx.Err(); err != nil {
				return uperr.Wrap(uperr.Cancelled, err, "eeprom write aborted")
			}
			end := off + b.bufferSize
			if end > len(data) {
				end = len(data)
			}
			if err := b.setAddress(addr + off); err != nil {
				return err
			}
			if err := b.blockLoad(data[off:end], memtypeEeprom); err != nil {
				return err
			}
		}
		return nil
	}

	for i, v := range data {
		if err := ctx.Err(); err != nil {
			return uperr.Wrap(uperr.Cancelled, err, "eeprom write aborted")
		}
		if !b.autoInc || i == 0 {
			if err := b.setAddress(addr + i); err != nil {
				return err
			}
		}
		if err := b.expectEmpty([]byte{cmdWriteDataMem, v}, pageWriteTimeout); err != nil {
			return err
		}
	}
	return nil
}

// ReadEEPROM reads n bytes of EEPROM starting at the given address.
func (b *Instance) ReadEEPROM(addr, n int) ([]byte, error) {
	if b.blockMode {
		if err := b.setAddress(addr); err != nil {
			return nil, err
		}
		return b.requestExact([]byte{
			cmdBlockRead, byte(n >> 8), byte(n), memtypeEeprom,
		}, n, b.opts.Timeout)
	}

	out := make([]byte, 0, n)
	for i := 0; i < n; i++ {
		if !b.autoInc || i == 0 {
			if err := b.setAddress(addr + i); err != nil {
				return nil, err
			}
		}
		v, err := b.requestExact([]byte{cmdReadDataMem}, 1, b.opts.Timeout)
		if err != nil {
			return nil, err
		}
		out = append(out, v[0])
	}
	return out, nil
}

// ChipErase erases the whole application flash.
func (b *Instance) ChipErase() error {
	return b.expectEmpty([]byte{cmdChipErase}, chipEraseTimeout)
}

// leave exits programming mode and the bootloader, then hands the
// caller back a port at the original baud rate.
func (b *Instance) leave(ctx context.Context) error {
	if err := b.expectEmpty([]byte{cmdLeaveProgMode}, b.opts.Timeout); err != nil {
		return err
	}
	if err := b.expectEmpty([]byte{cmdExitBootloader}, b.opts.Timeout); err != nil {
		return err
	}
	if err := b.port.Close(); err != nil {
		return err
	}

	time.Sleep(2 * time.Second)

	baud := b.opts.OriginalBaud
	if baud <= 0 {
		baud = b.opts.Speed
	}

	fresh, err := b.reconnect(ctx, baud)
	if err != nil {
		return err
	}
	b.port = fresh
	if !b.port.IsOpen() {
		if err := b.port.Open(); err != nil {
			return err
		}
	}
	return b.port.SetBaudRate(baud)
}

// expectEmpty runs a command whose only reply is the empty-ack '\r'.
func (b *Instance) expectEmpty(frame []byte, timeout time.Duration) error {
	resp, err := b.requestExact(frame, 1, timeout)
	if err != nil {
		return err
	}
	if resp[0] == respUnsupported {
		return uperr.Errorf(uperr.ProtocolMismatch, "%s: %q", ErrUnsupported, frame[0])
	}
	if resp[0] != respEmpty {
		return uperr.Errorf(uperr.ProtocolMismatch,
			"expected empty ack for %q, got 0x%02x", frame[0], resp[0])
	}
	return nil
}

// requestExact writes a command frame and reads an exact-length reply.
// There is no start sentinel in this protocol, so response-length
// discipline is the only framing there is.
func (b *Instance) requestExact(frame []byte, n int, timeout time.Duration) ([]byte, error) {
	if _, err := b.port.Write(frame); err != nil {
		return nil, uperr.Wrap(uperr.IoWrite, err, fmt.Sprintf("write %q command", frame[0]))
	}
	return serialport.ReadExact(b.port, n, timeout)
}
