// Package stk500v1 implements the classical Atmel STK500 bootloader
// protocol spoken by optiboot-style loaders on ATmega328P/168/8 parts.
// Commands are raw byte sequences terminated by SYNC_CRC_EOP; replies
// are bracketed by INSYNC and OK.
package stk500v1

import (
	"bytes"
	"context"
	"time"

	"github.com/duinoapp/upload-multitool/cpu"
	"github.com/duinoapp/upload-multitool/logger"
	"github.com/duinoapp/upload-multitool/serialport"
	"github.com/duinoapp/upload-multitool/uperr"
)

const (
	defaultTimeout = 400 * time.Millisecond
	syncAttempts   = 3
	pageYield      = 4 * time.Millisecond
)

// Options tune one programming session.
type Options struct {
	Timeout time.Duration
	// TrimLastByte mirrors the historical page-slicing quirk where an
	// image no larger than one page loses its final byte. See DESIGN.md.
	TrimLastByte bool
}

// Instance drives one target over one port.
type Instance struct {
	port serialport.Port
	log  *logger.Log
	opts Options
}

// New creates an engine bound to an open port.
func New(port serialport.Port, log *logger.Log, opts Options) *Instance {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	return &Instance{port: port, log: log, opts: opts}
}

// Bootload programs and verifies the image, leaving programming mode on
// both success and failure paths once it has been entered.
func (b *Instance) Bootload(ctx context.Context, image []byte, profile *cpu.Profile) error {
	if err := b.reset(); err != nil {
		return err
	}

	// Three successive sync rounds before touching anything else.
	for i := 0; i < 3; i++ {
		if err := b.sync(syncAttempts); err != nil {
			return err
		}
	}
	b.log.Println("stk500v1: in sync with bootloader")

	if err := b.verifySignature(profile.Signature); err != nil {
		return err
	}

	if err := b.setDeviceParams(profile.PageSize); err != nil {
		return err
	}

	if err := b.enterProgramming(); err != nil {
		return err
	}

	err := b.program(ctx, image, profile.PageSize)
	if err == nil {
		err = b.verify(ctx, image, profile.PageSize)
	}

	leaveErr := b.leaveProgramming()
	if err != nil {
		return err
	}
	return leaveErr
}

// reset pulls DTR and RTS low, waits, then raises them again. This is
// what toggles the auto-reset circuit on Uno-style boards.
func (b *Instance) reset() error {
	if err := b.setSignals(false); err != nil {
		return err
	}
	time.Sleep(250 * time.Millisecond)
	if err := b.setSignals(true); err != nil {
		return err
	}
	time.Sleep(50 * time.Millisecond)
	return b.port.ResetInputBuffer()
}

func (b *Instance) setSignals(level bool) error {
	if err := b.port.SetDTR(level); err != nil {
		return uperr.Wrap(uperr.IoWrite, err, "set dtr")
	}
	if err := b.port.SetRTS(level); err != nil {
		return uperr.Wrap(uperr.IoWrite, err, "set rts")
	}
	return nil
}

// sync sends GET_SYNC and expects the empty reply. Retries, on timeout
// only, up to the remaining attempt count.
func (b *Instance) sync(attempts int) error {
	err := b.command([]byte{cmdGetSync}, nil)
	if err == nil {
		return nil
	}
	if uperr.IsTimeout(err) && attempts > 1 {
		return b.sync(attempts - 1)
	}
	if uperr.IsTimeout(err) {
		return uperr.Wrap(uperr.ReceiveTimeout, err, ErrNoSync)
	}
	return err
}

func (b *Instance) verifySignature(want []byte) error {
	body, err := b.request([]byte{cmdReadSign}, len(want))
	if err != nil {
		return err
	}
	if !bytes.Equal(body, want) {
		return uperr.Errorf(uperr.SignatureMismatch,
			"%s: expected % x, got % x", ErrBadSignature, want, body)
	}
	b.log.Printf("stk500v1: signature % x", body)
	return nil
}

// setDeviceParams sends SET_DEVICE with only the page size populated.
func (b *Instance) setDeviceParams(pageSize int) error {
	params := make([]byte, deviceParamLength)
	params[12] = byte(pageSize >> 8)
	params[13] = byte(pageSize)
	return b.command(append([]byte{cmdSetDevice}, params...), nil)
}

func (b *Instance) enterProgramming() error {
	return b.command([]byte{cmdEnterProgmode}, nil)
}

func (b *Instance) leaveProgramming() error {
	return b.command([]byte{cmdLeaveProgmode}, nil)
}

func (b *Instance) loadAddress(byteAddr int) error {
	wordAddr := byteAddr >> 1
	return b.command([]byte{cmdLoadAddress, byte(wordAddr), byte(wordAddr >> 8)}, nil)
}

func (b *Instance) program(ctx context.Context, image []byte, pageSize int) error {
	pages := 0
	for addr := 0; addr < len(image); addr += pageSize {
		if err := ctx.Err(); err != nil {
			return uperr.Wrap(uperr.Cancelled, err, "programming aborted")
		}

		page := pageSlice(image, addr, pageSize, b.opts.TrimLastByte)
		if len(page) == 0 {
			break
		}

		if err := b.loadAddress(addr); err != nil {
			return err
		}

		frame := append([]byte{cmdProgPage, byte(len(page) >> 8), byte(len(page)), memtypeFlash}, page...)
		if err := b.command(frame, nil); err != nil {
			return err
		}

		pages++
		b.log.Printf("stk500v1: wrote page %d (%d bytes at 0x%04x)", pages, len(page), addr)
		time.Sleep(pageYield)
	}
	return nil
}

func (b *Instance) verify(ctx context.Context, image []byte, pageSize int) error {
	for addr := 0; addr < len(image); addr += pageSize {
		if err := ctx.Err(); err != nil {
			return uperr.Wrap(uperr.Cancelled, err, "verify aborted")
		}

		page := pageSlice(image, addr, pageSize, b.opts.TrimLastByte)
		if len(page) == 0 {
			break
		}

		if err := b.loadAddress(addr); err != nil {
			return err
		}

		body, err := b.request(
			[]byte{cmdReadPage, byte(len(page) >> 8), byte(len(page)), memtypeFlash},
			len(page))
		if err != nil {
			return err
		}

		if !bytes.Equal(body, page) {
			return uperr.Errorf(uperr.VerifyFailed,
				"flash readback mismatch at 0x%04x", addr)
		}
	}
	b.log.Println("stk500v1: verify ok")
	return nil
}

// pageSlice reproduces the source slicing rule: an image no larger than
// one page is clipped by one byte unless trimming is disabled.
func pageSlice(image []byte, addr, pageSize int, trim bool) []byte {
	end := addr + pageSize
	if len(image) <= pageSize && trim {
		end = len(image) - 1
	}
	if end > len(image) {
		end = len(image)
	}
	if addr >= end {
		return nil
	}
	return image[addr:end]
}

// command runs a request expecting the canned empty reply, or the given
// expected body when expect is non-nil.
func (b *Instance) command(req []byte, expect []byte) error {
	body, err := b.request(req, len(expect))
	if err != nil {
		return err
	}
	if expect != nil && !bytes.Equal(body, expect) {
		return uperr.Errorf(uperr.ProtocolMismatch,
			"%s: expected % x, got % x", ErrBadReply, expect, body)
	}
	return nil
}

// request writes req + EOP and reads back INSYNC | body[bodyLen] | OK.
func (b *Instance) request(req []byte, bodyLen int) ([]byte, error) {
	frame := append(append([]byte(nil), req...), syncCrcEop)
	if _, err := b.port.Write(frame); err != nil {
		return nil, uperr.Wrap(uperr.IoWrite, err, "write command")
	}

	return b.receive(bodyLen, b.opts.Timeout)
}

// receive scans for the first INSYNC byte, then accumulates the body and
// the trailing OK. More than 512 noise bytes before INSYNC is a framing
// overflow. Bytes beyond the expected length are not read; a reply longer
// than expected shows up as a non-OK trailing byte and is reported as a
// protocol mismatch.
func (b *Instance) receive(bodyLen int, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	one := make([]byte, 1)

	// Scan for INSYNC, discarding noise, bounded by the timeout.
	scanned := 0
	for {
		remain := time.Until(deadline)
		if remain <= 0 {
			return nil, uperr.Errorf(uperr.ReceiveTimeout,
				"no INSYNC within %s", timeout)
		}
		if err := b.port.SetReadTimeout(remain); err != nil {
			return nil, uperr.Wrap(uperr.IoRead, err, "set read timeout")
		}
		got, err := b.port.Read(one)
		if err != nil {
			return nil, uperr.Wrap(uperr.IoRead, err, "serial read")
		}
		if got == 0 {
			return nil, uperr.Errorf(uperr.ReceiveTimeout,
				"no INSYNC within %s", timeout)
		}
		if one[0] == respInSync {
			break
		}
		scanned++
		if scanned > 512 {
			return nil, uperr.New(uperr.FramingOverflow, ErrReplyOverflow)
		}
	}

	rest, err := serialport.ReadExact(b.port, bodyLen+1, time.Until(deadline))
	if err != nil {
		return nil, err
	}
	if rest[bodyLen] != respOk {
		return nil, uperr.Errorf(uperr.ProtocolMismatch,
			"%s: trailing byte 0x%02x", ErrBadReply, rest[bodyLen])
	}
	return rest[:bodyLen], nil
}
