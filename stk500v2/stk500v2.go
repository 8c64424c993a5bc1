// Package stk500v2 implements the length-prefixed, sequence-numbered
// STK500 v2 protocol used by the ATmega1280/2560 bootloaders. Every
// message is MESSAGE_START | SEQ | LEN | TOKEN | BODY | XOR-checksum,
// and a reply must echo the request's sequence number.
package stk500v2

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
	defaultTimeout = 200 * time.Millisecond
	signOnAttempts = 5
)

// Options tune one programming session.
type Options struct {
	Timeout time.Duration
	// TrimLastByte mirrors the final-page clipping quirk, as in stk500v1.
	TrimLastByte bool
	// Reset toggle delays; zero means the 10 ms / 1 ms defaults.
	Delay1 time.Duration
	Delay2 time.Duration
}

// Instance drives one target over one port.
type Instance struct {
	port serialport.Port
	log  *logger.Log
	opts Options
	seq  byte
}

// New creates an engine bound to an open port.
func New(port serialport.Port, log *logger.Log, opts Options) *Instance {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Delay1 <= 0 {
		opts.Delay1 = 10 * time.Millisecond
	}
	if opts.Delay2 <= 0 {
		opts.Delay2 = time.Millisecond
	}
	return &Instance{port: port, log: log, opts: opts}
}

// Bootload programs and verifies the image. Programming mode is left on
// both success and failure paths once it has been entered.
func (b *Instance) Bootload(ctx context.Context, image []byte, profile *cpu.Profile) error {
	if err := b.reset(); err != nil {
		return err
	}

	if err := b.signOn(); err != nil {
		return err
	}

	if err := b.verifySignature(profile.Signature); err != nil {
		return err
	}

	if err := b.enterProgramming(profile.Timing); err != nil {
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

func (b *Instance) reset() error {
	if err := b.port.SetDTR(false); err != nil {
		return uperr.Wrap(uperr.IoWrite, err, "set dtr")
	}
	if err := b.port.SetRTS(false); err != nil {
		return uperr.Wrap(uperr.IoWrite, err, "set rts")
	}
	time.Sleep(b.opts.Delay1)
	if err := b.port.SetDTR(true); err != nil {
		return uperr.Wrap(uperr.IoWrite, err, "set dtr")
	}
	if err := b.port.SetRTS(true); err != nil {
		return uperr.Wrap(uperr.IoWrite, err, "set rts")
	}
	time.Sleep(b.opts.Delay2)
	return b.port.ResetInputBuffer()
}

// signOn retries CMD_SIGN_ON on timeouts only.
func (b *Instance) signOn() error {
	var lastErr error
	for i := 0; i < signOnAttempts; i++ {
		body, err := b.command([]byte{cmdSignOn})
		if err == nil {
			if len(body) > 3 {
				b.log.Printf("stk500v2: programmer id %q", string(body[3:]))
			}
			return nil
		}
		if !uperr.IsTimeout(err) {
			return err
		}
		lastErr = err
	}
	return uperr.Wrap(uperr.ReceiveTimeout, lastErr, ErrNoSignOn)
}

// verifySignature reads the three signature bytes through SPI_MULTI.
func (b *Instance) verifySignature(want []byte) error {
	got := make([]byte, len(want))
	for i := range want {
		body, err := b.command([]byte{
			cmdSpiMulti, 4, 4, 0,
			spiReadSignature, 0x00, byte(i), 0x00,
		})
		if err != nil {
			return err
		}
		// Reply: cmd, status, four SPI bytes, status. The signature is
		// the last SPI byte.
		if len(body) < 7 {
			return uperr.Errorf(uperr.ProtocolMismatch,
				"short SPI_MULTI reply: % x", body)
		}
		got[i] = body[5]
	}

	if !bytes.Equal(got, want) {
		return uperr.Errorf(uperr.SignatureMismatch,
			"expected % x, got % x", want, got)
	}
	b.log.Printf("stk500v2: signature % x", got)
	return nil
}

func (b *Instance) enterProgramming(t cpu.Timing) error {
	if t.Timeout == 0 {
		t.Timeout = 0xC8
	}
	if t.SynchLoops == 0 {
		t.SynchLoops = 0x20
	}
	_, err := b.command([]byte{
		cmdEnterProgmodeIsp,
		t.Timeout, t.StabDelay, t.CmdexeDelay, t.SynchLoops,
		t.ByteDelay, t.PollValue, t.PollIndex,
		0xAC, 0x53, 0x00, 0x00,
	})
	return err
}

func (b *Instance) leaveProgramming() error {
	_, err := b.command([]byte{cmdLeaveProgmodeIsp, 1, 1})
	return err
}

func (b *Instance) loadAddress(byteAddr int) error {
	// Word address with the top bit set to keep the bootloader in
	// extended addressing for >128 KiB parts.
	addr := uint32(byteAddr>>1) | 0x80000000
	_, err := b.command([]byte{
		cmdLoadAddress,
		byte(addr >> 24), byte(addr >> 16), byte(addr >> 8), byte(addr),
	})
	return err
}

func (b *Instance) program(ctx context.Context, image []byte, pageSize int) error {
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

		frame := append([]byte{
			cmdProgramFlashIsp,
			byte(len(page) >> 8), byte(len(page)),
			ispModePaged, ispDelay,
			ispCmdLoadPageLo, ispCmdWritePage, ispCmdReadLo,
			0x00, 0x00,
		}, page...)
		if _, err := b.command(frame); err != nil {
			return err
		}
		b.log.Printf("stk500v2: wrote %d bytes at 0x%05x", len(page), addr)
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

		body, err := b.command([]byte{
			cmdReadFlashIsp,
			byte(len(page) >> 8), byte(len(page)),
			ispCmdReadLo,
		})
		if err != nil {
			return err
		}

		// Body: cmd, status, page bytes, trailing status.
		if len(body) < len(page)+3 || body[len(body)-1] != statusCmdOk {
			return uperr.Errorf(uperr.ProtocolMismatch,
				"malformed READ_FLASH_ISP reply (%d bytes)", len(body))
		}
		if !bytes.Equal(body[2:2+len(page)], page) {
			return uperr.Errorf(uperr.VerifyFailed,
				"flash readback mismatch at 0x%05x", addr)
		}
	}
	b.log.Println("stk500v2: verify ok")
	return nil
}

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

// command frames the body, sends it and returns the reply body after
// sequence, checksum and status validation.
func (b *Instance) command(body []byte) ([]byte, error) {
	seq := b.seq
	b.seq++

	frame := make([]byte, 0, len(body)+6)
	frame = append(frame, messageStart, seq, byte(len(body)>>8), byte(len(body)), token)
	frame = append(frame, body...)

	sum := byte(0)
	for _, v := range frame {
		sum ^= v
	}
	frame = append(frame, sum)

	if _, err := b.port.Write(frame); err != nil {
		return nil, uperr.Wrap(uperr.IoWrite, err, "write frame")
	}

	reply, err := b.receive(b.opts.Timeout)
	if err != nil {
		return nil, err
	}
	if reply.seq != seq {
		return nil, uperr.Errorf(uperr.ProtocolMismatch,
			"%s: sent %d, got %d", ErrBadSequence, seq, reply.seq)
	}
	if len(reply.body) > 0 && reply.body[0] == answerCksumError {
		return nil, uperr.New(uperr.PeerChecksumError, ErrPeerChecksum)
	}
	if len(reply.body) < 2 || reply.body[0] != body[0] || reply.body[1] != statusCmdOk {
		return nil, uperr.Errorf(uperr.ProtocolMismatch,
			"%s: % x", ErrBadStatus, reply.body)
	}
	return reply.body, nil
}

type message struct {
	seq  byte
	body []byte
}

// Receiver states.
const (
	stateStart = iota
	stateSeqnum
	stateSize1
	stateSize2
	stateToken
	stateData
	stateCsum
)

// receive runs the framing state machine until one complete message has
// arrived or the timeout expires. The running XOR over the whole frame
// including the trailing byte must be zero.
func (b *Instance) receive(timeout time.Duration) (*message, error) {
	deadline := time.Now().Add(timeout)
	one := make([]byte, 1)

	state := stateStart
	var msg message
	var size int
	var xor byte

	for {
		remain := time.Until(deadline)
		if remain <= 0 {
			return nil, uperr.Errorf(uperr.ReceiveTimeout,
				"no complete frame within %s", timeout)
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
				"no complete frame within %s", timeout)
		}

		c := one[0]
		switch state {
		case stateStart:
			if c == messageStart {
				xor = c
				state = stateSeqnum
			}
		case stateSeqnum:
			msg.seq = c
			xor ^= c
			state = stateSize1
		case stateSize1:
			size = int(c) << 8
			xor ^= c
			state = stateSize2
		case stateSize2:
			size |= int(c)
			xor ^= c
			if size > 0x2000 {
				return nil, uperr.Errorf(uperr.FramingOverflow,
					"declared frame length %d", size)
			}
			state = stateToken
		case stateToken:
			if c != token {
				state = stateStart
				msg = message{}
				continue
			}
			xor ^= c
			msg.body = make([]byte, 0, size)
			if size == 0 {
				state = stateCsum
			} else {
				state = stateData
			}
		case stateData:
			msg.body = append(msg.body, c)
			xor ^= c
			if len(msg.body) == size {
				state = stateCsum
			}
		case stateCsum:
			xor ^= c
			if xor != 0 {
				return nil, uperr.New(uperr.PeerChecksumError, ErrBadChecksum)
			}
			return &msg, nil
		}
	}
}
