// Package serialport defines the byte-duplex port capability the upload
// engines are written against, plus adapters for the two serial stacks
// used across the project and a scripted mock for tests.
package serialport

import (
	"context"
	"time"

	"github.com/duinoapp/upload-multitool/uperr"
)

// Port is the capability every engine consumes. Read must honor the
// timeout set via SetReadTimeout by returning n == 0 with a nil error
// once it expires; engines treat a zero-length read as silence.
type Port interface {
	Open() error
	Close() error
	IsOpen() bool
	BaudRate() int
	SetBaudRate(baud int) error
	SetDTR(level bool) error
	SetRTS(level bool) error
	SetReadTimeout(d time.Duration) error
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	ResetInputBuffer() error
	ResetOutputBuffer() error
	Drain() error
}

// ReconnectParams is passed to the reconnect callback when a device is
// expected to re-enumerate (AVR109 after the 1200-baud touch).
type ReconnectParams struct {
	BaudRate int
}

// ReconnectFunc obtains a replacement port after re-enumeration. The
// AVR109 engine bounds each call with a 30 s timeout.
type ReconnectFunc func(ctx context.Context, params ReconnectParams) (Port, error)

// ReadExact reads exactly n bytes, waiting at most timeout for the whole
// read. A stalled port surfaces as a ReceiveTimeout.
func ReadExact(p Port, n int, timeout time.Duration) ([]byte, error) {
	buf := make([]byte, n)
	deadline := time.Now().Add(timeout)
	received := 0

	for received < n {
		remain := time.Until(deadline)
		if remain <= 0 {
			return buf[:received], uperr.Errorf(uperr.ReceiveTimeout,
				"expected %d bytes, got %d after %s", n, received, timeout)
		}
		if err := p.SetReadTimeout(remain); err != nil {
			return nil, uperr.Wrap(uperr.IoRead, err, "set read timeout")
		}

		got, err := p.Read(buf[received:])
		if err != nil {
			return nil, uperr.Wrap(uperr.IoRead, err, "serial read")
		}
		if got == 0 {
			return buf[:received], uperr.Errorf(uperr.ReceiveTimeout,
				"expected %d bytes, got %d after %s", n, received, timeout)
		}
		received += got
	}

	return buf, nil
}

// ReadUntil reads bytes until the delimiter appears, excluding it from
// the result. Used by AVR109 for NUL-terminated device-code lists.
func ReadUntil(p Port, delim byte, timeout time.Duration) ([]byte, error) {
	var out []byte
	deadline := time.Now().Add(timeout)
	one := make([]byte, 1)

	for {
		remain := time.Until(deadline)
		if remain <= 0 {
			return out, uperr.Errorf(uperr.ReceiveTimeout,
				"delimiter 0x%02x not seen after %s", delim, timeout)
		}
		if err := p.SetReadTimeout(remain); err != nil {
			return nil, uperr.Wrap(uperr.IoRead, err, "set read timeout")
		}

		got, err := p.Read(one)
		if err != nil {
			return nil, uperr.Wrap(uperr.IoRead, err, "serial read")
		}
		if got == 0 {
			return out, uperr.Errorf(uperr.ReceiveTimeout,
				"delimiter 0x%02x not seen after %s", delim, timeout)
		}
		if one[0] == delim {
			return out, nil
		}
		out = append(out, one[0])
	}
}

// DrainInput reads and discards whatever the target is emitting until the
// line has been silent for the given window. Used to clear boot banners.
func DrainInput(p Port, silence time.Duration) error {
	buf := make([]byte, 256)
	for {
		if err := p.SetReadTimeout(silence); err != nil {
			return uperr.Wrap(uperr.IoRead, err, "set read timeout")
		}
		got, err := p.Read(buf)
		if err != nil {
			return uperr.Wrap(uperr.IoRead, err, "serial read")
		}
		if got == 0 {
			return nil
		}
	}
}
