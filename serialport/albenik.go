package serialport

import (
	"time"

	"github.com/albenik/go-serial/v2"

	"github.com/duinoapp/upload-multitool/uperr"
)

// AlbenikPort adapts github.com/albenik/go-serial/v2 to the Port
// capability. The underlying handle cannot be reopened after Close, so
// the adapter remembers the device name and mode and opens a fresh
// handle on demand.
type AlbenikPort struct {
	name string
	baud int
	conn *serial.Port
}

// NewAlbenik wraps the named device without opening it.
func NewAlbenik(name string, baud int) *AlbenikPort {
	return &AlbenikPort{name: name, baud: baud}
}

func (p *AlbenikPort) Open() error {
	if p.conn != nil {
		return nil
	}

	conn, err := serial.Open(
		p.name,
		serial.WithBaudrate(p.baud),
		serial.WithDataBits(8),
		serial.WithParity(serial.NoParity),
		serial.WithStopBits(serial.OneStopBit),
		serial.WithReadTimeout(1000),
	)
	if err != nil {
		return uperr.Wrap(uperr.IoOpen, err, "open "+p.name)
	}

	p.conn = conn
	return nil
}

func (p *AlbenikPort) Close() error {
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn = nil
	if err != nil {
		return uperr.Wrap(uperr.IoClose, err, "close "+p.name)
	}
	return nil
}

func (p *AlbenikPort) IsOpen() bool { return p.conn != nil }

func (p *AlbenikPort) BaudRate() int { return p.baud }

func (p *AlbenikPort) SetBaudRate(baud int) error {
	p.baud = baud
	if p.conn == nil {
		return nil
	}
	return p.conn.Reconfigure(serial.WithBaudrate(baud))
}

func (p *AlbenikPort) SetDTR(level bool) error {
	if p.conn == nil {
		return uperr.New(uperr.IoWrite, "port not open")
	}
	return p.conn.SetDTR(level)
}

func (p *AlbenikPort) SetRTS(level bool) error {
	if p.conn == nil {
		return uperr.New(uperr.IoWrite, "port not open")
	}
	return p.conn.SetRTS(level)
}

func (p *AlbenikPort) SetReadTimeout(d time.Duration) error {
	if p.conn == nil {
		return uperr.New(uperr.IoRead, "port not open")
	}
	ms := int(d / time.Millisecond)
	if ms < 1 {
		ms = 1
	}
	return p.conn.Reconfigure(serial.WithReadTimeout(ms))
}

func (p *AlbenikPort) Read(buf []byte) (int, error) {
	if p.conn == nil {
		return 0, uperr.New(uperr.IoRead, "port not open")
	}
	return p.conn.Read(buf)
}

func (p *AlbenikPort) Write(buf []byte) (int, error) {
	if p.conn == nil {
		return 0, uperr.New(uperr.IoWrite, "port not open")
	}
	return p.conn.Write(buf)
}

func (p *AlbenikPort) ResetInputBuffer() error {
	if p.conn == nil {
		return nil
	}
	return p.conn.ResetInputBuffer()
}

func (p *AlbenikPort) ResetOutputBuffer() error {
	if p.conn == nil {
		return nil
	}
	return p.conn.ResetOutputBuffer()
}

// Drain is a no-op; the driver flushes on write.
func (p *AlbenikPort) Drain() error { return nil }
