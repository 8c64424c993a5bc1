package serialport

import (
	"time"

	"go.bug.st/serial"

	"github.com/duinoapp/upload-multitool/uperr"
)

// BugstPort adapts go.bug.st/serial to the Port capability.
type BugstPort struct {
	name string
	baud int
	conn serial.Port
}

// NewBugst wraps the named device without opening it.
func NewBugst(name string, baud int) *BugstPort {
	return &BugstPort{name: name, baud: baud}
}

func (p *BugstPort) mode() *serial.Mode {
	return &serial.Mode{
		BaudRate: p.baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
}

func (p *BugstPort) Open() error {
	if p.conn != nil {
		return nil
	}

	conn, err := serial.Open(p.name, p.mode())
	if err != nil {
		return uperr.Wrap(uperr.IoOpen, err, "open "+p.name)
	}

	p.conn = conn
	return nil
}

func (p *BugstPort) Close() error {
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

func (p *BugstPort) IsOpen() bool { return p.conn != nil }

func (p *BugstPort) BaudRate() int { return p.baud }

func (p *BugstPort) SetBaudRate(baud int) error {
	p.baud = baud
	if p.conn == nil {
		return nil
	}
	return p.conn.SetMode(p.mode())
}

func (p *BugstPort) SetDTR(level bool) error {
	if p.conn == nil {
		return uperr.New(uperr.IoWrite, "port not open")
	}
	return p.conn.SetDTR(level)
}

func (p *BugstPort) SetRTS(level bool) error {
	if p.conn == nil {
		return uperr.New(uperr.IoWrite, "port not open")
	}
	return p.conn.SetRTS(level)
}

func (p *BugstPort) SetReadTimeout(d time.Duration) error {
	if p.conn == nil {
		return uperr.New(uperr.IoRead, "port not open")
	}
	return p.conn.SetReadTimeout(d)
}

func (p *BugstPort) Read(buf []byte) (int, error) {
	if p.conn == nil {
		return 0, uperr.New(uperr.IoRead, "port not open")
	}
	return p.conn.Read(buf)
}

func (p *BugstPort) Write(buf []byte) (int, error) {
	if p.conn == nil {
		return 0, uperr.New(uperr.IoWrite, "port not open")
	}
	return p.conn.Write(buf)
}

func (p *BugstPort) ResetInputBuffer() error {
	if p.conn == nil {
		return nil
	}
	return p.conn.ResetInputBuffer()
}

func (p *BugstPort) ResetOutputBuffer() error {
	if p.conn == nil {
		return nil
	}
	return p.conn.ResetOutputBuffer()
}

func (p *BugstPort) Drain() error {
	if p.conn == nil {
		return nil
	}
	return p.conn.Drain()
}
