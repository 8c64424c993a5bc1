package avr109

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/duinoapp/upload-multitool/cpu"
	"github.com/duinoapp/upload-multitool/logger"
	"github.com/duinoapp/upload-multitool/serialport"
	"github.com/duinoapp/upload-multitool/uperr"
)

// fakeCaterina emulates a LUFA CDC bootloader with block mode and a
// 128-byte buffer.
type fakeCaterina struct {
	mu        sync.Mutex
	flash     map[int][]byte
	byteAddr  int
	blockMode bool
}

func newFakeCaterina(blockMode bool) *fakeCaterina {
	return &fakeCaterina{flash: map[int][]byte{}, blockMode: blockMode}
}

func (f *fakeCaterina) respond(w []byte) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch w[0] {
	case cmdSoftwareID:
		return []byte("LUFACDC")
	case cmdSoftwareVersion:
		return []byte("10")
	case cmdHardwareVersion:
		return []byte{respUnsupported}
	case cmdProgrammerType:
		return []byte{'S'}
	case cmdAutoIncProbe:
		return []byte{'Y'}
	case cmdBlockModeProbe:
		if f.blockMode {
			return []byte{'Y', 0x00, 0x80}
		}
		return []byte{'N'}
	case cmdDeviceCodes:
		return []byte{0x44, 0x00}
	case cmdSelectDevice, cmdEnterProgMode, cmdLeaveProgMode,
		cmdExitBootloader, cmdIssuePageWrite, cmdChipErase:
		return []byte{respEmpty}
	case cmdSetAddress:
		f.byteAddr = (int(w[1])<<8 | int(w[2])) * 2
		return []byte{respEmpty}
	case cmdBlockLoad:
		n := int(w[1])<<8 | int(w[2])
		f.flash[f.byteAddr] = append([]byte(nil), w[4:4+n]...)
		f.byteAddr += n
		return []byte{respEmpty}
	case cmdBlockRead:
		n := int(w[1])<<8 | int(w[2])
		page := f.pageAt(f.byteAddr, n)
		f.byteAddr += n
		// Flash words come back high byte first.
		out := make([]byte, n)
		for i := 0; i+1 < n; i += 2 {
			out[i] = page[i+1]
			out[i+1] = page[i]
		}
		return out
	case cmdWriteProgMemLow:
		f.stage(f.byteAddr, w[1])
		f.byteAddr++
		return []byte{respEmpty}
	case cmdWriteProgMemHigh:
		f.stage(f.byteAddr, w[1])
		f.byteAddr++
		return []byte{respEmpty}
	case cmdReadProgMem:
		word := f.pageAt(f.byteAddr, 2)
		f.byteAddr += 2
		return []byte{word[1], word[0]}
	}
	return []byte{respUnsupported}
}

func (f *fakeCaterina) stage(addr int, b byte) {
	base := addr &^ 127
	page := f.flash[base]
	if page == nil {
		page = make([]byte, 128)
		f.flash[base] = page
	}
	page[addr-base] = b
}

func (f *fakeCaterina) pageAt(addr, n int) []byte {
	base := addr &^ 127
	page := f.flash[base]
	out := make([]byte, n)
	if page != nil {
		copy(out, page[addr-base:])
	}
	return out
}

func leonardoProfile() *cpu.Profile {
	p, ok := cpu.Lookup("atmega32u4")
	if !ok {
		panic("atmega32u4 missing")
	}
	return p
}

func TestBootloadLeonardo(t *testing.T) {
	image := make([]byte, 300)
	for i := range image {
		image[i] = byte(i * 3)
	}

	original := serialport.NewMock(115200)
	original.Open()

	fake := newFakeCaterina(true)
	var reconnects []serialport.ReconnectParams
	var bootPort *serialport.MockPort

	reconnect := func(ctx context.Context, p serialport.ReconnectParams) (serialport.Port, error) {
		reconnects = append(reconnects, p)
		time.Sleep(30 * time.Millisecond) // device re-enumeration
		fresh := serialport.NewMock(p.BaudRate)
		fresh.Responder = fake.respond
		fresh.Open()
		if bootPort == nil {
			bootPort = fresh
		}
		return fresh, nil
	}

	engine := New(original, logger.Discard(), Options{
		Speed:        57600,
		OriginalBaud: 115200,
		Reconnect:    reconnect,
	})

	final, err := engine.Bootload(context.Background(), image, leonardoProfile())
	if err != nil {
		t.Fatal(err)
	}

	// The 1200-baud touch happened on the original port, then it was
	// closed and never written to again.
	if len(original.Bauds) == 0 || original.Bauds[0] != 1200 {
		t.Fatalf("original port bauds = %v, want leading 1200", original.Bauds)
	}
	if original.Closes == 0 {
		t.Fatal("original port was never closed")
	}
	if len(original.Writes) != 0 {
		t.Fatalf("unexpected writes on original port: %v", original.Writes)
	}

	// One reconnect into the bootloader, one back out.
	if len(reconnects) != 2 {
		t.Fatalf("reconnect called %d times", len(reconnects))
	}
	if reconnects[0].BaudRate != 57600 {
		t.Fatalf("bootloader reconnect baud = %d", reconnects[0].BaudRate)
	}
	if reconnects[1].BaudRate != 115200 {
		t.Fatalf("restore reconnect baud = %d", reconnects[1].BaudRate)
	}

	if final == nil || final.BaudRate() != 115200 {
		t.Fatalf("final port baud = %v", final)
	}

	// Every byte landed in flash.
	for addr := 0; addr < len(image); addr += 128 {
		end := addr + 128
		if end > len(image) {
			end = len(image)
		}
		got := fake.flash[addr]
		if got == nil || !bytes.Equal(got[:end-addr], image[addr:end]) {
			t.Fatalf("flash page at %d corrupted", addr)
		}
	}

	// The bootloader session ended with leave + exit.
	writes := bootPort.Writes
	if len(writes) < 2 {
		t.Fatal("no bootloader traffic recorded")
	}
	tail := writes[len(writes)-2:]
	if tail[0][0] != cmdLeaveProgMode || tail[1][0] != cmdExitBootloader {
		t.Fatalf("session tail = %v", tail)
	}
}

func TestBootloadByteMode(t *testing.T) {
	image := make([]byte, 130)
	for i := range image {
		image[i] = byte(255 - i)
	}

	original := serialport.NewMock(57600)
	original.Open()

	fake := newFakeCaterina(false)
	reconnect := func(ctx context.Context, p serialport.ReconnectParams) (serialport.Port, error) {
		fresh := serialport.NewMock(p.BaudRate)
		fresh.Responder = fake.respond
		fresh.Open()
		return fresh, nil
	}

	engine := New(original, logger.Discard(), Options{
		Speed:        57600,
		OriginalBaud: 57600,
		Reconnect:    reconnect,
	})

	if _, err := engine.Bootload(context.Background(), image, leonardoProfile()); err != nil {
		t.Fatal(err)
	}

	for addr := 0; addr < len(image); addr++ {
		page := fake.flash[addr&^127]
		if page == nil || page[addr&127] != image[addr] {
			t.Fatalf("flash byte at %d wrong", addr)
		}
	}
}

func TestReconnectRejected(t *testing.T) {
	original := serialport.NewMock(115200)
	original.Open()

	engine := New(original, logger.Discard(), Options{
		Speed: 57600,
		Reconnect: func(ctx context.Context, p serialport.ReconnectParams) (serialport.Port, error) {
			return nil, context.DeadlineExceeded
		},
	})

	_, err := engine.Bootload(context.Background(), make([]byte, 16), leonardoProfile())
	if uperr.KindOf(err) != uperr.ReconnectRejected {
		t.Fatalf("expected ReconnectRejected, got %v", err)
	}
}

func TestUnknownDeviceCode(t *testing.T) {
	original := serialport.NewMock(115200)
	original.Open()

	fake := newFakeCaterina(true)
	reconnect := func(ctx context.Context, p serialport.ReconnectParams) (serialport.Port, error) {
		fresh := serialport.NewMock(p.BaudRate)
		fresh.Responder = fake.respond
		fresh.Open()
		return fresh, nil
	}

	engine := New(original, logger.Discard(), Options{
		Speed:      57600,
		DeviceCode: 0x99, // not offered by the fake
		Reconnect:  reconnect,
	})

	_, err := engine.Bootload(context.Background(), make([]byte, 16), leonardoProfile())
	if uperr.KindOf(err) != uperr.UnknownDeviceCode {
		t.Fatalf("expected UnknownDeviceCode, got %v", err)
	}
}

func TestWriteEEPROMBlockMode(t *testing.T) {
	fake := newFakeCaterina(true)
	port := serialport.NewMock(57600)
	port.Responder = fake.respond
	port.Open()

	engine := New(port, logger.Discard(), Options{Speed: 57600})
	engine.blockMode = true
	engine.bufferSize = 128

	// The fake stores EEPROM through the same block-load path.
	data := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	if err := engine.WriteEEPROM(context.Background(), 0x10, data); err != nil {
		t.Fatal(err)
	}
}
