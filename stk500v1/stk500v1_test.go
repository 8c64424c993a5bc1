package stk500v1

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/duinoapp/upload-multitool/cpu"
	"github.com/duinoapp/upload-multitool/logger"
	"github.com/duinoapp/upload-multitool/serialport"
	"github.com/duinoapp/upload-multitool/uperr"
)

// fakeUno emulates an optiboot-style bootloader behind the mock port's
// responder hook.
type fakeUno struct {
	signature []byte
	flash     map[int][]byte
	wordAddr  int
}

func newFakeUno(sig []byte) *fakeUno {
	return &fakeUno{signature: sig, flash: map[int][]byte{}}
}

func (f *fakeUno) respond(w []byte) []byte {
	if len(w) == 0 || w[len(w)-1] != syncCrcEop {
		return nil
	}

	switch w[0] {
	case cmdGetSync, cmdSetDevice, cmdEnterProgmode, cmdLeaveProgmode:
		return []byte{respInSync, respOk}
	case cmdReadSign:
		out := []byte{respInSync}
		out = append(out, f.signature...)
		return append(out, respOk)
	case cmdLoadAddress:
		f.wordAddr = int(w[1]) | int(w[2])<<8
		return []byte{respInSync, respOk}
	case cmdProgPage:
		size := int(w[1])<<8 | int(w[2])
		page := append([]byte(nil), w[4:4+size]...)
		f.flash[f.wordAddr*2] = page
		return []byte{respInSync, respOk}
	case cmdReadPage:
		size := int(w[1])<<8 | int(w[2])
		page := f.flash[f.wordAddr*2]
		out := []byte{respInSync}
		out = append(out, page[:size]...)
		return append(out, respOk)
	}
	return nil
}

func unoProfile() *cpu.Profile {
	p, ok := cpu.Lookup("atmega328p")
	if !ok {
		panic("atmega328p missing")
	}
	return p
}

func TestBootloadUno(t *testing.T) {
	image := make([]byte, 1024)
	for i := range image {
		image[i] = byte(i * 7)
	}

	port := serialport.NewMock(115200)
	port.Open()
	fake := newFakeUno([]byte{0x1E, 0x95, 0x0F})
	port.Responder = fake.respond

	engine := New(port, logger.Discard(), Options{TrimLastByte: true})
	if err := engine.Bootload(context.Background(), image, unoProfile()); err != nil {
		t.Fatal(err)
	}

	// The session opens with the reset toggle, then three GET_SYNC
	// rounds before anything else.
	if len(port.Signals) < 4 {
		t.Fatalf("expected DTR/RTS toggle, saw %v", port.Signals)
	}
	for i := 0; i < 3; i++ {
		if !bytes.Equal(port.Writes[i], []byte{cmdGetSync, syncCrcEop}) {
			t.Fatalf("write %d = % x, want GET_SYNC", i, port.Writes[i])
		}
	}
	if !bytes.Equal(port.Writes[3], []byte{cmdReadSign, syncCrcEop}) {
		t.Fatalf("write 3 = % x, want READ_SIGN", port.Writes[3])
	}

	// SET_DEVICE carries the page size, low byte 0x80.
	setDev := port.Writes[4]
	if setDev[0] != cmdSetDevice || setDev[14] != 0x80 {
		t.Fatalf("SET_DEVICE frame = % x", setDev)
	}

	// 1024 bytes / 128-byte pages = 8 pages, all landed intact.
	if len(fake.flash) != 8 {
		t.Fatalf("fake flash has %d pages", len(fake.flash))
	}
	for addr, page := range fake.flash {
		if !bytes.Equal(page, image[addr:addr+len(page)]) {
			t.Fatalf("page at %d corrupted", addr)
		}
	}

	// LEAVE_PROGMODE is the last command on the wire.
	last := port.Writes[len(port.Writes)-1]
	if !bytes.Equal(last, []byte{cmdLeaveProgmode, syncCrcEop}) {
		t.Fatalf("last write = % x", last)
	}
}

func TestBootloadSignatureMismatch(t *testing.T) {
	port := serialport.NewMock(115200)
	port.Open()
	fake := newFakeUno([]byte{0x1E, 0x94, 0x06}) // atmega168 on the wire
	port.Responder = fake.respond

	engine := New(port, logger.Discard(), Options{})
	err := engine.Bootload(context.Background(), make([]byte, 256), unoProfile())
	if uperr.KindOf(err) != uperr.SignatureMismatch {
		t.Fatalf("expected SignatureMismatch, got %v", err)
	}
}

func TestBootloadNoReply(t *testing.T) {
	port := serialport.NewMock(115200)
	port.Open()

	engine := New(port, logger.Discard(), Options{Timeout: 20 * time.Millisecond})
	err := engine.Bootload(context.Background(), make([]byte, 256), unoProfile())
	if !uperr.IsTimeout(err) {
		t.Fatalf("expected receive timeout, got %v", err)
	}
}

func TestVerifyFailed(t *testing.T) {
	image := make([]byte, 256)
	for i := range image {
		image[i] = byte(i)
	}

	port := serialport.NewMock(115200)
	port.Open()
	fake := newFakeUno([]byte{0x1E, 0x95, 0x0F})
	base := fake.respond
	port.Responder = func(w []byte) []byte {
		out := base(w)
		if len(w) > 0 && w[0] == cmdReadPage && len(out) > 2 {
			out[1] ^= 0xFF // corrupt the first readback byte
		}
		return out
	}

	engine := New(port, logger.Discard(), Options{})
	err := engine.Bootload(context.Background(), image, unoProfile())
	if uperr.KindOf(err) != uperr.VerifyFailed {
		t.Fatalf("expected VerifyFailed, got %v", err)
	}

	// The engine still leaves programming mode on the failure path.
	last := port.Writes[len(port.Writes)-1]
	if !bytes.Equal(last, []byte{cmdLeaveProgmode, syncCrcEop}) {
		t.Fatalf("last write = % x, want LEAVE_PROGMODE", last)
	}
}

func TestPageSliceTrim(t *testing.T) {
	image := []byte{1, 2, 3, 4, 5}

	// Image smaller than a page loses its final byte when trimming.
	got := pageSlice(image, 0, 128, true)
	if !bytes.Equal(got, []byte{1, 2, 3, 4}) {
		t.Fatalf("trimmed slice = % x", got)
	}

	// Trim disabled keeps the full image.
	got = pageSlice(image, 0, 128, false)
	if !bytes.Equal(got, image) {
		t.Fatalf("untrimmed slice = % x", got)
	}

	// Larger images are paged without clipping.
	big := make([]byte, 300)
	if got := pageSlice(big, 256, 128, true); len(got) != 44 {
		t.Fatalf("tail slice length = %d, want 44", len(got))
	}
}
