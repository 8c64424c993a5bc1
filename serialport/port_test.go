package serialport

import (
	"bytes"
	"testing"
	"time"

	"github.com/duinoapp/upload-multitool/uperr"
)

func TestReadExact(t *testing.T) {
	m := NewMock(115200)
	m.QueueRead([]byte{1, 2, 3, 4})

	got, err := ReadExact(m, 4, 100*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte{1, 2, 3, 4}) {
		t.Fatalf("got % x", got)
	}
}

func TestReadExactTimeout(t *testing.T) {
	m := NewMock(115200)
	m.QueueRead([]byte{1, 2})

	_, err := ReadExact(m, 4, 30*time.Millisecond)
	if !uperr.IsTimeout(err) {
		t.Fatalf("expected receive timeout, got %v", err)
	}
}

func TestReadUntil(t *testing.T) {
	m := NewMock(115200)
	m.QueueRead([]byte{'A', 'B', 0x00, 'C'})

	got, err := ReadUntil(m, 0x00, 100*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "AB" {
		t.Fatalf("got %q", got)
	}
}

func TestDrainInput(t *testing.T) {
	m := NewMock(115200)
	m.QueueRead([]byte("boot banner noise"))

	if err := DrainInput(m, 20*time.Millisecond); err != nil {
		t.Fatal(err)
	}

	// Everything queued must be consumed.
	buf := make([]byte, 8)
	m.SetReadTimeout(10 * time.Millisecond)
	if n, _ := m.Read(buf); n != 0 {
		t.Fatalf("expected drained port, read %d bytes", n)
	}
}

func TestMockResponder(t *testing.T) {
	m := NewMock(9600)
	m.Responder = func(w []byte) []byte {
		if bytes.Equal(w, []byte{0x30, 0x20}) {
			return []byte{0x14, 0x10}
		}
		return nil
	}

	if _, err := m.Write([]byte{0x30, 0x20}); err != nil {
		t.Fatal(err)
	}
	got, err := ReadExact(m, 2, 100*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte{0x14, 0x10}) {
		t.Fatalf("got % x", got)
	}
}
