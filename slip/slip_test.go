package slip

import (
	"bytes"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	cases := [][]byte{
		{},
		{0x00},
		{0x01, 0x02, 0x03},
		{End},
		{Esc},
		{End, Esc, End, Esc},
		{0xDB, 0xDC, 0xDD, 0xC0, 0xC0},
		bytes.Repeat([]byte{End, Esc, 0x55}, 100),
	}

	for _, in := range cases {
		enc := Encode(in)
		if enc[0] != End || enc[len(enc)-1] != End {
			t.Fatalf("frame % x not delimited", enc)
		}

		dec, err := Decode(enc[1 : len(enc)-1])
		if err != nil {
			t.Fatalf("decode % x: %v", enc, err)
		}
		if !bytes.Equal(dec, in) {
			t.Fatalf("round trip % x -> % x", in, dec)
		}
	}
}

func TestDecodeBadEscape(t *testing.T) {
	if _, err := Decode([]byte{Esc, 0x99}); err != ErrBadEscape {
		t.Fatalf("expected ErrBadEscape, got %v", err)
	}
	if _, err := Decode([]byte{0x01, Esc}); err != ErrBadEscape {
		t.Fatalf("trailing escape: expected ErrBadEscape, got %v", err)
	}
}

func TestReadFrame(t *testing.T) {
	// Noise before the frame is discarded.
	buf := []byte{0x41, 0x42, End, 0x01, 0x02, End, 0x99}
	frame, rest := ReadFrame(buf)
	if !bytes.Equal(frame, []byte{0x01, 0x02}) {
		t.Fatalf("frame = % x", frame)
	}
	if !bytes.Equal(rest, []byte{0x99}) {
		t.Fatalf("rest = % x", rest)
	}

	// Incomplete frame stays buffered.
	frame, rest = ReadFrame([]byte{End, 0x01})
	if frame != nil {
		t.Fatalf("incomplete frame returned % x", frame)
	}
	if !bytes.Equal(rest, []byte{End, 0x01}) {
		t.Fatalf("rest = % x", rest)
	}

	// No delimiter at all: everything is noise.
	frame, rest = ReadFrame([]byte{0x10, 0x20})
	if frame != nil || rest != nil {
		t.Fatalf("noise-only buffer: frame % x rest % x", frame, rest)
	}

	// Back-to-back delimiters are treated as a fresh opener.
	frame, _ = ReadFrame([]byte{End, End, 0x05, End})
	if !bytes.Equal(frame, []byte{0x05}) {
		t.Fatalf("frame = % x", frame)
	}
}
