package memory

import (
	"bytes"
	"fmt"
	"testing"
)

// hexLine formats one Intel-HEX data record with a valid checksum.
func hexLine(addr int, data []byte) string {
	sum := byte(len(data)) + byte(addr>>8) + byte(addr)
	line := fmt.Sprintf(":%02X%04X00", len(data), addr)
	for _, b := range data {
		line += fmt.Sprintf("%02X", b)
		sum += b
	}
	return line + fmt.Sprintf("%02X\n", byte(-sum))
}

func buildHex(addr int, data []byte) []byte {
	var out string
	for off := 0; off < len(data); off += 16 {
		end := off + 16
		if end > len(data) {
			end = len(data)
		}
		out += hexLine(addr+off, data[off:end])
	}
	return []byte(out + ":00000001FF\n")
}

func TestParseHex(t *testing.T) {
	payload := make([]byte, 64)
	for i := range payload {
		payload[i] = byte(i)
	}

	img, err := ParseHex(buildHex(0, payload))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(img.Data, payload) {
		t.Fatalf("data mismatch: got %d bytes", len(img.Data))
	}
	if len(img.Segments) == 0 {
		t.Fatal("no segments recorded")
	}
}

func TestParseHexGapFill(t *testing.T) {
	img, err := ParseHex(buildHex(4, []byte{0xAA, 0xBB}))
	if err != nil {
		t.Fatal(err)
	}

	want := []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xAA, 0xBB}
	if !bytes.Equal(img.Data, want) {
		t.Fatalf("data = % x, want % x", img.Data, want)
	}
}

func TestParseHexEmpty(t *testing.T) {
	if _, err := ParseHex([]byte(":00000001FF\n")); err == nil {
		t.Fatal("expected error for data-free hex")
	}
}

func TestFromSegments(t *testing.T) {
	segs := []Segment{
		{Address: 0x1000, Data: []byte{1, 2, 3}},
		{Address: 0x8000, Data: []byte{4}},
	}
	img, err := FromSegments(segs)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(img.Data, []byte{1, 2, 3}) {
		t.Fatalf("data = % x", img.Data)
	}
	if len(img.Segments) != 2 {
		t.Fatalf("segments = %d", len(img.Segments))
	}

	if _, err := FromSegments(nil); err == nil {
		t.Fatal("expected error for empty segment list")
	}
}
