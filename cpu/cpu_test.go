package cpu

import (
	"bytes"
	"testing"
)

func TestLookup(t *testing.T) {
	tests := []struct {
		name     string
		ok       bool
		protocol string
		pageSize int
		sig      []byte
	}{
		{"atmega328p", true, ProtocolSTK500v1, 128, []byte{0x1E, 0x95, 0x0F}},
		{"atmega168", true, ProtocolSTK500v1, 128, []byte{0x1E, 0x94, 0x06}},
		{"atmega2560", true, ProtocolSTK500v2, 256, []byte{0x1E, 0x98, 0x01}},
		{"atmega32u4", true, ProtocolAVR109, 128, []byte{0x1E, 0x95, 0x87}},
		{"esp32", true, ProtocolEsptool, 0, nil},
		{"ESP32-C3", true, ProtocolEsptool, 0, nil},
		{"atmega420", false, "", 0, nil},
	}

	for _, tc := range tests {
		p, ok := Lookup(tc.name)
		if ok != tc.ok {
			t.Fatalf("Lookup(%q) ok = %v, want %v", tc.name, ok, tc.ok)
		}
		if !ok {
			continue
		}
		if p.Protocol != tc.protocol {
			t.Errorf("%s protocol = %q, want %q", tc.name, p.Protocol, tc.protocol)
		}
		if p.PageSize != tc.pageSize {
			t.Errorf("%s pageSize = %d, want %d", tc.name, p.PageSize, tc.pageSize)
		}
		if tc.sig != nil && !bytes.Equal(p.Signature, tc.sig) {
			t.Errorf("%s signature = % x, want % x", tc.name, p.Signature, tc.sig)
		}
	}
}

func TestMega2560Timing(t *testing.T) {
	p, ok := Lookup("atmega2560")
	if !ok {
		t.Fatal("atmega2560 missing from catalog")
	}

	want := Timing{
		Timeout: 0xC8, StabDelay: 0x64, CmdexeDelay: 0x19,
		SynchLoops: 0x20, ByteDelay: 0x00, PollValue: 0x53, PollIndex: 0x03,
	}
	if p.Timing != want {
		t.Fatalf("timing = %+v, want %+v", p.Timing, want)
	}
}

func TestLookupIsPure(t *testing.T) {
	for i := 0; i < 3; i++ {
		a, okA := Lookup("atmega328p")
		b, okB := Lookup("atmega328p")
		if okA != okB || a != b {
			t.Fatal("Lookup is not stable across calls")
		}
	}
}
