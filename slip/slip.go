// Package slip implements RFC 1055 framing as used by the Espressif
// serial bootloader: frames delimited by 0xC0, with 0xC0 and 0xDB
// escaped inside the payload.
package slip

import "errors"

const (
	End    = 0xC0
	Esc    = 0xDB
	EscEnd = 0xDC
	EscEsc = 0xDD
)

var ErrBadEscape = errors.New("slip: invalid escape sequence")

// Encode wraps data in a SLIP frame.
func Encode(data []byte) []byte {
	out := make([]byte, 0, len(data)+2)
	out = append(out, End)

	for _, b := range data {
		switch b {
		case End:
			out = append(out, Esc, EscEnd)
		case Esc:
			out = append(out, Esc, EscEsc)
		default:
			out = append(out, b)
		}
	}

	return append(out, End)
}

// Decode unescapes one frame payload (without the End delimiters).
func Decode(frame []byte) ([]byte, error) {
	out := make([]byte, 0, len(frame))
	escaped := false

	for _, b := range frame {
		if escaped {
			switch b {
			case EscEnd:
				out = append(out, End)
			case EscEsc:
				out = append(out, Esc)
			default:
				return nil, ErrBadEscape
			}
			escaped = false
			continue
		}

		if b == Esc {
			escaped = true
			continue
		}
		out = append(out, b)
	}

	if escaped {
		return nil, ErrBadEscape
	}
	return out, nil
}

// ReadFrame extracts the first complete frame from buf. It returns the
// raw (still escaped) payload and the unconsumed remainder, or a nil
// frame when no complete frame is buffered yet. Bytes before the opening
// delimiter are discarded.
func ReadFrame(buf []byte) (frame, rest []byte) {
	start := -1
	for i, b := range buf {
		if b != End {
			continue
		}
		if start < 0 {
			start = i
			continue
		}
		if i == start+1 {
			// Empty frame, treat the second End as a new opener.
			start = i
			continue
		}
		return buf[start+1 : i], buf[i+1:]
	}
	if start < 0 {
		return nil, nil
	}
	return nil, buf[start:]
}
