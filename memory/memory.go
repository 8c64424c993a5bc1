// Package memory handles firmware image ingestion: Intel-HEX text for
// the AVR engines and pre-addressed binary segments for the ESP loader.
package memory

import (
	"bytes"
	"os"

	"github.com/marcinbor85/gohex"

	"github.com/duinoapp/upload-multitool/uperr"
)

// Segment is one pre-addressed span of flash content.
type Segment struct {
	Address uint32
	Data    []byte
}

// Image is a decoded firmware image. Data is the concatenated flash
// content from address 0 up to the highest used address with 0xFF fill;
// Segments preserves the original spans for loaders that flash them
// individually.
type Image struct {
	Data     []byte
	Segments []Segment
}

// Memory wraps the parsed HEX memory map.
type Memory struct {
	*gohex.Memory
}

// GetMemRange returns data from the given address range. Undefined
// locations are filled with 0xFF.
func (m Memory) GetMemRange(fromAddr uint32, toAddr uint32) []byte {
	segments := m.GetDataSegments()

	res := make([]byte, 0)
	toAddr++

	for fromAddr < toAddr {
		found := false

		for _, seg := range segments {
			segEnd := seg.Address + uint32(len(seg.Data))

			if seg.Address <= fromAddr && fromAddr < segEnd {
				found = true
				catchLength := toAddr - fromAddr
				if toAddr > segEnd {
					catchLength = segEnd - fromAddr
				}

				res = append(res, seg.Data[fromAddr-seg.Address:fromAddr-seg.Address+catchLength]...)
				fromAddr += catchLength
			}
		}

		if !found {
			res = append(res, 0xFF)
			fromAddr++
		}
	}

	return res
}

// ParseHex decodes Intel-HEX text into an Image.
func ParseHex(hexText []byte) (*Image, error) {
	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(bytes.NewReader(hexText)); err != nil {
		return nil, uperr.Wrap(uperr.MissingImage, err, "parse intel hex")
	}

	m := Memory{mem}
	segments := m.GetDataSegments()
	if len(segments) == 0 {
		return nil, uperr.New(uperr.MissingImage, "hex file contains no data")
	}

	max := uint32(0)
	img := &Image{}
	for _, seg := range segments {
		end := seg.Address + uint32(len(seg.Data))
		if end > max {
			max = end
		}
		img.Segments = append(img.Segments, Segment{
			Address: seg.Address,
			Data:    append([]byte(nil), seg.Data...),
		})
	}

	img.Data = m.GetMemRange(0, max-1)
	return img, nil
}

// FromSegments builds an Image straight from binary segments (the ESP
// path). The first segment doubles as Data for the AVR engines.
func FromSegments(segments []Segment) (*Image, error) {
	if len(segments) == 0 {
		return nil, uperr.New(uperr.MissingImage, "no segments given")
	}

	img := &Image{Segments: segments}
	img.Data = segments[0].Data
	return img, nil
}

// LoadHexFile reads and parses an Intel-HEX file from disk.
func LoadHexFile(path string) (*Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, uperr.Wrap(uperr.MissingImage, err, "read hex file")
	}
	return ParseHex(data)
}
