package esp

import (
	"fmt"
	"strings"
)

// ChipDescriptor is the static capability record for one Espressif
// part. The function fields cover the operations whose register layout
// differs per chip.
type ChipDescriptor struct {
	Name            string
	ChipDetectMagic []uint32
	ImageChipID     int

	SPIRegBase      uint32
	SPIUsrOffs      uint32
	SPIUsr1Offs     uint32
	SPIUsr2Offs     uint32
	SPIW0Offs       uint32
	SPIMosiDlenOffs uint32 // 0 when the chip has no DLEN registers
	SPIMisoDlenOffs uint32

	UARTClkdivReg uint32
	UARTDateReg   uint32

	BootloaderFlashOffset uint32
	FlashWriteSize        int
	FlashSizes            map[string]byte
	SupportsEncryption    bool

	EfuseBase   uint32
	MacEfuseReg uint32

	ReadMac     func(l *Loader) (string, error)
	Description func(l *Loader) (string, error)
	Features    func(l *Loader) ([]string, error)
	CrystalFreq func(l *Loader) (int, error)
}

// IsESP8266 reports whether this descriptor is the ESP8266, which has
// no SPI_ATTACH and skips the ROM-mode MD5 check.
func (c *ChipDescriptor) IsESP8266() bool { return c.Name == "ESP8266" }

var esp8266 = &ChipDescriptor{
	Name:            "ESP8266",
	ChipDetectMagic: []uint32{0xFFF0C101},
	ImageChipID:     -1,

	SPIRegBase:  0x60000200,
	SPIUsrOffs:  0x1C,
	SPIUsr1Offs: 0x20,
	SPIUsr2Offs: 0x24,
	SPIW0Offs:   0x40,

	UARTClkdivReg: 0x60000014,
	UARTDateReg:   0x60000078,

	BootloaderFlashOffset: 0x0,
	FlashWriteSize:        romFlashWriteSz,
	FlashSizes: map[string]byte{
		"512KB": 0x00, "256KB": 0x10, "1MB": 0x20, "2MB": 0x30,
		"4MB": 0x40, "2MB-c1": 0x50, "4MB-c1": 0x60, "8MB": 0x80, "16MB": 0x90,
	},

	EfuseBase:   0x3FF00050,
	MacEfuseReg: 0x3FF00050,

	ReadMac:     readMac8266,
	Description: describe8266,
	Features:    features8266,
	CrystalFreq: crystalFreqFromClkdiv,
}

var esp32 = &ChipDescriptor{
	Name:            "ESP32",
	ChipDetectMagic: []uint32{0x00F01D83},
	ImageChipID:     0,

	SPIRegBase:      0x3FF42000,
	SPIUsrOffs:      0x1C,
	SPIUsr1Offs:     0x20,
	SPIUsr2Offs:     0x24,
	SPIW0Offs:       0x80,
	SPIMosiDlenOffs: 0x28,
	SPIMisoDlenOffs: 0x2C,

	UARTClkdivReg: 0x3FF40014,
	UARTDateReg:   0x60000078,

	BootloaderFlashOffset: 0x1000,
	FlashWriteSize:        romFlashWriteSz,
	FlashSizes: map[string]byte{
		"1MB": 0x00, "2MB": 0x10, "4MB": 0x20, "8MB": 0x30, "16MB": 0x40,
	},
	SupportsEncryption: true,

	EfuseBase:   0x3FF5A000,
	MacEfuseReg: 0x3FF5A004,

	ReadMac:     readMacWords,
	Description: describe32,
	Features:    features32,
	CrystalFreq: crystalFreqFromClkdiv,
}

var esp32s2 = &ChipDescriptor{
	Name:            "ESP32-S2",
	ChipDetectMagic: []uint32{0x000007C6},
	ImageChipID:     2,

	SPIRegBase:      0x3F402000,
	SPIUsrOffs:      0x18,
	SPIUsr1Offs:     0x1C,
	SPIUsr2Offs:     0x20,
	SPIW0Offs:       0x58,
	SPIMosiDlenOffs: 0x24,
	SPIMisoDlenOffs: 0x28,

	UARTClkdivReg: 0x3F400014,
	UARTDateReg:   0x60000078,

	BootloaderFlashOffset: 0x1000,
	FlashWriteSize:        romFlashWriteSz,
	FlashSizes: map[string]byte{
		"1MB": 0x00, "2MB": 0x10, "4MB": 0x20, "8MB": 0x30, "16MB": 0x40,
	},
	SupportsEncryption: true,

	EfuseBase:   0x3F41A000,
	MacEfuseReg: 0x3F41A044,

	ReadMac:     readMacWords,
	Description: describeFixed("ESP32-S2"),
	Features:    featuresFixed("Wi-Fi", "Single Core", "240MHz"),
	CrystalFreq: crystalFreq40,
}

var esp32c3 = &ChipDescriptor{
	Name:            "ESP32-C3",
	ChipDetectMagic: []uint32{0x6921506F, 0x1B31506F},
	ImageChipID:     5,

	SPIRegBase:      0x60002000,
	SPIUsrOffs:      0x18,
	SPIUsr1Offs:     0x1C,
	SPIUsr2Offs:     0x20,
	SPIW0Offs:       0x58,
	SPIMosiDlenOffs: 0x24,
	SPIMisoDlenOffs: 0x28,

	UARTClkdivReg: 0x60000014,
	UARTDateReg:   0x6000007C,

	BootloaderFlashOffset: 0x0,
	FlashWriteSize:        romFlashWriteSz,
	FlashSizes: map[string]byte{
		"1MB": 0x00, "2MB": 0x10, "4MB": 0x20, "8MB": 0x30, "16MB": 0x40,
	},
	SupportsEncryption: true,

	EfuseBase:   0x60008800,
	MacEfuseReg: 0x60008844,

	ReadMac:     readMacWords,
	Description: describeFixed("ESP32-C3"),
	Features:    featuresFixed("Wi-Fi", "BLE", "RISC-V Single Core", "160MHz"),
	CrystalFreq: crystalFreq40,
}

var esp32s3 = &ChipDescriptor{
	Name:            "ESP32-S3",
	ChipDetectMagic: []uint32{0x00000009},
	ImageChipID:     9,

	SPIRegBase:      0x60002000,
	SPIUsrOffs:      0x18,
	SPIUsr1Offs:     0x1C,
	SPIUsr2Offs:     0x20,
	SPIW0Offs:       0x58,
	SPIMosiDlenOffs: 0x24,
	SPIMisoDlenOffs: 0x28,

	UARTClkdivReg: 0x60000014,
	UARTDateReg:   0x60000080,

	BootloaderFlashOffset: 0x0,
	FlashWriteSize:        romFlashWriteSz,
	FlashSizes: map[string]byte{
		"1MB": 0x00, "2MB": 0x10, "4MB": 0x20, "8MB": 0x30, "16MB": 0x40,
	},
	SupportsEncryption: true,

	EfuseBase:   0x60007000,
	MacEfuseReg: 0x60007044,

	ReadMac:     readMacWords,
	Description: describeFixed("ESP32-S3"),
	Features:    featuresFixed("Wi-Fi", "BLE", "Dual Core", "240MHz"),
	CrystalFreq: crystalFreq40,
}

// chipTable is ordered; detection walks it and picks the first match.
var chipTable = []*ChipDescriptor{esp8266, esp32, esp32s2, esp32c3, esp32s3}

// DetectByMagic returns the descriptor whose magic matches.
func DetectByMagic(magic uint32) (*ChipDescriptor, bool) {
	for _, c := range chipTable {
		for _, m := range c.ChipDetectMagic {
			if m == magic {
				return c, true
			}
		}
	}
	return nil, false
}

// LookupChip finds a descriptor by normalized name (lowercase, dashes
// stripped), e.g. "esp32c3" or "ESP32-C3".
func LookupChip(name string) (*ChipDescriptor, bool) {
	key := strings.ReplaceAll(strings.ToLower(name), "-", "")
	for _, c := range chipTable {
		if strings.ReplaceAll(strings.ToLower(c.Name), "-", "") == key {
			return c, true
		}
	}
	return nil, false
}

func formatMac(mac []byte) string {
	parts := make([]string, len(mac))
	for i, b := range mac {
		parts[i] = fmt.Sprintf("%02x", b)
	}
	return strings.Join(parts, ":")
}

// readMacWords derives the MAC from two adjacent eFuse words, the
// layout shared by ESP32 and the S2/S3/C3 parts.
func readMacWords(l *Loader) (string, error) {
	mac0, err := l.ReadReg(l.chip.MacEfuseReg)
	if err != nil {
		return "", err
	}
	mac1, err := l.ReadReg(l.chip.MacEfuseReg + 4)
	if err != nil {
		return "", err
	}

	mac := []byte{
		byte(mac1 >> 8), byte(mac1),
		byte(mac0 >> 24), byte(mac0 >> 16), byte(mac0 >> 8), byte(mac0),
	}
	return formatMac(mac), nil
}

func readMac8266(l *Loader) (string, error) {
	mac0, err := l.ReadReg(l.chip.EfuseBase + 0x00)
	if err != nil {
		return "", err
	}
	mac1, err := l.ReadReg(l.chip.EfuseBase + 0x04)
	if err != nil {
		return "", err
	}
	mac3, err := l.ReadReg(l.chip.EfuseBase + 0x0C)
	if err != nil {
		return "", err
	}

	var oui []byte
	switch {
	case mac3 != 0:
		oui = []byte{byte(mac3 >> 16), byte(mac3 >> 8), byte(mac3)}
	case (mac1>>16)&0xFF == 0:
		oui = []byte{0x18, 0xFE, 0x34}
	case (mac1>>16)&0xFF == 1:
		oui = []byte{0xAC, 0xD0, 0x74}
	default:
		return "", fmt.Errorf("unknown OUI in efuse")
	}

	mac := append(oui, byte(mac1>>8), byte(mac1), byte(mac0>>24))
	return formatMac(mac), nil
}

func describe8266(l *Loader) (string, error) {
	efuse0, err := l.ReadReg(l.chip.EfuseBase + 0x00)
	if err != nil {
		return "", err
	}
	efuse2, err := l.ReadReg(l.chip.EfuseBase + 0x08)
	if err != nil {
		return "", err
	}

	is8285 := efuse0&(1<<4) != 0 || efuse2&(1<<16) != 0
	if is8285 {
		return "ESP8285", nil
	}
	return "ESP8266EX", nil
}

func describe32(l *Loader) (string, error) {
	word3, err := l.ReadReg(l.chip.EfuseBase + 0x0C)
	if err != nil {
		return "", err
	}
	word5, err := l.ReadReg(l.chip.EfuseBase + 0x14)
	if err != nil {
		return "", err
	}

	pkg := (word3 >> 9) & 0x07
	rev := 0
	if word3&(1<<15) != 0 {
		rev = 1
		if word5&(1<<20) != 0 {
			rev = 3
		}
	}

	name := "ESP32"
	switch pkg {
	case 0:
		name = "ESP32-D0WDQ6"
	case 1:
		name = "ESP32-D0WDQ5"
	case 2:
		name = "ESP32-D2WDQ5"
	case 4:
		name = "ESP32-U4WDH"
	case 5:
		name = "ESP32-PICO-D4"
	}
	return fmt.Sprintf("%s (revision %d)", name, rev), nil
}

func features8266(l *Loader) ([]string, error) {
	return []string{"Wi-Fi"}, nil
}

func features32(l *Loader) ([]string, error) {
	word3, err := l.ReadReg(l.chip.EfuseBase + 0x0C)
	if err != nil {
		return nil, err
	}

	features := []string{"Wi-Fi"}
	if word3&(1<<1) == 0 {
		features = append(features, "BT")
	}
	if word3&(1<<0) == 0 {
		features = append(features, "Dual Core")
	} else {
		features = append(features, "Single Core")
	}
	pkg := (word3 >> 9) & 0x07
	if pkg == 2 || pkg == 4 || pkg == 5 {
		features = append(features, "Embedded Flash")
	}
	if word3&(1<<14) != 0 {
		features = append(features, "VRef calibration in efuse")
	}
	return features, nil
}

func describeFixed(name string) func(*Loader) (string, error) {
	return func(*Loader) (string, error) { return name, nil }
}

func featuresFixed(features ...string) func(*Loader) ([]string, error) {
	return func(*Loader) ([]string, error) { return features, nil }
}

// crystalFreqFromClkdiv estimates the crystal from the ROM UART divisor
// and the current baud rate, normalized to 26 or 40 MHz.
func crystalFreqFromClkdiv(l *Loader) (int, error) {
	div, err := l.ReadReg(l.chip.UARTClkdivReg)
	if err != nil {
		return 0, err
	}
	div &= 0xFFFFF

	est := float64(l.port.BaudRate()) * float64(div) / 1e6
	norm := 40
	if est <= 33 {
		norm = 26
	}
	if est < float64(norm)*0.8 || est > float64(norm)*1.25 {
		l.log.Printf("esp: crystal estimate %.1f MHz deviates from %d MHz", est, norm)
	}
	return norm, nil
}

// crystalFreq40 covers the parts that only ship with a 40 MHz crystal.
func crystalFreq40(*Loader) (int, error) { return 40, nil }
