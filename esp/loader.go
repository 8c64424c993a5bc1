package esp

import (
	"bytes"
	"compress/zlib"
	"context"
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"time"

	"github.com/duinoapp/upload-multitool/logger"
	"github.com/duinoapp/upload-multitool/memory"
	"github.com/duinoapp/upload-multitool/serialport"
	"github.com/duinoapp/upload-multitool/slip"
	"github.com/duinoapp/upload-multitool/uperr"
)

const (
	defaultConnectAttempts = 7
	stubGreeting           = "OHAI"
	stubGreetingWindow     = 200 * time.Millisecond
)

// Options tune one loader session.
type Options struct {
	Timeout         time.Duration
	ConnectAttempts int
	// StrictMD5 turns a flash MD5 mismatch into a fatal VerifyFailed
	// instead of a logged warning.
	StrictMD5   bool
	StubFetcher Fetcher
	StubBaseURL string
}

// FlashOptions describe one WriteFlash run.
type FlashOptions struct {
	FlashSize string // "keep" or a key of the chip's FlashSizes map
	FlashMode string // "keep", "qio", "qout", "dio", "dout"
	FlashFreq string // "keep", "40m", "26m", "20m", "80m"
	Compress  bool
	EraseAll  bool
}

// Loader drives one ESP target through ROM loader and optional stub.
type Loader struct {
	port serialport.Port
	log  *logger.Log
	opts Options
	rd   *reader

	chip           *ChipDescriptor
	isStub         bool
	flashWriteSize int
}

// New creates a loader bound to an open port.
func New(port serialport.Port, log *logger.Log, opts Options) *Loader {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultOpTimeout
	}
	if opts.ConnectAttempts <= 0 {
		opts.ConnectAttempts = defaultConnectAttempts
	}
	return &Loader{
		port:           port,
		log:            log,
		opts:           opts,
		rd:             &reader{port: port},
		flashWriteSize: romFlashWriteSz,
	}
}

// Chip returns the detected descriptor, nil before Connect succeeds.
func (l *Loader) Chip() *ChipDescriptor { return l.chip }

// IsStub reports whether the flasher stub is running.
func (l *Loader) IsStub() bool { return l.isStub }

// statusLen is the trailing status size in response bodies: two bytes
// from the stub and the ESP8266 ROM, four from the ESP32-family ROMs.
func (l *Loader) statusLen() int {
	if l.isStub || l.chip == nil || l.chip.IsESP8266() {
		return 2
	}
	return 4
}

// command sends one op and validates the response status, returning the
// VALUE word and the body with status bytes stripped.
func (l *Loader) command(op byte, data []byte, chk uint32, timeout time.Duration) (uint32, []byte, error) {
	frame := buildCommand(op, data, chk)
	if _, err := l.port.Write(slip.Encode(frame)); err != nil {
		return 0, nil, uperr.Wrap(uperr.IoWrite, err, "write command")
	}

	resp, err := l.rd.readResponse(op, timeout)
	if err != nil {
		return 0, nil, err
	}

	sl := l.statusLen()
	if len(resp.body) < sl {
		return resp.value, resp.body, nil
	}
	status := resp.body[len(resp.body)-sl]
	if status != 0 {
		return 0, nil, uperr.Errorf(uperr.ProtocolMismatch,
			"op 0x%02x failed with status 0x%02x", op, status)
	}
	return resp.value, resp.body[:len(resp.body)-sl], nil
}

// Connect pulses the target into its ROM loader and synchronizes,
// alternating the plain and esp32r0-delay reset variants. On success
// the chip is identified from the detect-magic register.
func (l *Loader) Connect(ctx context.Context) error {
	var lastErr error

	for attempt := 0; attempt < l.opts.ConnectAttempts*2; attempt++ {
		if err := ctx.Err(); err != nil {
			return uperr.Wrap(uperr.Cancelled, err, "connect aborted")
		}

		r0delay := attempt%2 == 1
		if err := l.resetToBootloader(r0delay); err != nil {
			return err
		}

		if err := serialport.DrainInput(l.port, 500*time.Millisecond); err != nil {
			return err
		}
		l.rd.buf = nil

		if err := l.sync(); err != nil {
			lastErr = err
			continue
		}

		magic, err := l.ReadReg(chipDetectMagicReg)
		if err != nil {
			lastErr = err
			continue
		}

		chip, ok := DetectByMagic(magic)
		if !ok {
			return uperr.Errorf(uperr.EspNoSync,
				"unknown chip detect magic 0x%08x", magic)
		}
		l.chip = chip
		l.flashWriteSize = chip.FlashWriteSize
		l.log.Printf("esp: detected %s", chip.Name)
		return nil
	}

	return uperr.Wrap(uperr.EspNoSync, lastErr, "no sync after all connect attempts")
}

// resetToBootloader runs the classic DTR/RTS dance. The r0delay variant
// inserts the long wait some ESP32 rev-0 boards with slow capacitors
// need.
func (l *Loader) resetToBootloader(r0delay bool) error {
	steps := []struct {
		dtr, rts bool
		wait     time.Duration
	}{
		{false, false, 50 * time.Millisecond},
		{true, true, 0},
		{false, true, 100 * time.Millisecond},
		{true, false, 50 * time.Millisecond},
		{false, false, 0},
	}
	if r0delay {
		steps[2].wait += 2000 * time.Millisecond
	}

	for _, s := range steps {
		if err := l.port.SetDTR(s.dtr); err != nil {
			return uperr.Wrap(uperr.IoWrite, err, "set dtr")
		}
		if err := l.port.SetRTS(s.rts); err != nil {
			return uperr.Wrap(uperr.IoWrite, err, "set rts")
		}
		time.Sleep(s.wait)
	}
	return nil
}

// sync sends up to eight SYNC probes 50 ms apart and treats the first
// valid reply as synchronization.
func (l *Loader) sync() error {
	payload := make([]byte, 36)
	payload[0], payload[1], payload[2], payload[3] = 0x07, 0x07, 0x12, 0x20
	for i := 4; i < len(payload); i++ {
		payload[i] = 0x55
	}

	var lastErr error
	for i := 0; i < 8; i++ {
		_, _, err := l.command(opSync, payload, 0, syncReplyTimeout)
		if err == nil {
			// The ROM answers each SYNC eight times; drain the rest.
			for j := 0; j < 7; j++ {
				if _, err := l.rd.readResponse(opSync, syncReplyTimeout); err != nil {
					break
				}
			}
			return nil
		}
		lastErr = err
		time.Sleep(50 * time.Millisecond)
	}
	return lastErr
}

// ReadReg reads one 32-bit peripheral or eFuse register.
func (l *Loader) ReadReg(addr uint32) (uint32, error) {
	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, addr)
	value, _, err := l.command(opReadReg, data, 0, l.opts.Timeout)
	return value, err
}

// WriteReg writes one 32-bit register with full mask and no delay.
func (l *Loader) WriteReg(addr, value uint32) error {
	data := make([]byte, 16)
	binary.LittleEndian.PutUint32(data[0:4], addr)
	binary.LittleEndian.PutUint32(data[4:8], value)
	binary.LittleEndian.PutUint32(data[8:12], 0xFFFFFFFF)
	binary.LittleEndian.PutUint32(data[12:16], 0)
	_, _, err := l.command(opWriteReg, data, 0, l.opts.Timeout)
	return err
}

// SpiAttach attaches the default SPI flash interface (not needed, and
// not available, on the ESP8266 ROM).
func (l *Loader) SpiAttach() error {
	if l.chip != nil && l.chip.IsESP8266() && !l.isStub {
		return nil
	}
	data := make([]byte, 8)
	_, _, err := l.command(opSpiAttach, data, 0, l.opts.Timeout)
	return err
}

// SpiSetParams declares the flash geometry to the loader: total size
// plus the standard 64 KiB block / 4 KiB sector / 256 B page layout.
func (l *Loader) SpiSetParams(totalSize uint32) error {
	data := make([]byte, 24)
	binary.LittleEndian.PutUint32(data[0:4], 0)
	binary.LittleEndian.PutUint32(data[4:8], totalSize)
	binary.LittleEndian.PutUint32(data[8:12], 0x10000)
	binary.LittleEndian.PutUint32(data[12:16], 0x1000)
	binary.LittleEndian.PutUint32(data[16:20], 0x100)
	binary.LittleEndian.PutUint32(data[20:24], 0xFFFF)
	_, _, err := l.command(opSpiSetParams, data, 0, l.opts.Timeout)
	return err
}

// RunStub uploads and starts the flasher stub, then waits for its
// "OHAI" greeting. A missing greeting downgrades to ROM mode with a
// logged warning rather than aborting.
func (l *Loader) RunStub(ctx context.Context) error {
	if l.chip == nil {
		return uperr.New(uperr.EspStubFailed, "run stub before connect")
	}
	if l.isStub {
		return nil
	}

	blob, err := FetchStub(l.chip.Name, l.opts.StubFetcher, l.opts.StubBaseURL)
	if err != nil {
		return err
	}

	sections := []struct {
		data []byte
		addr uint32
	}{
		{blob.Text, blob.TextStart},
		{blob.Data, blob.DataStart},
	}

	for _, sec := range sections {
		if len(sec.data) == 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return uperr.Wrap(uperr.Cancelled, err, "stub upload aborted")
		}

		blocks := (len(sec.data) + memBlockSize - 1) / memBlockSize
		if err := l.memBegin(uint32(len(sec.data)), uint32(blocks), memBlockSize, sec.addr); err != nil {
			return err
		}
		for seq := 0; seq < blocks; seq++ {
			start := seq * memBlockSize
			end := start + memBlockSize
			if end > len(sec.data) {
				end = len(sec.data)
			}
			if err := l.memData(sec.data[start:end], uint32(seq)); err != nil {
				return err
			}
		}
	}

	if err := l.memEnd(blob.Entry); err != nil {
		return err
	}

	if l.waitStubGreeting(stubGreetingWindow) {
		l.isStub = true
		l.flashWriteSize = stubFlashWriteSz
		l.log.Println("esp: stub running")
		return nil
	}

	l.log.Println("esp: stub greeting not seen, staying in ROM mode")
	return nil
}

// waitStubGreeting watches the stream for the "OHAI" frame.
func (l *Loader) waitStubGreeting(window time.Duration) bool {
	deadline := time.Now().Add(window)
	for {
		remain := time.Until(deadline)
		if remain <= 0 {
			return false
		}
		frame, err := l.rd.readFrame(remain)
		if err != nil {
			return false
		}
		if bytes.Equal(frame, []byte(stubGreeting)) {
			return true
		}
	}
}

func (l *Loader) memBegin(size, blocks, blockSize, offset uint32) error {
	data := make([]byte, 16)
	binary.LittleEndian.PutUint32(data[0:4], size)
	binary.LittleEndian.PutUint32(data[4:8], blocks)
	binary.LittleEndian.PutUint32(data[8:12], blockSize)
	binary.LittleEndian.PutUint32(data[12:16], offset)
	_, _, err := l.command(opMemBegin, data, 0, l.opts.Timeout)
	return err
}

func (l *Loader) memData(block []byte, seq uint32) error {
	data := make([]byte, 16+len(block))
	binary.LittleEndian.PutUint32(data[0:4], uint32(len(block)))
	binary.LittleEndian.PutUint32(data[4:8], seq)
	copy(data[16:], block)
	_, _, err := l.command(opMemData, data, checksum(block), l.opts.Timeout)
	return err
}

func (l *Loader) memEnd(entry uint32) error {
	data := make([]byte, 8)
	if entry == 0 {
		binary.LittleEndian.PutUint32(data[0:4], 1)
	}
	binary.LittleEndian.PutUint32(data[4:8], entry)
	_, _, err := l.command(opMemEnd, data, 0, l.opts.Timeout)
	return err
}

// WriteFlash streams every segment into SPI flash, verifying each one
// by MD5 unless running on the bare ESP8266 ROM.
func (l *Loader) WriteFlash(ctx context.Context, files []memory.Segment, opts FlashOptions) error {
	if len(files) == 0 {
		return uperr.New(uperr.MissingImage, "no flash segments")
	}

	if opts.EraseAll {
		if err := l.EraseFlash(); err != nil {
			return err
		}
	}

	for _, file := range files {
		if err := l.writeOneFile(ctx, file, opts); err != nil {
			return err
		}
	}

	// Final begin/end pair leaves the loader resident; the actual
	// reboot is a separate explicit call.
	if err := l.flashBegin(0, 0, 0, 0); err != nil {
		return err
	}
	return l.flashEnd(opts.Compress, true)
}

func (l *Loader) writeOneFile(ctx context.Context, file memory.Segment, opts FlashOptions) error {
	image := padTo4(file.Data)

	if file.Address == l.chip.BootloaderFlashOffset {
		var err error
		image, err = l.patchFlashHeader(image, opts)
		if err != nil {
			return err
		}
	}

	digest := md5.Sum(image)
	rawSize := uint32(len(image))

	var stream []byte
	if opts.Compress {
		var buf bytes.Buffer
		zw, err := zlib.NewWriterLevel(&buf, zlib.BestCompression)
		if err != nil {
			return uperr.Wrap(uperr.EspStubFailed, err, "init deflate")
		}
		if _, err := zw.Write(image); err != nil {
			return uperr.Wrap(uperr.EspStubFailed, err, "deflate image")
		}
		if err := zw.Close(); err != nil {
			return uperr.Wrap(uperr.EspStubFailed, err, "deflate image")
		}
		stream = buf.Bytes()

		blocks := (len(stream) + l.flashWriteSize - 1) / l.flashWriteSize
		if err := l.flashDeflBegin(rawSize, uint32(blocks), uint32(l.flashWriteSize), file.Address); err != nil {
			return err
		}
	} else {
		stream = image
		blocks := (len(stream) + l.flashWriteSize - 1) / l.flashWriteSize
		if err := l.flashBegin(rawSize, uint32(blocks), uint32(l.flashWriteSize), file.Address); err != nil {
			return err
		}
	}

	total := (len(stream) + l.flashWriteSize - 1) / l.flashWriteSize
	for seq := 0; seq < total; seq++ {
		if err := ctx.Err(); err != nil {
			return uperr.Wrap(uperr.Cancelled, err, "flash write aborted")
		}

		start := seq * l.flashWriteSize
		end := start + l.flashWriteSize
		if end > len(stream) {
			end = len(stream)
		}

		block := stream[start:end]
		if !opts.Compress {
			// ROM protocol writes fixed-size blocks; pad the tail.
			block = padBlock(block, l.flashWriteSize)
		}

		if err := l.flashData(block, uint32(seq), opts.Compress); err != nil {
			return err
		}
		l.log.Printf("esp: writing 0x%06x... (%d%%)",
			file.Address+uint32(start), (seq+1)*100/total)
	}

	if l.isStub {
		// A cheap register read makes sure the stub drained its queue.
		if _, err := l.ReadReg(chipDetectMagicReg); err != nil {
			return err
		}
	}

	if !l.isStub && l.chip.IsESP8266() {
		l.log.Println("esp: skipping MD5 check on ESP8266 ROM")
		return nil
	}
	return l.checkMD5(file.Address, rawSize, digest[:])
}

// patchFlashHeader rewrites flash mode/size/freq in the image header at
// the bootloader offset, as configured.
func (l *Loader) patchFlashHeader(image []byte, opts FlashOptions) ([]byte, error) {
	keepAll := keep(opts.FlashSize) && keep(opts.FlashMode) && keep(opts.FlashFreq)
	if keepAll || len(image) < 4 {
		return image, nil
	}
	if image[0] != 0xE9 {
		return nil, uperr.Errorf(uperr.MissingImage,
			"bootloader image magic 0x%02x, want 0xe9", image[0])
	}

	out := append([]byte(nil), image...)

	if !keep(opts.FlashMode) {
		mode, ok := flashModes[opts.FlashMode]
		if !ok {
			return nil, uperr.Errorf(uperr.MissingImage, "unknown flash mode %q", opts.FlashMode)
		}
		out[2] = mode
	}

	freqBits := out[3] & 0x0F
	sizeBits := out[3] & 0xF0
	if !keep(opts.FlashFreq) {
		bits, ok := flashFreqs[opts.FlashFreq]
		if !ok {
			return nil, uperr.Errorf(uperr.MissingImage, "unknown flash freq %q", opts.FlashFreq)
		}
		freqBits = bits
	}
	if !keep(opts.FlashSize) {
		bits, ok := l.chip.FlashSizes[opts.FlashSize]
		if !ok {
			return nil, uperr.Errorf(uperr.MissingImage, "unknown flash size %q", opts.FlashSize)
		}
		sizeBits = bits
	}
	out[3] = sizeBits | freqBits
	return out, nil
}

func keep(v string) bool { return v == "" || v == "keep" }

var flashModes = map[string]byte{"qio": 0, "qout": 1, "dio": 2, "dout": 3}

var flashFreqs = map[string]byte{"40m": 0, "26m": 1, "20m": 2, "80m": 0x0F}

func (l *Loader) flashBegin(size, blocks, blockSize, offset uint32) error {
	eraseSize := (size + flashSectorSize - 1) / flashSectorSize * flashSectorSize

	data := make([]byte, 16, 20)
	binary.LittleEndian.PutUint32(data[0:4], eraseSize)
	binary.LittleEndian.PutUint32(data[4:8], blocks)
	binary.LittleEndian.PutUint32(data[8:12], blockSize)
	binary.LittleEndian.PutUint32(data[12:16], offset)
	if l.chip != nil && l.chip.SupportsEncryption && !l.isStub {
		data = append(data, 0, 0, 0, 0)
	}

	_, _, err := l.command(opFlashBegin, data, 0, timeoutPerMB(l.opts.Timeout, size))
	return err
}

func (l *Loader) flashDeflBegin(size, blocks, blockSize, offset uint32) error {
	data := make([]byte, 16, 20)
	binary.LittleEndian.PutUint32(data[0:4], size)
	binary.LittleEndian.PutUint32(data[4:8], blocks)
	binary.LittleEndian.PutUint32(data[8:12], blockSize)
	binary.LittleEndian.PutUint32(data[12:16], offset)
	if l.chip != nil && l.chip.SupportsEncryption && !l.isStub {
		data = append(data, 0, 0, 0, 0)
	}

	_, _, err := l.command(opFlashDeflBegin, data, 0, timeoutPerMB(l.opts.Timeout, size))
	return err
}

func (l *Loader) flashData(block []byte, seq uint32, compressed bool) error {
	data := make([]byte, 16+len(block))
	binary.LittleEndian.PutUint32(data[0:4], uint32(len(block)))
	binary.LittleEndian.PutUint32(data[4:8], seq)
	copy(data[16:], block)

	op := byte(opFlashData)
	if compressed {
		op = opFlashDeflData
	}
	_, _, err := l.command(op, data, checksum(block), l.opts.Timeout)
	return err
}

func (l *Loader) flashEnd(compressed, stayInLoader bool) error {
	data := make([]byte, 4)
	if stayInLoader {
		binary.LittleEndian.PutUint32(data, 1)
	}

	op := byte(opFlashEnd)
	if compressed {
		op = opFlashDeflEnd
	}
	_, _, err := l.command(op, data, 0, l.opts.Timeout)
	return err
}

// checkMD5 asks the target for the flashed region's digest. The stub
// answers 16 raw bytes, the ROM 32 ASCII hex characters. A mismatch is
// logged, not raised, unless StrictMD5 is set.
func (l *Loader) checkMD5(addr, size uint32, want []byte) error {
	data := make([]byte, 16)
	binary.LittleEndian.PutUint32(data[0:4], addr)
	binary.LittleEndian.PutUint32(data[4:8], size)

	_, body, err := l.command(opSpiFlashMD5, data, 0, timeoutPerMB(8*time.Second, size))
	if err != nil {
		return err
	}

	var got string
	switch {
	case len(body) >= 32:
		got = string(body[:32])
	case len(body) >= 16:
		got = hex.EncodeToString(body[:16])
	default:
		return uperr.Errorf(uperr.ProtocolMismatch, "short MD5 reply (%d bytes)", len(body))
	}

	wantHex := hex.EncodeToString(want)
	if got != wantHex {
		if l.opts.StrictMD5 {
			return uperr.Errorf(uperr.VerifyFailed,
				"flash MD5 mismatch at 0x%06x: want %s, got %s", addr, wantHex, got)
		}
		l.log.Printf("esp: flash MD5 mismatch at 0x%06x: want %s, got %s", addr, wantHex, got)
		return nil
	}

	l.log.Printf("esp: MD5 ok at 0x%06x", addr)
	return nil
}

// ChangeBaud switches the link speed; only valid under the stub.
func (l *Loader) ChangeBaud(newBaud int) error {
	if !l.isStub {
		return uperr.New(uperr.UnsupportedProto, "baud change requires the stub")
	}

	data := make([]byte, 8)
	binary.LittleEndian.PutUint32(data[0:4], uint32(newBaud))
	binary.LittleEndian.PutUint32(data[4:8], uint32(l.port.BaudRate()))
	if _, _, err := l.command(opChangeBaudrate, data, 0, l.opts.Timeout); err != nil {
		return err
	}

	if err := l.port.SetBaudRate(newBaud); err != nil {
		return uperr.Wrap(uperr.IoWrite, err, "reconfigure baud")
	}
	time.Sleep(50 * time.Millisecond)
	l.rd.buf = nil
	if err := l.port.ResetInputBuffer(); err != nil {
		return err
	}
	l.log.Printf("esp: baud changed to %d", newBaud)
	return nil
}

// EraseFlash wipes the whole chip; stub only.
func (l *Loader) EraseFlash() error {
	if !l.isStub {
		return uperr.New(uperr.UnsupportedProto, "erase flash requires the stub")
	}
	start := time.Now()
	_, _, err := l.command(opEraseFlash, nil, 0, eraseTimeout)
	if err == nil {
		l.log.Printf("esp: chip erased in %s", time.Since(start).Round(time.Millisecond))
	}
	return err
}

// EraseRegion wipes one address range; stub only.
func (l *Loader) EraseRegion(addr, size uint32) error {
	if !l.isStub {
		return uperr.New(uperr.UnsupportedProto, "erase region requires the stub")
	}
	data := make([]byte, 8)
	binary.LittleEndian.PutUint32(data[0:4], addr)
	binary.LittleEndian.PutUint32(data[4:8], size)
	_, _, err := l.command(opEraseRegion, data, 0, timeoutPerMB(30*time.Second, size))
	return err
}

// Reboot releases the target into its application.
func (l *Loader) Reboot() error {
	if err := l.port.SetDTR(false); err != nil {
		return uperr.Wrap(uperr.IoWrite, err, "set dtr")
	}
	if err := l.port.SetRTS(true); err != nil {
		return uperr.Wrap(uperr.IoWrite, err, "set rts")
	}
	time.Sleep(100 * time.Millisecond)
	if err := l.port.SetRTS(false); err != nil {
		return uperr.Wrap(uperr.IoWrite, err, "set rts")
	}
	time.Sleep(100 * time.Millisecond)
	return nil
}

// ReadMac returns the factory MAC as colon-separated hex.
func (l *Loader) ReadMac() (string, error) {
	if l.chip == nil {
		return "", uperr.New(uperr.EspNoSync, "not connected")
	}
	return l.chip.ReadMac(l)
}

// ChipDescription returns the human-readable part name.
func (l *Loader) ChipDescription() (string, error) {
	if l.chip == nil {
		return "", uperr.New(uperr.EspNoSync, "not connected")
	}
	return l.chip.Description(l)
}

// ChipFeatures lists the part's capabilities.
func (l *Loader) ChipFeatures() ([]string, error) {
	if l.chip == nil {
		return nil, uperr.New(uperr.EspNoSync, "not connected")
	}
	return l.chip.Features(l)
}

// CrystalFreq returns the crystal frequency in MHz.
func (l *Loader) CrystalFreq() (int, error) {
	if l.chip == nil {
		return 0, uperr.New(uperr.EspNoSync, "not connected")
	}
	return l.chip.CrystalFreq(l)
}

func padTo4(data []byte) []byte {
	if len(data)%4 == 0 {
		return data
	}
	out := append([]byte(nil), data...)
	for len(out)%4 != 0 {
		out = append(out, 0xFF)
	}
	return out
}

func padBlock(block []byte, size int) []byte {
	if len(block) == size {
		return block
	}
	out := make([]byte, size)
	copy(out, block)
	for i := len(block); i < size; i++ {
		out[i] = 0xFF
	}
	return out
}

// timeoutPerMB scales an operation timeout with the data size.
func timeoutPerMB(base time.Duration, size uint32) time.Duration {
	t := base + time.Duration(size/0x100000)*8*time.Second
	if t < base {
		return base
	}
	return t
}
