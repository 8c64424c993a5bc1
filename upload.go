// Package multitool uploads compiled firmware to micro-controller
// boards over a serial link. It dispatches between the STK500 v1/v2,
// AVR109 and Espressif ROM/stub bootloader engines based on a
// tool + CPU descriptor, and owns image decoding, baud transitions and
// the reconnect handshake around an upload.
package multitool

import (
	"context"
	"strings"
	"time"

	"github.com/duinoapp/upload-multitool/avr109"
	"github.com/duinoapp/upload-multitool/cpu"
	"github.com/duinoapp/upload-multitool/esp"
	"github.com/duinoapp/upload-multitool/logger"
	"github.com/duinoapp/upload-multitool/memory"
	"github.com/duinoapp/upload-multitool/serialport"
	"github.com/duinoapp/upload-multitool/stk500v1"
	"github.com/duinoapp/upload-multitool/stk500v2"
	"github.com/duinoapp/upload-multitool/uperr"
)

// Request is the immutable configuration for one upload.
type Request struct {
	// Hex is Intel-HEX text for the AVR tools. Segments are
	// pre-addressed binary spans, normally used by the ESP tools; when
	// only Segments are given for an AVR tool, the first segment's
	// bytes are flashed.
	Hex      []byte
	Segments []memory.Segment

	Tool string // "avr", "avrdude", "esptool", "esptool_py"
	CPU  string

	BootloaderBaud int // baud the bootloader listens on
	UploadBaud     int // session baud (AVR109 speed, ESP stub baud)

	// ESP flash parameters; empty strings mean "keep".
	FlashMode string
	FlashFreq string
	FlashSize string
	Compress  bool
	EraseAll  bool
	StrictMD5 bool

	Verbose   bool
	Log       logger.Sink
	Reconnect serialport.ReconnectFunc

	StubFetcher esp.Fetcher
	StubBaseURL string
}

// Result is the outcome of a successful upload. Port may differ from
// the input port when the device re-enumerated mid-session.
type Result struct {
	Port    serialport.Port
	Elapsed time.Duration
}

// Upload transfers the firmware image described by req into the target
// on port and verifies it. The port's baud rate is restored before
// returning, on whichever port the session finished on.
func Upload(ctx context.Context, port serialport.Port, req *Request) (*Result, error) {
	start := time.Now()

	profile, err := route(req.Tool, req.CPU)
	if err != nil {
		return nil, err
	}

	img, err := decodeImage(req)
	if err != nil {
		return nil, err
	}

	log := logger.New(req.Log, req.Verbose)

	if !port.IsOpen() {
		if err := port.Open(); err != nil {
			return nil, err
		}
	}

	originalBaud := port.BaudRate()
	if req.BootloaderBaud > 0 && req.BootloaderBaud != originalBaud {
		if err := port.SetBaudRate(req.BootloaderBaud); err != nil {
			return nil, uperr.Wrap(uperr.IoOpen, err, "set bootloader baud")
		}
	}

	finalPort := port
	switch profile.Protocol {
	case cpu.ProtocolSTK500v1:
		engine := stk500v1.New(port, log, stk500v1.Options{TrimLastByte: true})
		err = engine.Bootload(ctx, img.Data, profile)

	case cpu.ProtocolSTK500v2:
		engine := stk500v2.New(port, log, stk500v2.Options{TrimLastByte: true})
		err = engine.Bootload(ctx, img.Data, profile)

	case cpu.ProtocolAVR109:
		engine := avr109.New(port, log, avr109.Options{
			Speed:        req.UploadBaud,
			OriginalBaud: originalBaud,
			Reconnect:    req.Reconnect,
		})
		finalPort, err = engine.Bootload(ctx, img.Data, profile)

	case cpu.ProtocolEsptool:
		err = uploadEsp(ctx, port, log, req, img)

	default:
		return nil, uperr.Errorf(uperr.UnsupportedProto,
			"no engine for protocol %q", profile.Protocol)
	}
	if err != nil {
		restoreBaud(finalPort, originalBaud)
		return nil, err
	}

	if err := restoreBaud(finalPort, originalBaud); err != nil {
		return nil, err
	}

	return &Result{Port: finalPort, Elapsed: time.Since(start)}, nil
}

func uploadEsp(ctx context.Context, port serialport.Port, log *logger.Log, req *Request, img *memory.Image) error {
	loader := esp.New(port, log, esp.Options{
		StrictMD5:   req.StrictMD5,
		StubFetcher: req.StubFetcher,
		StubBaseURL: req.StubBaseURL,
	})

	if err := loader.Connect(ctx); err != nil {
		return err
	}

	if want, ok := esp.LookupChip(req.CPU); ok && want.Name != loader.Chip().Name {
		return uperr.Errorf(uperr.SignatureMismatch,
			"configured for %s but detected %s", want.Name, loader.Chip().Name)
	}

	if err := loader.RunStub(ctx); err != nil {
		return err
	}

	if req.UploadBaud > 0 && req.UploadBaud != port.BaudRate() && loader.IsStub() {
		if err := loader.ChangeBaud(req.UploadBaud); err != nil {
			return err
		}
	}

	if err := loader.SpiAttach(); err != nil {
		return err
	}

	err := loader.WriteFlash(ctx, img.Segments, esp.FlashOptions{
		FlashSize: req.FlashSize,
		FlashMode: req.FlashMode,
		FlashFreq: req.FlashFreq,
		Compress:  req.Compress,
		EraseAll:  req.EraseAll,
	})
	if err != nil {
		return err
	}

	return loader.Reboot()
}

func restoreBaud(port serialport.Port, baud int) error {
	if port == nil || baud <= 0 || port.BaudRate() == baud {
		return nil
	}
	if err := port.SetBaudRate(baud); err != nil {
		return uperr.Wrap(uperr.IoClose, err, "restore baud")
	}
	return nil
}

// decodeImage validates and decodes the request's image source.
func decodeImage(req *Request) (*memory.Image, error) {
	switch {
	case len(req.Hex) > 0:
		return memory.ParseHex(req.Hex)
	case len(req.Segments) > 0:
		return memory.FromSegments(req.Segments)
	default:
		return nil, uperr.New(uperr.MissingImage, "request carries no hex and no segments")
	}
}

// route maps tool + CPU to a catalog profile without side effects.
func route(tool, cpuName string) (*cpu.Profile, error) {
	switch strings.ToLower(tool) {
	case "avr", "avrdude":
		profile, ok := cpu.Lookup(cpuName)
		if !ok {
			return nil, uperr.Errorf(uperr.UnknownCpu, "unknown cpu %q", cpuName)
		}
		if profile.Protocol == cpu.ProtocolEsptool {
			return nil, uperr.Errorf(uperr.UnknownCpu,
				"cpu %q is not an AVR part", cpuName)
		}
		return profile, nil

	case "esptool", "esptool_py":
		profile, ok := cpu.Lookup(cpuName)
		if !ok || profile.Protocol != cpu.ProtocolEsptool {
			return nil, uperr.Errorf(uperr.UnknownCpu, "unknown esp cpu %q", cpuName)
		}
		return profile, nil

	default:
		return nil, uperr.Errorf(uperr.UnsupportedTool, "unknown tool %q", tool)
	}
}

// IsSupported reports whether the tool + CPU pair routes to an engine.
// It is a pure function of its arguments.
func IsSupported(tool, cpuName string) bool {
	_, err := route(tool, cpuName)
	return err == nil
}
