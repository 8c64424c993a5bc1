// Package cpu is the static catalog mapping a CPU identifier to its
// bootloader protocol, page geometry, expected signature and ISP timing
// constants. The table itself lives in catalog.yaml, embedded at build
// time.
package cpu

import (
	_ "embed"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Protocol tags routed on by the dispatcher.
const (
	ProtocolSTK500v1 = "stk500v1"
	ProtocolSTK500v2 = "stk500v2"
	ProtocolAVR109   = "avr109"
	ProtocolEsptool  = "esptool"
)

// Timing holds the CMD_ENTER_PROGMODE_ISP constants for STK500v2 parts.
// A zero Timeout or SynchLoops falls back to the engine default; the
// other fields are sent as given, zero included.
type Timing struct {
	Timeout     byte `yaml:"timeout"`
	StabDelay   byte `yaml:"stabDelay"`
	CmdexeDelay byte `yaml:"cmdexeDelay"`
	SynchLoops  byte `yaml:"synchLoops"`
	ByteDelay   byte `yaml:"byteDelay"`
	PollValue   byte `yaml:"pollValue"`
	PollIndex   byte `yaml:"pollIndex"`
}

// Profile is one catalog row.
type Profile struct {
	Name      string
	Protocol  string
	Signature []byte
	PageSize  int
	NumPages  int
	Timing    Timing
}

// profileYAML is the on-disk shape; YAML cannot decode an int sequence
// straight into []byte.
type profileYAML struct {
	Protocol  string `yaml:"protocol"`
	Signature []int  `yaml:"signature"`
	PageSize  int    `yaml:"pageSize"`
	NumPages  int    `yaml:"numPages"`
	Timing    Timing `yaml:"timing"`
}

//go:embed catalog.yaml
var catalogYAML []byte

var (
	once    sync.Once
	catalog map[string]*Profile
)

func load() {
	var doc struct {
		Cpus map[string]profileYAML `yaml:"cpus"`
	}
	if err := yaml.Unmarshal(catalogYAML, &doc); err != nil {
		panic("cpu: bad embedded catalog: " + err.Error())
	}

	catalog = make(map[string]*Profile, len(doc.Cpus))
	for name, raw := range doc.Cpus {
		p := &Profile{
			Name:     name,
			Protocol: raw.Protocol,
			PageSize: raw.PageSize,
			NumPages: raw.NumPages,
			Timing:   raw.Timing,
		}
		for _, b := range raw.Signature {
			p.Signature = append(p.Signature, byte(b))
		}
		catalog[name] = p
	}
}

// Lookup returns the profile for a CPU identifier. Matching is
// case-insensitive and ignores dashes (esp32-c3 == esp32c3).
func Lookup(name string) (*Profile, bool) {
	once.Do(load)
	key := strings.ReplaceAll(strings.ToLower(name), "-", "")
	p, ok := catalog[key]
	return p, ok
}

// Names lists every known CPU identifier.
func Names() []string {
	once.Do(load)
	names := make([]string, 0, len(catalog))
	for n := range catalog {
		names = append(names, n)
	}
	return names
}
