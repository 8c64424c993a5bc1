package esp

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/duinoapp/upload-multitool/uperr"
)

// DefaultStubBaseURL hosts the prebuilt flasher stub blobs.
const DefaultStubBaseURL = "https://raw.githubusercontent.com/espressif/esptool-js/main/src/targets/stub_flasher"

// StubBlob is the position-specific RAM image of the flasher stub for
// one chip.
type StubBlob struct {
	Text      []byte
	TextStart uint32
	Data      []byte
	DataStart uint32
	Entry     uint32
}

// Fetcher retrieves one stub blob by URL. The HTTP details live behind
// this one method so tests and embedders can substitute their own.
type Fetcher interface {
	Fetch(url string) ([]byte, error)
}

type httpFetcher struct {
	client *http.Client
}

func (f *httpFetcher) Fetch(url string) ([]byte, error) {
	resp, err := f.client.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: %s", url, resp.Status)
	}
	return io.ReadAll(resp.Body)
}

// DefaultFetcher fetches over HTTP with a bounded timeout.
var DefaultFetcher Fetcher = &httpFetcher{client: &http.Client{Timeout: 30 * time.Second}}

var (
	stubMu    sync.Mutex
	stubCache = map[string]*StubBlob{}
)

type stubJSON struct {
	Entry     uint32 `json:"entry"`
	Text      string `json:"text"`
	TextStart uint32 `json:"text_start"`
	Data      string `json:"data"`
	DataStart uint32 `json:"data_start"`
}

func normalizeChipName(name string) string {
	return strings.ReplaceAll(strings.ToLower(name), "-", "")
}

// FetchStub returns the flasher stub for the named chip, fetching it on
// first use and caching it process-wide. The cache is write-once per
// key.
func FetchStub(chipName string, fetcher Fetcher, baseURL string) (*StubBlob, error) {
	key := normalizeChipName(chipName)

	stubMu.Lock()
	if blob, ok := stubCache[key]; ok {
		stubMu.Unlock()
		return blob, nil
	}
	stubMu.Unlock()

	if fetcher == nil {
		fetcher = DefaultFetcher
	}
	if baseURL == "" {
		baseURL = DefaultStubBaseURL
	}

	var raw []byte
	var lastErr error
	for _, candidate := range []string{key + ".json", "stub_flasher_" + key + ".json"} {
		raw, lastErr = fetcher.Fetch(strings.TrimRight(baseURL, "/") + "/" + candidate)
		if lastErr == nil {
			break
		}
	}
	if lastErr != nil {
		return nil, uperr.Wrap(uperr.EspStubFailed, lastErr, "fetch stub for "+chipName)
	}

	blob, err := parseStub(raw)
	if err != nil {
		return nil, uperr.Wrap(uperr.EspStubFailed, err, "parse stub for "+chipName)
	}

	stubMu.Lock()
	if existing, ok := stubCache[key]; ok {
		blob = existing
	} else {
		stubCache[key] = blob
	}
	stubMu.Unlock()
	return blob, nil
}

func parseStub(raw []byte) (*StubBlob, error) {
	var doc stubJSON
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}

	text, err := base64.StdEncoding.DecodeString(doc.Text)
	if err != nil {
		return nil, fmt.Errorf("text field: %w", err)
	}
	data, err := base64.StdEncoding.DecodeString(doc.Data)
	if err != nil {
		return nil, fmt.Errorf("data field: %w", err)
	}

	return &StubBlob{
		Text:      text,
		TextStart: doc.TextStart,
		Data:      data,
		DataStart: doc.DataStart,
		Entry:     doc.Entry,
	}, nil
}
