// Package uperr defines the error taxonomy shared by all upload engines.
// Every fatal condition maps to a Kind so callers can route on the class
// of failure without parsing message strings.
package uperr

import (
	"errors"
	"fmt"
)

// Kind is the machine-readable class of an upload failure.
type Kind string

const (
	IoOpen            Kind = "io-open"
	IoClose           Kind = "io-close"
	IoWrite           Kind = "io-write"
	IoRead            Kind = "io-read"
	ReceiveTimeout    Kind = "receive-timeout"
	FramingOverflow   Kind = "framing-overflow"
	ProtocolMismatch  Kind = "protocol-mismatch"
	PeerChecksumError Kind = "peer-checksum-error"
	SignatureMismatch Kind = "signature-mismatch"
	UnknownDeviceCode Kind = "unknown-device-code"
	UnsupportedTool   Kind = "unsupported-tool"
	UnsupportedProto  Kind = "unsupported-protocol"
	UnknownCpu        Kind = "unknown-cpu"
	MissingImage      Kind = "missing-image"
	VerifyFailed      Kind = "verify-failed"
	EspNoSync         Kind = "esp-no-sync"
	EspStubFailed     Kind = "esp-stub-failed"
	ReconnectTimeout  Kind = "reconnect-timeout"
	ReconnectRejected Kind = "reconnect-rejected"
	Cancelled         Kind = "cancelled"
)

// UploadError carries a Kind plus a short human-readable message.
type UploadError struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *UploadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *UploadError) Unwrap() error { return e.Err }

// New builds an UploadError with a plain message.
func New(kind Kind, msg string) error {
	return &UploadError{Kind: kind, Msg: msg}
}

// Errorf builds an UploadError with a formatted message.
func Errorf(kind Kind, format string, args ...interface{}) error {
	return &UploadError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and context to an underlying error.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &UploadError{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the Kind from err, or "" if err carries none.
func KindOf(err error) Kind {
	var ue *UploadError
	if errors.As(err, &ue) {
		return ue.Kind
	}
	return ""
}

// IsTimeout reports whether err is a receive timeout. Sync loops retry
// only on this condition; everything else escapes immediately.
func IsTimeout(err error) bool {
	return KindOf(err) == ReceiveTimeout
}
