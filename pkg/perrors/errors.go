// Package perrors implements the Pixie error taxonomy: transient
// I/O, protocol violations, integrity failures, invariant violations, and
// configuration errors all carry a stable code so callers can branch on
// Code rather than string-matching messages.
package perrors

import (
	"errors"
	"fmt"
	"time"
)

// Class identifies which of the five taxonomy buckets an error belongs to.
type Class string

const (
	ClassTransientIO   Class = "transient_io"
	ClassProtocol      Class = "protocol_violation"
	ClassIntegrity     Class = "integrity_failure"
	ClassInvariant     Class = "invariant_violation"
	ClassConfiguration Class = "configuration_error"
)

// Error codes, grouped by Class.
const (
	CodeIOFailure          = "IO_FAILURE"
	CodeChecksumMismatch   = "CHECKSUM_MISMATCH"
	CodeUnknownMessageType = "UNKNOWN_MESSAGE_TYPE"
	CodeShortPacket        = "SHORT_PACKET"
	CodeConflictingByte    = "CONFLICTING_BYTE"
	CodeIntegrityMismatch  = "INTEGRITY_MISMATCH"
	CodeRefcountUnderflow  = "REFCOUNT_UNDERFLOW"
	CodeIndexDiskMismatch  = "INDEX_DISK_MISMATCH"
	CodeBadSubnet          = "BAD_SUBNET"
	CodeDuplicateMAC       = "DUPLICATE_MAC"
	CodeNotFound           = "NOT_FOUND"
	CodeInvalidConfig      = "INVALID_CONFIG"
)

// PixieError is the single error type used across Pixie's server and
// client packages: a stable code, a human message, an optional cause,
// and a retryability hint.
type PixieError struct {
	Class     Class
	Code      string
	Message   string
	Timestamp time.Time
	Retryable bool
	Cause     error
}

func (e *PixieError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("pixie error %s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("pixie error %s: %s", e.Code, e.Message)
}

func (e *PixieError) Unwrap() error { return e.Cause }

// IsRetryable reports whether the operation that produced this error is
// expected to succeed if simply retried at the next tick.
func (e *PixieError) IsRetryable() bool { return e.Retryable }

func newErr(class Class, code, message string, retryable bool, cause error) *PixieError {
	return &PixieError{
		Class:     class,
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
		Retryable: retryable,
		Cause:     cause,
	}
}

// NewIOError wraps a transient I/O failure (UDP send failure, partial
// read). Logged and retried at the next tick; never propagated to admin.
func NewIOError(message string, cause error) *PixieError {
	return newErr(ClassTransientIO, CodeIOFailure, message, true, cause)
}

// NewChecksumMismatchError builds the error for data whose hash does not
// match the hash it was stored or sent under.
func NewChecksumMismatchError(message string, cause error) *PixieError {
	return newErr(ClassTransientIO, CodeChecksumMismatch, message, false, cause)
}

// NewProtocolError wraps an unknown message type, too-short packet, or
// similar wire-level violation. The packet is dropped; never fatal.
func NewProtocolError(code, message string) *PixieError {
	return newErr(ClassProtocol, code, message, false, nil)
}

// NewIntegrityError wraps a BLAKE3 mismatch on a completed chunk.
func NewIntegrityError(message string, cause error) *PixieError {
	return newErr(ClassIntegrity, CodeIntegrityMismatch, message, false, cause)
}

// NewInvariantError wraps a fatal invariant violation (decref below zero,
// disk/index disagreement). Callers must abort, never silently repair.
func NewInvariantError(code, message string) *PixieError {
	return newErr(ClassInvariant, code, message, false, nil)
}

// NewConfigError wraps a fatal startup configuration error.
func NewConfigError(code, message string, cause error) *PixieError {
	return newErr(ClassConfiguration, code, message, false, cause)
}

// NewNotFoundError wraps a missing chunk, image, or unit lookup.
func NewNotFoundError(message string) *PixieError {
	return newErr(ClassProtocol, CodeNotFound, message, true, nil)
}

// Is classifies err via errors.As so callers can do perrors.Is(err, perrors.ClassIntegrity).
func Is(err error, class Class) bool {
	var pe *PixieError
	if errors.As(err, &pe) {
		return pe.Class == class
	}
	return false
}

// IsRetryable reports whether err (if a *PixieError) suggests retrying.
func IsRetryable(err error) bool {
	var pe *PixieError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}

// Stats tracks aggregate error counts, surfaced by the admin control
// plane's GET /admin/status.
type Stats struct {
	TransientIO   uint64
	Protocol      uint64
	Integrity     uint64
	Invariant     uint64
	Configuration uint64
	LastError     *PixieError
}

// Record folds err into the running totals. Non-PixieError values are
// counted as transient I/O.
func (s *Stats) Record(err error) {
	var pe *PixieError
	if !errors.As(err, &pe) {
		s.TransientIO++
		return
	}
	s.LastError = pe
	switch pe.Class {
	case ClassTransientIO:
		s.TransientIO++
	case ClassProtocol:
		s.Protocol++
	case ClassIntegrity:
		s.Integrity++
	case ClassInvariant:
		s.Invariant++
	case ClassConfiguration:
		s.Configuration++
	}
}

// Total returns the sum of all recorded errors.
func (s *Stats) Total() uint64 {
	return s.TransientIO + s.Protocol + s.Integrity + s.Invariant + s.Configuration
}
