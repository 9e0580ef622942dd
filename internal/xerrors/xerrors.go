// Package xerrors holds the shared error types surfaced at the core
// boundary (spec ch.7), used across the writer, reactor, byte-stream and
// reader-group packages to avoid import cycles between them.
package xerrors

import (
	"errors"
	"fmt"
)

// NonRetryable marks an error that must not be retried by an internal retry
// loop. Used to distinguish a terminal reactor/writer condition (segment
// sealed, protocol violation) from a transient connection error.
type NonRetryable struct {
	message string
	cause   error
}

func (e *NonRetryable) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

func (e *NonRetryable) Unwrap() error { return e.cause }

func (e *NonRetryable) Is(target error) bool {
	_, ok := target.(*NonRetryable)
	return ok
}

// NewNonRetryable wraps cause (which may be nil) as a terminal error.
func NewNonRetryable(message string, cause error) error {
	return &NonRetryable{message: message, cause: cause}
}

// IsNonRetryable reports whether err (or something it wraps) is a NonRetryable.
func IsNonRetryable(err error) bool {
	var nr *NonRetryable
	return errors.As(err, &nr)
}

// SegmentSealedError is returned when a segment has been sealed and the
// caller (byte-stream writer, segment reactor) must stop writing/reading
// past its tail.
type SegmentSealedError struct {
	Segment string
}

func (e *SegmentSealedError) Error() string {
	return fmt.Sprintf("segment %s is sealed", e.Segment)
}

// NoSuchSegmentError is returned when a segment has been truncated away.
type NoSuchSegmentError struct {
	Segment string
}

func (e *NoSuchSegmentError) Error() string {
	return fmt.Sprintf("no such segment: %s", e.Segment)
}

// ReactorClosedError is the error every undelivered pending event is failed
// with when the reactor drains its queue during shutdown or after a
// protocol violation. No completion handle is ever dropped silently. Cause
// is the error that triggered the drain, kept reachable via Unwrap so a
// caller can still errors.As past the shutdown wrapper to the underlying
// terminal condition (e.g. *SegmentSealedError).
type ReactorClosedError struct {
	Reason string
	Cause  error
}

func (e *ReactorClosedError) Error() string {
	return fmt.Sprintf("reactor closed: %s", e.Reason)
}

func (e *ReactorClosedError) Unwrap() error { return e.Cause }

// ProtocolViolationError wraps an unexpected wire reply; it is always fatal
// to the reactor that received it.
type ProtocolViolationError struct {
	Reply string
}

func (e *ProtocolViolationError) Error() string {
	return fmt.Sprintf("unexpected reply: %s", e.Reply)
}

// InvalidSeekError is returned synchronously by bytestream.Reader.Seek
// after it fetches the segment's metadata; the data path is never
// contacted.
type InvalidSeekError struct {
	Reason string
}

func (e *InvalidSeekError) Error() string {
	return fmt.Sprintf("invalid seek: %s", e.Reason)
}

// Sentinel errors for reader-group preconditions (spec ch.4.7/7).
var (
	ErrReaderAlreadyOnline = errors.New("reader already online")
	ErrReaderNotOnline     = errors.New("reader not online")
	ErrSegmentNotAssigned  = errors.New("segment not assigned to reader")
	ErrNoUnassignedSegment = errors.New("no unassigned segment available")
	ErrBadKeyVersion       = errors.New("bad key version")
	ErrStreamSealed        = errors.New("stream is fully sealed")
)
