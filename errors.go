package pylabhub

import (
	"errors"
	"fmt"

	"github.com/Qing-LAB/pylabhub-sub000/internal/ringproto"
	"github.com/Qing-LAB/pylabhub-sub000/internal/robustmutex"
)

// ErrorKind classifies every failure mode spec.md §7 enumerates, so callers
// can branch on errors.Is/errors.As without string matching.
type ErrorKind int

const (
	ConfigInvalid ErrorKind = iota
	SecretMismatch
	SchemaMismatch
	LayoutCorrupt
	Timeout
	WouldBlock
	Inconsistent
	ChecksumMismatch
	ChannelClosing
	RingFull
	PlatformError
)

func (k ErrorKind) String() string {
	switch k {
	case ConfigInvalid:
		return "ConfigInvalid"
	case SecretMismatch:
		return "SecretMismatch"
	case SchemaMismatch:
		return "SchemaMismatch"
	case LayoutCorrupt:
		return "LayoutCorrupt"
	case Timeout:
		return "Timeout"
	case WouldBlock:
		return "WouldBlock"
	case Inconsistent:
		return "Inconsistent"
	case ChecksumMismatch:
		return "ChecksumMismatch"
	case ChannelClosing:
		return "ChannelClosing"
	case RingFull:
		return "RingFull"
	case PlatformError:
		return "PlatformError"
	default:
		return "Unknown"
	}
}

// Error is the engine's sole error type. Two Errors are errors.Is-equal
// when their Kind matches, regardless of message — callers are expected to
// branch on Kind, not on text.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes errors.Is(err, &Error{Kind: X}) match any *Error with the same
// Kind, independent of message or wrapped cause.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind
	}
	return false
}

func newError(kind ErrorKind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}

// classifyRingError maps internal/ringproto sentinels onto the public
// ErrorKind taxonomy.
func classifyRingError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ringproto.ErrRingFull):
		return newError(RingFull, "ring full", err)
	case errors.Is(err, ringproto.ErrTimeout):
		return newError(Timeout, "deadline elapsed", err)
	case errors.Is(err, ringproto.ErrChecksumMismatch):
		return newError(ChecksumMismatch, "slot checksum mismatch", err)
	case errors.Is(err, robustmutex.ErrNotOwner):
		return newError(Inconsistent, "mutex protocol violation", err)
	default:
		return newError(PlatformError, "unclassified ring error", err)
	}
}
