// Package flasherr defines the error kinds a board session can end with.
package flasherr

import (
	"errors"
	"fmt"
)

// Kind classifies a session failure.
type Kind string

const (
	KindNone                 Kind = ""
	KindNotABoard            Kind = "not_a_board"
	KindIdentifyTimeout      Kind = "identify_timeout"
	KindDeviceLost           Kind = "device_lost"
	KindInsufficientSpace    Kind = "insufficient_space"
	KindVerificationMismatch Kind = "verification_mismatch"
	KindAborted              Kind = "aborted"
	KindDuplicate            Kind = "duplicate"
	KindInternal             Kind = "internal"
)

// Sentinels, one per kind. Use errors.Is against these.
var (
	// ErrNotABoard marks a removable volume that is not a flashing target.
	ErrNotABoard = errors.New("not a flashing target")

	// ErrIdentifyTimeout marks a volume that is mounted but not yet readable.
	ErrIdentifyTimeout = errors.New("volume not readable yet")

	// ErrDeviceLost marks a volume that vanished or stopped answering I/O.
	ErrDeviceLost = errors.New("device lost")

	// ErrInsufficientSpace marks a destination without room for the content.
	ErrInsufficientSpace = errors.New("insufficient space")

	// ErrVerificationMismatch marks a written file whose hash differs from the manifest.
	ErrVerificationMismatch = errors.New("verification mismatch")

	// ErrAborted marks a session cancelled by the operator.
	ErrAborted = errors.New("aborted")

	// ErrDuplicate marks a board that another session of the run already owns or flashed.
	ErrDuplicate = errors.New("board already handled in this run")
)

var sentinels = map[Kind]error{
	KindNotABoard:            ErrNotABoard,
	KindIdentifyTimeout:      ErrIdentifyTimeout,
	KindDeviceLost:           ErrDeviceLost,
	KindInsufficientSpace:    ErrInsufficientSpace,
	KindVerificationMismatch: ErrVerificationMismatch,
	KindAborted:              ErrAborted,
	KindDuplicate:            ErrDuplicate,
}

// Error attributes a failure to a board and the phase it happened in.
type Error struct {
	Kind  Kind
	Phase string
	Board string
	Path  string
	Err   error
}

// New builds an Error of the given kind wrapping err.
func New(kind Kind, phase string, err error) *Error {
	return &Error{Kind: kind, Phase: phase, Err: err}
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Phase != "" {
		msg = e.Phase + ": " + msg
	}
	if e.Path != "" {
		msg += " (" + e.Path + ")"
	}
	if e.Err != nil && !errors.Is(sentinels[e.Kind], e.Err) {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for the error's kind, so errors.Is(err, ErrDeviceLost)
// holds for any *Error of KindDeviceLost.
func (e *Error) Is(target error) bool {
	if s, ok := sentinels[e.Kind]; ok && s == target {
		return true
	}
	return false
}

// Errorf builds an Error of the given kind with a formatted cause.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf reports the kind of err. Plain sentinels are recognised; any other
// non-nil error is KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	for kind, s := range sentinels {
		if errors.Is(err, s) {
			return kind
		}
	}
	return KindInternal
}

// Retryable reports whether a session may try again after a failure of this kind.
func Retryable(kind Kind) bool {
	return kind == KindIdentifyTimeout || kind == KindDeviceLost
}

// Counted reports whether a terminal failure of this kind fails the run.
// Volumes that are not boards and second sightings of a board are not.
func Counted(kind Kind) bool {
	return kind != KindNotABoard && kind != KindDuplicate
}
