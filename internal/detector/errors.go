package detector

import (
	"errors"
	"fmt"
)

// Kind classifies the failures that stop detection.
type Kind int

const (
	// KindFormat: the capture layer delivered a frame in an unsupported format.
	KindFormat Kind = iota + 1
	// KindCapture: the frame geometry cannot be addressed safely.
	KindCapture
	// KindLog: a detection could not be made durable.
	KindLog
	// KindDump: a requested dump could not be written.
	KindDump
)

func (k Kind) String() string {
	switch k {
	case KindFormat:
		return "format"
	case KindCapture:
		return "capture"
	case KindLog:
		return "log"
	case KindDump:
		return "dump"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// FatalError is returned by HandleFrame when detection cannot continue. The
// host is expected to log it and terminate.
type FatalError struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *FatalError) Error() string {
	if e.Err == nil {
		return e.Msg
	}
	return e.Msg + ": " + e.Err.Error()
}

func (e *FatalError) Unwrap() error { return e.Err }

// IsFatal reports whether err carries a FatalError and returns its kind.
func IsFatal(err error) (Kind, bool) {
	var fe *FatalError
	if errors.As(err, &fe) {
		return fe.Kind, true
	}
	return 0, false
}
