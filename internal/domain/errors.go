package domain

import "errors"

var (
	ErrDevice     = errors.New("capture device failure")
	ErrEmptyInput = errors.New("no audio captured")
	ErrEngine     = errors.New("speech engine failure")
	ErrTransform  = errors.New("text transform failure")
	ErrInsertion  = errors.New("text insertion failure")
)

// ErrorKind identifies which part of the pipeline failed.
type ErrorKind string

const (
	KindNone      ErrorKind = ""
	KindDevice    ErrorKind = "device"
	KindEmpty     ErrorKind = "empty_input"
	KindEngine    ErrorKind = "engine"
	KindTransform ErrorKind = "transform"
	KindInsertion ErrorKind = "insertion"
	KindInternal  ErrorKind = "internal"
)

// KindOf classifies err against the sentinel taxonomy.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrDevice):
		return KindDevice
	case errors.Is(err, ErrEmptyInput):
		return KindEmpty
	case errors.Is(err, ErrEngine):
		return KindEngine
	case errors.Is(err, ErrTransform):
		return KindTransform
	case errors.Is(err, ErrInsertion):
		return KindInsertion
	default:
		return KindInternal
	}
}

func (k ErrorKind) Label() string {
	switch k {
	case KindDevice:
		return "Recording Error"
	case KindEmpty:
		return "No audio"
	case KindEngine:
		return "Transcription failed"
	case KindTransform:
		return "Rewrite failed"
	case KindInsertion:
		return "Insert failed"
	case KindNone:
		return ""
	default:
		return "Error"
	}
}
