package model

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel kinds for analysis errors. These allow errors.Is from callers.
var (
	ErrLoad             = errors.New("load failed")
	ErrInsufficientData = errors.New("insufficient data")
	ErrEstimation       = errors.New("estimation failed")
	ErrInvalidSpec      = errors.New("invalid specification")
	ErrTimeout          = errors.New("fit timed out")
	ErrUnknownColumn    = errors.New("unknown column")
)

// ErrorKind is a coarse-grained categorization for analysis errors.
type ErrorKind string

// Error kinds, one per sentinel.
const (
	KindLoad             ErrorKind = "load"
	KindInsufficientData ErrorKind = "insufficient_data"
	KindEstimation       ErrorKind = "estimation"
	KindInvalidSpec      ErrorKind = "invalid_spec"
	KindTimeout          ErrorKind = "timeout"
	KindUnknown          ErrorKind = "unknown"
)

var kindSentinels = map[ErrorKind]error{ //nolint:gochecknoglobals // lookup table
	KindLoad:             ErrLoad,
	KindInsufficientData: ErrInsufficientData,
	KindEstimation:       ErrEstimation,
	KindInvalidSpec:      ErrInvalidSpec,
	KindTimeout:          ErrTimeout,
}

// OpError wraps an underlying error with operation context and a kind.
type OpError struct {
	Op    string
	Kind  ErrorKind
	Path  string // optional: dataset location
	Group string // optional: group label of a per-group fit
	Err   error
}

func (e *OpError) Error() string {
	if e == nil {
		return "<nil>"
	}

	base := fmt.Sprintf("%s: %s", e.Op, e.Kind)
	if e.Path != "" {
		base += fmt.Sprintf(" (path=%s)", e.Path)
	}
	if e.Group != "" {
		base += fmt.Sprintf(" (group=%s)", e.Group)
	}
	if e.Err != nil {
		base += fmt.Sprintf(": %v", e.Err)
	}
	return base
}

func (e *OpError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is reports whether target is the sentinel matching e.Kind.
func (e *OpError) Is(target error) bool {
	if e == nil {
		return false
	}
	s, ok := kindSentinels[e.Kind]
	return ok && s == target
}

// NewError builds an OpError of the given kind; format and args describe the cause.
func NewError(op string, kind ErrorKind, format string, args ...any) *OpError {
	return &OpError{Op: op, Kind: kind, Err: fmt.Errorf(format, args...)}
}

// LoadError wraps err as a load failure for path.
func LoadError(op, path string, err error) *OpError {
	return &OpError{Op: op, Kind: KindLoad, Path: path, Err: err}
}

// KindOf classifies err. Expired or cancelled contexts map to KindTimeout.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var oe *OpError
	if errors.As(err, &oe) {
		return oe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTimeout
	}
	for kind, sentinel := range kindSentinels {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return KindUnknown
}

// IsKind helps callers classify errors without depending on lower packages.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
