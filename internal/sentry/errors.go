package sentry

import (
	"errors"
	"fmt"
)

// Kind classifies a rejected scan.
type Kind int

const (
	KindNone Kind = iota
	KindInvalidMimeType
	KindOversizedPayload
	KindUnrecognizedFormat
	KindDisallowedFormat
	KindPatternMatch
	KindReadError
)

var (
	ErrInvalidMimeType    = errors.New("disallowed MIME type")
	ErrOversizedPayload   = errors.New("file size exceeds limit")
	ErrUnrecognizedFormat = errors.New("unrecognized file format")
	ErrDisallowedFormat   = errors.New("disallowed file format")
	ErrPatternMatch       = errors.New("disallowed content pattern")
	ErrRead               = errors.New("read error")
)

var kindNames = map[Kind]string{
	KindNone:               "none",
	KindInvalidMimeType:    "invalid_mime_type",
	KindOversizedPayload:   "oversized_payload",
	KindUnrecognizedFormat: "unrecognized_format",
	KindDisallowedFormat:   "disallowed_format",
	KindPatternMatch:       "pattern_match",
	KindReadError:          "read_error",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// MarshalText keeps report files readable.
func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k Kind) sentinel() error {
	switch k {
	case KindInvalidMimeType:
		return ErrInvalidMimeType
	case KindOversizedPayload:
		return ErrOversizedPayload
	case KindUnrecognizedFormat:
		return ErrUnrecognizedFormat
	case KindDisallowedFormat:
		return ErrDisallowedFormat
	case KindPatternMatch:
		return ErrPatternMatch
	case KindReadError:
		return ErrRead
	}
	return nil
}

// Rejection is the terminal outcome of a scan that did not pass.
// It unwraps to the sentinel of its Kind and to the underlying cause, if any.
type Rejection struct {
	Kind   Kind   `json:"kind"`
	Reason string `json:"reason,omitempty"`
	Match  *Match `json:"match,omitempty"`
	Err    error  `json:"-"`
}

func (r *Rejection) Error() string {
	prefix := r.Kind.String()
	if s := r.Kind.sentinel(); s != nil {
		prefix = s.Error()
	}
	if r.Reason == "" {
		return prefix
	}
	return prefix + ": " + r.Reason
}

func (r *Rejection) Unwrap() []error {
	var errs []error
	if s := r.Kind.sentinel(); s != nil {
		errs = append(errs, s)
	}
	if r.Err != nil {
		errs = append(errs, r.Err)
	}
	return errs
}

func reject(kind Kind, format string, args ...any) *Rejection {
	return &Rejection{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

func readError(err error) *Rejection {
	return &Rejection{Kind: KindReadError, Reason: err.Error(), Err: err}
}
