// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package errors classifies agent failures so callers can decide whether
// to retry, skip, or surface them.
package errors

import (
	"errors"
	"fmt"
)

// Kind is the failure class of an error.
type Kind int

const (
	KindUnknown Kind = iota
	KindInternal
	// KindValidation marks malformed input (e.g. a rejected flow record).
	KindValidation
	KindNotFound
	// KindConfiguration marks missing or invalid local configuration.
	KindConfiguration
	// KindDisabled marks a feature switched off by configuration.
	KindDisabled
	// KindTransient marks connect/read/write failures.
	KindTransient
	// KindProtocol marks an unexpected reply from a peer.
	KindProtocol
	// KindRejected marks an explicit refusal by a peer.
	KindRejected
	KindCapacity
)

func (k Kind) String() string {
	switch k {
	case KindInternal:
		return "internal"
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConfiguration:
		return "configuration"
	case KindDisabled:
		return "disabled"
	case KindTransient:
		return "transient"
	case KindProtocol:
		return "protocol"
	case KindRejected:
		return "rejected"
	case KindCapacity:
		return "capacity"
	default:
		return "unknown"
	}
}

// Error is a classified error with optional structured attributes.
type Error struct {
	Kind       Kind
	Message    string
	Underlying error
	Attributes map[string]any
}

func (e *Error) Error() string {
	if e.Message == "" && e.Underlying != nil {
		return e.Underlying.Error()
	}
	if e.Underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Underlying)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Underlying
}

// New creates an Error of the given kind.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Message: msg}
}

// Errorf creates an Error of the given kind with a formatted message.
func Errorf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind. Returns nil if err is nil.
func Wrap(err error, kind Kind, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: msg, Underlying: err}
}

// Wrapf is Wrap with a formatted message.
func Wrapf(err error, kind Kind, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Underlying: err}
}

// Attr returns err annotated with an attribute. err itself is never
// modified, so sentinels stay safe to annotate. Unclassified errors are
// marked KindInternal.
func Attr(err error, key string, val any) error {
	if err == nil {
		return nil
	}

	kind := KindInternal
	var e *Error
	if errors.As(err, &e) {
		kind = e.Kind
	}
	return &Error{Kind: kind, Underlying: err, Attributes: map[string]any{key: val}}
}

// GetKind returns the outermost Kind in err's chain, or KindUnknown.
func GetKind(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// HasKind reports whether any classified error in the chain is of kind.
func HasKind(err error, kind Kind) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Kind == kind {
			return true
		}
		err = e.Underlying
	}
	return false
}

// GetAttributes collects attributes along the chain. Outer values win.
func GetAttributes(err error) map[string]any {
	attrs := make(map[string]any)
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			break
		}
		for k, v := range e.Attributes {
			if _, ok := attrs[k]; !ok {
				attrs[k] = v
			}
		}
		err = e.Underlying
	}
	return attrs
}

// IsRetryable reports whether the next scheduled attempt may succeed
// without operator action. Configuration problems and disabled features
// are not retryable; network and protocol failures are. Rejections are
// retried at the normal cadence, so they count as retryable too.
func IsRetryable(err error) bool {
	switch GetKind(err) {
	case KindTransient, KindProtocol, KindRejected:
		return true
	default:
		return false
	}
}

func Is(err, target error) bool { return errors.Is(err, target) }

func As(err error, target any) bool { return errors.As(err, target) }

func Unwrap(err error) error { return errors.Unwrap(err) }

// Join is errors.Join.
func Join(errs ...error) error { return errors.Join(errs...) }
