// Package coreerr defines the closed error taxonomy every component
// boundary in the core translates into. No underlying library error
// (redis, sql, transport SDK) is ever allowed to leak across a public
// method return — it is always wrapped as one of the Kinds below.
package coreerr

import (
	"errors"
	"fmt"
)

// Kind is one of the abstract error kinds from spec §7.
type Kind string

const (
	KindValidation        Kind = "validation_error"
	KindNotFound          Kind = "not_found"
	KindConflict          Kind = "conflict"
	KindStorageUnavailable Kind = "storage_unavailable"
	KindTransportAuth     Kind = "transport_auth_error"
	KindTransportTransient Kind = "transport_transient"
	KindTransportPersistent Kind = "transport_persistent"
	KindDecode            Kind = "decode_error"
	KindRateLimited        Kind = "rate_limited"
	KindForbidden          Kind = "forbidden"
	KindInternal           Kind = "internal"
)

// Error is a taxonomy-classified error carrying an optional machine-readable
// reason (e.g. "queue_full", "invalid_url") used by callers to decide what
// to tell the end user without string-matching the message.
type Error struct {
	Kind   Kind
	Reason string
	Msg    string
	err    error
}

func (e *Error) Error() string {
	if e.Msg != "" {
		return e.Msg
	}
	if e.Reason != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.err }

// Is allows errors.Is(err, coreerr.KindConflict) style checks by comparing Kind.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind && (other.Reason == "" || e.Reason == other.Reason)
	}
	return false
}

// New builds a classified error with a reason code.
func New(kind Kind, reason, msg string) *Error {
	return &Error{Kind: kind, Reason: reason, Msg: msg}
}

// Wrap classifies an underlying error under the given kind, preserving it for Unwrap.
func Wrap(kind Kind, reason string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Reason: reason, Msg: err.Error(), err: err}
}

// Sentinel instances for errors.Is comparisons against a bare kind (any reason).
var (
	Validation        = &Error{Kind: KindValidation}
	NotFound          = &Error{Kind: KindNotFound}
	Conflict          = &Error{Kind: KindConflict}
	StorageUnavailable = &Error{Kind: KindStorageUnavailable}
	TransportAuth     = &Error{Kind: KindTransportAuth}
	TransportTransient = &Error{Kind: KindTransportTransient}
	TransportPersistent = &Error{Kind: KindTransportPersistent}
	Decode             = &Error{Kind: KindDecode}
	RateLimited         = &Error{Kind: KindRateLimited}
	Forbidden           = &Error{Kind: KindForbidden}
	Internal            = &Error{Kind: KindInternal}
)

// KindOf returns the Kind of err if it is (or wraps) a *Error, and ok=true.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// ReasonOf returns the Reason of err if it is (or wraps) a *Error.
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}
