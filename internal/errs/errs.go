// Package errs defines the engine-wide error taxonomy. Sentinel errors are
// matched with errors.Is; the Error wrapper attaches a Class so the retry
// controller can pick a policy without inspecting error strings.
package errs

import (
	"errors"
	"fmt"
)

// Class groups errors by the retry/propagation policy that applies to them.
type Class int

const (
	ClassUnknown Class = iota
	// ClassNetwork covers transient connectivity faults; retried per the
	// backoff schedule.
	ClassNetwork
	// ClassRateLimit is retried like ClassNetwork but with a longer initial
	// delay.
	ClassRateLimit
	// ClassAuth triggers one re-authentication attempt before a single retry.
	ClassAuth
	// ClassEncryption is fatal for the operation and never retried.
	ClassEncryption
	// ClassIntegrity (application-level checksum mismatch) is never retried;
	// during restore it triggers fallback to an older backup.
	ClassIntegrity
	// ClassStorage (local disk/database) is fatal and never masked.
	ClassStorage
	// ClassValidation covers malformed or rejected data; never retried.
	ClassValidation
)

func (c Class) String() string {
	switch c {
	case ClassNetwork:
		return "network"
	case ClassRateLimit:
		return "rate_limit"
	case ClassAuth:
		return "auth"
	case ClassEncryption:
		return "encryption"
	case ClassIntegrity:
		return "integrity"
	case ClassStorage:
		return "storage"
	case ClassValidation:
		return "validation"
	default:
		return "unknown"
	}
}

var (
	// Network errors.
	ErrNoConnectivity = errors.New("no connectivity")
	ErrRateLimited    = errors.New("rate limited")
	ErrTimeout        = errors.New("timeout")
	ErrServer         = errors.New("server error")
	ErrDNSFailure     = errors.New("dns failure")

	// Auth errors.
	ErrTokenExpired = errors.New("token expired")
	ErrUnauthorized = errors.New("unauthorized")

	// Encryption errors. ErrDecryptFailed means the GCM tag did not verify:
	// tampering or wrong key. ErrChecksumMismatch means the tag verified but
	// the application-level checksum did not: storage corruption or a logic
	// bug, never tampering.
	ErrKeyMissing       = errors.New("encryption key missing")
	ErrDecryptFailed    = errors.New("decryption failed")
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// Repository-level errors.
	ErrNotFound = errors.New("not found")

	// Circuit breaker.
	ErrCircuitOpen = errors.New("circuit breaker open")
)

// Error wraps an underlying error with a Class and the operation that failed.
type Error struct {
	Class Class
	Op    string
	Err   error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Class, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Class, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with the given class and operation name.
func New(class Class, op string, err error) *Error {
	return &Error{Class: class, Op: op, Err: err}
}

// Networkf builds a ClassNetwork error from a sentinel and a cause.
func Networkf(op string, sentinel, cause error) *Error {
	return New(ClassNetwork, op, fmt.Errorf("%w: %w", sentinel, cause))
}

// Storagef builds a ClassStorage error.
func Storagef(op string, cause error) *Error {
	return New(ClassStorage, op, cause)
}

// ClassOf reports the Class of err: an explicit *Error wins, then known
// sentinels, then ClassUnknown.
func ClassOf(err error) Class {
	var e *Error
	if errors.As(err, &e) {
		return e.Class
	}
	switch {
	case errors.Is(err, ErrRateLimited):
		return ClassRateLimit
	case errors.Is(err, ErrNoConnectivity), errors.Is(err, ErrTimeout),
		errors.Is(err, ErrServer), errors.Is(err, ErrDNSFailure):
		return ClassNetwork
	case errors.Is(err, ErrTokenExpired), errors.Is(err, ErrUnauthorized):
		return ClassAuth
	case errors.Is(err, ErrKeyMissing), errors.Is(err, ErrDecryptFailed):
		return ClassEncryption
	case errors.Is(err, ErrChecksumMismatch):
		return ClassIntegrity
	default:
		return ClassUnknown
	}
}

// Status is the typed outcome of an engine operation. Raw errors never cross
// the boundary to callers on the sync path; they are folded into a Status
// plus a human-readable message.
type Status string

const (
	StatusSuccess Status = "success"
	StatusPartial Status = "partial"
	StatusFailure Status = "failure"
)
