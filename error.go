package kdbus

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// ErrorKind classifies why a message or metadata operation failed.
type ErrorKind int

const (
	// KindMalformed means an item stream did not fit its buffer, or
	// a message could not be read from its source.
	KindMalformed ErrorKind = iota + 1
	// KindPolicy means a well-formed message broke a rule: duplicate
	// items, wrong destination for an item, size caps, bloom
	// mismatches, bad names or conflicting addressing.
	KindPolicy
	// KindResource means a size limit on an allocation was hit.
	KindResource
	// KindForgery means the message claimed to come from the kernel,
	// or from a connection other than its sender.
	KindForgery
)

func (k ErrorKind) String() string {
	switch k {
	case KindMalformed:
		return "malformed message"
	case KindPolicy:
		return "policy violation"
	case KindResource:
		return "resource exhaustion"
	case KindForgery:
		return "forged message"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// Error is the error returned by message construction and metadata
// collection.
//
// Errno is the errno the kdbus kernel interface reports for the same
// condition, so callers can test for specific failures with
// errors.Is(err, unix.EEXIST) and friends.
type Error struct {
	// Kind is the class of failure.
	Kind ErrorKind
	// Errno is the specific failure code.
	Errno unix.Errno
	// Reason is a human-readable explanation of what went wrong.
	Reason error
}

func (e Error) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Kind, unix.ErrnoName(e.Errno), e.Reason)
}

func (e Error) Unwrap() []error {
	return []error{e.Errno, e.Reason}
}

func kerr(kind ErrorKind, errno unix.Errno, reason string, args ...any) error {
	return Error{kind, errno, fmt.Errorf(reason, args...)}
}

func malformed(reason error) error {
	return Error{KindMalformed, unix.EINVAL, reason}
}

func policy(errno unix.Errno, reason string, args ...any) error {
	return kerr(KindPolicy, errno, reason, args...)
}

func forgery(reason string, args ...any) error {
	return kerr(KindForgery, unix.EINVAL, reason, args...)
}

func exhausted(reason error) error {
	return Error{KindResource, unix.ENOMEM, reason}
}
