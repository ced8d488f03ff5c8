package kvm

import (
	"os"
	"strconv"
	"sync"
)

// Performance: Pre-allocated error message pools
var (
	errorMsgPool = sync.Pool{
		New: func() any {
			b := make([]byte, 0, 256)
			return &b
		},
	}
)

// Kind classifies the stage of the launch sequence that failed.
type Kind int

const (
	KindFacilityUnavailable Kind = iota + 1
	KindIncompatibleVersion
	KindCreationFailed
	KindAllocationFailed
	KindOutOfRange
	KindShortWrite
	KindNotMapped
	KindInvalidRegion
	KindResumeFailed
	KindUnexpectedExit
	KindUnsupported
	KindClosed
)

func (k Kind) String() string {
	switch k {
	case KindFacilityUnavailable:
		return "facility unavailable"
	case KindIncompatibleVersion:
		return "incompatible version"
	case KindCreationFailed:
		return "creation failed"
	case KindAllocationFailed:
		return "allocation failed"
	case KindOutOfRange:
		return "out of range"
	case KindShortWrite:
		return "short write"
	case KindNotMapped:
		return "not mapped"
	case KindInvalidRegion:
		return "invalid region"
	case KindResumeFailed:
		return "resume failed"
	case KindUnexpectedExit:
		return "unexpected exit"
	case KindUnsupported:
		return "unsupported"
	case KindClosed:
		return "closed"
	default:
		return "Kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// hint is appended to detailed messages.
func (k Kind) hint() string {
	switch k {
	case KindFacilityUnavailable:
		return "check that the kvm module is loaded and /dev/kvm is readable and writable"
	case KindIncompatibleVersion:
		return "the kernel KVM API does not match the supported contract version"
	case KindCreationFailed:
		return "kernel refused to create the VM or vCPU (limits or resources exhausted)"
	case KindAllocationFailed:
		return "host memory could not be mapped"
	case KindOutOfRange:
		return "the span is not contained in a single reserved guest range"
	case KindShortWrite:
		return "fewer bytes were copied than requested"
	case KindNotMapped:
		return "the guest address is outside all reserved ranges"
	case KindInvalidRegion:
		return "check slot uniqueness, page alignment and host mapping"
	case KindResumeFailed:
		return "KVM_RUN failed with an unrecoverable error"
	case KindUnexpectedExit:
		return "the guest stopped for a reason this launcher does not emulate"
	case KindUnsupported:
		return "KVM requires linux/amd64"
	case KindClosed:
		return "resource already released"
	default:
		return ""
	}
}

// Error is returned by every operation in this package.
// Op names the failing stage and Detail carries its context
// (slot index, guest address, exit reason).
type Error struct {
	Kind   Kind
	Op     string
	Detail string
	Err    error

	message string // Optional custom message for sentinel errors
}

func (e *Error) Error() string {
	if e.message != "" {
		return e.message
	}

	// Security: Check if we should sanitize error messages
	if isProductionEnv() {
		return e.sanitizedError()
	}
	return e.detailedError()
}

// detailedError provides full error context for development
func (e *Error) detailedError() string {
	bp := errorMsgPool.Get().(*[]byte)
	buf := append((*bp)[:0], "kvm: "...)
	if e.Op != "" {
		buf = append(buf, e.Op...)
		buf = append(buf, ": "...)
	}
	if e.Detail != "" {
		buf = append(buf, e.Detail...)
		buf = append(buf, ' ')
	}
	buf = append(buf, '(')
	buf = append(buf, e.Kind.String()...)
	buf = append(buf, ')')
	if e.Err != nil {
		buf = append(buf, ": "...)
		buf = append(buf, e.Err.Error()...)
	}
	if h := e.Kind.hint(); h != "" {
		buf = append(buf, " - "...)
		buf = append(buf, h...)
	}
	msg := string(buf)
	*bp = buf
	errorMsgPool.Put(bp)
	return msg
}

// sanitizedError provides minimal error information for production
func (e *Error) sanitizedError() string {
	return "kvm: " + e.Kind.String()
}

// Unwrap returns the underlying host error, if any.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for e's Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.message == "" {
		return false
	}
	return t.Kind == e.Kind
}

// isProductionEnv checks if we're running in production environment
func isProductionEnv() bool {
	env := os.Getenv("KVM_ENV")
	if env == "production" || env == "prod" {
		return true
	}

	// Check if debug mode is explicitly disabled
	if debug := os.Getenv("KVM_DEBUG"); debug != "" {
		if val, err := strconv.ParseBool(debug); err == nil && !val {
			return true
		}
	}

	return false
}

func newError(kind Kind, op, detail string, err error) *Error {
	return &Error{Kind: kind, Op: op, Detail: detail, Err: err}
}

// Common specific errors for API consumers
var (
	ErrFacilityUnavailable = &Error{Kind: KindFacilityUnavailable, message: "kvm: virtualization facility unavailable"}
	ErrIncompatibleVersion = &Error{Kind: KindIncompatibleVersion, message: "kvm: incompatible API version"}
	ErrCreationFailed      = &Error{Kind: KindCreationFailed, message: "kvm: creation failed"}
	ErrAllocationFailed    = &Error{Kind: KindAllocationFailed, message: "kvm: guest memory allocation failed"}
	ErrOutOfRange          = &Error{Kind: KindOutOfRange, message: "kvm: guest span out of range"}
	ErrShortWrite          = &Error{Kind: KindShortWrite, message: "kvm: short write to guest memory"}
	ErrNotMapped           = &Error{Kind: KindNotMapped, message: "kvm: guest address not mapped"}
	ErrInvalidRegion       = &Error{Kind: KindInvalidRegion, message: "kvm: invalid memory region"}
	ErrResumeFailed        = &Error{Kind: KindResumeFailed, message: "kvm: vcpu resume failed"}
	ErrUnexpectedExit      = &Error{Kind: KindUnexpectedExit, message: "kvm: unexpected exit"}
	ErrUnsupported         = &Error{Kind: KindUnsupported, message: "kvm: not supported on this platform"}
	ErrClosed              = &Error{Kind: KindClosed, message: "kvm: resource is closed"}
)
