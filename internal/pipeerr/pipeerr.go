// Package pipeerr defines the pipeline-wide error discriminator.
//
// Every failure crossing a consumer boundary is wrapped in an *Error carrying
// a Kind and a stable Name. Queue handlers decide ack/retry from the Kind
// alone, so classification stays a function of the variant tag rather than of
// whatever the underlying SDK happened to throw.
package pipeerr

import (
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
)

// Kind is the retry class of a pipeline error.
type Kind int

const (
	// KindTerminal means the operation will never succeed on redelivery:
	// bad input, invalid format, auth failure, a resource that won't appear.
	KindTerminal Kind = iota
	// KindRetryable means a transient fault: server error, unavailable,
	// connection reset, timeout.
	KindRetryable
	// KindThrottle is a provider rate-limit signal. Retried on the throttle
	// backoff curve and fed back to the rate limiter.
	KindThrottle
	// KindIdempotentSuccess marks create-exists / delete-missing outcomes
	// that callers treat as success without retry.
	KindIdempotentSuccess
)

func (k Kind) String() string {
	switch k {
	case KindTerminal:
		return "terminal"
	case KindRetryable:
		return "retryable"
	case KindThrottle:
		return "throttle"
	case KindIdempotentSuccess:
		return "idempotent_success"
	default:
		return "unknown"
	}
}

// Error is the discriminated pipeline error.
type Error struct {
	Kind Kind
	// Name is a stable machine-readable discriminator: either a provider
	// exception name ("ThrottlingException") or a pipeline error code
	// ("insufficient_credits").
	Name string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s (%s)", e.Name, e.Kind)
	}
	return fmt.Sprintf("%s (%s): %v", e.Name, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Terminal wraps err as a non-retryable failure.
func Terminal(name string, err error) *Error {
	return &Error{Kind: KindTerminal, Name: name, Err: err}
}

// Retryable wraps err as a transient failure.
func Retryable(name string, err error) *Error {
	return &Error{Kind: KindRetryable, Name: name, Err: err}
}

// Throttle wraps err as a rate-limit signal.
func Throttle(name string, err error) *Error {
	return &Error{Kind: KindThrottle, Name: name, Err: err}
}

// AlreadyDone marks an operation whose target was already in the desired
// state (collection exists on create, collection missing on delete).
func AlreadyDone(name string) *Error {
	return &Error{Kind: KindIdempotentSuccess, Name: name}
}

// KindOf extracts the Kind from any error. Unclassified errors default to
// retryable: an unknown fault is redelivered rather than silently dropped.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindRetryable
}

// NameOf extracts the discriminator name, or "" for unclassified errors.
func NameOf(err error) string {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Name
	}
	return ""
}

// IsRetryable reports whether err should be redelivered (retryable or
// throttle class).
func IsRetryable(err error) bool {
	k := KindOf(err)
	return k == KindRetryable || k == KindThrottle
}

// IsThrottle reports whether err is a rate-limit signal.
func IsThrottle(err error) bool { return KindOf(err) == KindThrottle }

// Provider exception names with a known retry class. Anything the provider
// reports that is not listed here is treated as terminal.
var (
	throttleNames = map[string]bool{
		"ThrottlingException":                    true,
		"ThrottledException":                     true,
		"ProvisionedThroughputExceededException": true,
		"LimitExceededException":                 true,
		"TooManyRequestsException":               true,
		"RequestLimitExceeded":                   true,
		"SlowDown":                               true,
	}
	transientNames = map[string]bool{
		"InternalServerError":     true,
		"InternalError":           true,
		"ServiceUnavailable":      true,
		"ServiceUnavailableError": true,
		"RequestTimeout":          true,
		"RequestTimeoutException": true,
	}
)

// FromAPIError classifies an AWS-shaped API error. op is "create", "delete"
// or "index" and selects which exception names count as idempotent success.
func FromAPIError(op string, err error) *Error {
	if err == nil {
		return nil
	}

	var ae smithy.APIError
	if errors.As(err, &ae) {
		name := ae.ErrorCode()
		switch {
		case op == "create" && name == "ResourceAlreadyExistsException":
			return AlreadyDone(name)
		case op == "delete" && name == "ResourceNotFoundException":
			return AlreadyDone(name)
		case throttleNames[name]:
			return Throttle(name, err)
		case transientNames[name]:
			return Retryable(name, err)
		}
		// Fall through to status-code checks before declaring terminal.
		var re *smithyhttp.ResponseError
		if errors.As(err, &re) {
			switch {
			case re.HTTPStatusCode() == http.StatusTooManyRequests:
				return Throttle(name, err)
			case re.HTTPStatusCode() >= 500:
				return Retryable(name, err)
			}
		}
		return Terminal(name, err)
	}

	// No API error envelope at all: connection-level fault.
	var ne net.Error
	if errors.As(err, &ne) {
		return Retryable("NetworkError", err)
	}
	return Retryable("TransportError", err)
}
