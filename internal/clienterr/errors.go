package clienterr

import (
	"errors"
	"fmt"
)

// Kind classifies a client failure by where it originated.
type Kind string

const (
	// KindTransport covers channel-level failures: dial errors, dropped connections, timeouts.
	KindTransport Kind = "transport"
	// KindProtocol covers intents the server answered with success=false.
	KindProtocol Kind = "protocol"
	// KindState covers snapshot updates the server marked as a failed query.
	KindState Kind = "state"
	// KindExhaustion covers reconnection attempts that ran past the configured ceiling.
	KindExhaustion Kind = "exhaustion"
)

// Error is the single error type produced by the room client components.
type Error struct {
	kind    Kind
	code    string
	message string
	err     error
}

func (e *Error) Error() string {
	switch {
	case e.message != "" && e.err != nil:
		return fmt.Sprintf("%s: %s: %v", e.code, e.message, e.err)
	case e.message != "":
		return fmt.Sprintf("%s: %s", e.code, e.message)
	case e.err != nil:
		return fmt.Sprintf("%s: %v", e.code, e.err)
	default:
		return e.code
	}
}

func (e *Error) Unwrap() error {
	return e.err
}

// Kind reports the failure class.
func (e *Error) Kind() Kind {
	return e.kind
}

// Code returns the operation.reason code.
func (e *Error) Code() string {
	return e.code
}

// Message returns the human readable part, usually the server supplied reason.
func (e *Error) Message() string {
	return e.message
}

func newError(kind Kind, operation, reason, message string, cause error) *Error {
	return &Error{
		kind:    kind,
		code:    fmt.Sprintf("%s.%s", operation, reason),
		message: message,
		err:     cause,
	}
}

// Transport wraps a channel-level failure.
func Transport(operation, reason string, cause error) error {
	return newError(KindTransport, operation, reason, "", cause)
}

// Protocol records a server rejection of an intent. An empty message is replaced by fallback.
func Protocol(operation, message, fallback string) error {
	if message == "" {
		message = fallback
	}
	return newError(KindProtocol, operation, "rejected", message, nil)
}

// State records a snapshot update the server flagged as a failed query.
func State(operation, message string) error {
	return newError(KindState, operation, "query_failed", message, nil)
}

// Exhaustion records that the reconnect ceiling was reached.
func Exhaustion(operation string, attempts int, cause error) error {
	return newError(KindExhaustion, operation, "exhausted",
		fmt.Sprintf("gave up after %d reconnect attempts, reload required", attempts), cause)
}

// KindOf extracts the kind of the first *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target.kind, true
	}
	return "", false
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	found, ok := KindOf(err)
	return ok && found == kind
}

// CodeOf returns the operation.reason code of the first *Error in err's chain.
func CodeOf(err error) string {
	var target *Error
	if errors.As(err, &target) {
		return target.code
	}
	return ""
}

// MessageOf returns the message of the first *Error in err's chain, or err.Error().
func MessageOf(err error) string {
	if err == nil {
		return ""
	}
	var target *Error
	if errors.As(err, &target) && target.message != "" {
		return target.message
	}
	return err.Error()
}
