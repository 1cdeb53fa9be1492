package domain

import (
	"errors"
	"strings"
)

// Error taxonomy (sentinels). Handlers wrap errors with one of the class
// sentinels; the consumer runtime routes deliveries by Classify.
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")

	// Transient failures: bus disconnects, vendor timeouts/5xx/429, store
	// stalls. The delivery is negative-acked and redelivered with backoff.
	ErrTransient = errors.New("transient failure")
	// Permanent failures: schema violations, checksum mismatches, oversized
	// or malformed input. The envelope goes to the DLQ and is acked.
	ErrPermanent = errors.New("permanent failure")

	ErrSchemaInvalid     = errors.New("schema invalid")
	ErrChecksumMismatch  = errors.New("checksum mismatch")
	ErrPayloadTooLarge   = errors.New("payload too large")
	ErrPublishRejected   = errors.New("publish rejected")
	ErrBusDisabled       = errors.New("bus disabled")
	ErrUpstreamTimeout   = errors.New("upstream timeout")
	ErrUpstreamRateLimit = errors.New("upstream rate limit")
)

// FailureClass drives the consumer runtime's ack/nack/DLQ decision.
type FailureClass int

const (
	// FailureTransient requests redelivery with backoff.
	FailureTransient FailureClass = iota
	// FailurePermanent routes the envelope to the DLQ immediately.
	FailurePermanent
	// FailureLogic is an unexpected error: treated as transient for the
	// first two attempts, then promoted to permanent to avoid poisoning.
	FailureLogic
)

// Classify maps an error to its failure class. Unknown errors are logic
// errors.
func Classify(err error) FailureClass {
	switch {
	case err == nil:
		return FailureTransient
	case errors.Is(err, ErrPermanent),
		errors.Is(err, ErrSchemaInvalid),
		errors.Is(err, ErrChecksumMismatch),
		errors.Is(err, ErrPayloadTooLarge),
		errors.Is(err, ErrInvalidArgument):
		return FailurePermanent
	case errors.Is(err, ErrTransient),
		errors.Is(err, ErrUpstreamTimeout),
		errors.Is(err, ErrUpstreamRateLimit):
		return FailureTransient
	default:
		return FailureLogic
	}
}

// FailureCode maps an error message to a stable code for metrics labels and
// DLQ annotations.
func FailureCode(msg string) string {
	s := strings.ToLower(strings.TrimSpace(msg))
	if s == "" {
		return "INTERNAL"
	}
	switch {
	case strings.Contains(s, "schema invalid"),
		strings.Contains(s, "invalid json"),
		strings.Contains(s, "out of range"):
		return "SCHEMA_INVALID"
	case strings.Contains(s, "checksum mismatch"):
		return "CHECKSUM_MISMATCH"
	case strings.Contains(s, "payload too large"),
		strings.Contains(s, "too large"):
		return "PAYLOAD_TOO_LARGE"
	case strings.Contains(s, "rate limit"):
		return "UPSTREAM_RATE_LIMIT"
	case strings.Contains(s, "timeout"),
		strings.Contains(s, "deadline exceeded"):
		return "UPSTREAM_TIMEOUT"
	case strings.Contains(s, "not found"):
		return "NOT_FOUND"
	case strings.Contains(s, "invalid argument"):
		return "INVALID_ARGUMENT"
	default:
		return "INTERNAL"
	}
}
