package honeycomb

import (
	"errors"
	"fmt"
)

// ErrorKind classifies query failures so the scheduler can decide
// between retrying and surfacing to the user.
type ErrorKind int

const (
	// KindUnknown is an unclassified failure.
	KindUnknown ErrorKind = iota
	// KindAuth indicates a bad or missing API key.
	KindAuth
	// KindNotFound indicates a misconfigured dataset or environment.
	KindNotFound
	// KindTimeout indicates the query exceeded its deadline.
	KindTimeout
	// KindTransport indicates a network-level failure.
	KindTransport
	// KindMalformed indicates a response that did not match the
	// expected schema.
	KindMalformed
)

// String returns the string representation of an ErrorKind.
func (k ErrorKind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindNotFound:
		return "not_found"
	case KindTimeout:
		return "timeout"
	case KindTransport:
		return "transport"
	case KindMalformed:
		return "malformed_response"
	default:
		return "unknown"
	}
}

// APIError is a classified failure from the query client.
type APIError struct {
	Kind    ErrorKind
	Status  int
	Message string
	Err     error
}

func (e *APIError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("honeycomb: %s (status %d): %s", e.Kind, e.Status, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("honeycomb: %s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("honeycomb: %s: %s", e.Kind, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// Kind extracts the ErrorKind from an error chain.
func Kind(err error) ErrorKind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return KindUnknown
}
