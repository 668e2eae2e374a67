// Package apierr defines the error taxonomy the HTTP router and WebSocket
// multiplexer translate into wire responses: ProtocolError, AuthError,
// ConflictError, NotFoundError, CryptoError, and Internal. Each type carries
// enough structure to build the small JSON body the protocol promises;
// anything that isn't one of these bubbles to the top-level translator and
// becomes a 500.
package apierr

import "fmt"

// ProtocolError is a malformed or unparseable request: bad JSON schema, bad
// protobuf, an out-of-range field. Maps to HTTP 400 by default, or 422 when
// Unprocessable is set (e.g. well-formed but semantically invalid, like a
// username hash count outside [1, 20]).
type ProtocolError struct {
	Message        string
	Unprocessable  bool
}

func (e *ProtocolError) Error() string { return fmt.Sprintf("protocol error: %s", e.Message) }

func NewProtocolError(message string) *ProtocolError {
	return &ProtocolError{Message: message}
}

func NewUnprocessableError(message string) *ProtocolError {
	return &ProtocolError{Message: message, Unprocessable: true}
}

// AuthError is a missing, malformed, or rejected credential. Forbidden
// distinguishes "you are who you say you are, but may not do this" (403)
// from "we don't know who you are" (401).
type AuthError struct {
	Message   string
	Forbidden bool
}

func (e *AuthError) Error() string { return fmt.Sprintf("auth error: %s", e.Message) }

func NewAuthError(message string) *AuthError {
	return &AuthError{Message: message}
}

func NewForbiddenError(message string) *AuthError {
	return &AuthError{Message: message, Forbidden: true}
}

// ConflictError is a version or device-set mismatch. Detail is serialized
// verbatim as the JSON response body, since the protocol requires the
// client receive enough structure to recover (current manifest version, or
// {staleDevices, missingDevices, extraDevices}).
type ConflictError struct {
	Message string
	Detail  any
}

func (e *ConflictError) Error() string { return fmt.Sprintf("conflict: %s", e.Message) }

func NewConflictError(message string, detail any) *ConflictError {
	return &ConflictError{Message: message, Detail: detail}
}

// NotFoundError is an absent account, device, group, or attachment.
type NotFoundError struct {
	Message string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("not found: %s", e.Message) }

func NewNotFoundError(message string) *NotFoundError {
	return &NotFoundError{Message: message}
}

// CryptoError is a signature or MAC verification failure. AuthLike controls
// whether the router reports 401 (credential-adjacent) or 422
// (attestation-adjacent).
type CryptoError struct {
	Message  string
	AuthLike bool
}

func (e *CryptoError) Error() string { return fmt.Sprintf("crypto error: %s", e.Message) }

func NewCryptoError(message string) *CryptoError {
	return &CryptoError{Message: message}
}

func NewAuthLikeCryptoError(message string) *CryptoError {
	return &CryptoError{Message: message, AuthLike: true}
}

// QueueTimeout signals that an internal synchronization wait (a
// PromiseQueue Shift or PushAndWait) expired. It is never converted to an
// HTTP response: it is raised to the test harness that initiated the wait.
type QueueTimeout struct {
	Queue string
}

func (e *QueueTimeout) Error() string { return fmt.Sprintf("queue timeout: %s", e.Queue) }

func NewQueueTimeout(queue string) *QueueTimeout {
	return &QueueTimeout{Queue: queue}
}

// Internal wraps an invariant violation or unexpected error. It always maps
// to HTTP 500 and is always logged; handlers never attempt to catch it.
type Internal struct {
	Err error
}

func (e *Internal) Error() string { return fmt.Sprintf("internal error: %s", e.Err) }
func (e *Internal) Unwrap() error { return e.Err }

func NewInternal(err error) *Internal {
	return &Internal{Err: err}
}
