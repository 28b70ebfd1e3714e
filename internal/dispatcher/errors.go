package dispatcher

import "net/http"

// ClientError indicates malformed or disallowed caller input: bad request
// parameters, an unknown archive name extension, a digest that was never
// uploaded. Maps to 400 Bad Request.
type ClientError struct {
	Msg string
	Err error
}

func (e *ClientError) Error() string { return e.Msg }
func (e *ClientError) Unwrap() error { return e.Err }
func (e *ClientError) status() int   { return http.StatusBadRequest }

// SessionError indicates the request conflicts with session or group state:
// an unknown session id, a session in the wrong lifecycle state, a group
// already locked by another session, a backup-time regression. Maps to 409
// Conflict.
type SessionError struct {
	Msg string
	Err error
}

func (e *SessionError) Error() string { return e.Msg }
func (e *SessionError) Unwrap() error { return e.Err }
func (e *SessionError) status() int   { return http.StatusConflict }

// StorageError indicates the chunk store or index writers reported an I/O
// or integrity failure. Maps to 507 Insufficient Storage to avoid implying
// the request itself was malformed or retryable verbatim.
type StorageError struct {
	Msg string
	Err error
}

func (e *StorageError) Error() string { return e.Msg }
func (e *StorageError) Unwrap() error { return e.Err }
func (e *StorageError) status() int   { return http.StatusInsufficientStorage }

// InternalError indicates a bug or unexpected failure unrelated to caller
// input. Maps to 500 Internal Server Error.
type InternalError struct {
	Msg string
	Err error
}

func (e *InternalError) Error() string { return e.Msg }
func (e *InternalError) Unwrap() error { return e.Err }
func (e *InternalError) status() int   { return http.StatusInternalServerError }

type statusError interface {
	error
	status() int
}

// httpStatus maps one of the four taxonomy errors to its HTTP status code,
// defaulting to 500 for anything else (a bug: every handler should wrap its
// errors in one of the four before returning).
func httpStatus(err error) int {
	if se, ok := err.(statusError); ok {
		return se.status()
	}
	return http.StatusInternalServerError
}
