package attendance

import "errors"

// Failure taxonomy surfaced to the transport layer. Handlers translate these
// into the JSON error payloads and redirects the clients expect.
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrDuplicateStudent   = errors.New("student id already registered")
	ErrSessionExpired     = errors.New("session expired or invalid")
	ErrAlreadyMarked      = errors.New("attendance already marked for this session")
	ErrTimeout            = errors.New("request timeout")
)
