package domain

import "errors"

// Error taxonomy. Collaborator implementations wrap these sentinels so
// callers can classify failures with errors.Is.
var (
	// ErrUnauthenticated means no valid session; surfaced to the
	// caller, the room cannot be opened.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrRoomNotFound means the room does not exist or the caller is
	// not a member. Surfaced, no retry.
	ErrRoomNotFound = errors.New("room not found")

	// ErrPersistence means a durable insert or fetch failed.
	// Recoverable; retried with backoff.
	ErrPersistence = errors.New("persistence error")

	// ErrChannel means a realtime subscribe or publish failed.
	// Recoverable; the session degrades to durable-only.
	ErrChannel = errors.New("realtime channel error")

	// ErrEmptyMessage means a send had neither content nor image.
	// Rejected locally, no network call is made.
	ErrEmptyMessage = errors.New("message has no content or image")

	// ErrSessionClosed means the room session has been closed.
	ErrSessionClosed = errors.New("session closed")
)
