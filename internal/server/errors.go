// Package server implements the core of the huddle presence service: the
// connection registry, room manager, broadcast engine, and the single
// dispatcher goroutine that serializes every state mutation.
package server

import (
	"fmt"

	"github.com/google/uuid"
)

// ErrorKind is the closed set of failure categories the service recognizes.
// Handlers and the broadcast engine only ever produce these kinds, so the
// dispatcher boundary can match them exhaustively.
type ErrorKind uint8

const (
	// KindClientNotFound means a referenced connection id is not registered.
	KindClientNotFound ErrorKind = iota
	// KindRoomNotFound means a referenced room id does not exist.
	KindRoomNotFound
	// KindNameNotSet means the request requires a display name the
	// connection has not set yet.
	KindNameNotSet
	// KindTransport means a send on a specific connection's channel failed.
	KindTransport
	// KindSerialization means an outbound payload could not be rendered.
	KindSerialization
)

// Error carries an ErrorKind plus the identifier it concerns. All recoverable
// request failures surface as *Error so the dispatcher can route a private
// error response back to the requester.
type Error struct {
	Kind ErrorKind
	ID   uuid.UUID // connection or room id, depending on Kind
	Err  error     // underlying cause, if any
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindClientNotFound:
		return "Client not found"
	case KindRoomNotFound:
		return "Room not found"
	case KindNameNotSet:
		return "Nickname not set"
	case KindTransport:
		return fmt.Sprintf("transport failure on %s: %v", e.ID, e.Err)
	case KindSerialization:
		return fmt.Sprintf("serialization failure: %v", e.Err)
	default:
		return fmt.Sprintf("unknown error kind %d", e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes errors.Is match on kind, ignoring the id and cause.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	return ok && other.Kind == e.Kind
}

func errClientNotFound(id uuid.UUID) *Error {
	return &Error{Kind: KindClientNotFound, ID: id}
}

func errRoomNotFound(id uuid.UUID) *Error {
	return &Error{Kind: KindRoomNotFound, ID: id}
}

func errNameNotSet(id uuid.UUID) *Error {
	return &Error{Kind: KindNameNotSet, ID: id}
}

func errTransport(id uuid.UUID, cause error) *Error {
	return &Error{Kind: KindTransport, ID: id, Err: cause}
}

func errSerialization(cause error) *Error {
	return &Error{Kind: KindSerialization, Err: cause}
}
