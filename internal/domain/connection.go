package domain

// ClientConnection represents a client WebSocket connection.
// This abstraction is used by both the relay and application packages.
type ClientConnection interface {
	// ID returns the ephemeral connection identifier, unique per session.
	ID() string

	// SendEvent marshals and sends a typed event envelope.
	SendEvent(eventType string, payload interface{})

	// SendMessage sends a raw frame.
	SendMessage(msg []byte)

	// Close shuts the connection down.
	Close()

	// RemoteAddr returns the client address for logging/identification.
	RemoteAddr() string
}
