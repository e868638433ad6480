package interfaces

// Sink is the delivery end of one live client connection.
// ARCHITECTURAL DISCOVERY: The broadcast gateway only needs a non-blocking
// enqueue; framing, heartbeats and write deadlines stay in the transport.
type Sink interface {
	// Enqueue hands an encoded event to the connection's writer.
	// Implementations must not block; a full buffer returns an error.
	Enqueue(data []byte) error

	// SessionID returns the session this sink delivers to.
	SessionID() string

	// Close closes the connection and cleans up resources.
	Close() error
}

// SinkLookup resolves a session to its live connection.
type SinkLookup interface {
	GetConnection(sessionID string) (Sink, bool)
}
