package port

// Connection is a live device or tablet connection owned by the transport that accepted it.
type Connection interface {
	ID() string

	// Send queues an event without blocking; an error means this message was dropped
	Send(event string, payload any) error
}
