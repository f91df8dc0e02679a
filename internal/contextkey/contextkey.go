package contextkey

// Key is the type used for context values owned by this module.
// A dedicated type prevents collisions with keys from other packages.
type Key string

const (
	// ContextKeyRequestID carries the uuid.UUID assigned to an HTTP request
	// or the correlation id assigned to a websocket frame.
	ContextKeyRequestID Key = "request_id"

	// ContextKeyUserID carries the authenticated user's uuid.UUID.
	ContextKeyUserID Key = "user_id"

	// ContextKeyConnectionID carries the owning connection's uuid.UUID.
	ContextKeyConnectionID Key = "connection_id"
)
