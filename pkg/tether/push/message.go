package push

// WireMessage is the JSON structure exchanged over the push channel.
// Field names are kept short to reduce per-event overhead.
//
// Every message is a named event with an optional payload. Room joins and
// leaves are ordinary events with reserved names, and the auth handshake
// uses the reserved "auth" name as the first message after the dial.
type WireMessage struct {
	Event string `json:"e"`
	Data  any    `json:"d,omitempty"`
}

// EventAuth is the reserved name of the handshake message carrying the
// tenant and user identity.
const EventAuth = "auth"

// Auth identifies the connecting client to the server.
type Auth struct {
	TenantID string `json:"tenantId"`
	UserID   string `json:"userId"`
}

// OutboundMessage is an event captured while the channel was not
// connected, waiting to be flushed in enqueue order.
type OutboundMessage struct {
	Event string
	Data  any
}
