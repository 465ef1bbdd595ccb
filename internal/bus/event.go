package bus

import "time"

// Event represents a domain event published on the bus.
//
// Kinds are dot-separated and namespaced by producer: "channel." for
// realtime connection lifecycle, "message." and "conversation." for
// store projections, "presence." for typing display, "call." for
// signaling, "session." for credential lifecycle.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
