package realtime

// Inbound event names delivered by the backend.
const (
	EvNewMessage     = "new_message"
	EvMessageDeleted = "message_deleted"
	EvMessageRead    = "message_read"
	EvTyping         = "typing"
	EvCallAccepted   = "call_accepted"
	EvCallRejected   = "call_rejected"
	EvCallEnded      = "call_ended"
	EvOffer          = "offer"
	EvAnswer         = "answer"
	EvICECandidate   = "ice-candidate"
)

// Outbound event names.
const (
	EvJoinChats   = "join_chats"
	EvReadMessage = "read_message"
	EvEndCall     = "end-call"
)
