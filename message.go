package talon

// Message is one application message carried on a channel.
//
// The ID is assigned by the sending channel
// from its own 16-bit wrapping counter;
// IDs from different channel instances are unrelated.
// The payload is opaque to talon.
type Message struct {
	ID      uint16
	Payload []byte
}

// Clone returns a copy of m whose payload
// does not share backing storage with m.
func (m Message) Clone() Message {
	p := make([]byte, len(m.Payload))
	copy(p, m.Payload)
	return Message{ID: m.ID, Payload: p}
}

// messageOverheadBytes is the per-message framing cost
// a transport pays for the ID when packing a message into a packet.
const messageOverheadBytes = 2

// messageSizeBits is the serialized size charged against packet budgets:
// the 16-bit ID plus the payload bytes.
func messageSizeBits(payload []byte) uint32 {
	return uint32(messageOverheadBytes+len(payload)) * 8
}
