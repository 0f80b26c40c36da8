package talon

import (
	"log/slog"
	"math"
	"time"
)

// NoBitLimit is passed as the availableBits argument of
// [Channel.MessagesToSend] when the caller imposes no per-call budget.
const NoBitLimit = math.MaxUint32

// Channel is one logical message stream over a shared packet transport.
//
// Implementations are synchronous and single-owner:
// no method blocks, performs I/O, or takes locks,
// and the owning transport must not call methods concurrently.
// Independent Channel instances share no state
// and may be driven from separate goroutines.
//
// Time never advances on its own.
// The owner injects the clock through [Channel.UpdateCurrentTime],
// typically once per transport tick,
// which keeps retransmission behavior deterministic under test.
type Channel interface {
	// UpdateCurrentTime sets the channel's logical clock.
	// All retransmission decisions are made against this time.
	UpdateCurrentTime(now time.Time)

	// MessagesToSend selects pending messages to pack into
	// the outgoing packet identified by sequence,
	// within the availableBits budget (use [NoBitLimit] for none).
	// It returns nil when nothing is due, never an empty slice.
	//
	// The caller owns the returned messages;
	// they do not alias channel-internal state.
	MessagesToSend(availableBits uint32, sequence uint16) []Message

	// ProcessMessages accepts messages extracted
	// from a packet that arrived from the peer.
	ProcessMessages(messages []Message)

	// ProcessAck records that the peer received the packet
	// previously built under sequence.
	// Acking the same sequence more than once has no further effect.
	ProcessAck(sequence uint16)

	// SendMessage stages payload for delivery to the peer.
	// It never fails from the caller's perspective;
	// see the channel kinds for their overflow behavior.
	SendMessage(payload []byte)

	// ReceiveMessage releases the next message payload
	// to the application, reporting false when none is available.
	ReceiveMessage() ([]byte, bool)

	// HasMessagesToSend reports whether any staged message
	// is not yet confirmed sent
	// (for the reliable kind, not yet acknowledged).
	HasMessagesToSend() bool

	// SentCount returns the number of payloads staged via SendMessage.
	SentCount() uint64

	// ReceivedCount returns the number of payloads
	// released via ReceiveMessage.
	ReceivedCount() uint64

	// Reset returns the channel to its freshly constructed state,
	// discarding all staged, in-flight, and buffered messages
	// and zeroing every cursor and counter.
	Reset()
}

// ChannelConfig constructs a channel of its kind.
//
// The transport layer typically holds a []ChannelConfig
// describing a connection's channel set,
// and instantiates each one per connection,
// so the channel kind is chosen by configuration
// rather than by a mode flag on a single type.
type ChannelConfig interface {
	// NewChannel returns a channel initialized at the given logical time.
	// The logger must not be nil; channels log delivery hazards through it.
	NewChannel(log *slog.Logger, now time.Time) Channel
}
