package talon

import (
	"log/slog"
	"time"

	"github.com/gordian-engine/talon/dseq"
)

// Defaults for [ReliableOrderedConfig] fields left at their zero value.
const (
	DefaultSentPacketBufferSize    = 1024
	DefaultMessageSendQueueSize    = 1024
	DefaultMessageReceiveQueueSize = 1024
	DefaultMaxMessagesPerPacket    = 256

	DefaultMessageResendTime = 100 * time.Millisecond
)

// ReliableOrderedConfig describes a [ReliableOrderedChannel].
//
// Zero-valued fields take the corresponding defaults.
type ReliableOrderedConfig struct {
	// How many sent-packet records to retain.
	// A record whose packet sequence falls out of this window
	// before its ack arrives can no longer be acked,
	// and its messages keep retransmitting until a later packet
	// carrying them is acked.
	SentPacketBufferSize int

	// Capacities of the outbound and inbound staging buffers.
	// Staging more than MessageSendQueueSize unacknowledged messages
	// destroys the oldest colliding entry; see [Channel.SendMessage].
	MessageSendQueueSize    int
	MessageReceiveQueueSize int

	// Hard cap on messages packed into one outgoing packet.
	MaxMessagesPerPacket int

	// Per-packet ceiling on the serialized size of packed messages,
	// in bytes. Zero means no ceiling beyond the caller's budget.
	PacketBudgetBytes uint32

	// Minimum interval after a message is sent
	// before it is eligible for retransmission.
	MessageResendTime time.Duration
}

func (c ReliableOrderedConfig) withDefaults() ReliableOrderedConfig {
	if c.SentPacketBufferSize == 0 {
		c.SentPacketBufferSize = DefaultSentPacketBufferSize
	}
	if c.MessageSendQueueSize == 0 {
		c.MessageSendQueueSize = DefaultMessageSendQueueSize
	}
	if c.MessageReceiveQueueSize == 0 {
		c.MessageReceiveQueueSize = DefaultMessageReceiveQueueSize
	}
	if c.MaxMessagesPerPacket == 0 {
		c.MaxMessagesPerPacket = DefaultMaxMessagesPerPacket
	}
	if c.MessageResendTime == 0 {
		c.MessageResendTime = DefaultMessageResendTime
	}
	return c
}

// NewChannel implements [ChannelConfig].
func (c ReliableOrderedConfig) NewChannel(log *slog.Logger, now time.Time) Channel {
	return NewReliableOrderedChannel(log, c, now)
}

// outboundMessage is the send-side bookkeeping for one staged message.
type outboundMessage struct {
	msg      Message
	sizeBits uint32

	// lastSent is only meaningful once sent is true.
	lastSent time.Time
	sent     bool
}

// sentPacket records which message IDs were bundled
// into one outgoing packet.
type sentPacket struct {
	messageIDs []uint16
	acked      bool
}

// ReliableOrderedChannel retransmits staged messages on a timer
// until the packet carrying them is acknowledged,
// and releases arrivals to the application strictly in send order.
//
// Retransmission is purely time-driven:
// there is no negative-acknowledgment path,
// so a lost packet costs at least one resend interval of latency.
//
// Create instances through [NewReliableOrderedChannel]
// or [ReliableOrderedConfig.NewChannel].
type ReliableOrderedChannel struct {
	log *slog.Logger
	cfg ReliableOrderedConfig

	packetsSent      *dseq.Buffer[sentPacket]
	messagesSend     *dseq.Buffer[outboundMessage]
	messagesReceived *dseq.Buffer[Message]

	sendMessageID    uint16
	receiveMessageID uint16

	// Left edge of the in-flight window.
	// Equal to sendMessageID exactly when nothing is pending.
	oldestUnackedID uint16

	numSent     uint64
	numReceived uint64

	currentTime time.Time
}

var _ Channel = (*ReliableOrderedChannel)(nil)
var _ ChannelConfig = ReliableOrderedConfig{}

// NewReliableOrderedChannel returns a channel
// whose logical clock starts at now.
func NewReliableOrderedChannel(
	log *slog.Logger, cfg ReliableOrderedConfig, now time.Time,
) *ReliableOrderedChannel {
	cfg = cfg.withDefaults()

	return &ReliableOrderedChannel{
		log: log,
		cfg: cfg,

		packetsSent:      dseq.NewBuffer[sentPacket](cfg.SentPacketBufferSize),
		messagesSend:     dseq.NewBuffer[outboundMessage](cfg.MessageSendQueueSize),
		messagesReceived: dseq.NewBuffer[Message](cfg.MessageReceiveQueueSize),

		currentTime: now,
	}
}

// UpdateCurrentTime implements [Channel].
func (c *ReliableOrderedChannel) UpdateCurrentTime(now time.Time) {
	c.currentTime = now
}

// SendMessage stages payload under the next message ID.
// The channel retains payload; the caller must not modify it afterward.
//
// SendMessage always succeeds.
// If the outbound buffer already holds an unacknowledged message
// at the new ID's slot, that message is destroyed and never delivered;
// the hazard is logged but not reported.
// Size MessageSendQueueSize above the worst in-flight window to avoid this.
func (c *ReliableOrderedChannel) SendMessage(payload []byte) {
	id := c.sendMessageID
	c.sendMessageID++

	if prev, ok := c.messagesSend.OccupantID(id); ok {
		c.log.Warn(
			"Send queue overflow, destroying unacknowledged message",
			"evicted_id", prev,
			"new_id", id,
		)
	}

	c.messagesSend.Insert(id, outboundMessage{
		msg:      Message{ID: id, Payload: payload},
		sizeBits: messageSizeBits(payload),
	})

	c.numSent++
}

// HasMessagesToSend implements [Channel].
func (c *ReliableOrderedChannel) HasMessagesToSend() bool {
	return c.oldestUnackedID != c.sendMessageID
}

// MessagesToSend selects due messages, oldest first, that fit the budget,
// and records them as the content of the packet identified by sequence.
// A message is due if it was never sent
// or its last transmission is at least MessageResendTime old.
// A due message too large for the remaining budget is skipped,
// not a stopping condition, so later smaller messages still pack.
//
// When at least one message is selected,
// each selected message's last-send time is stamped to the current time
// and a sent-packet record is stored under sequence;
// otherwise MessagesToSend returns nil and records nothing.
func (c *ReliableOrderedChannel) MessagesToSend(
	availableBits uint32, sequence uint16,
) []Message {
	ids := c.messageIDsToSend(availableBits)
	if len(ids) == 0 {
		return nil
	}

	msgs := make([]Message, len(ids))
	for i, id := range ids {
		om := c.messagesSend.Get(id)
		om.lastSent = c.currentTime
		om.sent = true
		msgs[i] = om.msg.Clone()
	}

	c.packetsSent.Insert(sequence, sentPacket{messageIDs: ids})

	return msgs
}

func (c *ReliableOrderedChannel) messageIDsToSend(availableBits uint32) []uint16 {
	if !c.HasMessagesToSend() {
		return nil
	}

	if c.cfg.PacketBudgetBytes > 0 {
		availableBits = min(c.cfg.PacketBudgetBytes*8, availableBits)
	}

	// Scanning past either staging capacity is pointless:
	// the send side cannot hold more in flight,
	// and the receive side cannot buffer more than its queue.
	limit := min(c.cfg.MessageSendQueueSize, c.cfg.MessageReceiveQueueSize)

	var ids []uint16
	for i := range limit {
		if len(ids) == c.cfg.MaxMessagesPerPacket {
			break
		}

		id := c.oldestUnackedID + uint16(i)
		om := c.messagesSend.Get(id)
		if om == nil {
			continue
		}

		due := !om.sent ||
			!c.currentTime.Before(om.lastSent.Add(c.cfg.MessageResendTime))
		if due && om.sizeBits <= availableBits {
			ids = append(ids, id)
			availableBits -= om.sizeBits
		}
	}

	return ids
}

// ProcessMessages buffers arrivals for in-order release.
// Duplicate arrivals of a buffered ID are dropped,
// as are IDs outside the receive window
// (already released, or too far ahead to buffer),
// so a stale or hostile ID cannot evict a live buffered message.
func (c *ReliableOrderedChannel) ProcessMessages(messages []Message) {
	for _, m := range messages {
		if !c.inReceiveWindow(m.ID) {
			c.log.Debug(
				"Dropping message outside receive window",
				"id", m.ID,
				"next_receive_id", c.receiveMessageID,
			)
			continue
		}

		if c.messagesReceived.Exists(m.ID) {
			continue
		}
		c.messagesReceived.Insert(m.ID, m)
	}
}

func (c *ReliableOrderedChannel) inReceiveWindow(id uint16) bool {
	if dseq.LessThan(id, c.receiveMessageID) {
		return false
	}
	return dseq.LessThan(id, c.receiveMessageID+uint16(c.cfg.MessageReceiveQueueSize))
}

// ProcessAck clears the messages carried by the packet
// the peer acknowledged, then advances the in-flight window's left edge
// past the contiguous run of cleared IDs.
// Unknown sequences (never sent, or whose record aged out)
// and repeated acks are ignored.
func (c *ReliableOrderedChannel) ProcessAck(sequence uint16) {
	sp := c.packetsSent.Get(sequence)
	if sp == nil || sp.acked {
		return
	}
	sp.acked = true

	for _, id := range sp.messageIDs {
		if c.messagesSend.Exists(id) {
			c.messagesSend.Remove(id)
		}
	}

	c.advanceOldestUnacked()
}

func (c *ReliableOrderedChannel) advanceOldestUnacked() {
	stop := c.messagesSend.Sequence()

	for c.oldestUnackedID != stop && !c.messagesSend.Exists(c.oldestUnackedID) {
		c.oldestUnackedID++
	}
}

// ReceiveMessage releases the payload buffered at the next expected ID.
// It reports false when that exact ID has not arrived,
// even if later IDs are already buffered:
// order is strict, so later arrivals wait for the gap to fill.
func (c *ReliableOrderedChannel) ReceiveMessage() ([]byte, bool) {
	m, ok := c.messagesReceived.Remove(c.receiveMessageID)
	if !ok {
		return nil, false
	}

	c.receiveMessageID++
	c.numReceived++

	return m.Payload, true
}

// SentCount implements [Channel].
func (c *ReliableOrderedChannel) SentCount() uint64 {
	return c.numSent
}

// ReceivedCount implements [Channel].
func (c *ReliableOrderedChannel) ReceivedCount() uint64 {
	return c.numReceived
}

// Reset implements [Channel].
// The logical clock is unaffected.
func (c *ReliableOrderedChannel) Reset() {
	c.packetsSent.Reset()
	c.messagesSend.Reset()
	c.messagesReceived.Reset()

	c.sendMessageID = 0
	c.receiveMessageID = 0
	c.oldestUnackedID = 0
	c.numSent = 0
	c.numReceived = 0
}
