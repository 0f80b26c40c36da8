package talon

import (
	"log/slog"
	"time"
)

// UnreliableUnorderedConfig describes an [UnreliableUnorderedChannel].
//
// Zero-valued fields take the same defaults
// as the corresponding [ReliableOrderedConfig] fields.
type UnreliableUnorderedConfig struct {
	// Capacities of the outbound and inbound staging queues.
	// Staging past either capacity drops messages.
	MessageSendQueueSize    int
	MessageReceiveQueueSize int

	// Hard cap on messages packed into one outgoing packet.
	MaxMessagesPerPacket int

	// Per-packet ceiling on the serialized size of packed messages,
	// in bytes. Zero means no ceiling beyond the caller's budget.
	PacketBudgetBytes uint32
}

func (c UnreliableUnorderedConfig) withDefaults() UnreliableUnorderedConfig {
	if c.MessageSendQueueSize == 0 {
		c.MessageSendQueueSize = DefaultMessageSendQueueSize
	}
	if c.MessageReceiveQueueSize == 0 {
		c.MessageReceiveQueueSize = DefaultMessageReceiveQueueSize
	}
	if c.MaxMessagesPerPacket == 0 {
		c.MaxMessagesPerPacket = DefaultMaxMessagesPerPacket
	}
	return c
}

// NewChannel implements [ChannelConfig].
func (c UnreliableUnorderedConfig) NewChannel(log *slog.Logger, now time.Time) Channel {
	return NewUnreliableUnorderedChannel(log, c, now)
}

// UnreliableUnorderedChannel sends each staged message at most once
// and releases arrivals in arrival order.
// Messages lost in transit are never retransmitted,
// and acks carry no information for this kind.
//
// Create instances through [NewUnreliableUnorderedChannel]
// or [UnreliableUnorderedConfig.NewChannel].
type UnreliableUnorderedChannel struct {
	log *slog.Logger
	cfg UnreliableUnorderedConfig

	outbound messageQueue
	inbound  messageQueue

	sendMessageID uint16

	numSent     uint64
	numReceived uint64

	currentTime time.Time
}

var _ Channel = (*UnreliableUnorderedChannel)(nil)
var _ ChannelConfig = UnreliableUnorderedConfig{}

// NewUnreliableUnorderedChannel returns a channel
// whose logical clock starts at now.
func NewUnreliableUnorderedChannel(
	log *slog.Logger, cfg UnreliableUnorderedConfig, now time.Time,
) *UnreliableUnorderedChannel {
	cfg = cfg.withDefaults()

	return &UnreliableUnorderedChannel{
		log: log,
		cfg: cfg,

		outbound: newMessageQueue(cfg.MessageSendQueueSize),
		inbound:  newMessageQueue(cfg.MessageReceiveQueueSize),

		currentTime: now,
	}
}

// UpdateCurrentTime implements [Channel].
// This kind makes no time-based decisions;
// the clock is tracked only to honor the contract.
func (c *UnreliableUnorderedChannel) UpdateCurrentTime(now time.Time) {
	c.currentTime = now
}

// SendMessage stages payload to be sent once.
// If the outbound queue is full, payload is dropped and the drop logged;
// this kind never blocks or evicts staged messages to make room.
func (c *UnreliableUnorderedChannel) SendMessage(payload []byte) {
	id := c.sendMessageID
	c.sendMessageID++

	if !c.outbound.push(Message{ID: id, Payload: payload}) {
		c.log.Warn("Send queue full, dropping message", "id", id)
		return
	}

	c.numSent++
}

// HasMessagesToSend implements [Channel].
func (c *UnreliableUnorderedChannel) HasMessagesToSend() bool {
	return c.outbound.len() > 0
}

// MessagesToSend drains staged messages, in staging order,
// into the packet identified by sequence, within the budget.
// Drained messages leave the channel for good:
// there is no sent-packet record and no retransmission,
// so the sequence argument is unused by this kind.
// Packing stops at the first staged message that exceeds
// the remaining budget, preserving the staging order on the wire.
func (c *UnreliableUnorderedChannel) MessagesToSend(
	availableBits uint32, sequence uint16,
) []Message {
	configBits := uint32(NoBitLimit)
	if c.cfg.PacketBudgetBytes > 0 {
		configBits = c.cfg.PacketBudgetBytes * 8
		availableBits = min(configBits, availableBits)
	}

	var msgs []Message
	for len(msgs) < c.cfg.MaxMessagesPerPacket {
		m, ok := c.outbound.peek()
		if !ok {
			break
		}

		sizeBits := messageSizeBits(m.Payload)
		if sizeBits > configBits {
			// Too large for any packet this channel will ever build,
			// so it would wedge the queue if kept. Drop it.
			c.outbound.pop()
			c.log.Warn(
				"Dropping message larger than the packet budget",
				"id", m.ID,
				"size_bits", sizeBits,
				"budget_bits", configBits,
			)
			continue
		}
		if sizeBits > availableBits {
			// Fits a packet, just not this one's remaining budget.
			break
		}
		availableBits -= sizeBits

		c.outbound.pop()
		msgs = append(msgs, m)
	}

	return msgs
}

// ProcessMessages buffers arrivals in arrival order.
// If the inbound queue is full, the arrival is dropped and logged.
func (c *UnreliableUnorderedChannel) ProcessMessages(messages []Message) {
	for _, m := range messages {
		if !c.inbound.push(m) {
			c.log.Warn("Receive queue full, dropping message", "id", m.ID)
		}
	}
}

// ProcessAck implements [Channel]. It is a no-op for this kind.
func (c *UnreliableUnorderedChannel) ProcessAck(sequence uint16) {}

// ReceiveMessage releases the oldest buffered arrival.
func (c *UnreliableUnorderedChannel) ReceiveMessage() ([]byte, bool) {
	m, ok := c.inbound.pop()
	if !ok {
		return nil, false
	}

	c.numReceived++
	return m.Payload, true
}

// SentCount implements [Channel].
func (c *UnreliableUnorderedChannel) SentCount() uint64 {
	return c.numSent
}

// ReceivedCount implements [Channel].
func (c *UnreliableUnorderedChannel) ReceivedCount() uint64 {
	return c.numReceived
}

// Reset implements [Channel].
// The logical clock is unaffected.
func (c *UnreliableUnorderedChannel) Reset() {
	c.outbound.reset()
	c.inbound.reset()

	c.sendMessageID = 0
	c.numSent = 0
	c.numReceived = 0
}

// messageQueue is a fixed-capacity FIFO ring of messages.
// Unlike [dseq.Buffer] it is not keyed by sequence number:
// the unreliable kind consumes strictly in queue order
// and never looks entries up by ID.
type messageQueue struct {
	buf  []Message
	head int
	n    int
}

func newMessageQueue(capacity int) messageQueue {
	return messageQueue{buf: make([]Message, capacity)}
}

func (q *messageQueue) len() int {
	return q.n
}

// push appends m, reporting false if the queue is full.
func (q *messageQueue) push(m Message) bool {
	if q.n == len(q.buf) {
		return false
	}
	q.buf[(q.head+q.n)%len(q.buf)] = m
	q.n++
	return true
}

func (q *messageQueue) peek() (Message, bool) {
	if q.n == 0 {
		return Message{}, false
	}
	return q.buf[q.head], true
}

func (q *messageQueue) pop() (Message, bool) {
	if q.n == 0 {
		return Message{}, false
	}

	m := q.buf[q.head]
	q.buf[q.head] = Message{}
	q.head = (q.head + 1) % len(q.buf)
	q.n--

	return m, true
}

func (q *messageQueue) reset() {
	clear(q.buf)
	q.head = 0
	q.n = 0
}
