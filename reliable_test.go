package talon_test

import (
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/gordian-engine/talon"
	"github.com/gordian-engine/talon/internal/dtest"
	"github.com/gordian-engine/talon/talontest"
	"github.com/stretchr/testify/require"
)

// testMessage is a structured application payload,
// so tests exercise realistic (self-describing, variable-size)
// serialized messages rather than raw byte runs.
type testMessage struct {
	Kind  string `cbor:"kind"`
	Value uint64 `cbor:"value,omitempty"`
}

func encodeTestMessage(t *testing.T, m testMessage) []byte {
	t.Helper()

	b, err := cbor.Marshal(m)
	require.NoError(t, err)
	return b
}

func TestReliableOrderedChannel_sendAndAck(t *testing.T) {
	t.Parallel()

	ch := talon.NewReliableOrderedChannel(
		dtest.NewLogger(t), talon.ReliableOrderedConfig{}, time.Now(),
	)

	require.False(t, ch.HasMessagesToSend())
	require.Zero(t, ch.SentCount())

	payload := encodeTestMessage(t, testMessage{Kind: "second"})
	ch.SendMessage(payload)
	require.EqualValues(t, 1, ch.SentCount())

	// Staged for the peer, not receivable locally.
	_, ok := ch.ReceiveMessage()
	require.False(t, ok)

	msgs := ch.MessagesToSend(talon.NoBitLimit, 0)
	require.Len(t, msgs, 1)
	require.Equal(t, uint16(0), msgs[0].ID)
	require.Equal(t, payload, msgs[0].Payload)

	require.True(t, ch.HasMessagesToSend())

	ch.ProcessAck(0)
	require.False(t, ch.HasMessagesToSend())
}

func TestReliableOrderedChannel_receiveStrictlyInOrder(t *testing.T) {
	t.Parallel()

	ch := talon.NewReliableOrderedChannel(
		dtest.NewLogger(t), talon.ReliableOrderedConfig{}, time.Now(),
	)

	first := encodeTestMessage(t, testMessage{Kind: "first"})
	second := encodeTestMessage(t, testMessage{Kind: "second", Value: 7})

	// ID 1 arrives before ID 0.
	ch.ProcessMessages([]talon.Message{{ID: 1, Payload: second}})

	// ID 1 is buffered but must wait for ID 0.
	_, ok := ch.ReceiveMessage()
	require.False(t, ok)

	ch.ProcessMessages([]talon.Message{{ID: 0, Payload: first}})

	got, ok := ch.ReceiveMessage()
	require.True(t, ok)
	require.Equal(t, first, got)

	got, ok = ch.ReceiveMessage()
	require.True(t, ok)
	require.Equal(t, second, got)

	require.EqualValues(t, 2, ch.ReceivedCount())
}

func TestReliableOrderedChannel_packetBudget(t *testing.T) {
	t.Parallel()

	first := encodeTestMessage(t, testMessage{Kind: "third", Value: 1})
	second := encodeTestMessage(t, testMessage{Kind: "third", Value: 2})
	require.Len(t, second, len(first))

	// Budget for exactly one serialized message: 2-byte ID plus payload.
	ch := talon.NewReliableOrderedChannel(
		dtest.NewLogger(t),
		talon.ReliableOrderedConfig{
			PacketBudgetBytes: uint32(2 + len(first)),
		},
		time.Now(),
	)

	ch.SendMessage(first)
	ch.SendMessage(second)

	msgs := ch.MessagesToSend(talon.NoBitLimit, 0)
	require.Len(t, msgs, 1)
	require.Equal(t, first, msgs[0].Payload)

	ch.ProcessAck(0)

	msgs = ch.MessagesToSend(talon.NoBitLimit, 1)
	require.Len(t, msgs, 1)
	require.Equal(t, second, msgs[0].Payload)
}

func TestReliableOrderedChannel_resendTiming(t *testing.T) {
	t.Parallel()

	const resendTime = 200 * time.Millisecond
	now := time.Now()

	ch := talon.NewReliableOrderedChannel(
		dtest.NewLogger(t),
		talon.ReliableOrderedConfig{MessageResendTime: resendTime},
		now,
	)

	payload := encodeTestMessage(t, testMessage{Kind: "first"})
	ch.SendMessage(payload)

	msgs := ch.MessagesToSend(talon.NoBitLimit, 0)
	require.Len(t, msgs, 1)
	require.Equal(t, uint16(0), msgs[0].ID)

	// Unacked but not yet due: nothing to pack.
	require.Nil(t, ch.MessagesToSend(talon.NoBitLimit, 1))

	// One step before the deadline it is still not due.
	ch.UpdateCurrentTime(now.Add(resendTime - time.Millisecond))
	require.Nil(t, ch.MessagesToSend(talon.NoBitLimit, 2))

	ch.UpdateCurrentTime(now.Add(resendTime))

	msgs = ch.MessagesToSend(talon.NoBitLimit, 3)
	require.Len(t, msgs, 1)
	require.Equal(t, uint16(0), msgs[0].ID)
	require.Equal(t, payload, msgs[0].Payload)
}

func TestReliableOrderedChannel_ackIsIdempotent(t *testing.T) {
	t.Parallel()

	ch := talon.NewReliableOrderedChannel(
		dtest.NewLogger(t), talon.ReliableOrderedConfig{}, time.Now(),
	)

	ch.SendMessage(encodeTestMessage(t, testMessage{Kind: "first"}))
	ch.SendMessage(encodeTestMessage(t, testMessage{Kind: "second"}))

	msgs := ch.MessagesToSend(talon.NoBitLimit, 0)
	require.Len(t, msgs, 2)

	ch.ProcessAck(0)
	require.False(t, ch.HasMessagesToSend())

	// A third message staged after the ack
	// must be unaffected by replaying the same ack.
	third := encodeTestMessage(t, testMessage{Kind: "third", Value: 3})
	ch.SendMessage(third)

	ch.ProcessAck(0)
	require.True(t, ch.HasMessagesToSend())

	msgs = ch.MessagesToSend(talon.NoBitLimit, 1)
	require.Len(t, msgs, 1)
	require.Equal(t, third, msgs[0].Payload)

	// Acking a sequence that was never sent is also a no-op.
	ch.ProcessAck(500)
	require.True(t, ch.HasMessagesToSend())
}

func TestReliableOrderedChannel_exactlyOnceUnderDuplication(t *testing.T) {
	t.Parallel()

	now := time.Now()
	sender := talon.NewReliableOrderedChannel(
		dtest.NewLogger(t), talon.ReliableOrderedConfig{}, now,
	)
	receiver := talon.NewReliableOrderedChannel(
		dtest.NewLogger(t), talon.ReliableOrderedConfig{}, now,
	)

	payloads := dtest.RandomPayloadsForTest(t, 5, 32)
	for _, p := range payloads {
		sender.SendMessage(p)
	}

	msgs := sender.MessagesToSend(talon.NoBitLimit, 0)
	require.Len(t, msgs, 5)

	// Deliver the same packet repeatedly, and once in reverse order.
	receiver.ProcessMessages(msgs)
	receiver.ProcessMessages(msgs)

	reversed := make([]talon.Message, len(msgs))
	for i, m := range msgs {
		reversed[len(msgs)-1-i] = m
	}
	receiver.ProcessMessages(reversed)

	got := talontest.Drain(receiver)
	require.Len(t, got, 5)
	for i, p := range payloads {
		require.Equal(t, p, got[i])
	}

	// Redelivery after release must not resurface anything.
	receiver.ProcessMessages(msgs)
	_, ok := receiver.ReceiveMessage()
	require.False(t, ok)
	require.EqualValues(t, 5, receiver.ReceivedCount())
}

func TestReliableOrderedChannel_budgetSkipsOversizedMessages(t *testing.T) {
	t.Parallel()

	ch := talon.NewReliableOrderedChannel(
		dtest.NewLogger(t), talon.ReliableOrderedConfig{}, time.Now(),
	)

	ch.SendMessage(make([]byte, 10))  // ID 0: 96 bits on the wire.
	ch.SendMessage(make([]byte, 100)) // ID 1: 816 bits.
	ch.SendMessage(make([]byte, 3))   // ID 2: 40 bits.
	ch.SendMessage(make([]byte, 50))  // ID 3: 416 bits.

	// 480 bits fit ID 0 (96 left: 384), skip ID 1,
	// fit ID 2 (40, left: 344), skip ID 3.
	msgs := ch.MessagesToSend(480, 0)
	require.Len(t, msgs, 2)
	require.Equal(t, uint16(0), msgs[0].ID)
	require.Equal(t, uint16(2), msgs[1].ID)
}

func TestReliableOrderedChannel_fullRoundTrip(t *testing.T) {
	t.Parallel()

	const n = 20

	now := time.Now()
	cfg := talon.ReliableOrderedConfig{
		// Force multiple packets per exchange.
		MaxMessagesPerPacket: 4,
	}
	sender := talon.NewReliableOrderedChannel(dtest.NewLogger(t), cfg, now)
	receiver := talon.NewReliableOrderedChannel(dtest.NewLogger(t), cfg, now)

	payloads := dtest.RandomPayloadsForTest(t, n, 16)
	for _, p := range payloads {
		sender.SendMessage(p)
	}

	var sequence uint16
	for sender.HasMessagesToSend() {
		msgs := sender.MessagesToSend(talon.NoBitLimit, sequence)
		require.NotNil(t, msgs)

		receiver.ProcessMessages(msgs)
		sender.ProcessAck(sequence)
		sequence++
	}

	require.Equal(t, uint16(n/4), sequence)

	got := talontest.Drain(receiver)
	require.Len(t, got, n)
	for i, p := range payloads {
		require.Equal(t, p, got[i])
	}
	require.EqualValues(t, n, sender.SentCount())
	require.EqualValues(t, n, receiver.ReceivedCount())
}

func TestReliableOrderedChannel_receiveWindowValidation(t *testing.T) {
	t.Parallel()

	ch := talon.NewReliableOrderedChannel(
		dtest.NewLogger(t),
		talon.ReliableOrderedConfig{MessageReceiveQueueSize: 8},
		time.Now(),
	)

	first := encodeTestMessage(t, testMessage{Kind: "first"})
	ch.ProcessMessages([]talon.Message{{ID: 0, Payload: first}})

	// ID 8 aliases ID 0's slot but is outside the receive window;
	// it must not evict the buffered message.
	ch.ProcessMessages([]talon.Message{{ID: 8, Payload: []byte("intruder")}})

	got, ok := ch.ReceiveMessage()
	require.True(t, ok)
	require.Equal(t, first, got)

	// A stale redelivery of a released ID is dropped too.
	ch.ProcessMessages([]talon.Message{{ID: 0, Payload: first}})
	_, ok = ch.ReceiveMessage()
	require.False(t, ok)
}

func TestReliableOrderedChannel_reset(t *testing.T) {
	t.Parallel()

	ch := talon.NewReliableOrderedChannel(
		dtest.NewLogger(t), talon.ReliableOrderedConfig{}, time.Now(),
	)

	ch.SendMessage(encodeTestMessage(t, testMessage{Kind: "first"}))
	require.NotNil(t, ch.MessagesToSend(talon.NoBitLimit, 0))
	ch.ProcessMessages([]talon.Message{{ID: 0, Payload: []byte("x")}})

	ch.Reset()

	require.False(t, ch.HasMessagesToSend())
	require.Zero(t, ch.SentCount())
	require.Zero(t, ch.ReceivedCount())
	_, ok := ch.ReceiveMessage()
	require.False(t, ok)

	// IDs restart from zero.
	payload := encodeTestMessage(t, testMessage{Kind: "second"})
	ch.SendMessage(payload)

	msgs := ch.MessagesToSend(talon.NoBitLimit, 0)
	require.Len(t, msgs, 1)
	require.Equal(t, uint16(0), msgs[0].ID)
}

func TestReliableOrderedChannel_lossyLink(t *testing.T) {
	t.Parallel()

	const n = 30
	const resendTime = 50 * time.Millisecond

	cfg := talon.ReliableOrderedConfig{
		MaxMessagesPerPacket: 4,
		MessageResendTime:    resendTime,
	}

	// Both channels start at the link's zero logical time.
	a := talon.NewReliableOrderedChannel(dtest.NewLogger(t), cfg, time.Time{})
	b := talon.NewReliableOrderedChannel(dtest.NewLogger(t), cfg, time.Time{})

	link := talontest.NewLink(t, a, b, talontest.LinkConfig{
		DropRate:      0.3,
		DuplicateRate: 0.2,
		DelayRate:     0.2,
	})

	aToB := dtest.RandomPayloadsForTest(t, n, 24)
	bToA := dtest.RandomPayloadsForTest(t, n/2, 40)
	for _, p := range aToB {
		a.SendMessage(p)
	}
	for _, p := range bToA {
		b.SendMessage(p)
	}

	link.RunUntilSettled(t, 2000, resendTime/2)

	gotB := talontest.Drain(b)
	require.Len(t, gotB, n)
	for i, p := range aToB {
		require.Equal(t, p, gotB[i])
	}

	gotA := talontest.Drain(a)
	require.Len(t, gotA, n/2)
	for i, p := range bToA {
		require.Equal(t, p, gotA[i])
	}

	// Every packet the link delivered was also acked back.
	require.Equal(t, link.A.Delivered.Count(), link.A.Acked.Count())
	require.Equal(t, link.B.Delivered.Count(), link.B.Acked.Count())
}
