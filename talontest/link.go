// Package talontest provides an in-memory lossy link
// for exercising channel pairs the way a real transport would,
// without sockets or goroutines.
package talontest

import (
	"crypto/sha256"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/bits-and-blooms/bitset"
	"github.com/gordian-engine/talon"
)

// LinkConfig controls the failure behavior of a [Link].
// All rates are probabilities in [0, 1]; the zero value is a perfect link.
type LinkConfig struct {
	// Probability that a packet is lost in transit.
	// Lost packets are never delivered and never acked.
	DropRate float64

	// Probability that a delivered packet is delivered twice.
	DuplicateRate float64

	// Probability that an in-flight packet is held back one exchange,
	// arriving after packets built later.
	DelayRate float64
}

// Endpoint is one side of a [Link].
type Endpoint struct {
	Channel talon.Channel

	// Packet sequences this endpoint built that reached the peer,
	// and those whose ack was applied back to the channel.
	// On a lossless link the two sets are identical.
	Delivered *bitset.BitSet
	Acked     *bitset.BitSet

	nextSeq  uint16
	inFlight []linkPacket
}

type linkPacket struct {
	seq  uint16
	msgs []talon.Message
}

// Link shuttles packets between two channels,
// applying the configured loss behavior with randomness
// seeded from the test name, so runs are reproducible.
//
// Create instances with [NewLink].
type Link struct {
	A, B *Endpoint

	cfg LinkConfig
	rng *rand.Rand
	now time.Time
}

// NewLink returns a Link connecting channels a and b,
// both of which must already share the same logical start time.
func NewLink(t *testing.T, a, b talon.Channel, cfg LinkConfig) *Link {
	t.Helper()

	seed := sha256.Sum256([]byte(t.Name()))

	return &Link{
		A: newEndpoint(a),
		B: newEndpoint(b),

		cfg: cfg,
		rng: rand.New(rand.NewChaCha8(seed)),
	}
}

func newEndpoint(ch talon.Channel) *Endpoint {
	return &Endpoint{
		Channel: ch,

		// One bit per possible 16-bit packet sequence.
		Delivered: bitset.New(1 << 16),
		Acked:     bitset.New(1 << 16),
	}
}

// Advance moves the shared logical clock forward by d
// and injects the new time into both channels.
func (l *Link) Advance(d time.Duration) {
	l.now = l.now.Add(d)
	l.A.Channel.UpdateCurrentTime(l.now)
	l.B.Channel.UpdateCurrentTime(l.now)
}

// Exchange performs one transport tick in each direction:
// each endpoint builds at most one packet,
// then the link delivers, drops, duplicates, or delays
// every packet currently in flight.
func (l *Link) Exchange() {
	l.pump(l.A, l.B)
	l.pump(l.B, l.A)
}

func (l *Link) pump(from, to *Endpoint) {
	msgs := from.Channel.MessagesToSend(talon.NoBitLimit, from.nextSeq)
	if msgs != nil {
		from.inFlight = append(from.inFlight, linkPacket{
			seq:  from.nextSeq,
			msgs: msgs,
		})
		from.nextSeq++
	}

	var held []linkPacket
	for _, p := range from.inFlight {
		switch {
		case l.rng.Float64() < l.cfg.DropRate:
			// Lost: no delivery, no ack.

		case l.rng.Float64() < l.cfg.DelayRate:
			held = append(held, p)

		default:
			to.Channel.ProcessMessages(p.msgs)
			if l.rng.Float64() < l.cfg.DuplicateRate {
				to.Channel.ProcessMessages(p.msgs)
			}
			from.Delivered.Set(uint(p.seq))

			from.Channel.ProcessAck(p.seq)
			from.Acked.Set(uint(p.seq))
		}
	}
	from.inFlight = held
}

// RunUntilSettled repeatedly calls Exchange, advancing the clock by step
// between rounds, until neither channel has messages to send
// and no packet remains in flight.
// It fails the test if that takes more than maxRounds rounds.
func (l *Link) RunUntilSettled(t *testing.T, maxRounds int, step time.Duration) {
	t.Helper()

	for range maxRounds {
		l.Exchange()

		if !l.A.Channel.HasMessagesToSend() &&
			!l.B.Channel.HasMessagesToSend() &&
			len(l.A.inFlight) == 0 &&
			len(l.B.inFlight) == 0 {
			return
		}

		l.Advance(step)
	}

	t.Fatalf("link did not settle within %d rounds", maxRounds)
}

// Drain returns every payload the channel will release, in release order.
func Drain(ch talon.Channel) [][]byte {
	var payloads [][]byte
	for {
		p, ok := ch.ReceiveMessage()
		if !ok {
			return payloads
		}
		payloads = append(payloads, p)
	}
}
