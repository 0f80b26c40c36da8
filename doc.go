// Package talon contains per-channel delivery state machines
// for message transport over an unreliable, unordered packet layer.
//
// A channel is a logical, independently sequenced stream of
// application messages multiplexed over a shared packet transport.
// The transport owner drives each channel synchronously:
// it collects pending messages into outgoing packets,
// feeds arriving messages back in,
// and reports which packet sequence numbers the peer acknowledged.
// Talon does not open sockets, frame packets, or detect acks itself;
// those belong to the owning transport.
//
// Channel kinds are selected through the [ChannelConfig] factory.
// The reliable-ordered kind retransmits on a timer until acknowledged
// and releases messages to the application strictly in send order.
// The unreliable-unordered kind sends each message at most once
// and releases arrivals in arrival order.
package talon
