// Package dseq provides fixed-capacity storage and ordering helpers
// for values keyed by 16-bit wrapping sequence numbers.
//
// Sequence numbers wrap modulo 65536,
// so plain integer comparison is meaningless across the wrap boundary.
// The comparison functions in this package order two sequence numbers
// by which half of the sequence space separates them:
// they are correct as long as the two values are
// within 32768 steps of each other.
package dseq

// GreaterThan reports whether sequence number a is ahead of b,
// accounting for wraparound.
func GreaterThan(a, b uint16) bool {
	return (a > b && a-b <= 1<<15) ||
		(a < b && b-a > 1<<15)
}

// LessThan reports whether sequence number a is behind b,
// accounting for wraparound.
func LessThan(a, b uint16) bool {
	return GreaterThan(b, a)
}
