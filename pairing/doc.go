// Package pairing manages the bootstrap channels that carry session
// proposals.
//
// A pairing is created out of band: one side generates a symmetric key
// and encodes it in a wc: URI, the other ingests the URI. Both sides
// then share an encrypted topic on the relay. Pairings start inactive
// with a short lifetime and are activated, with a much longer lifetime,
// once a session settles over them.
package pairing
