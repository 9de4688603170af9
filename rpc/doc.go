// Package rpc provides the JSON-RPC 2.0 payload types exchanged inside
// encrypted envelopes and with the relay, plus the shared request id space.
//
// All outbound requests in a client instance draw their ids from a single
// strictly increasing sequence, so proposal, session and pending-request
// ids can never collide and a response is unambiguously matched to the
// request that produced it.
package rpc
