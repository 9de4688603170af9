// Package protocol defines the shared data model of the walletcore sign
// protocol: pairings, proposals, sessions, pending requests, namespaces
// and CACAO authentication objects, together with namespace validation
// rules, the wc_session* method set and the per-method relay publish
// options.
package protocol
