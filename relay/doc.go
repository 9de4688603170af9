// Package relay maintains the websocket connection to the message relay
// and exposes publish/subscribe over it.
//
// The relayer owns a single connection, reconnects with capped backoff,
// restores subscriptions after every reconnect, deduplicates inbound
// subscription messages, and delivers them to the registered handler on
// one dispatch goroutine so per-topic ordering is preserved. Publishes
// are acknowledged by the relay; unacknowledged publishes are retried
// until a hard deadline.
package relay
