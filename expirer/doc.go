// Package expirer tracks absolute expiry deadlines for protocol records
// and fires a callback when a deadline passes.
//
// Targets name either a topic ("topic:<hex>") or a JSON-RPC request id
// ("id:<n>"). Deadlines survive restarts: the target map is persisted on
// every mutation and reloaded on construction, and any deadline that
// lapsed while the process was down fires on the first sweep.
package expirer
