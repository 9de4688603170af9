// Package sign implements the session protocol: proposing, settling,
// using and tearing down namespace-scoped sessions between a wallet and
// a dApp.
//
// The engine decodes inbound relay messages into JSON-RPC payloads,
// dispatches the wc_session* methods to handlers, and exposes the
// outbound operations each role uses: a dApp proposes and requests, a
// wallet approves, responds, updates and disconnects. Outbound requests
// that expect a peer response return an Acknowledgement the caller can
// await.
package sign
