// Package walletcore implements the core of the WalletConnect v2 sign
// protocol: pairing, session lifecycle, JSON-RPC requests over an
// encrypted relay, and one-click auth (CAIP-122).
//
// # Getting Started
//
// Create a Client with options and register callbacks before starting:
//
//	options := walletcore.NewOptions()
//	options.ProjectID = "..."
//	options.Metadata = protocol.Metadata{Name: "My Wallet"}
//
//	client, err := walletcore.New(options)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.OnSessionProposal(func(proposal protocol.Proposal) {
//	    client.ApproveSession(ctx, proposal.ID, namespaces)
//	})
//
//	client.OnSessionRequest(func(req protocol.PendingRequest) {
//	    client.RespondSessionRequest(ctx, req.Topic, req.ID, result)
//	})
//
//	if err := client.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
//	// Accept a pairing URI scanned from a dApp.
//	if _, err := client.Pair(ctx, uri); err != nil {
//	    log.Fatal(err)
//	}
//
// The dApp side uses the same Client: CreatePairing to mint a URI,
// Propose to request a session, Request to call wallet methods once a
// session settles.
package walletcore
