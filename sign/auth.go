package sign

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/opd-ai/walletcore/crypto"
	"github.com/opd-ai/walletcore/expirer"
	"github.com/opd-ai/walletcore/protocol"
	"github.com/opd-ai/walletcore/rpc"
)

const recapPrefix = "urn:recap:"

const recapStatementPrefix = "I further authorize the stated URI to perform the following actions on my behalf: "

// namespaceDisplayNames maps chain namespaces to the wording used in
// sign-in messages.
var namespaceDisplayNames = map[string]string{
	"eip155": "Ethereum",
	"solana": "Solana",
	"bip122": "Bitcoin",
}

// ApproveSessionAuthenticate answers a pending wc_sessionAuthenticate
// with signed CACAOs. The response travels on hashKey(requester public
// key) in a type 1 envelope, and a session topic is derived and
// subscribed for the follow-up settlement. Approving the same id twice
// reuses the first approval's keys.
func (e *Engine) ApproveSessionAuthenticate(ctx context.Context, id int64, cacaos []protocol.Cacao) (string, error) {
	e.mu.Lock()
	params, ok := e.pendingAuth[id]
	cached, reuse := e.approvedAuth[id]
	e.mu.Unlock()
	if !ok && !reuse {
		return "", fmt.Errorf("%w: id %d", ErrAuthNotFound, id)
	}

	requesterPub := params.Requester.PublicKey
	if reuse {
		requesterPub = cached.requesterPublicKey
	}
	responseTopic, err := crypto.HashKey(requesterPub)
	if err != nil {
		return "", err
	}

	var responderPub, sessionTopic string
	if reuse {
		responderPub = cached.responderPublicKey
		sessionTopic = cached.sessionTopic
	} else {
		responderPub, err = e.crypto.GenerateKeyPair()
		if err != nil {
			return "", err
		}
		sessionTopic, err = e.crypto.GenerateSharedKey(responderPub, requesterPub, "")
		if err != nil {
			return "", err
		}
		e.mu.Lock()
		e.approvedAuth[id] = authApproval{
			requesterPublicKey: requesterPub,
			responderPublicKey: responderPub,
			sessionTopic:       sessionTopic,
		}
		e.mu.Unlock()
	}
	if _, err := e.transport.Subscribe(ctx, sessionTopic); err != nil {
		return "", err
	}

	result := protocol.SessionAuthenticateResult{
		Cacaos:    cacaos,
		Responder: protocol.Participant{PublicKey: responderPub, Metadata: e.metadata},
	}
	encOpts := &crypto.EncodeOpts{
		Type:              crypto.EnvelopeType1,
		SenderPublicKey:   responderPub,
		ReceiverPublicKey: requesterPub,
	}
	if err := e.publishResult(ctx, responseTopic, id, protocol.MethodSessionAuthenticate, result, encOpts); err != nil {
		return "", err
	}

	if !e.sessions.Has(sessionTopic) {
		session := sessionFromCacaos(sessionTopic, cacaos, params.Requester, protocol.Participant{
			PublicKey: responderPub,
			Metadata:  e.metadata,
		})
		if err := e.sessions.Set(sessionTopic, session); err != nil {
			return "", err
		}
		e.expirer.Set(expirer.TopicTarget(sessionTopic), session.Expiry)
	}

	e.mu.Lock()
	delete(e.pendingAuth, id)
	e.mu.Unlock()
	e.expirer.Delete(expirer.IDTarget(id))
	return sessionTopic, nil
}

// RejectSessionAuthenticate declines a pending wc_sessionAuthenticate.
func (e *Engine) RejectSessionAuthenticate(ctx context.Context, id int64, reason protocol.Reason) error {
	e.mu.Lock()
	params, ok := e.pendingAuth[id]
	delete(e.pendingAuth, id)
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: id %d", ErrAuthNotFound, id)
	}

	requesterPub := params.Requester.PublicKey
	responseTopic, err := crypto.HashKey(requesterPub)
	if err != nil {
		return err
	}
	responderPub, err := e.crypto.GenerateKeyPair()
	if err != nil {
		return err
	}
	encOpts := &crypto.EncodeOpts{
		Type:              crypto.EnvelopeType1,
		SenderPublicKey:   responderPub,
		ReceiverPublicKey: requesterPub,
	}
	if err := e.publishError(ctx, responseTopic, id, protocol.MethodSessionAuthenticate, reason, true, encOpts); err != nil {
		return err
	}
	e.expirer.Delete(expirer.IDTarget(id))
	return nil
}

// sessionFromCacaos builds the provisional session recorded after an
// authenticate approval. Namespaces are derived from the issuer chains.
func sessionFromCacaos(topic string, cacaos []protocol.Cacao, peer, self protocol.Participant) protocol.Session {
	namespaces := protocol.Namespaces{}
	for _, cacao := range cacaos {
		chain, address, ok := splitIssuer(cacao.P.Iss)
		if !ok {
			continue
		}
		ns := namespaces[chain]
		ns.Chains = appendUnique(ns.Chains, chain)
		ns.Accounts = appendUnique(ns.Accounts, chain+":"+address)
		ns.Methods = appendUnique(ns.Methods, "personal_sign", "eth_sign", "eth_signTypedData")
		ns.Events = appendUnique(ns.Events, "chainChanged", "accountsChanged")
		namespaces[chain] = ns
	}
	return protocol.Session{
		Topic:        topic,
		Relay:        protocol.DefaultRelay(),
		Expiry:       time.Now().Add(protocol.SessionTTL).Unix(),
		Acknowledged: true,
		Controller:   self.PublicKey,
		Namespaces:   namespaces,
		Self:         self,
		Peer:         peer,
	}
}

func appendUnique(list []string, values ...string) []string {
	for _, v := range values {
		found := false
		for _, existing := range list {
			if existing == v {
				found = true
				break
			}
		}
		if !found {
			list = append(list, v)
		}
	}
	return list
}

// splitIssuer decomposes "did:pkh:eip155:1:0xabc" (or the bare
// "eip155:1:0xabc") into chain and address.
func splitIssuer(iss string) (chain, address string, ok bool) {
	trimmed := strings.TrimPrefix(iss, "did:pkh:")
	parts := strings.Split(trimmed, ":")
	if len(parts) < 3 {
		return "", "", false
	}
	return parts[0] + ":" + parts[1], parts[2], true
}

// FormatAuthMessage renders the CAIP-122 sign-in message the wallet
// shows and signs. iss identifies the signing account, either as a
// did:pkh or a bare CAIP-10 identifier.
func FormatAuthMessage(payload protocol.AuthPayloadParams, iss string) (string, error) {
	if iss == "" {
		return "", fmt.Errorf("sign: issuer required")
	}
	trimmed := strings.TrimPrefix(iss, "did:pkh:")
	parts := strings.Split(trimmed, ":")
	if len(parts) < 2 {
		return "", fmt.Errorf("sign: invalid issuer %q", iss)
	}
	namespace := parts[0]
	chainID := parts[1]
	address := ""
	if len(parts) > 2 {
		address = parts[2]
	}
	if payload.Domain == "" {
		return "", fmt.Errorf("sign: domain required")
	}
	uri := payload.Aud
	if uri == "" {
		uri = payload.URI
	}
	if uri == "" {
		return "", fmt.Errorf("sign: aud or uri required")
	}

	namespaceName, ok := namespaceDisplayNames[namespace]
	if !ok {
		namespaceName = namespace
	}

	statement := payload.Statement
	if len(payload.Resources) > 0 {
		last := payload.Resources[len(payload.Resources)-1]
		if strings.Contains(last, recapPrefix) {
			statement = appendRecapStatement(statement, last)
		}
	}
	version := payload.Version
	if version == "" {
		version = "1"
	}

	var parts2 []string
	add := func(s string) { parts2 = append(parts2, s) }
	add(fmt.Sprintf("%s wants you to sign in with your %s account:", payload.Domain, namespaceName))
	add(address)
	add("")
	if statement != "" {
		add(statement)
	}
	add("")
	add("URI: " + uri)
	add("Version: " + version)
	add("Chain ID: " + chainID)
	add("Nonce: " + payload.Nonce)
	add("Issued At: " + payload.Iat)
	if payload.Exp != "" {
		add("Expiration Time: " + payload.Exp)
	}
	if payload.Nbf != "" {
		add("Not Before: " + payload.Nbf)
	}
	if payload.RequestID != "" {
		add("Request ID: " + payload.RequestID)
	}
	if len(payload.Resources) > 0 {
		lines := make([]string, 0, len(payload.Resources))
		for _, r := range payload.Resources {
			lines = append(lines, "- "+r)
		}
		add("Resources:\n" + strings.Join(lines, "\n"))
	}
	return strings.Join(parts2, "\n"), nil
}

// appendRecapStatement derives the authorization sentence from a
// urn:recap resource and appends it to the statement. A statement that
// already carries the sentence, or an undecodable recap, is returned
// unchanged.
func appendRecapStatement(statement, resource string) string {
	if strings.Contains(statement, recapStatementPrefix) {
		return statement
	}
	encoded := strings.Replace(resource, recapPrefix, "", 1)
	data, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(encoded, "="))
	if err != nil {
		return statement
	}
	var recap struct {
		Att map[string]map[string]json.RawMessage `json:"att"`
	}
	if err := json.Unmarshal(data, &recap); err != nil || len(recap.Att) == 0 {
		return statement
	}

	resources := make([]string, 0, len(recap.Att))
	for r := range recap.Att {
		resources = append(resources, r)
	}
	sort.Strings(resources)

	counter := 0
	var parts []string
	for _, res := range resources {
		type abilityAction struct{ ability, action string }
		var actions []abilityAction
		for key := range recap.Att[res] {
			ability, action, ok := strings.Cut(key, "/")
			if !ok {
				continue
			}
			actions = append(actions, abilityAction{ability: ability, action: action})
		}
		sort.Slice(actions, func(i, j int) bool { return actions[i].action < actions[j].action })

		grouped := make(map[string][]string)
		var order []string
		for _, a := range actions {
			if _, seen := grouped[a.ability]; !seen {
				order = append(order, a.ability)
			}
			grouped[a.ability] = append(grouped[a.ability], a.action)
		}

		var chunks []string
		for _, ability := range order {
			counter++
			chunks = append(chunks, fmt.Sprintf("(%d) '%s': '%s' for '%s'.",
				counter, ability, strings.Join(grouped[ability], "', '"), res))
		}
		chunk := strings.ReplaceAll(strings.Join(chunks, ", "), ".,", ".")
		if chunk != "" {
			parts = append(parts, chunk)
		}
	}
	if len(parts) == 0 {
		return statement
	}

	recapStmt := recapStatementPrefix + strings.Join(parts, " ")
	if statement != "" {
		return statement + " " + recapStmt
	}
	return recapStmt
}

// RequestAuthenticate sends a wc_sessionAuthenticate over a pairing.
// The requester role calls this. The response arrives on
// hashKey(requester public key) as a type 1 envelope, which the engine
// subscribes to and decodes automatically; the acknowledgement resolves
// when the responder answers.
func (e *Engine) RequestAuthenticate(ctx context.Context, pairingTopic string, payload protocol.AuthPayloadParams) (int64, *Acknowledgement, error) {
	if _, err := e.pairings.Get(pairingTopic); err != nil {
		return 0, nil, err
	}
	selfPub, err := e.crypto.GenerateKeyPair()
	if err != nil {
		return 0, nil, err
	}
	responseTopic, err := crypto.HashKey(selfPub)
	if err != nil {
		return 0, nil, err
	}
	// The response is sealed to our key, so remember which key decodes
	// the topic and listen on it before the request goes out.
	e.mu.Lock()
	e.authResponseKeys[responseTopic] = selfPub
	e.mu.Unlock()
	if _, err := e.transport.Subscribe(ctx, responseTopic); err != nil {
		return 0, nil, err
	}

	params := protocol.SessionAuthenticateParams{
		Requester:       protocol.Participant{PublicKey: selfPub, Metadata: e.metadata},
		AuthPayload:     payload,
		ExpiryTimestamp: time.Now().Add(protocol.AuthTTL).Unix(),
	}
	req, err := e.newRequest(protocol.MethodSessionAuthenticate, params)
	if err != nil {
		return 0, nil, err
	}
	opts, _ := protocol.RequestOpts(protocol.MethodSessionAuthenticate)
	ack := e.trackAck(req.ID, opts.TTL, func(resp *rpc.Response) {
		e.handleAuthenticateResponse(ctx, selfPub, resp)
	})
	if err := e.sendRequest(ctx, pairingTopic, req, nil); err != nil {
		e.untrackAck(req.ID)
		return 0, nil, err
	}
	return req.ID, ack, nil
}

// handleAuthenticateResponse finalizes the requester side: derive the
// session topic from the responder key and record the session.
func (e *Engine) handleAuthenticateResponse(ctx context.Context, selfPub string, resp *rpc.Response) {
	if resp.Error != nil {
		return
	}
	var result protocol.SessionAuthenticateResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return
	}
	sessionTopic, err := e.crypto.GenerateSharedKey(selfPub, result.Responder.PublicKey, "")
	if err != nil {
		return
	}
	if _, err := e.transport.Subscribe(ctx, sessionTopic); err != nil {
		return
	}
	session := sessionFromCacaos(sessionTopic, result.Cacaos, result.Responder, protocol.Participant{
		PublicKey: selfPub,
		Metadata:  e.metadata,
	})
	session.Controller = result.Responder.PublicKey
	e.sessions.Set(sessionTopic, session)
	e.expirer.Set(expirer.TopicTarget(sessionTopic), session.Expiry)
}
