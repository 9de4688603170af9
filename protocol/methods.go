package protocol

import "time"

// Sign protocol JSON-RPC methods.
const (
	MethodSessionPropose      = "wc_sessionPropose"
	MethodSessionSettle       = "wc_sessionSettle"
	MethodSessionUpdate       = "wc_sessionUpdate"
	MethodSessionExtend       = "wc_sessionExtend"
	MethodSessionRequest      = "wc_sessionRequest"
	MethodSessionEvent        = "wc_sessionEvent"
	MethodSessionDelete       = "wc_sessionDelete"
	MethodSessionPing         = "wc_sessionPing"
	MethodSessionAuthenticate = "wc_sessionAuthenticate"
)

// RPCOpts are the relay publish options for one direction of a method:
// message TTL at the relay, the relay tag, and whether delivery should
// prompt a push notification.
type RPCOpts struct {
	TTL    time.Duration
	Tag    int64
	Prompt bool
}

var requestOpts = map[string]RPCOpts{
	MethodSessionPropose:      {TTL: 5 * time.Minute, Tag: 1100, Prompt: true},
	MethodSessionSettle:       {TTL: 5 * time.Minute, Tag: 1102},
	MethodSessionUpdate:       {TTL: 24 * time.Hour, Tag: 1104},
	MethodSessionExtend:       {TTL: 24 * time.Hour, Tag: 1106},
	MethodSessionRequest:      {TTL: 5 * time.Minute, Tag: 1108, Prompt: true},
	MethodSessionEvent:        {TTL: 5 * time.Minute, Tag: 1110, Prompt: true},
	MethodSessionDelete:       {TTL: 24 * time.Hour, Tag: 1112},
	MethodSessionPing:         {TTL: 30 * time.Second, Tag: 1114},
	MethodSessionAuthenticate: {TTL: time.Hour, Tag: 1116, Prompt: true},
}

var responseOpts = map[string]RPCOpts{
	MethodSessionPropose:      {TTL: 5 * time.Minute, Tag: 1101},
	MethodSessionSettle:       {TTL: 5 * time.Minute, Tag: 1103},
	MethodSessionUpdate:       {TTL: 24 * time.Hour, Tag: 1105},
	MethodSessionExtend:       {TTL: 24 * time.Hour, Tag: 1107},
	MethodSessionRequest:      {TTL: 5 * time.Minute, Tag: 1109},
	MethodSessionEvent:        {TTL: 5 * time.Minute, Tag: 1111},
	MethodSessionDelete:       {TTL: 24 * time.Hour, Tag: 1113},
	MethodSessionPing:         {TTL: 30 * time.Second, Tag: 1115},
	MethodSessionAuthenticate: {TTL: time.Hour, Tag: 1117},
}

var rejectOpts = map[string]RPCOpts{
	MethodSessionPropose:      {TTL: 5 * time.Minute, Tag: 1120},
	MethodSessionAuthenticate: {TTL: 5 * time.Minute, Tag: 1118},
}

// RequestOpts returns the publish options for sending a method request.
func RequestOpts(method string) (RPCOpts, bool) {
	o, ok := requestOpts[method]
	return o, ok
}

// ResponseOpts returns the publish options for answering a method.
func ResponseOpts(method string) (RPCOpts, bool) {
	o, ok := responseOpts[method]
	return o, ok
}

// RejectOpts returns the publish options for an error response, for the
// methods that use a distinct rejection tag.
func RejectOpts(method string) (RPCOpts, bool) {
	o, ok := rejectOpts[method]
	if !ok {
		return ResponseOpts(method)
	}
	return o, true
}

// IsKnownMethod reports whether the relayer should route method to the
// sign engine.
func IsKnownMethod(method string) bool {
	_, ok := requestOpts[method]
	return ok
}

// Protocol TTLs for stored records.
const (
	ProposalTTL = 5 * time.Minute
	SessionTTL  = 7 * 24 * time.Hour
	PairingTTL  = 5 * time.Minute
	AuthTTL     = time.Hour
)
