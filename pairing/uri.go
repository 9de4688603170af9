package pairing

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/opd-ai/walletcore/protocol"
)

// ErrInvalidURI indicates a malformed wc: URI.
var ErrInvalidURI = errors.New("pairing: invalid uri")

// ErrUnsupportedVersion indicates a wc: URI for a protocol version
// other than 2.
var ErrUnsupportedVersion = errors.New("pairing: unsupported protocol version")

// URI is a decoded pairing URI:
//
//	wc:{topic}@{version}?relay-protocol={p}&symKey={k}&expiryTimestamp={t}&methods={m}
type URI struct {
	Topic           string
	Version         int
	SymKey          string
	Relay           protocol.Relay
	ExpiryTimestamp int64
	Methods         []string
}

// ParseURI decodes a wc: pairing URI. Only protocol version 2 is
// accepted.
func ParseURI(raw string) (URI, error) {
	rest, ok := strings.CutPrefix(raw, "wc:")
	if !ok {
		return URI{}, fmt.Errorf("%w: missing wc: scheme", ErrInvalidURI)
	}
	// Some platforms share URIs as "wc://topic@2?...".
	rest = strings.TrimPrefix(rest, "//")

	head, query, _ := strings.Cut(rest, "?")
	topic, versionStr, ok := strings.Cut(head, "@")
	if !ok || topic == "" {
		return URI{}, fmt.Errorf("%w: missing topic or version", ErrInvalidURI)
	}
	version, err := strconv.Atoi(versionStr)
	if err != nil {
		return URI{}, fmt.Errorf("%w: bad version %q", ErrInvalidURI, versionStr)
	}
	if version != 2 {
		return URI{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}

	values, err := url.ParseQuery(query)
	if err != nil {
		return URI{}, fmt.Errorf("%w: bad query: %v", ErrInvalidURI, err)
	}
	symKey := values.Get("symKey")
	if len(symKey) != 64 {
		return URI{}, fmt.Errorf("%w: symKey must be 32 hex-encoded bytes", ErrInvalidURI)
	}

	u := URI{
		Topic:   topic,
		Version: version,
		SymKey:  symKey,
		Relay:   protocol.Relay{Protocol: values.Get("relay-protocol"), Data: values.Get("relay-data")},
	}
	if u.Relay.Protocol == "" {
		u.Relay = protocol.DefaultRelay()
	}
	if ts := values.Get("expiryTimestamp"); ts != "" {
		u.ExpiryTimestamp, err = strconv.ParseInt(ts, 10, 64)
		if err != nil {
			return URI{}, fmt.Errorf("%w: bad expiryTimestamp %q", ErrInvalidURI, ts)
		}
	}
	if methods := values.Get("methods"); methods != "" {
		u.Methods = strings.Split(methods, ",")
	}
	return u, nil
}

// String encodes the URI back to its wire form.
func (u URI) String() string {
	values := url.Values{}
	values.Set("relay-protocol", u.Relay.Protocol)
	if u.Relay.Data != "" {
		values.Set("relay-data", u.Relay.Data)
	}
	values.Set("symKey", u.SymKey)
	if u.ExpiryTimestamp > 0 {
		values.Set("expiryTimestamp", strconv.FormatInt(u.ExpiryTimestamp, 10))
	}
	if len(u.Methods) > 0 {
		values.Set("methods", strings.Join(u.Methods, ","))
	}
	return fmt.Sprintf("wc:%s@%d?%s", u.Topic, u.Version, values.Encode())
}
