package relay

import (
	"context"
	"fmt"
	"net/url"

	"golang.org/x/net/websocket"
)

// Socket is a message-oriented duplex connection to the relay. Writes
// may be called concurrently with one reader.
type Socket interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens sockets to the relay. Implementations other than the
// websocket dialer exist for tests.
type Dialer interface {
	Dial(ctx context.Context, rawURL string) (Socket, error)
}

// WebsocketDialer dials the relay over a websocket, authenticating with
// a signed JWT carried in the query string.
type WebsocketDialer struct {
	ProjectID string
	UserAgent string

	// SignAuth produces the relay auth JWT for the given audience URL.
	SignAuth func(audience string) (string, error)
}

// Dial opens the websocket connection.
func (d *WebsocketDialer) Dial(ctx context.Context, rawURL string) (Socket, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid relay url: %w", err)
	}
	q := u.Query()
	if d.ProjectID != "" {
		q.Set("projectId", d.ProjectID)
	}
	if d.UserAgent != "" {
		q.Set("ua", d.UserAgent)
	}
	if d.SignAuth != nil {
		token, err := d.SignAuth(audienceFor(u))
		if err != nil {
			return nil, fmt.Errorf("failed to sign relay auth: %w", err)
		}
		q.Set("auth", token)
	}
	u.RawQuery = q.Encode()

	origin := "https://" + u.Host
	config, err := websocket.NewConfig(u.String(), origin)
	if err != nil {
		return nil, fmt.Errorf("invalid websocket config: %w", err)
	}
	type dialResult struct {
		conn *websocket.Conn
		err  error
	}
	results := make(chan dialResult, 1)
	go func() {
		conn, err := websocket.DialConfig(config)
		results <- dialResult{conn: conn, err: err}
	}()
	select {
	case <-ctx.Done():
		go func() {
			if r := <-results; r.conn != nil {
				r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	case r := <-results:
		if r.err != nil {
			return nil, fmt.Errorf("failed to dial relay: %w", r.err)
		}
		return &wsSocket{conn: r.conn}, nil
	}
}

// audienceFor strips query and path detail down to the origin the relay
// expects as the JWT audience.
func audienceFor(u *url.URL) string {
	scheme := u.Scheme
	switch scheme {
	case "http":
		scheme = "ws"
	case "https", "":
		scheme = "wss"
	}
	return scheme + "://" + u.Host
}

type wsSocket struct {
	conn *websocket.Conn
}

func (s *wsSocket) ReadMessage() ([]byte, error) {
	var data []byte
	if err := websocket.Message.Receive(s.conn, &data); err != nil {
		return nil, err
	}
	return data, nil
}

func (s *wsSocket) WriteMessage(data []byte) error {
	return websocket.Message.Send(s.conn, data)
}

func (s *wsSocket) Close() error {
	return s.conn.Close()
}
