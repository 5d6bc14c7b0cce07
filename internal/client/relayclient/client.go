// Package relayclient maintains the client's background connection to
// the relay. Inbound frames are surfaced on an events channel observed
// by the UI loop; outbound sends are handed off through a queue. The
// outer reconnect loop only stops when the context is cancelled.
package relayclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/datafund/datacore-messaging/internal/relay/wire"
)

// authError is returned when the relay refuses the shared secret.
type authError struct{ message string }

func (e *authError) Error() string { return "relay auth rejected: " + e.message }

// Options configures a Client.
type Options struct {
	URL       string // relay websocket URL (.../ws)
	Secret    string
	Username  string
	Status    wire.Status
	Whitelist []string // peers allowed to reach this user's agent
}

// Client is the background network task. Create with New, then call
// Run from a goroutine and consume Events on the UI loop.
type Client struct {
	opts   Options
	sendCh chan wire.Send
	events chan any
}

// New creates a Client. Nothing connects until Run.
func New(opts Options) *Client {
	return &Client{
		opts:   opts,
		sendCh: make(chan wire.Send, 64),
		events: make(chan any, 256),
	}
}

// Events returns the inbound frame channel. Frames are typed wire
// structs (*wire.Message, *wire.SendAck, *wire.PresenceChange, ...).
func (c *Client) Events() <-chan any {
	return c.events
}

// Send enqueues a frame for the network task. Returns false when the
// queue is full (the relay is unreachable and the queue backed up);
// the local inbox append remains the durability boundary either way.
func (c *Client) Send(f wire.Send) bool {
	select {
	case c.sendCh <- f:
		return true
	default:
		return false
	}
}

// Run connects and reconnects until ctx is cancelled. Connection errors
// back off and retry; they are never fatal.
func (c *Client) Run(ctx context.Context) error {
	b := newDefaultBackoff()
	for {
		start := time.Now()
		err := c.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if time.Since(start) > resetThreshold {
			b.Reset()
		}
		delay := b.NextBackOff()
		slog.Warn("relay connection lost, reconnecting", "error", err, "delay", delay)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// runOnce dials, authenticates and pumps frames until the connection
// dies or ctx is cancelled.
func (c *Client) runOnce(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	conn, _, err := websocket.Dial(dialCtx, c.opts.URL, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.opts.URL, err)
	}
	defer func() { _ = conn.CloseNow() }()

	authOK, err := authenticate(ctx, conn, c.opts)
	if err != nil {
		return err
	}
	slog.Info("relay connected", "user", authOK.Username, "online", len(authOK.Online))
	c.emit(authOK)

	connCtx, connCancel := context.WithCancel(ctx)
	defer connCancel()

	readErr := make(chan error, 1)
	go func() {
		readErr <- c.readLoop(connCtx, conn)
	}()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-connCtx.Done():
			return connCtx.Err()
		case err := <-readErr:
			return err
		case f := <-c.sendCh:
			if err := wsjson.Write(connCtx, conn, f); err != nil {
				return fmt.Errorf("write send: %w", err)
			}
		case <-ticker.C:
			if err := wsjson.Write(connCtx, conn, wire.Ping{Type: wire.TypePing}); err != nil {
				return fmt.Errorf("write ping: %w", err)
			}
		}
	}
}

// readLoop decodes inbound frames onto the events channel.
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		frame, err := decodeServerFrame(data)
		if err != nil {
			slog.Debug("unparseable relay frame", "error", err)
			continue
		}
		if _, isPong := frame.(*wire.Pong); isPong {
			continue
		}
		c.emit(frame)
	}
}

// emit delivers a frame to the events channel, dropping it when the UI
// has fallen far behind.
func (c *Client) emit(frame any) {
	select {
	case c.events <- frame:
	default:
		slog.Warn("event queue full, dropping frame")
	}
}

// authenticate performs the auth exchange on a fresh connection.
func authenticate(ctx context.Context, conn *websocket.Conn, opts Options) (*wire.AuthOK, error) {
	authCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	auth := wire.Auth{
		Type:            wire.TypeAuth,
		Secret:          opts.Secret,
		Username:        opts.Username,
		Status:          opts.Status,
		ClaudeWhitelist: opts.Whitelist,
	}
	if err := wsjson.Write(authCtx, conn, auth); err != nil {
		return nil, fmt.Errorf("write auth: %w", err)
	}

	for {
		_, data, err := conn.Read(authCtx)
		if err != nil {
			return nil, fmt.Errorf("read auth reply: %w", err)
		}
		frame, err := decodeServerFrame(data)
		if err != nil {
			continue
		}
		switch f := frame.(type) {
		case *wire.AuthOK:
			return f, nil
		case *wire.AuthError:
			return nil, &authError{message: f.Message}
		}
	}
}

// SendOnce opens a short-lived connection, authenticates, sends one
// frame and waits for its ack. Used by the reply path, which has no
// long-lived session. Returns whether the relay delivered the message
// to a live recipient.
func SendOnce(ctx context.Context, opts Options, f wire.Send) (bool, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	conn, _, err := websocket.Dial(dialCtx, opts.URL, nil)
	cancel()
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", opts.URL, err)
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	if _, err := authenticate(ctx, conn, opts); err != nil {
		return false, err
	}

	if err := wsjson.Write(ctx, conn, f); err != nil {
		return false, fmt.Errorf("write send: %w", err)
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return false, fmt.Errorf("read ack: %w", err)
		}
		frame, err := decodeServerFrame(data)
		if err != nil {
			continue
		}
		if ack, ok := frame.(*wire.SendAck); ok {
			return ack.Delivered, nil
		}
	}
}

// decodeServerFrame parses a server → client frame.
func decodeServerFrame(data []byte) (any, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, err
	}
	switch probe.Type {
	case wire.TypeAuthOK:
		var f wire.AuthOK
		return &f, json.Unmarshal(data, &f)
	case wire.TypeAuthError:
		var f wire.AuthError
		return &f, json.Unmarshal(data, &f)
	case wire.TypeMessage:
		var f wire.Message
		return &f, json.Unmarshal(data, &f)
	case wire.TypeSendAck:
		var f wire.SendAck
		return &f, json.Unmarshal(data, &f)
	case wire.TypePresenceChange:
		var f wire.PresenceChange
		return &f, json.Unmarshal(data, &f)
	case wire.TypePresence:
		var f wire.PresenceList
		return &f, json.Unmarshal(data, &f)
	case wire.TypeStatusOK:
		var f wire.StatusOK
		return &f, json.Unmarshal(data, &f)
	case wire.TypePong:
		var f wire.Pong
		return &f, json.Unmarshal(data, &f)
	case wire.TypeError:
		var f wire.Error
		return &f, json.Unmarshal(data, &f)
	default:
		return nil, &wire.UnknownTypeError{FrameType: probe.Type}
	}
}
