package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
)

// WSTransport carries envelopes over a websocket to a collabd relay
// server. It reconnects with exponential backoff and queues outgoing
// envelopes while disconnected, so edits made offline flow out once
// the link returns.
type WSTransport struct {
	url string

	mu      sync.Mutex
	conn    *websocket.Conn
	pending []Envelope
	handler func(Envelope)
	started bool
	closed  bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewWSTransport dials lazily: the connection is established when
// Receive starts the run loop.
func NewWSTransport(url string) *WSTransport {
	return &WSTransport{url: url}
}

// Send writes env to the server, or queues it if the link is down.
func (t *WSTransport) Send(_ context.Context, env Envelope) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fmt.Errorf("send on closed transport")
	}
	if t.conn == nil {
		t.pending = append(t.pending, env)
		return nil
	}
	return t.writeLocked(env)
}

func (t *WSTransport) writeLocked(env Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := t.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("write envelope: %w", err)
	}
	return nil
}

// Receive installs the handler and starts the connect/read loop. Only
// one handler is supported; the returned cancel tears the loop down.
func (t *WSTransport) Receive(ctx context.Context, fn func(Envelope)) (func(), error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, fmt.Errorf("receive on closed transport")
	}
	t.handler = fn
	if !t.started {
		t.started = true
		t.ctx, t.cancel = context.WithCancel(ctx)
		go t.run()
	}
	cancel := t.cancel
	t.mu.Unlock()
	return func() { cancel() }, nil
}

func (t *WSTransport) run() {
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 0
	for {
		if t.ctx.Err() != nil {
			return
		}
		conn, _, err := websocket.DefaultDialer.DialContext(t.ctx, t.url, nil)
		if err != nil {
			wait := policy.NextBackOff()
			select {
			case <-t.ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		policy.Reset()

		t.mu.Lock()
		t.conn = conn
		queued := t.pending
		t.pending = nil
		for _, env := range queued {
			if err := t.writeLocked(env); err != nil {
				break
			}
		}
		t.mu.Unlock()

		// Cancelling the receive context closes the live connection,
		// otherwise readLoop would stay blocked until the peer hangs up.
		watchDone := make(chan struct{})
		go func() {
			select {
			case <-t.ctx.Done():
				_ = conn.Close()
			case <-watchDone:
			}
		}()

		t.readLoop(conn)
		close(watchDone)

		t.mu.Lock()
		t.conn = nil
		t.mu.Unlock()
		_ = conn.Close()
	}
}

func (t *WSTransport) readLoop(conn *websocket.Conn) {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			continue
		}
		t.mu.Lock()
		fn := t.handler
		t.mu.Unlock()
		if fn != nil {
			fn(env)
		}
	}
}

// Close stops the run loop and drops the connection.
func (t *WSTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	conn := t.conn
	t.conn = nil
	cancel := t.cancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}
