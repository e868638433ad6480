// Package integration drives a running server through real sockets.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"soulchat/pkg/types"
)

// ReceivedEvent is an event as decoded by a test client.
type ReceivedEvent struct {
	Type    types.EventType `json:"type"`
	Scope   string          `json:"scope"`
	Payload json.RawMessage `json:"payload"`
}

// Decode unmarshals the payload into v.
func (e ReceivedEvent) Decode(v interface{}) error {
	return json.Unmarshal(e.Payload, v)
}

// TestClient is a WebSocket participant that collects every event it
// receives.
type TestClient struct {
	SessionID   string
	GroupID     types.GroupID
	DisplayCode string

	conn   *websocket.Conn
	events chan ReceivedEvent
	done   chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// Connect dials serverURL (http or ws form) and waits for the joined event.
func Connect(ctx context.Context, serverURL string) (*TestClient, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/ws"

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	tc := &TestClient{
		conn:   conn,
		events: make(chan ReceivedEvent, 256),
		done:   make(chan struct{}),
	}
	go tc.readLoop()

	joined, err := tc.WaitFor(types.EventJoined, 5*time.Second)
	if err != nil {
		tc.Close()
		return nil, err
	}
	var payload types.JoinedPayload
	if err := joined.Decode(&payload); err != nil {
		tc.Close()
		return nil, err
	}
	tc.SessionID = payload.SessionID
	tc.GroupID = payload.GroupID
	tc.DisplayCode = payload.DisplayCode
	return tc, nil
}

func (tc *TestClient) readLoop() {
	defer close(tc.done)
	for {
		_, data, err := tc.conn.ReadMessage()
		if err != nil {
			return
		}
		var event ReceivedEvent
		if err := json.Unmarshal(data, &event); err != nil {
			continue
		}
		select {
		case tc.events <- event:
		default:
			// Collector full; the test is not reading this client.
		}
	}
}

// Send writes a chat message frame.
func (tc *TestClient) Send(text string) error {
	return tc.writeFrame(map[string]string{"type": "message", "text": text})
}

// Typing writes a typing or stopTyping frame.
func (tc *TestClient) Typing(active bool) error {
	frame := "stopTyping"
	if active {
		frame = "typing"
	}
	return tc.writeFrame(map[string]string{"type": frame})
}

func (tc *TestClient) writeFrame(frame interface{}) error {
	tc.writeMu.Lock()
	defer tc.writeMu.Unlock()
	return tc.conn.WriteJSON(frame)
}

// WaitFor returns the next event of type want, discarding others.
func (tc *TestClient) WaitFor(want types.EventType, timeout time.Duration) (ReceivedEvent, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		select {
		case event := <-tc.events:
			if event.Type == want {
				return event, nil
			}
		case <-tc.done:
			return ReceivedEvent{}, fmt.Errorf("connection closed while waiting for %s", want)
		case <-deadline.C:
			return ReceivedEvent{}, fmt.Errorf("timed out waiting for %s", want)
		}
	}
}

// Drain discards buffered events.
func (tc *TestClient) Drain() {
	for {
		select {
		case <-tc.events:
		default:
			return
		}
	}
}

// Close closes the socket and waits for the reader to stop.
func (tc *TestClient) Close() {
	tc.closeOnce.Do(func() {
		_ = tc.conn.Close()
		<-tc.done
	})
}
