package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/pairsync/presence"
)

var (
	// tuning parameters for the relay connection
	wsWriteWait      = 10 * time.Second // time allowed to write a frame to the relay
	wsPongWait       = 20 * time.Second // time allowed to read the next pong
	wsPingInterval   = (wsPongWait * 9) / 10
	wsReconnectMin   = time.Second
	wsReconnectMax   = 30 * time.Second
	wsMaxMessageSize = int64(64 * 1024)
)

// wsFrame is the relay wire format: a type tag plus the fields that type
// uses.
type wsFrame struct {
	Type    string            `json:"type"` // join, event, track, untrack, presence
	Room    string            `json:"room,omitempty"`
	Event   *Event            `json:"event,omitempty"`
	Member  *presence.Member  `json:"member,omitempty"`
	Members []presence.Member `json:"members,omitempty"`
}

// WSTransport implements the Broadcast and Presence channels against a
// websocket relay. The relay fans events out to every other member of the
// room and pushes full presence snapshots whenever membership changes.
//
// The transport owns reconnection: on a dropped connection it redials with
// backoff, rejoins the room, re-tracks presence, and reports the
// transitions through the status handler.
type WSTransport struct {
	url string

	conn          *websocket.Conn
	room          string
	handler       EventHandler
	statusHandler StatusHandler
	syncHandler   SnapshotHandler
	self          presence.Member
	tracked       bool
	closed        bool

	egress chan wsFrame
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu sync.Mutex
}

// NewWSTransport creates a transport for the relay at the given ws:// or
// wss:// URL. No connection is made until Subscribe.
func NewWSTransport(url string) *WSTransport {
	return &WSTransport{url: url}
}

// OnStatus implements Broadcast.
func (t *WSTransport) OnStatus(handler StatusHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.statusHandler = handler
}

// OnSync implements Presence.
func (t *WSTransport) OnSync(handler SnapshotHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.syncHandler = handler
}

// Subscribe implements Broadcast: dials the relay, joins the room, and
// starts the read/write pumps.
func (t *WSTransport) Subscribe(ctx context.Context, room string, handler EventHandler) error {
	t.mu.Lock()
	if t.conn != nil {
		t.mu.Unlock()
		return fmt.Errorf("already subscribed to %q", t.room)
	}
	t.room = room
	t.handler = handler
	t.mu.Unlock()

	if err := t.dial(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()

	t.wg.Add(1)
	go t.run(runCtx)
	return nil
}

// dial connects, joins the room, and notifies the status handler.
func (t *WSTransport) dial(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, t.url, nil)
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}
	conn.SetReadLimit(wsMaxMessageSize)

	t.mu.Lock()
	t.conn = conn
	t.egress = make(chan wsFrame, 64)
	room := t.room
	tracked := t.tracked
	self := t.self
	status := t.statusHandler
	t.mu.Unlock()

	join := wsFrame{Type: "join", Room: room}
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteJSON(join); err != nil {
		_ = conn.Close()
		t.mu.Lock()
		t.conn = nil
		t.mu.Unlock()
		return fmt.Errorf("join room: %w", err)
	}
	if tracked {
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(wsFrame{Type: "track", Room: room, Member: &self}); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "dial",
				"error":    err,
			}).Warn("Failed to re-track presence after reconnect")
		}
	}

	logrus.WithFields(logrus.Fields{
		"function": "dial",
		"url":      t.url,
		"room":     room,
	}).Info("Relay connection established")

	if status != nil {
		status(true)
	}
	return nil
}

// run drives the read/write pumps and redials on failure until cancelled.
func (t *WSTransport) run(ctx context.Context) {
	defer t.wg.Done()

	backoff := wsReconnectMin
	for {
		t.mu.Lock()
		conn := t.conn
		egress := t.egress
		t.mu.Unlock()
		if conn == nil {
			return
		}

		t.pump(ctx, conn, egress)

		t.mu.Lock()
		status := t.statusHandler
		closed := t.closed
		t.conn = nil
		t.mu.Unlock()

		if status != nil {
			status(false)
		}
		if closed || ctx.Err() != nil {
			return
		}

		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if err := t.dial(ctx); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "run",
					"error":    err,
					"backoff":  backoff,
				}).Warn("Relay redial failed")
				backoff *= 2
				if backoff > wsReconnectMax {
					backoff = wsReconnectMax
				}
				continue
			}
			backoff = wsReconnectMin
			break
		}
	}
}

// pump runs one connection's read and write loops until either fails.
func (t *WSTransport) pump(ctx context.Context, conn *websocket.Conn, egress chan wsFrame) {
	done := make(chan struct{})

	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	go func() {
		defer close(done)
		for {
			var frame wsFrame
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			conn.SetReadDeadline(time.Now().Add(wsPongWait))
			t.dispatch(frame)
		}
	}()

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close()
			<-done
			return
		case <-done:
			_ = conn.Close()
			return
		case frame := <-egress:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(frame); err != nil {
				_ = conn.Close()
				<-done
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = conn.Close()
				<-done
				return
			}
		}
	}
}

func (t *WSTransport) dispatch(frame wsFrame) {
	switch frame.Type {
	case "event":
		if frame.Event == nil {
			return
		}
		t.mu.Lock()
		handler := t.handler
		t.mu.Unlock()
		if handler != nil {
			handler(*frame.Event)
		}
	case "presence":
		t.mu.Lock()
		handler := t.syncHandler
		t.mu.Unlock()
		if handler != nil {
			handler(frame.Members)
		}
	default:
		logrus.WithFields(logrus.Fields{
			"function": "dispatch",
			"type":     frame.Type,
		}).Debug("Ignoring unknown relay frame")
	}
}

// Send implements Broadcast. The frame is queued on the egress channel; a
// full queue or a torn-down connection fails the send, which the delivery
// fast path treats as "no acknowledgment".
func (t *WSTransport) Send(ctx context.Context, room string, ev Event) error {
	t.mu.Lock()
	conn := t.conn
	egress := t.egress
	t.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("relay not connected")
	}

	frame := wsFrame{Type: "event", Room: room, Event: &ev}
	select {
	case egress <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("relay egress full")
	}
}

// Track implements Presence.
func (t *WSTransport) Track(ctx context.Context, room string, self presence.Member) error {
	if self.OnlineAt == "" {
		self.OnlineAt = time.Now().UTC().Format(time.RFC3339Nano)
	}

	t.mu.Lock()
	t.self = self
	t.tracked = true
	conn := t.conn
	egress := t.egress
	t.mu.Unlock()
	if conn == nil {
		// Not connected yet; dial will replay the track frame.
		return nil
	}

	select {
	case egress <- wsFrame{Type: "track", Room: room, Member: &self}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("relay egress full")
	}
}

// Untrack implements Presence.
func (t *WSTransport) Untrack(ctx context.Context) error {
	t.mu.Lock()
	t.tracked = false
	room := t.room
	conn := t.conn
	egress := t.egress
	t.mu.Unlock()
	if conn == nil {
		return nil
	}

	select {
	case egress <- wsFrame{Type: "untrack", Room: room}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("relay egress full")
	}
}

// Unsubscribe implements Broadcast: closes the connection and stops the
// reconnect loop.
func (t *WSTransport) Unsubscribe() error {
	t.mu.Lock()
	t.closed = true
	cancel := t.cancel
	conn := t.conn
	t.cancel = nil
	t.handler = nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	t.wg.Wait()
	return nil
}
