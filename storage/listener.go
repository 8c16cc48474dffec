package storage

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/pairsync/store"
	"github.com/opd-ai/pairsync/transport"
)

// listener reconnect backoff bounds.
var (
	listenRetryMin = 1 * time.Second
	listenRetryMax = 30 * time.Second
)

// feedPayload is the JSON body the pairsync_notify trigger publishes.
// Message is omitted when the row was too large for the NOTIFY limit; the
// consumer treats that as a resynchronization trigger.
type feedPayload struct {
	Action  string          `json:"action"`
	ID      string          `json:"id"`
	Message json.RawMessage `json:"message,omitempty"`
}

// Listener implements transport.ChangeFeed over Postgres LISTEN/NOTIFY.
// It holds a dedicated connection, redials with backoff on failure, and
// reports connection transitions through the status handlers.
type Listener struct {
	databaseURL string

	mu       sync.RWMutex
	handlers []transport.FeedHandler
	statusCB []transport.StatusHandler
	started  bool

	cancel context.CancelFunc
	done   chan struct{}
}

// NewListener creates a change feed for the given database URL. The feed
// is inert until Subscribe is called.
func NewListener(databaseURL string) *Listener {
	return &Listener{databaseURL: databaseURL}
}

// Subscribe implements transport.ChangeFeed: registers the handler and
// starts the listen loop when no loop is running. Subscribing again after
// Close restarts the loop. The context bounds the initial registration
// only; the loop itself runs until Close.
func (l *Listener) Subscribe(ctx context.Context, handler transport.FeedHandler) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	l.handlers = append(l.handlers, handler)
	if !l.started {
		l.started = true
		runCtx, cancel := context.WithCancel(context.Background())
		l.cancel = cancel
		l.done = make(chan struct{})
		go l.run(runCtx, l.done)
	}
	l.mu.Unlock()
	return nil
}

// OnStatus registers a handler for feed connection transitions.
func (l *Listener) OnStatus(handler transport.StatusHandler) {
	l.mu.Lock()
	l.statusCB = append(l.statusCB, handler)
	l.mu.Unlock()
}

// Close implements transport.ChangeFeed: stops the listen loop and waits
// for it to exit.
func (l *Listener) Close() error {
	l.mu.Lock()
	started := l.started
	cancel := l.cancel
	done := l.done
	l.started = false
	l.cancel = nil
	l.mu.Unlock()
	if !started || cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

func (l *Listener) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	retry := listenRetryMin
	for {
		err := l.listenOnce(ctx)
		l.notifyStatus(false)
		if ctx.Err() != nil {
			return
		}
		logrus.WithFields(logrus.Fields{
			"function": "run",
			"error":    err,
			"retry_in": retry,
		}).Warn("Change feed disconnected")

		select {
		case <-ctx.Done():
			return
		case <-time.After(retry):
		}
		retry *= 2
		if retry > listenRetryMax {
			retry = listenRetryMax
		}
	}
}

// listenOnce holds one dedicated connection for the lifetime of the
// subscription and dispatches every notification it receives.
func (l *Listener) listenOnce(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, l.databaseURL)
	if err != nil {
		return err
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+feedChannel); err != nil {
		return err
	}
	l.notifyStatus(true)

	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		l.dispatch(notification.Payload)
	}
}

func (l *Listener) dispatch(payload string) {
	event, err := decodeFeedPayload([]byte(payload))
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "dispatch",
			"error":    err,
		}).Warn("Dropping malformed feed notification")
		return
	}

	l.mu.RLock()
	handlers := make([]transport.FeedHandler, len(l.handlers))
	copy(handlers, l.handlers)
	l.mu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}
}

// decodeFeedPayload parses a trigger notification into a FeedEvent. The
// Message field stays nil when the trigger dropped the row body, which
// tells the consumer to resynchronize from the durable store.
func decodeFeedPayload(payload []byte) (transport.FeedEvent, error) {
	var p feedPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return transport.FeedEvent{}, err
	}

	event := transport.FeedEvent{
		Action: transport.FeedAction(p.Action),
		ID:     p.ID,
	}
	if len(p.Message) > 0 && string(p.Message) != "null" {
		var msg store.Message
		if err := json.Unmarshal(p.Message, &msg); err != nil {
			return transport.FeedEvent{}, err
		}
		event.Message = &msg
	}
	return event, nil
}

func (l *Listener) notifyStatus(connected bool) {
	l.mu.RLock()
	handlers := make([]transport.StatusHandler, len(l.statusCB))
	copy(handlers, l.statusCB)
	l.mu.RUnlock()

	for _, handler := range handlers {
		handler(connected)
	}
}
