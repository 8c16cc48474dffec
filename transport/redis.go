package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/pairsync/presence"
	"github.com/opd-ai/pairsync/store"
)

const (
	// presenceTTL is how long a heartbeat key outlives its last refresh.
	// A member missing a few heartbeats drops out of the snapshot.
	presenceTTL = 25 * time.Second
	// heartbeatInterval refreshes the presence key well inside the TTL.
	heartbeatInterval = 10 * time.Second
	// snapshotInterval is the presence snapshot cadence. Deliberately
	// coarser than message cadence; the tracker compensates by treating
	// message activity as presence.
	snapshotInterval = 5 * time.Second
)

// RedisTransport implements the Broadcast and Presence channels on Redis:
// pub/sub for the broadcast stream and TTL-heartbeat keys scanned into full
// membership snapshots for presence.
type RedisTransport struct {
	client *redis.Client

	room          string
	pubsub        *redis.PubSub
	handler       EventHandler
	statusHandler StatusHandler
	syncHandler   SnapshotHandler

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	hbWg      sync.WaitGroup
	self      presence.Member
	tracked   bool
	heartbeat context.CancelFunc

	mu sync.Mutex
}

// NewRedisTransport connects to Redis at the given URL
// (redis://host:port/db).
func NewRedisTransport(ctx context.Context, redisURL string) (*RedisTransport, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "NewRedisTransport",
		"addr":     opts.Addr,
	}).Info("Connected to redis")

	return &RedisTransport{client: client}, nil
}

func eventsChannel(room string) string {
	return "pairsync:" + room + ":events"
}

func presenceKey(room, identity string) string {
	return "pairsync:" + room + ":presence:" + store.NormalizeIdentity(identity)
}

func presencePattern(room string) string {
	return "pairsync:" + room + ":presence:*"
}

// OnStatus implements Broadcast.
func (t *RedisTransport) OnStatus(handler StatusHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.statusHandler = handler
}

// Subscribe implements Broadcast.
func (t *RedisTransport) Subscribe(ctx context.Context, room string, handler EventHandler) error {
	t.mu.Lock()
	if t.pubsub != nil {
		t.mu.Unlock()
		return fmt.Errorf("already subscribed to %q", t.room)
	}
	t.room = room
	t.handler = handler
	pubsub := t.client.Subscribe(ctx, eventsChannel(room))
	t.pubsub = pubsub

	runCtx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	status := t.statusHandler
	t.mu.Unlock()

	// Force the subscription onto the wire before reporting success.
	if _, err := pubsub.Receive(ctx); err != nil {
		t.mu.Lock()
		t.pubsub = nil
		t.cancel = nil
		t.mu.Unlock()
		cancel()
		_ = pubsub.Close()
		return fmt.Errorf("subscribe %s: %w", eventsChannel(room), err)
	}

	t.wg.Add(2)
	go t.readLoop(runCtx, pubsub)
	go t.snapshotLoop(runCtx, room)

	logrus.WithFields(logrus.Fields{
		"function": "Subscribe",
		"room":     room,
	}).Info("Broadcast stream open")

	if status != nil {
		status(true)
	}
	return nil
}

func (t *RedisTransport) readLoop(ctx context.Context, pubsub *redis.PubSub) {
	defer t.wg.Done()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				t.mu.Lock()
				status := t.statusHandler
				t.mu.Unlock()
				if status != nil {
					status(false)
				}
				return
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "readLoop",
					"error":    err,
				}).Warn("Dropping undecodable broadcast event")
				continue
			}
			t.mu.Lock()
			handler := t.handler
			t.mu.Unlock()
			if handler != nil {
				handler(ev)
			}
		}
	}
}

// Send implements Broadcast. A nil return means Redis accepted the publish;
// delivery to the peer remains at-most-once.
func (t *RedisTransport) Send(ctx context.Context, room string, ev Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := t.client.Publish(ctx, eventsChannel(room), raw).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Unsubscribe implements Broadcast.
func (t *RedisTransport) Unsubscribe() error {
	t.mu.Lock()
	pubsub := t.pubsub
	cancel := t.cancel
	t.pubsub = nil
	t.cancel = nil
	t.handler = nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if pubsub != nil {
		if err := pubsub.Close(); err != nil {
			return fmt.Errorf("close pubsub: %w", err)
		}
	}
	t.wg.Wait()
	return nil
}

// OnSync implements Presence.
func (t *RedisTransport) OnSync(handler SnapshotHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.syncHandler = handler
}

// Track implements Presence: writes the heartbeat key and keeps it
// refreshed until Untrack.
func (t *RedisTransport) Track(ctx context.Context, room string, self presence.Member) error {
	if self.OnlineAt == "" {
		self.OnlineAt = time.Now().UTC().Format(time.RFC3339Nano)
	}
	raw, err := json.Marshal(self)
	if err != nil {
		return fmt.Errorf("encode presence member: %w", err)
	}
	key := presenceKey(room, self.Identity)
	if err := t.client.Set(ctx, key, raw, presenceTTL).Err(); err != nil {
		return fmt.Errorf("track presence: %w", err)
	}

	t.mu.Lock()
	t.self = self
	if t.tracked {
		t.mu.Unlock()
		return nil
	}
	t.tracked = true
	hbCtx, cancel := context.WithCancel(context.Background())
	t.heartbeat = cancel
	t.mu.Unlock()

	t.hbWg.Add(1)
	go t.heartbeatLoop(hbCtx, key)
	return nil
}

func (t *RedisTransport) heartbeatLoop(ctx context.Context, key string) {
	defer t.hbWg.Done()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.mu.Lock()
			self := t.self
			t.mu.Unlock()
			raw, err := json.Marshal(self)
			if err != nil {
				continue
			}
			if err := t.client.Set(ctx, key, raw, presenceTTL).Err(); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "heartbeatLoop",
					"error":    err,
				}).Warn("Presence heartbeat failed")
			}
		}
	}
}

func (t *RedisTransport) snapshotLoop(ctx context.Context, room string) {
	defer t.wg.Done()

	ticker := time.NewTicker(snapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			members, err := t.scanMembers(ctx, room)
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "snapshotLoop",
					"error":    err,
				}).Warn("Presence snapshot scan failed")
				continue
			}
			t.mu.Lock()
			handler := t.syncHandler
			t.mu.Unlock()
			if handler != nil {
				handler(members)
			}
		}
	}
}

func (t *RedisTransport) scanMembers(ctx context.Context, room string) ([]presence.Member, error) {
	members := make([]presence.Member, 0, 2)
	iter := t.client.Scan(ctx, 0, presencePattern(room), 16).Iterator()
	for iter.Next(ctx) {
		raw, err := t.client.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			// Key may have expired between scan and get.
			continue
		}
		var m presence.Member
		if err := json.Unmarshal(raw, &m); err != nil {
			continue
		}
		members = append(members, m)
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return members, nil
}

// Untrack implements Presence.
func (t *RedisTransport) Untrack(ctx context.Context) error {
	t.mu.Lock()
	if !t.tracked {
		t.mu.Unlock()
		return nil
	}
	t.tracked = false
	cancel := t.heartbeat
	t.heartbeat = nil
	key := presenceKey(t.room, t.self.Identity)
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	t.hbWg.Wait()
	if err := t.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("untrack presence: %w", err)
	}
	return nil
}

// Close releases the Redis connection after tearing down any open streams.
func (t *RedisTransport) Close() error {
	_ = t.Unsubscribe()
	_ = t.Untrack(context.Background())
	return t.client.Close()
}
