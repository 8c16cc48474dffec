package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/pairsync/store"
)

// Key prefixes. Hidden entries are one key per (user, message id) so hiding
// and unhiding never rewrites the whole set.
const (
	hiddenPrefix   = "hidden:"
	lastSeenPrefix = "lastseen:"
	msgCachePrefix = "msgcache:"
)

// ErrClosed is returned from every operation after Close.
var ErrClosed = errors.New("device cache closed")

// DeviceCache is the local-only state store, backed by an embedded pebble
// database. All values are device-private and advisory; losing the cache
// loses nothing the durable store cannot restore except hide markers.
type DeviceCache struct {
	mu     sync.RWMutex
	db     *pebble.DB
	closed bool
}

// Open opens (or creates) the cache at path.
func Open(path string) (*DeviceCache, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open device cache: %w", err)
	}
	logrus.WithFields(logrus.Fields{
		"function": "Open",
		"path":     path,
	}).Debug("Opened device cache")
	return &DeviceCache{db: db}, nil
}

// Close flushes and closes the database. Idempotent.
func (c *DeviceCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.db.Close()
}

func hiddenKey(user, id string) []byte {
	return []byte(hiddenPrefix + store.NormalizeIdentity(user) + ":" + id)
}

// Hide marks a message as hidden for the given user on this device only.
func (c *DeviceCache) Hide(user, id string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	if err := c.db.Set(hiddenKey(user, id), []byte{1}, pebble.Sync); err != nil {
		return fmt.Errorf("hide message: %w", err)
	}
	return nil
}

// Unhide removes a hide marker. Unhiding an absent ID succeeds.
func (c *DeviceCache) Unhide(user, id string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	if err := c.db.Delete(hiddenKey(user, id), pebble.Sync); err != nil {
		return fmt.Errorf("unhide message: %w", err)
	}
	return nil
}

// HiddenIDs returns the set of message IDs hidden for the given user.
func (c *DeviceCache) HiddenIDs(user string) (map[string]bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, ErrClosed
	}

	prefix := hiddenPrefix + store.NormalizeIdentity(user) + ":"
	iter, err := c.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: upperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("iterate hidden ids: %w", err)
	}
	defer iter.Close()

	hidden := make(map[string]bool)
	for iter.First(); iter.Valid(); iter.Next() {
		hidden[string(iter.Key()[len(prefix):])] = true
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterate hidden ids: %w", err)
	}
	return hidden, nil
}

// ClearHidden removes every hide marker for the given user.
func (c *DeviceCache) ClearHidden(user string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}

	prefix := hiddenPrefix + store.NormalizeIdentity(user) + ":"
	if err := c.db.DeleteRange([]byte(prefix), upperBound(prefix), pebble.Sync); err != nil {
		return fmt.Errorf("clear hidden ids: %w", err)
	}
	return nil
}

// SetLastSeen records the last-seen timestamp for an identity. The value
// is stored as given (RFC3339); callers enforce newer-wins.
func (c *DeviceCache) SetLastSeen(identity, at string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	key := []byte(lastSeenPrefix + store.NormalizeIdentity(identity))
	if err := c.db.Set(key, []byte(at), pebble.Sync); err != nil {
		return fmt.Errorf("set last seen: %w", err)
	}
	return nil
}

// LastSeen returns the recorded last-seen timestamp for an identity, or
// empty when none is known.
func (c *DeviceCache) LastSeen(identity string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return "", ErrClosed
	}
	key := []byte(lastSeenPrefix + store.NormalizeIdentity(identity))
	data, closer, err := c.db.Get(key)
	if err == pebble.ErrNotFound {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get last seen: %w", err)
	}
	defer closer.Close()
	return string(data), nil
}

func msgCacheKey(user, peer string) []byte {
	return []byte(msgCachePrefix + store.NormalizeIdentity(user) + ":" + store.NormalizeIdentity(peer))
}

// SaveSnapshot stores the conversation snapshot for display before the
// first authoritative fetch on the next start.
func (c *DeviceCache) SaveSnapshot(user, peer string, messages []store.Message) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	data, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := c.db.Set(msgCacheKey(user, peer), data, pebble.Sync); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot returns the cached conversation snapshot, or nil when none
// exists. Delivery states are not cached; every loaded message comes back
// as already confirmed.
func (c *DeviceCache) LoadSnapshot(user, peer string) ([]store.Message, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, ErrClosed
	}
	data, closer, err := c.db.Get(msgCacheKey(user, peer))
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	defer closer.Close()

	var messages []store.Message
	if err := json.Unmarshal(data, &messages); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	for i := range messages {
		messages[i].DeliveryState = store.DeliverySent
	}
	return messages, nil
}

// upperBound returns the exclusive upper bound for a prefix scan.
func upperBound(prefix string) []byte {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return b[:i+1]
		}
	}
	return nil
}
