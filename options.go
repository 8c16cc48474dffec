package pairsync

import (
	"errors"
	"time"

	"github.com/opd-ai/pairsync/cache"
	"github.com/opd-ai/pairsync/storage"
	"github.com/opd-ai/pairsync/transport"
)

// Default engine tuning values.
const (
	// DefaultTypingTimeout clears the peer's typing indicator after silence.
	DefaultTypingTimeout = 3 * time.Second
	// DefaultTypingIdleStop announces stop-typing after the local user goes
	// idle without an explicit stop.
	DefaultTypingIdleStop = 2 * time.Second
	// DefaultConnectingDebounce keeps brief reconnects from flashing the
	// connecting indicator.
	DefaultConnectingDebounce = time.Second
)

var (
	// ErrMissingIdentity is returned by New when SelfID or PeerID is empty.
	ErrMissingIdentity = errors.New("both identities are required")
	// ErrMissingChannel is returned by New when a required channel is nil.
	ErrMissingChannel = errors.New("broadcast, presence, feed and durable store are required")
	// ErrNoMediaStore is returned by media sends when no MediaStore is
	// configured.
	ErrNoMediaStore = errors.New("no media store configured")
	// ErrClosed is returned from operations on a closed conversation.
	ErrClosed = errors.New("conversation closed")
)

// Options contains everything needed to construct a Conversation: the two
// identities and the channel implementations behind it.
type Options struct {
	// SelfID is the local identity, PeerID the remote one. Both are
	// normalized before use.
	SelfID string
	PeerID string

	// Broadcast is the low-latency advisory channel.
	Broadcast transport.Broadcast
	// Presence is the membership channel.
	Presence transport.Presence
	// Feed is the authoritative change feed from the durable store.
	Feed transport.ChangeFeed
	// Durable is the durable message store.
	Durable storage.Store

	// Media stores uploaded image and audio blobs. Optional; media sends
	// fail without it.
	Media storage.MediaStore
	// Cache holds device-local state. Optional.
	Cache *cache.DeviceCache

	// TypingTimeout clears the peer's typing indicator after silence.
	TypingTimeout time.Duration
	// TypingIdleStop announces stop-typing after local idle. Zero disables
	// the idle stop.
	TypingIdleStop time.Duration
	// SendTimeout transitions a send stuck in Sending to Error. Zero, the
	// default, disables the timeout: a send with no confirmation and no
	// failure stays Sending.
	SendTimeout time.Duration
	// ConnectingDebounce delays surfacing the Connecting status after a
	// channel drop.
	ConnectingDebounce time.Duration
}

// NewOptions creates Options with default tuning. Identities and channels
// must still be filled in.
func NewOptions() *Options {
	return &Options{
		TypingTimeout:      DefaultTypingTimeout,
		TypingIdleStop:     DefaultTypingIdleStop,
		SendTimeout:        0,
		ConnectingDebounce: DefaultConnectingDebounce,
	}
}

func (o *Options) validate() error {
	if o.SelfID == "" || o.PeerID == "" {
		return ErrMissingIdentity
	}
	if o.Broadcast == nil || o.Presence == nil || o.Feed == nil || o.Durable == nil {
		return ErrMissingChannel
	}
	return nil
}
