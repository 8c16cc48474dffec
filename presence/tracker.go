package presence

import (
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultTypingTimeout is how long a typing indicator stays lit after the
// last typing signal when no explicit stop arrives.
const DefaultTypingTimeout = 3 * time.Second

// TimeProvider supplies the current time. Inject a mock for deterministic
// tests.
type TimeProvider interface {
	Now() time.Time
}

// RealTimeProvider implements TimeProvider using the system clock.
type RealTimeProvider struct{}

// Now returns the current system time.
func (RealTimeProvider) Now() time.Time {
	return time.Now()
}

var defaultTimeProvider TimeProvider = RealTimeProvider{}

// Member is one entry of a full presence snapshot: an identity plus its
// self-reported activity timestamp, if any.
type Member struct {
	Identity string `json:"identity"`
	OnlineAt string `json:"online_at,omitempty"`
}

// StateCallback is invoked when the remote's online state or last-active
// time changes.
type StateCallback func(online bool, lastActiveAt time.Time)

// TypingCallback is invoked when the remote's typing indicator toggles.
type TypingCallback func(typing bool)

// Tracker maintains the presence state of one remote identity.
type Tracker struct {
	remote        string
	typingTimeout time.Duration
	tp            TimeProvider

	online       bool
	lastActiveAt time.Time
	typing       bool
	typingTimer  *time.Timer
	closed       bool

	stateCallback  StateCallback
	typingCallback TypingCallback

	mu sync.Mutex
}

// NewTracker creates a Tracker for the given remote identity.
func NewTracker(remote string) *Tracker {
	return NewTrackerWithTimeProvider(remote, defaultTimeProvider)
}

// NewTrackerWithTimeProvider creates a Tracker with a custom time provider.
func NewTrackerWithTimeProvider(remote string, tp TimeProvider) *Tracker {
	if tp == nil {
		tp = defaultTimeProvider
	}

	logrus.WithFields(logrus.Fields{
		"function": "NewTracker",
		"remote":   remote,
	}).Debug("Creating presence tracker")

	return &Tracker{
		remote:        normalize(remote),
		typingTimeout: DefaultTypingTimeout,
		tp:            tp,
	}
}

func normalize(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// SetTypingTimeout overrides the typing indicator expiry.
func (t *Tracker) SetTypingTimeout(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if d > 0 {
		t.typingTimeout = d
	}
}

// OnStateChange registers the online/last-active callback.
func (t *Tracker) OnStateChange(cb StateCallback) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stateCallback = cb
}

// OnTypingChange registers the typing callback.
func (t *Tracker) OnTypingChange(cb TypingCallback) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.typingCallback = cb
}

// ApplySnapshot replaces the tracked state with a full membership snapshot.
// The remote is online exactly when present in the member set. On a
// transition to online, last-active is taken from the member's self-reported
// timestamp when parsable, otherwise the local receipt time.
func (t *Tracker) ApplySnapshot(members []Member) {
	t.mu.Lock()

	var found *Member
	for i := range members {
		if normalize(members[i].Identity) == t.remote {
			found = &members[i]
			break
		}
	}

	wasOnline := t.online
	t.online = found != nil
	if found != nil {
		if at, err := time.Parse(time.RFC3339Nano, found.OnlineAt); err == nil {
			t.lastActiveAt = at
		} else if !wasOnline {
			t.lastActiveAt = t.tp.Now()
		}
	}
	changed := wasOnline != t.online
	cb := t.stateCallback
	online, lastActive := t.online, t.lastActiveAt
	t.mu.Unlock()

	if changed {
		logrus.WithFields(logrus.Fields{
			"function": "ApplySnapshot",
			"remote":   t.remote,
			"online":   online,
			"members":  len(members),
		}).Info("Remote presence changed")
	}
	if cb != nil && (changed || found != nil) {
		cb(online, lastActive)
	}
}

// NoteTyping records a typing signal from the remote and arms (or re-arms)
// the expiry timer. Typing also implies activity, so last-active is
// refreshed. Valid regardless of current online state.
func (t *Tracker) NoteTyping() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.lastActiveAt = t.tp.Now()
	changed := !t.typing
	t.typing = true
	if t.typingTimer != nil {
		t.typingTimer.Stop()
	}
	t.typingTimer = time.AfterFunc(t.typingTimeout, t.expireTyping)
	cb := t.typingCallback
	scb := t.stateCallback
	online, lastActive := t.online, t.lastActiveAt
	t.mu.Unlock()

	if changed && cb != nil {
		cb(true)
	}
	if scb != nil {
		scb(online, lastActive)
	}
}

// NoteStopTyping clears the typing indicator immediately.
func (t *Tracker) NoteStopTyping() {
	t.setTyping(false)
}

func (t *Tracker) expireTyping() {
	logrus.WithFields(logrus.Fields{
		"function": "expireTyping",
		"remote":   t.remote,
	}).Debug("Typing indicator expired")
	t.setTyping(false)
}

func (t *Tracker) setTyping(typing bool) {
	t.mu.Lock()
	if t.typing == typing {
		t.mu.Unlock()
		return
	}
	t.typing = typing
	if !typing && t.typingTimer != nil {
		t.typingTimer.Stop()
		t.typingTimer = nil
	}
	cb := t.typingCallback
	t.mu.Unlock()

	if cb != nil {
		cb(typing)
	}
}

// NoteActivity refreshes last-active to now. Called for any inbound message
// or read receipt from the remote, since activity implies presence between
// snapshots.
func (t *Tracker) NoteActivity() {
	t.mu.Lock()
	t.lastActiveAt = t.tp.Now()
	cb := t.stateCallback
	online, lastActive := t.online, t.lastActiveAt
	t.mu.Unlock()

	if cb != nil {
		cb(online, lastActive)
	}
}

// SetLastActiveAt seeds last-active from persisted state, keeping whichever
// value is newer.
func (t *Tracker) SetLastActiveAt(at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if at.After(t.lastActiveAt) {
		t.lastActiveAt = at
	}
}

// Online reports whether the remote appeared in the latest snapshot.
func (t *Tracker) Online() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.online
}

// Typing reports whether the remote's typing indicator is lit.
func (t *Tracker) Typing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.typing
}

// LastActiveAt returns the most recent known activity time of the remote.
func (t *Tracker) LastActiveAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastActiveAt
}

// Close stops the typing timer. Further typing signals are ignored.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	if t.typingTimer != nil {
		t.typingTimer.Stop()
		t.typingTimer = nil
	}
}
