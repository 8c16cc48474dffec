package store

import (
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrMissingID is returned when an event arrives without a message ID.
// Absence of the ID is a protocol violation and such events must never
// reach the store.
var ErrMissingID = errors.New("message has no id")

// Store holds the canonical message collection for one conversation, keyed
// by message ID. All mutation goes through Upsert and Remove; the mutex
// serializes the three channels' completion callbacks so handlers observe
// the single-threaded model the engine is specified against.
type Store struct {
	messages map[string]Message
	mu       sync.RWMutex
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		messages: make(map[string]Message),
	}
}

// Upsert inserts the candidate or merges it into the existing entry with the
// same ID. fallback supplies the delivery state for candidates that do not
// carry one, so each channel can declare its default (broadcast and
// change-feed events imply DeliverySent, optimistic local writes
// DeliverySending).
//
// The returned message is the post-merge entry. changed is false when the
// upsert was a no-op, which makes replaying a whole fetch idempotent.
func (s *Store) Upsert(candidate Message, fallback DeliveryState) (Message, bool, error) {
	id := strings.TrimSpace(candidate.ID)
	if id == "" {
		logrus.WithFields(logrus.Fields{
			"function": "Upsert",
			"sender":   candidate.SenderID,
		}).Warn("Rejected message event without id")
		return Message{}, false, ErrMissingID
	}
	candidate.ID = id
	candidate.SenderID = NormalizeIdentity(candidate.SenderID)
	candidate.ReceiverID = NormalizeIdentity(candidate.ReceiverID)

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.messages[id]
	if !ok {
		if candidate.DeliveryState == DeliveryUnknown {
			candidate.DeliveryState = fallback
		}
		if _, ok := candidate.CreatedTime(); !ok {
			logrus.WithFields(logrus.Fields{
				"function":   "Upsert",
				"id":         id,
				"created_at": candidate.CreatedAt,
			}).Warn("Message has unparsable timestamp, will sort last")
		}
		s.messages[id] = candidate
		logrus.WithFields(logrus.Fields{
			"function": "Upsert",
			"id":       id,
			"state":    candidate.DeliveryState.String(),
		}).Debug("Inserted message")
		return candidate, true, nil
	}

	merged := candidate
	merged.DeliveryState = mergeDeliveryState(existing.DeliveryState, candidate.DeliveryState)
	merged.IsRead = existing.IsRead || candidate.IsRead
	if merged.CreatedAt == "" {
		merged.CreatedAt = existing.CreatedAt
	}

	if merged == existing {
		return existing, false, nil
	}
	s.messages[id] = merged
	logrus.WithFields(logrus.Fields{
		"function": "Upsert",
		"id":       id,
		"state":    merged.DeliveryState.String(),
		"is_read":  merged.IsRead,
	}).Debug("Merged message")
	return merged, true, nil
}

// mergeDeliveryState applies the no-regression rules: an unsupplied
// candidate state keeps the existing one, and DeliverySent never steps back
// to DeliverySending or DeliveryError. DeliveryError yields only to an
// authoritative DeliverySent.
func mergeDeliveryState(existing, candidate DeliveryState) DeliveryState {
	if candidate == DeliveryUnknown {
		return existing
	}
	if existing == DeliverySent && candidate != DeliverySent {
		return DeliverySent
	}
	if existing == DeliveryError && candidate == DeliverySending {
		return DeliveryError
	}
	return candidate
}

// Remove deletes the entry with the given ID. Removing an absent ID is a
// no-op: delete events may arrive before the insert they refer to, or more
// than once.
func (s *Store) Remove(id string) bool {
	id = strings.TrimSpace(id)
	if id == "" {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.messages[id]; !ok {
		return false
	}
	delete(s.messages, id)
	logrus.WithFields(logrus.Fields{
		"function": "Remove",
		"id":       id,
	}).Debug("Removed message")
	return true
}

// Get returns the entry with the given ID.
func (s *Store) Get(id string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[strings.TrimSpace(id)]
	return m, ok
}

// Len returns the number of messages held.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// MarkReadBySender flips IsRead to true on every message from the given
// sender that is not yet read, returning how many entries changed. This is
// the bulk form of the monotonic read merge; it never clears the flag.
func (s *Store) MarkReadBySender(senderID string) int {
	senderID = NormalizeIdentity(senderID)

	s.mu.Lock()
	defer s.mu.Unlock()

	changed := 0
	for id, m := range s.messages {
		if m.SenderID == senderID && !m.IsRead {
			m.IsRead = true
			s.messages[id] = m
			changed++
		}
	}
	if changed > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "MarkReadBySender",
			"sender":   senderID,
			"count":    changed,
		}).Debug("Marked messages read")
	}
	return changed
}

// Snapshot returns the messages in timeline order: ascending CreatedAt,
// with unparsable timestamps sorted last and ties broken by ID so the order
// is deterministic.
func (s *Store) Snapshot() []Message {
	s.mu.RLock()
	out := make([]Message, 0, len(s.messages))
	for _, m := range s.messages {
		out = append(out, m)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		ti, iok := out[i].CreatedTime()
		tj, jok := out[j].CreatedTime()
		switch {
		case iok && !jok:
			return true
		case !iok && jok:
			return false
		case !iok && !jok:
			return out[i].ID < out[j].ID
		}
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return out[i].ID < out[j].ID
	})

	return out
}
