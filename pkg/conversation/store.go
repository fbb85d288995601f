package conversation

import (
	"sort"
	"sync"

	"github.com/toolshed/toolshed/pkg/models"
)

type entry struct {
	msg models.Message
	rev uint64
}

// ChangeFunc is called after a counterparty's log changes, outside the lock.
type ChangeFunc func(counterpartyID string)

// Store holds one ordered log per counterparty. Every mutation bumps a
// store-wide revision so a history fetch can tell which live appends landed
// after it started.
type Store struct {
	mu        sync.RWMutex
	logs      map[string][]entry
	rev       uint64
	listeners []ChangeFunc
}

func NewStore() *Store {
	return &Store{logs: make(map[string][]entry)}
}

func (s *Store) AppendIncoming(counterpartyID, text, senderID string) {
	s.append(counterpartyID, models.Message{Text: text, SenderID: senderID, Direction: models.Incoming})
}

func (s *Store) AppendOutgoing(counterpartyID, text, senderID string) {
	s.append(counterpartyID, models.Message{Text: text, SenderID: senderID, Direction: models.Outgoing})
}

func (s *Store) append(counterpartyID string, msg models.Message) {
	s.mu.Lock()
	s.rev++
	s.logs[counterpartyID] = append(s.logs[counterpartyID], entry{msg: msg, rev: s.rev})
	s.mu.Unlock()
	s.notify(counterpartyID)
}

// ReplaceConversation installs messages as the complete log for counterpartyID.
func (s *Store) ReplaceConversation(counterpartyID string, messages []models.Message) {
	s.mu.Lock()
	s.rev++
	log := make([]entry, len(messages))
	for i, m := range messages {
		log[i] = entry{msg: m, rev: s.rev}
	}
	s.logs[counterpartyID] = log
	s.mu.Unlock()
	s.notify(counterpartyID)
}

// Get returns a copy of the log, or an empty slice when nothing is known.
func (s *Store) Get(counterpartyID string) []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	log := s.logs[counterpartyID]
	out := make([]models.Message, len(log))
	for i, e := range log {
		out[i] = e.msg
	}
	return out
}

func (s *Store) Revision() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rev
}

// Reconcile replaces the log with fetched while keeping live appends made
// after since. A live message counts as persisted only when fetched holds
// more copies of its (sender, text) than the log did at since; every other
// live message is kept after the fetched history.
func (s *Store) Reconcile(counterpartyID string, fetched []models.Message, since uint64) []models.Message {
	s.mu.Lock()
	var base, live []models.Message
	for _, e := range s.logs[counterpartyID] {
		if e.rev > since {
			live = append(live, e.msg)
		} else {
			base = append(base, e.msg)
		}
	}
	merged := merge(fetched, base, live)

	s.rev++
	log := make([]entry, len(merged))
	for i, m := range merged {
		log[i] = entry{msg: m, rev: s.rev}
	}
	s.logs[counterpartyID] = log
	s.mu.Unlock()

	s.notify(counterpartyID)

	out := make([]models.Message, len(merged))
	copy(out, merged)
	return out
}

type lineKey struct {
	sender string
	text   string
}

func keyOf(m models.Message) lineKey {
	return lineKey{sender: m.SenderID, text: m.Text}
}

// merge appends to fetched the live messages the server has not confirmed.
// Each line fetched gained over base confirms at most one live message with
// the same sender and text, oldest first.
func merge(fetched, base, live []models.Message) []models.Message {
	gained := make(map[lineKey]int)
	for _, m := range fetched {
		gained[keyOf(m)]++
	}
	for _, m := range base {
		gained[keyOf(m)]--
	}

	out := make([]models.Message, 0, len(fetched)+len(live))
	out = append(out, fetched...)
	for _, m := range live {
		k := keyOf(m)
		if gained[k] > 0 {
			gained[k]--
			continue
		}
		out = append(out, m)
	}
	return out
}

// Counterparties lists every key with a log, sorted for stable output.
func (s *Store) Counterparties() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.logs))
	for id := range s.logs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Reset drops every conversation, used when the actor changes.
func (s *Store) Reset() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.logs))
	for id := range s.logs {
		ids = append(ids, id)
	}
	s.logs = make(map[string][]entry)
	s.rev++
	s.mu.Unlock()
	for _, id := range ids {
		s.notify(id)
	}
}

func (s *Store) Subscribe(fn ChangeFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *Store) notify(counterpartyID string) {
	s.mu.RLock()
	listeners := s.listeners
	s.mu.RUnlock()
	for _, fn := range listeners {
		fn(counterpartyID)
	}
}
