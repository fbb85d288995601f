package conversation

import "sync"

type Mode int

const (
	// Borrower mode talks to one counterparty chosen explicitly.
	Borrower Mode = iota
	// Owner mode follows whoever wrote in last.
	Owner
)

func (m Mode) String() string {
	if m == Owner {
		return "owner"
	}
	return "borrower"
}

// Inbound is the routing-relevant part of a received message.
type Inbound struct {
	From string
	To   string
}

// SelectCounterparty returns the selection after ev arrives. It never
// selects the local actor and never changes anything in borrower mode.
func SelectCounterparty(current string, mode Mode, localActor string, ev Inbound) string {
	if mode != Owner || ev.From == "" || ev.From == localActor {
		return current
	}
	return ev.From
}

// KeyFor files a received message under the non-local participant, so echoes
// of our own messages from another session land in the right conversation.
func KeyFor(localActor string, ev Inbound) string {
	if ev.From == localActor {
		return ev.To
	}
	return ev.From
}

// Selection is the shared current-counterparty state. Each change bumps a
// generation that fetches capture to detect staleness.
type Selection struct {
	mu      sync.RWMutex
	current string
	gen     uint64
}

func (s *Selection) Current() (string, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current, s.gen
}

// Set changes the selection and returns the new generation. Setting the
// same value keeps the generation.
func (s *Selection) Set(id string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id != s.current {
		s.current = id
		s.gen++
	}
	return s.gen
}

// Apply runs SelectCounterparty atomically and reports whether it changed.
func (s *Selection) Apply(mode Mode, localActor string, ev Inbound) (string, uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := SelectCounterparty(s.current, mode, localActor, ev)
	if next == s.current {
		return s.current, s.gen, false
	}
	s.current = next
	s.gen++
	return s.current, s.gen, true
}

// Valid reports whether gen is still the live generation for id.
func (s *Selection) Valid(id string, gen uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current == id && s.gen == gen
}

func (s *Selection) Clear() {
	s.Set("")
}
