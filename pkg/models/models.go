package models

import (
	"strings"
	"time"
)

// Actor is the authenticated local user. The login response carries the
// bearer token alongside the identity.
type Actor struct {
	ID    string `json:"_id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
	Token string `json:"token,omitempty"`
}

type Direction int

const (
	Incoming Direction = iota
	Outgoing
)

func (d Direction) String() string {
	if d == Outgoing {
		return "outgoing"
	}
	return "incoming"
}

// Message is one chat line. Direction is derived from SenderID relative to
// the local actor and never transmitted.
type Message struct {
	Text      string    `json:"text"`
	SenderID  string    `json:"sender"`
	Direction Direction `json:"-"`
}

// DirectionFor reports how a message from senderID looks to localActor.
func DirectionFor(senderID, localActor string) Direction {
	if senderID != localActor {
		return Incoming
	}
	return Outgoing
}

// HistoryMessage is the REST wire shape of a persisted chat line.
type HistoryMessage struct {
	Sender string `json:"sender"`
	Text   string `json:"text"`
}

func (h HistoryMessage) Message(localActor string) Message {
	return Message{Text: h.Text, SenderID: h.Sender, Direction: DirectionFor(h.Sender, localActor)}
}

// User is the subset of a profile used for display-name resolution.
type User struct {
	ID       string `json:"_id,omitempty"`
	Name     string `json:"name,omitempty"`
	Username string `json:"username,omitempty"`
}

// DisplayName falls back from name to username to the raw id.
func (u User) DisplayName(fallback string) string {
	if strings.TrimSpace(u.Name) != "" {
		return u.Name
	}
	if strings.TrimSpace(u.Username) != "" {
		return u.Username
	}
	return fallback
}

type BookingStatus string

const (
	StatusPending   BookingStatus = "pending"
	StatusApproved  BookingStatus = "approved"
	StatusDeclined  BookingStatus = "declined"
	StatusCompleted BookingStatus = "completed"
)

func (s BookingStatus) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusDeclined, StatusCompleted:
		return true
	}
	return false
}

// Active statuses block further requests for the same tool.
func (s BookingStatus) Active() bool {
	return s == StatusPending || s == StatusApproved
}

// Ref is a populated reference to another document (tool, owner, borrower).
type Ref struct {
	ID   string `json:"_id"`
	Name string `json:"name,omitempty"`
}

type Booking struct {
	ID        string        `json:"_id"`
	Tool      Ref           `json:"tool"`
	Owner     Ref           `json:"owner"`
	Borrower  Ref           `json:"borrower"`
	StartDate time.Time     `json:"startDate"`
	EndDate   time.Time     `json:"endDate"`
	Status    BookingStatus `json:"status"`
}

// Equal compares full content, used to make repeated transitions no-ops.
func (b *Booking) Equal(o *Booking) bool {
	if b == nil || o == nil {
		return b == o
	}
	return b.ID == o.ID &&
		b.Tool == o.Tool &&
		b.Owner == o.Owner &&
		b.Borrower == o.Borrower &&
		b.StartDate.Equal(o.StartDate) &&
		b.EndDate.Equal(o.EndDate) &&
		b.Status == o.Status
}

type Tool struct {
	ID    string `json:"_id"`
	Name  string `json:"name"`
	Owner Ref    `json:"owner"`
}
