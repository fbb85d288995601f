package bus

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/toolshed/toolshed/pkg/models"
)

// Event names on the realtime channel.
const (
	EventAddUser              = "add_user"
	EventSendMessage          = "send_message"
	EventReceiveMessage       = "receive_message"
	EventNewBookingRequest    = "new_booking_request"
	EventBookingStatusUpdated = "booking_status_updated"
)

var ErrUnknownEvent = errors.New("unknown event")

// Event is the closed set of server-to-client payloads.
type Event interface {
	EventName() string
	isEvent()
}

type ReceiveMessage struct {
	FromUserID string `json:"fromUserId"`
	ToUserID   string `json:"toUserId"`
	Message    string `json:"message"`
}

type BookingCreated struct {
	BookingDetails models.Booking `json:"bookingDetails"`
	Message        string         `json:"message"`
}

type BookingStatusUpdated struct {
	BookingDetails models.Booking `json:"bookingDetails"`
	Message        string         `json:"message"`
}

func (ReceiveMessage) EventName() string       { return EventReceiveMessage }
func (BookingCreated) EventName() string       { return EventNewBookingRequest }
func (BookingStatusUpdated) EventName() string { return EventBookingStatusUpdated }

func (ReceiveMessage) isEvent()       {}
func (BookingCreated) isEvent()       {}
func (BookingStatusUpdated) isEvent() {}

// OutboundMessage is the send_message payload.
type OutboundMessage struct {
	ToUserID   string `json:"toUserId"`
	Message    string `json:"message"`
	FromUserID string `json:"fromUserId"`
}

// Decode turns a named raw payload into its typed event.
func Decode(name string, raw []byte) (Event, error) {
	var (
		ev  Event
		err error
	)
	switch name {
	case EventReceiveMessage:
		var m ReceiveMessage
		err = json.Unmarshal(raw, &m)
		if err == nil && m.FromUserID == "" {
			err = errors.New("missing fromUserId")
		}
		ev = m
	case EventNewBookingRequest:
		var b BookingCreated
		err = json.Unmarshal(raw, &b)
		if err == nil && b.BookingDetails.ID == "" {
			err = errors.New("missing bookingDetails._id")
		}
		ev = b
	case EventBookingStatusUpdated:
		var b BookingStatusUpdated
		err = json.Unmarshal(raw, &b)
		if err == nil && b.BookingDetails.ID == "" {
			err = errors.New("missing bookingDetails._id")
		}
		ev = b
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", name, err)
	}
	return ev, nil
}

type MessageHandler func(Event) error
