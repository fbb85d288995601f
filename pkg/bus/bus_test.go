package bus

import (
	"errors"
	"testing"
)

func TestDecode(t *testing.T) {
	ev, err := Decode(EventReceiveMessage, []byte(`{"fromUserId":"u2","toUserId":"u1","message":"hi"}`))
	if err != nil {
		t.Fatalf("decode receive_message: %v", err)
	}
	msg, ok := ev.(ReceiveMessage)
	if !ok || msg.FromUserID != "u2" || msg.ToUserID != "u1" || msg.Message != "hi" {
		t.Fatalf("unexpected event %#v", ev)
	}

	ev, err = Decode(EventBookingStatusUpdated, []byte(`{"bookingDetails":{"_id":"b1","status":"approved"},"message":"ok"}`))
	if err != nil {
		t.Fatalf("decode booking_status_updated: %v", err)
	}
	if upd := ev.(BookingStatusUpdated); upd.BookingDetails.ID != "b1" || upd.BookingDetails.Status != "approved" {
		t.Fatalf("unexpected booking event %#v", upd)
	}
}

func TestDecodeRejects(t *testing.T) {
	if _, err := Decode("typing", []byte(`{}`)); !errors.Is(err, ErrUnknownEvent) {
		t.Fatalf("expected ErrUnknownEvent, got %v", err)
	}
	if _, err := Decode(EventReceiveMessage, []byte(`{"message":"x"}`)); err == nil {
		t.Fatalf("expected error for missing sender")
	}
	if _, err := Decode(EventNewBookingRequest, []byte(`{"bookingDetails":{}}`)); err == nil {
		t.Fatalf("expected error for missing booking id")
	}
	if _, err := Decode(EventReceiveMessage, []byte(`"not an object"`)); err == nil {
		t.Fatalf("expected error for malformed payload")
	}
}

func TestRegistryIndependentSubscribers(t *testing.T) {
	r := NewRegistry()
	var a, b int
	subA := r.On(EventReceiveMessage, func(Event) error { a++; return nil })
	r.On(EventReceiveMessage, func(Event) error { b++; return errors.New("ignored") })

	ev := ReceiveMessage{FromUserID: "u2", Message: "hi"}
	if n := r.Dispatch(ev); n != 2 {
		t.Fatalf("expected 2 handlers, got %d", n)
	}

	r.Off(subA)
	r.Off(subA)
	r.Dispatch(ev)

	if a != 1 || b != 2 {
		t.Fatalf("unexpected counts a=%d b=%d", a, b)
	}
	if r.Count(EventReceiveMessage) != 1 {
		t.Fatalf("expected one remaining handler")
	}
}
