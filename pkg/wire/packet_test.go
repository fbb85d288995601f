package wire

import (
	"errors"
	"testing"
	"time"
)

func TestDecodeOpen(t *testing.T) {
	p, err := Decode([]byte(`0{"sid":"abc","upgrades":[],"pingInterval":25000,"pingTimeout":20000,"maxPayload":1000000}`))
	if err != nil {
		t.Fatalf("decode open: %v", err)
	}
	if p.Kind != KindOpen || p.Handshake.SID != "abc" {
		t.Fatalf("unexpected packet %+v", p)
	}
	if p.Handshake.PingInterval != 25*time.Second || p.Handshake.PingTimeout != 20*time.Second {
		t.Fatalf("unexpected timings %+v", p.Handshake)
	}
}

func TestDecodeSocketPackets(t *testing.T) {
	tests := []struct {
		frame   string
		kind    Kind
		event   string
		payload string
		ns      string
	}{
		{frame: `2`, kind: KindPing},
		{frame: `40{"sid":"s1"}`, kind: KindConnect, ns: "/"},
		{frame: `41`, kind: KindDisconnect, ns: "/"},
		{frame: `42["receive_message",{"fromUserId":"u2","message":"hi"}]`, kind: KindEvent, event: "receive_message", payload: `{"fromUserId":"u2","message":"hi"}`, ns: "/"},
		{frame: `42/admin,7["ping"]`, kind: KindEvent, event: "ping", ns: "/admin"},
		{frame: `44{"message":"not authorized"}`, kind: KindConnectError, ns: "/"},
		{frame: `6`, kind: KindNoop},
	}
	for _, tt := range tests {
		p, err := Decode([]byte(tt.frame))
		if err != nil {
			t.Fatalf("Decode(%s): %v", tt.frame, err)
		}
		if p.Kind != tt.kind {
			t.Fatalf("Decode(%s) kind = %v, want %v", tt.frame, p.Kind, tt.kind)
		}
		if p.Event != tt.event {
			t.Fatalf("Decode(%s) event = %q, want %q", tt.frame, p.Event, tt.event)
		}
		if string(p.Payload) != tt.payload {
			t.Fatalf("Decode(%s) payload = %s, want %s", tt.frame, p.Payload, tt.payload)
		}
		if p.Namespace != tt.ns {
			t.Fatalf("Decode(%s) namespace = %q, want %q", tt.frame, p.Namespace, tt.ns)
		}
	}
}

func TestDecodeConnectErrorReason(t *testing.T) {
	p, err := Decode([]byte(`44{"message":"not authorized"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.Reason != "not authorized" {
		t.Fatalf("unexpected reason %q", p.Reason)
	}
}

func TestDecodeMalformed(t *testing.T) {
	for _, frame := range []string{``, `0not-json`, `0{}`, `42{"a":1}`, `42[1,2]`, `42[`, `9`, `4`} {
		if _, err := Decode([]byte(frame)); !errors.Is(err, ErrMalformed) {
			t.Fatalf("Decode(%q) err = %v, want ErrMalformed", frame, err)
		}
	}
}

func TestEncodeEvent(t *testing.T) {
	got, err := EncodeEvent("send_message", map[string]string{"toUserId": "u2"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if string(got) != `42["send_message",{"toUserId":"u2"}]` {
		t.Fatalf("unexpected frame %s", got)
	}

	got, err = EncodeEvent("add_user", "u1")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if string(got) != `42["add_user","u1"]` {
		t.Fatalf("unexpected frame %s", got)
	}

	if string(EncodeConnect()) != "40" || string(EncodePong()) != "3" || string(EncodeDisconnect()) != "41" {
		t.Fatalf("unexpected control frames")
	}
}
