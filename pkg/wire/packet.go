// Package wire frames Socket.IO v4 packets carried over Engine.IO v4
// websocket text frames.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Engine.IO packet types.
const (
	engineOpen    = '0'
	engineClose   = '1'
	enginePing    = '2'
	enginePong    = '3'
	engineMessage = '4'
	engineUpgrade = '5'
	engineNoop    = '6'
)

// Socket.IO packet types, carried inside an Engine.IO message.
const (
	socketConnect      = '0'
	socketDisconnect   = '1'
	socketEvent        = '2'
	socketAck          = '3'
	socketConnectError = '4'
)

type Kind int

const (
	KindOpen Kind = iota
	KindClose
	KindPing
	KindPong
	KindNoop
	KindConnect
	KindDisconnect
	KindEvent
	KindAck
	KindConnectError
)

var kindNames = [...]string{"open", "close", "ping", "pong", "noop", "connect", "disconnect", "event", "ack", "connect_error"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

var ErrMalformed = errors.New("malformed packet")

// Handshake is the body of the Engine.IO open packet.
type Handshake struct {
	SID          string
	PingInterval time.Duration
	PingTimeout  time.Duration
}

type Packet struct {
	Kind      Kind
	Namespace string
	// Event and Payload are set for KindEvent; Payload is the raw JSON of the
	// first argument.
	Event   string
	Payload []byte
	// SID is set for KindConnect acknowledgements.
	SID       string
	Handshake Handshake
	Reason    string
}

// Decode parses one websocket text frame.
func Decode(frame []byte) (Packet, error) {
	if len(frame) == 0 {
		return Packet{}, fmt.Errorf("%w: empty frame", ErrMalformed)
	}
	body := frame[1:]
	switch frame[0] {
	case engineOpen:
		if !gjson.ValidBytes(body) {
			return Packet{}, fmt.Errorf("%w: open body is not JSON", ErrMalformed)
		}
		res := gjson.ParseBytes(body)
		hs := Handshake{
			SID:          res.Get("sid").String(),
			PingInterval: time.Duration(res.Get("pingInterval").Int()) * time.Millisecond,
			PingTimeout:  time.Duration(res.Get("pingTimeout").Int()) * time.Millisecond,
		}
		if hs.SID == "" {
			return Packet{}, fmt.Errorf("%w: open without sid", ErrMalformed)
		}
		return Packet{Kind: KindOpen, Handshake: hs}, nil
	case engineClose:
		return Packet{Kind: KindClose}, nil
	case enginePing:
		return Packet{Kind: KindPing}, nil
	case enginePong:
		return Packet{Kind: KindPong}, nil
	case engineNoop, engineUpgrade:
		return Packet{Kind: KindNoop}, nil
	case engineMessage:
		return decodeSocket(body)
	}
	return Packet{}, fmt.Errorf("%w: unknown engine type %q", ErrMalformed, frame[0])
}

func decodeSocket(body []byte) (Packet, error) {
	if len(body) == 0 {
		return Packet{}, fmt.Errorf("%w: empty socket packet", ErrMalformed)
	}
	typ := body[0]
	rest := string(body[1:])

	ns := "/"
	if strings.HasPrefix(rest, "/") {
		idx := strings.IndexByte(rest, ',')
		if idx < 0 {
			ns, rest = rest, ""
		} else {
			ns, rest = rest[:idx], rest[idx+1:]
		}
	}
	// Skip an ack id if present.
	i := 0
	for i < len(rest) && rest[i] >= '0' && rest[i] <= '9' {
		i++
	}
	rest = rest[i:]

	switch typ {
	case socketConnect:
		p := Packet{Kind: KindConnect, Namespace: ns}
		if rest != "" {
			p.SID = gjson.Get(rest, "sid").String()
		}
		return p, nil
	case socketDisconnect:
		return Packet{Kind: KindDisconnect, Namespace: ns}, nil
	case socketConnectError:
		reason := gjson.Get(rest, "message").String()
		if reason == "" {
			reason = rest
		}
		return Packet{Kind: KindConnectError, Namespace: ns, Reason: reason}, nil
	case socketAck:
		return Packet{Kind: KindAck, Namespace: ns, Payload: []byte(rest)}, nil
	case socketEvent:
		if !gjson.Valid(rest) {
			return Packet{}, fmt.Errorf("%w: event body is not JSON", ErrMalformed)
		}
		arr := gjson.Parse(rest)
		if !arr.IsArray() {
			return Packet{}, fmt.Errorf("%w: event body is not an array", ErrMalformed)
		}
		name := arr.Get("0")
		if name.Type != gjson.String {
			return Packet{}, fmt.Errorf("%w: event name missing", ErrMalformed)
		}
		p := Packet{Kind: KindEvent, Namespace: ns, Event: name.String()}
		if arg := arr.Get("1"); arg.Exists() {
			p.Payload = []byte(arg.Raw)
		}
		return p, nil
	}
	return Packet{}, fmt.Errorf("%w: unknown socket type %q", ErrMalformed, typ)
}

func EncodePong() []byte { return []byte{enginePong} }

func EncodePing() []byte { return []byte{enginePing} }

// EncodeConnect requests the default namespace.
func EncodeConnect() []byte { return []byte{engineMessage, socketConnect} }

func EncodeDisconnect() []byte { return []byte{engineMessage, socketDisconnect} }

// EncodeEvent builds `42["name",payload]`.
func EncodeEvent(name string, payload interface{}) ([]byte, error) {
	args := []interface{}{name}
	if payload != nil {
		args = append(args, payload)
	}
	data, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", name, err)
	}
	out := make([]byte, 0, len(data)+2)
	out = append(out, engineMessage, socketEvent)
	return append(out, data...), nil
}
