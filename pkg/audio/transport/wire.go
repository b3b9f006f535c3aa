// Package transport moves encoded voice frames between participants.
//
// A sending participant cuts captured audio into fixed-size frames
// ([Sender]), encodes each frame and splits it into fragments small enough
// for an unreliable datagram ([Fragment]). The authoritative [Relay]
// reassembles frames per origin, optionally runs the server-stage filter
// chain over them and forwards them to every observer of the origin except
// the origin itself. A [Receiver] reassembles and decodes per origin.
//
// Fragments and control messages travel over a [Channel]. Two channel
// implementations exist: the in-memory [Hub] used for tests and single-process
// setups, and the WebSocket server and client in the websocket subpackage.
package transport

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MrWong99/purrvoice/pkg/audio"
	"github.com/MrWong99/purrvoice/pkg/audio/filter"
)

// MaxFragmentPayload is the largest number of frame bytes one fragment
// carries.
const MaxFragmentPayload = 900

// MaxOriginLen is the longest participant id that fits in a packet header.
const MaxOriginLen = 255

// Kind identifies the type of a packet.
type Kind uint8

const (
	// KindAudio carries one fragment of an encoded frame.
	KindAudio Kind = iota + 1

	// KindFrequency announces the sample rate of the origin's stream.
	KindFrequency

	// KindFilter carries a replicated filter-chain update.
	KindFilter

	// KindMute announces that the origin muted or unmuted itself.
	KindMute

	// KindJoin is sent by the relay when a participant connects.
	KindJoin

	// KindLeave is sent by the relay when a participant disconnects.
	KindLeave
)

// String returns the lower-case name of k.
func (k Kind) String() string {
	switch k {
	case KindAudio:
		return "audio"
	case KindFrequency:
		return "frequency"
	case KindFilter:
		return "filter"
	case KindMute:
		return "mute"
	case KindJoin:
		return "join"
	case KindLeave:
		return "leave"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ErrMalformedPacket is returned by [ParsePacket] for input that is not a
// well-formed packet.
var ErrMalformedPacket = errors.New("transport: malformed packet")

// ErrFrameTooLarge is returned when an encoded frame needs more than
// [MaxFragments] fragments.
var ErrFrameTooLarge = errors.New("transport: frame too large")

// audioHeaderLen is the fixed part of an audio header after the origin:
// seq (4), rate code (1), fragment index (1), fragment count (1).
const audioHeaderLen = 7

// Packet is one decoded wire message.
//
// Layout: kind (1 byte), origin length (1), origin (UTF-8), then for
// [KindAudio] seq (uint32 big endian), rate code, fragment index, fragment
// count and the fragment payload; for every other kind a JSON body.
type Packet struct {
	Kind   Kind
	Origin string

	// Audio fields.
	Seq     uint32
	Rate    int
	Index   uint8
	Count   uint8
	Payload []byte

	// Body is the JSON body of a control packet.
	Body []byte
}

// rateCode maps a supported rate to its one-byte code.
func rateCode(rate int) (byte, bool) {
	for i, r := range audio.SupportedRates {
		if r == rate {
			return byte(i), true
		}
	}
	return 0, false
}

// AppendBinary appends the wire encoding of p to dst.
func (p Packet) AppendBinary(dst []byte) ([]byte, error) {
	if len(p.Origin) > MaxOriginLen {
		return dst, fmt.Errorf("transport: origin %q too long", p.Origin)
	}
	dst = append(dst, byte(p.Kind), byte(len(p.Origin)))
	dst = append(dst, p.Origin...)
	if p.Kind != KindAudio {
		return append(dst, p.Body...), nil
	}
	code, ok := rateCode(p.Rate)
	if !ok {
		return dst, fmt.Errorf("transport: unsupported rate %d", p.Rate)
	}
	dst = binary.BigEndian.AppendUint32(dst, p.Seq)
	dst = append(dst, code, p.Index, p.Count)
	return append(dst, p.Payload...), nil
}

// MarshalBinary returns the wire encoding of p.
func (p Packet) MarshalBinary() ([]byte, error) {
	size := 2 + len(p.Origin) + len(p.Body)
	if p.Kind == KindAudio {
		size += audioHeaderLen + len(p.Payload)
	}
	return p.AppendBinary(make([]byte, 0, size))
}

// ParsePacket decodes b. Payload and Body alias b.
func ParsePacket(b []byte) (Packet, error) {
	if len(b) < 2 {
		return Packet{}, ErrMalformedPacket
	}
	p := Packet{Kind: Kind(b[0])}
	n := int(b[1])
	b = b[2:]
	if len(b) < n {
		return Packet{}, ErrMalformedPacket
	}
	p.Origin = string(b[:n])
	b = b[n:]

	switch p.Kind {
	case KindAudio:
		if len(b) < audioHeaderLen {
			return Packet{}, ErrMalformedPacket
		}
		p.Seq = binary.BigEndian.Uint32(b)
		code := int(b[4])
		if code >= len(audio.SupportedRates) {
			return Packet{}, fmt.Errorf("%w: rate code %d", ErrMalformedPacket, code)
		}
		p.Rate = audio.SupportedRates[code]
		p.Index, p.Count = b[5], b[6]
		if p.Count == 0 || p.Index >= p.Count {
			return Packet{}, fmt.Errorf("%w: fragment %d of %d", ErrMalformedPacket, p.Index, p.Count)
		}
		p.Payload = b[audioHeaderLen:]
	case KindFrequency, KindFilter, KindMute, KindJoin, KindLeave:
		p.Body = b
	default:
		return Packet{}, fmt.Errorf("%w: unknown kind %d", ErrMalformedPacket, p.Kind)
	}
	return p, nil
}

// FrequencyBody is the body of a [KindFrequency] packet.
type FrequencyBody struct {
	Rate int `json:"rate"`
}

// MuteBody is the body of a [KindMute] packet.
type MuteBody struct {
	Muted bool `json:"muted"`
}

// PeerBody is the body of [KindJoin] and [KindLeave] packets.
type PeerBody struct {
	ID string `json:"id"`
}

// FilterBody is the body of a [KindFilter] packet.
type FilterBody = filter.Update

// Control builds a control packet from origin with body marshalled as JSON.
func Control(kind Kind, origin string, body any) ([]byte, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("transport: marshal %s body: %w", kind, err)
	}
	return Packet{Kind: kind, Origin: origin, Body: raw}.MarshalBinary()
}

// DecodeBody unmarshals the JSON body of a control packet into v.
func (p Packet) DecodeBody(v any) error {
	if err := json.Unmarshal(p.Body, v); err != nil {
		return fmt.Errorf("%w: %s body: %v", ErrMalformedPacket, p.Kind, err)
	}
	return nil
}
