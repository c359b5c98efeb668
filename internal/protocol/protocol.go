package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Frame layout: [Type:1][Length:2 big-endian][Payload:Length]
const (
	HeaderSize = 3

	// CallIDSize is the fixed START payload size (a UUID).
	CallIDSize = 16

	DefaultMaxPayload      = 2048
	DefaultAudioChunkBytes = 320
)

// Frame types
const (
	TypeHangup  Type = 0x00 // empty payload, either side, terminal
	TypeStart   Type = 0x01 // 16-byte call identifier, first frame of a call
	TypeDTMF    Type = 0x03 // one ASCII digit, '*' or '#'
	TypeAudio   Type = 0x10 // one chunk of raw PCM
	TypeSilence Type = 0x11 // switch-side keep-alive, content ignored
	TypeError   Type = 0xff // diagnostic string, terminal
)

// ErrProtocol marks violations that are fatal for the connection: unknown
// frame type, oversized declared length, or a malformed payload. Callers
// match it with errors.Is and must close the connection.
var ErrProtocol = errors.New("protocol violation")

// Type is the one-byte frame type tag.
type Type uint8

// Valid reports whether the type tag is part of the protocol.
func (t Type) Valid() bool {
	switch t {
	case TypeHangup, TypeStart, TypeDTMF, TypeAudio, TypeSilence, TypeError:
		return true
	}
	return false
}

// String returns a human-readable name for the frame type.
func (t Type) String() string {
	switch t {
	case TypeHangup:
		return "Hangup"
	case TypeStart:
		return "Start"
	case TypeDTMF:
		return "DTMF"
	case TypeAudio:
		return "Audio"
	case TypeSilence:
		return "Silence"
	case TypeError:
		return "Error"
	default:
		return fmt.Sprintf("Unknown(0x%02x)", uint8(t))
	}
}

// Frame is one decoded protocol frame.
type Frame struct {
	Type    Type
	Payload []byte
}

// String returns a human-readable representation of the frame.
func (f *Frame) String() string {
	switch f.Type {
	case TypeDTMF:
		if len(f.Payload) == 1 {
			return fmt.Sprintf("Frame{Type:DTMF, Digit:%q}", f.Payload[0])
		}
	case TypeError:
		return fmt.Sprintf("Frame{Type:Error, Message:%q}", string(f.Payload))
	}
	return fmt.Sprintf("Frame{Type:%s, PayloadLen:%d}", f.Type, len(f.Payload))
}

// CallID extracts the call identifier from a START frame.
func (f *Frame) CallID() (uuid.UUID, error) {
	if f.Type != TypeStart {
		return uuid.Nil, fmt.Errorf("%w: call id requested from %s frame", ErrProtocol, f.Type)
	}
	id, err := uuid.FromBytes(f.Payload)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: invalid call id: %v", ErrProtocol, err)
	}
	return id, nil
}

// Digit extracts the digit from a DTMF frame.
func (f *Frame) Digit() (byte, error) {
	if f.Type != TypeDTMF || len(f.Payload) != 1 {
		return 0, fmt.Errorf("%w: malformed DTMF frame", ErrProtocol)
	}
	return f.Payload[0], nil
}

// ValidDigit reports whether b is an allowed DTMF character.
func ValidDigit(b byte) bool {
	return (b >= '0' && b <= '9') || b == '*' || b == '#'
}

// Limits bounds what the decoder accepts. Both ends agree on the audio chunk
// size out of band; any other AUDIO payload length is a protocol violation.
type Limits struct {
	MaxPayload      int
	AudioChunkBytes int
}

// DefaultLimits returns the limits for the standard 8 kHz / 20 ms format.
func DefaultLimits() Limits {
	return Limits{
		MaxPayload:      DefaultMaxPayload,
		AudioChunkBytes: DefaultAudioChunkBytes,
	}
}

// Decoder incrementally decodes frames from a byte stream. It buffers a
// partial frame across reads: a truncated frame yields (nil, nil) and
// consumes nothing until the remaining bytes arrive.
type Decoder struct {
	limits Limits
	buf    []byte
}

// NewDecoder creates a stream decoder with the given limits.
func NewDecoder(limits Limits) *Decoder {
	if limits.MaxPayload <= 0 {
		limits.MaxPayload = DefaultMaxPayload
	}
	if limits.AudioChunkBytes <= 0 {
		limits.AudioChunkBytes = DefaultAudioChunkBytes
	}
	return &Decoder{limits: limits}
}

// Feed appends bytes read from the socket to the decode buffer.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Buffered returns the number of bytes waiting to be decoded.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Next returns the next complete frame, or (nil, nil) when more data is
// needed. Errors wrap ErrProtocol and are fatal for the connection.
func (d *Decoder) Next() (*Frame, error) {
	if len(d.buf) < HeaderSize {
		return nil, nil
	}

	ftype := Type(d.buf[0])
	if !ftype.Valid() {
		return nil, fmt.Errorf("%w: unknown frame type 0x%02x", ErrProtocol, d.buf[0])
	}

	length := int(binary.BigEndian.Uint16(d.buf[1:3]))
	if length > d.limits.MaxPayload {
		return nil, fmt.Errorf("%w: declared payload %d exceeds maximum %d",
			ErrProtocol, length, d.limits.MaxPayload)
	}

	total := HeaderSize + length
	if len(d.buf) < total {
		return nil, nil
	}

	payload := make([]byte, length)
	copy(payload, d.buf[HeaderSize:total])
	d.buf = d.buf[total:]

	frame := &Frame{Type: ftype, Payload: payload}
	if err := d.validate(frame); err != nil {
		return nil, err
	}
	return frame, nil
}

// validate checks type-specific payload constraints once a frame is complete.
func (d *Decoder) validate(f *Frame) error {
	switch f.Type {
	case TypeStart:
		if len(f.Payload) != CallIDSize {
			return fmt.Errorf("%w: start payload must be %d bytes, got %d",
				ErrProtocol, CallIDSize, len(f.Payload))
		}
	case TypeAudio:
		if len(f.Payload) != d.limits.AudioChunkBytes {
			return fmt.Errorf("%w: audio payload must be %d bytes, got %d",
				ErrProtocol, d.limits.AudioChunkBytes, len(f.Payload))
		}
	case TypeDTMF:
		if len(f.Payload) != 1 || !ValidDigit(f.Payload[0]) {
			return fmt.Errorf("%w: malformed DTMF payload", ErrProtocol)
		}
	case TypeHangup:
		if len(f.Payload) != 0 {
			return fmt.Errorf("%w: hangup payload must be empty, got %d bytes",
				ErrProtocol, len(f.Payload))
		}
	}
	return nil
}

// Encode serializes a frame to wire bytes. Encode is the exact inverse of
// decoding: round-tripping a valid frame reproduces the original bytes.
func Encode(f *Frame) []byte {
	out := make([]byte, HeaderSize+len(f.Payload))
	out[0] = byte(f.Type)
	binary.BigEndian.PutUint16(out[1:3], uint16(len(f.Payload)))
	copy(out[HeaderSize:], f.Payload)
	return out
}

// EncodeStart builds a START frame carrying the call identifier.
func EncodeStart(id uuid.UUID) []byte {
	return Encode(&Frame{Type: TypeStart, Payload: id[:]})
}

// EncodeAudio builds an AUDIO frame around one PCM chunk.
func EncodeAudio(pcm []byte) []byte {
	return Encode(&Frame{Type: TypeAudio, Payload: pcm})
}

// EncodeDTMF builds a DTMF frame for one digit.
func EncodeDTMF(digit byte) []byte {
	return Encode(&Frame{Type: TypeDTMF, Payload: []byte{digit}})
}

// EncodeHangup builds the empty HANGUP frame.
func EncodeHangup() []byte {
	return Encode(&Frame{Type: TypeHangup})
}

// EncodeError builds an ERROR frame with a short diagnostic. The message is
// truncated to fit the default payload limit.
func EncodeError(msg string) []byte {
	if len(msg) > DefaultMaxPayload {
		msg = msg[:DefaultMaxPayload]
	}
	return Encode(&Frame{Type: TypeError, Payload: []byte(msg)})
}
