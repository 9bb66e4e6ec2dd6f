// Package proto implements the binary framing of the SSH Relay v4 protocol
// spoken over the relay's WebSocket transport.
//
// Every frame starts with a big-endian uint16 tag. CONNECT_SUCCESS_SID and DATA
// carry a uint32 length followed by that many bytes; RECONNECT_SUCCESS_ACK and
// ACK carry a uint64 byte count.
package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Subprotocol is the WebSocket subprotocol both ends negotiate.
const Subprotocol = "relay.tunnel.cloudproxy.app"

// Frame tags.
const (
	TagConnectSuccessSID   uint16 = 0x0001
	TagReconnectSuccessAck uint16 = 0x0002
	TagDeprecated          uint16 = 0x0003
	TagData                uint16 = 0x0004
	TagAck                 uint16 = 0x0007
)

// Size limits imposed by the relay.
const (
	MaxDataPayload = 16 * 1024
	MaxFrameSize   = tagLen + lenLen + MaxDataPayload

	// MinReadSize is the smallest buffer a session read can be served into
	// without splitting a DATA frame.
	MinReadSize = MaxDataPayload
	// MaxWriteSize is the largest payload a single session write may carry.
	MaxWriteSize = MaxDataPayload

	tagLen = 2
	lenLen = 4
	ackLen = 8
)

// ErrMalformed is returned for frames that are truncated or exceed size limits.
var ErrMalformed = errors.New("malformed relay frame")

// Frame is a decoded relay message. Only the fields matching Tag are set.
type Frame struct {
	Tag  uint16
	SID  string
	Ack  uint64
	Data []byte
}

// Known reports whether the tag is one the client acts on.
func (f Frame) Known() bool {
	switch f.Tag {
	case TagConnectSuccessSID, TagReconnectSuccessAck, TagData, TagAck:
		return true
	}
	return false
}

// EncodeData frames p as a DATA message. p must not exceed MaxDataPayload.
func EncodeData(p []byte) []byte {
	b := make([]byte, tagLen+lenLen+len(p))
	binary.BigEndian.PutUint16(b, TagData)
	binary.BigEndian.PutUint32(b[tagLen:], uint32(len(p)))
	copy(b[tagLen+lenLen:], p)
	return b
}

// EncodeAck frames an ACK for n received bytes.
func EncodeAck(n uint64) []byte { return encodeCount(TagAck, n) }

// EncodeReconnectSuccessAck frames the relay's reply to a successful reconnect.
func EncodeReconnectSuccessAck(n uint64) []byte { return encodeCount(TagReconnectSuccessAck, n) }

// EncodeConnectSuccessSID frames the relay's reply to a successful connect.
func EncodeConnectSuccessSID(sid string) []byte {
	b := make([]byte, tagLen+lenLen+len(sid))
	binary.BigEndian.PutUint16(b, TagConnectSuccessSID)
	binary.BigEndian.PutUint32(b[tagLen:], uint32(len(sid)))
	copy(b[tagLen+lenLen:], sid)
	return b
}

func encodeCount(tag uint16, n uint64) []byte {
	b := make([]byte, tagLen+ackLen)
	binary.BigEndian.PutUint16(b, tag)
	binary.BigEndian.PutUint64(b[tagLen:], n)
	return b
}

// Decode parses one frame. The returned Data aliases b.
// Frames with unknown tags decode without error so callers can skip them.
func Decode(b []byte) (Frame, error) {
	if len(b) < tagLen {
		return Frame{}, fmt.Errorf("%w: %d byte message", ErrMalformed, len(b))
	}
	f := Frame{Tag: binary.BigEndian.Uint16(b)}
	body := b[tagLen:]
	switch f.Tag {
	case TagData, TagConnectSuccessSID:
		p, err := decodeLengthPrefixed(body)
		if err != nil {
			return Frame{}, fmt.Errorf("tag 0x%04x: %w", f.Tag, err)
		}
		if f.Tag == TagData {
			f.Data = p
		} else {
			if len(p) == 0 {
				return Frame{}, fmt.Errorf("%w: empty sid", ErrMalformed)
			}
			f.SID = string(p)
		}
	case TagAck, TagReconnectSuccessAck:
		if len(body) < ackLen {
			return Frame{}, fmt.Errorf("%w: tag 0x%04x needs %d bytes, got %d", ErrMalformed, f.Tag, ackLen, len(body))
		}
		f.Ack = binary.BigEndian.Uint64(body)
	}
	return f, nil
}

func decodeLengthPrefixed(body []byte) ([]byte, error) {
	if len(body) < lenLen {
		return nil, fmt.Errorf("%w: missing length", ErrMalformed)
	}
	n := binary.BigEndian.Uint32(body)
	if n > MaxDataPayload {
		return nil, fmt.Errorf("%w: length %d exceeds %d", ErrMalformed, n, MaxDataPayload)
	}
	if uint32(len(body)-lenLen) < n {
		return nil, fmt.Errorf("%w: length %d, have %d", ErrMalformed, n, len(body)-lenLen)
	}
	return body[lenLen : lenLen+int(n)], nil
}
