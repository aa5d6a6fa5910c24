// Package http2 decodes and re-encodes the frames of one direction of an
// HTTP/2 connection that is being relayed, not terminated. Frame, flag and
// setting constants come from golang.org/x/net/http2; header compression uses
// golang.org/x/net/http2/hpack.
package http2

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/net/http2"
)

const (
	// FrameHeaderLength is the fixed size of every frame header.
	FrameHeaderLength = 9
	// InitialMaxFrameSize is SETTINGS_MAX_FRAME_SIZE before any SETTINGS frame.
	InitialMaxFrameSize = 16384
	// MaxFrameSizeLimit is the largest value SETTINGS_MAX_FRAME_SIZE may take.
	MaxFrameSizeLimit = 1<<24 - 1
)

// Preface is the connection preface a client sends before its first frame.
const Preface = http2.ClientPreface

var (
	ErrProtocol    = errors.New("http2: protocol error")
	ErrFrameSize   = errors.New("http2: frame size error")
	ErrFlowControl = errors.New("http2: flow control error")
)

// FrameHeader is the decoded 9-byte header of a frame.
type FrameHeader struct {
	Length   uint32
	Type     http2.FrameType
	Flags    http2.Flags
	StreamID uint32
}

// ParseFrameHeader decodes b[:9]. The reserved stream id bit is masked off.
func ParseFrameHeader(b []byte) FrameHeader {
	return FrameHeader{
		Length:   uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2]),
		Type:     http2.FrameType(b[3]),
		Flags:    http2.Flags(b[4]),
		StreamID: binary.BigEndian.Uint32(b[5:]) & (1<<31 - 1),
	}
}

func (h FrameHeader) Has(f http2.Flags) bool { return h.Flags.Has(f) }

func (h FrameHeader) String() string {
	return fmt.Sprintf("%v stream=%d len=%d flags=%#x", h.Type, h.StreamID, h.Length, uint8(h.Flags))
}

// AppendFrameHeader appends the wire form of h to b.
func AppendFrameHeader(b []byte, h FrameHeader) []byte {
	return append(b,
		byte(h.Length>>16), byte(h.Length>>8), byte(h.Length),
		byte(h.Type), byte(h.Flags),
		byte(h.StreamID>>24)&0x7f, byte(h.StreamID>>16), byte(h.StreamID>>8), byte(h.StreamID))
}

// EndStreamFrame is an empty DATA frame that only carries END_STREAM.
func EndStreamFrame(streamID uint32) []byte {
	return AppendFrameHeader(make([]byte, 0, FrameHeaderLength), FrameHeader{
		Type:     http2.FrameData,
		Flags:    http2.FlagDataEndStream,
		StreamID: streamID,
	})
}

// stripPadding removes the pad length octet and the trailing padding.
func stripPadding(payload []byte) ([]byte, error) {
	if len(payload) < 1 {
		return nil, fmt.Errorf("%w: padded frame without pad length", ErrProtocol)
	}
	pad := int(payload[0])
	if pad > len(payload)-1 {
		return nil, fmt.Errorf("%w: padding %d exceeds payload %d", ErrProtocol, pad, len(payload)-1)
	}
	return payload[1 : len(payload)-pad], nil
}
