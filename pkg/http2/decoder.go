package http2

import (
	"bytes"
	"fmt"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

// Listener receives what a Decoder extracts from one direction of a
// connection. Returning an error from any method aborts the decode.
type Listener interface {
	// OnHeaders is called once per complete header block. trailer is true
	// when the stream already carried a header block.
	OnHeaders(streamID uint32, fields []hpack.HeaderField, trailer bool) error
	// OnData is called with the unpadded payload of a non-empty DATA frame.
	OnData(streamID uint32, data []byte) error
	// OnSkip is called with frames that go to the peer as they are: the
	// preface, frames that are not deep-parsed, SETTINGS and the synthetic
	// END_STREAM frames.
	OnSkip(frame []byte) error
	// OnSettings is called with the settings of a non-ack SETTINGS frame.
	OnSettings(s *Settings)
}

// Stream is the decode cursor of one connection direction.
type Stream struct {
	ID uint32
	// InHeaders is set between a HEADERS frame without END_HEADERS and the
	// CONTINUATION that completes it.
	InHeaders bool
	endStream bool
	trailer   bool
}

// Decoder splits a byte stream into frames, buffering partial frames across
// calls, and decodes header blocks with a connection-wide HPACK decoder.
type Decoder struct {
	listener     Listener
	stream       Stream
	hpack        *hpack.Decoder
	fields       []hpack.HeaderField
	pending      []byte
	maxFrameSize uint32
	preface      bool
	// streams that already delivered a header block
	seen map[uint32]bool
}

// NewDecoder returns a decoder for the server to client direction.
func NewDecoder(l Listener) *Decoder {
	d := &Decoder{
		listener:     l,
		maxFrameSize: InitialMaxFrameSize,
		seen:         make(map[uint32]bool),
	}
	d.hpack = hpack.NewDecoder(4096, func(f hpack.HeaderField) {
		d.fields = append(d.fields, f)
	})
	return d
}

// NewPrefaceDecoder returns a decoder for the client to server direction,
// which starts with the connection preface.
func NewPrefaceDecoder(l Listener) *Decoder {
	d := NewDecoder(l)
	d.preface = true
	return d
}

// Stream returns the current decode cursor.
func (d *Decoder) Stream() Stream { return d.stream }

// SetMaxFrameSize sets the largest frame the peer may send.
func (d *Decoder) SetMaxFrameSize(n uint32) { d.maxFrameSize = n }

// SetMaxDynamicTableSize bounds the HPACK dynamic table the peer may use.
func (d *Decoder) SetMaxDynamicTableSize(n uint32) {
	d.hpack.SetAllowedMaxDynamicTableSize(n)
}

// Pending returns the number of buffered bytes waiting for a complete frame.
func (d *Decoder) Pending() int { return len(d.pending) }

// Decode consumes buf. Any error is fatal for the connection.
func (d *Decoder) Decode(buf []byte) error {
	if len(d.pending) > 0 {
		buf = append(d.pending, buf...)
		d.pending = nil
	}

	if d.preface {
		n := len(Preface)
		if len(buf) < n {
			if !bytes.HasPrefix([]byte(Preface), buf) {
				return fmt.Errorf("%w: bad connection preface", ErrProtocol)
			}
			d.pend(buf)
			return nil
		}
		if string(buf[:n]) != Preface {
			return fmt.Errorf("%w: bad connection preface", ErrProtocol)
		}
		d.preface = false
		if err := d.listener.OnSkip(buf[:n]); err != nil {
			return err
		}
		buf = buf[n:]
	}

	for len(buf) > 0 {
		if len(buf) < FrameHeaderLength {
			d.pend(buf)
			return nil
		}
		h := ParseFrameHeader(buf)
		if h.Length > d.maxFrameSize {
			return fmt.Errorf("%w: %v exceeds %d", ErrFrameSize, h, d.maxFrameSize)
		}
		size := FrameHeaderLength + int(h.Length)
		if len(buf) < size {
			d.pend(buf)
			return nil
		}
		if err := d.decodeFrame(h, buf[:size]); err != nil {
			return err
		}
		buf = buf[size:]
	}
	return nil
}

func (d *Decoder) pend(b []byte) {
	d.pending = append(make([]byte, 0, len(b)), b...)
}

func (d *Decoder) decodeFrame(h FrameHeader, frame []byte) error {
	if d.stream.InHeaders && h.Type != http2.FrameContinuation {
		return fmt.Errorf("%w: %v while header block of stream %d is open", ErrProtocol, h.Type, d.stream.ID)
	}
	payload := frame[FrameHeaderLength:]
	switch h.Type {
	case http2.FrameData:
		return d.decodeData(h, payload)
	case http2.FrameHeaders:
		return d.decodeHeaders(h, payload)
	case http2.FrameContinuation:
		return d.decodeContinuation(h, payload)
	case http2.FrameSettings:
		s, err := ParseSettings(h, payload)
		if err != nil {
			return err
		}
		if s != nil {
			d.listener.OnSettings(s)
		}
		return d.listener.OnSkip(frame)
	case http2.FrameRSTStream:
		delete(d.seen, h.StreamID)
		return d.listener.OnSkip(frame)
	default:
		return d.listener.OnSkip(frame)
	}
}

func (d *Decoder) decodeData(h FrameHeader, payload []byte) error {
	if h.StreamID == 0 {
		return fmt.Errorf("%w: DATA on stream 0", ErrProtocol)
	}
	d.stream.ID = h.StreamID
	if h.Has(http2.FlagDataPadded) {
		var err error
		if payload, err = stripPadding(payload); err != nil {
			return err
		}
	}
	if len(payload) > 0 {
		if err := d.listener.OnData(h.StreamID, payload); err != nil {
			return err
		}
	}
	if h.Has(http2.FlagDataEndStream) {
		return d.endStream(h.StreamID)
	}
	return nil
}

func (d *Decoder) decodeHeaders(h FrameHeader, payload []byte) error {
	if h.StreamID == 0 {
		return fmt.Errorf("%w: HEADERS on stream 0", ErrProtocol)
	}
	var err error
	if h.Has(http2.FlagHeadersPadded) {
		if payload, err = stripPadding(payload); err != nil {
			return err
		}
	}
	if h.Has(http2.FlagHeadersPriority) {
		if len(payload) < 5 {
			return fmt.Errorf("%w: HEADERS priority truncated", ErrProtocol)
		}
		payload = payload[5:]
	}
	d.stream = Stream{
		ID:        h.StreamID,
		InHeaders: true,
		endStream: h.Has(http2.FlagHeadersEndStream),
		trailer:   d.seen[h.StreamID],
	}
	return d.headerFragment(payload, h.Has(http2.FlagHeadersEndHeaders))
}

func (d *Decoder) decodeContinuation(h FrameHeader, payload []byte) error {
	if !d.stream.InHeaders {
		return fmt.Errorf("%w: CONTINUATION without HEADERS", ErrProtocol)
	}
	if h.StreamID != d.stream.ID {
		return fmt.Errorf("%w: CONTINUATION on stream %d, expected %d", ErrProtocol, h.StreamID, d.stream.ID)
	}
	return d.headerFragment(payload, h.Has(http2.FlagContinuationEndHeaders))
}

func (d *Decoder) headerFragment(fragment []byte, endHeaders bool) error {
	if _, err := d.hpack.Write(fragment); err != nil {
		return fmt.Errorf("%w: hpack: %v", ErrProtocol, err)
	}
	if !endHeaders {
		return nil
	}
	if err := d.hpack.Close(); err != nil {
		return fmt.Errorf("%w: hpack: %v", ErrProtocol, err)
	}
	id := d.stream.ID
	fields := d.fields
	d.fields = nil
	d.stream.InHeaders = false
	trailer := d.stream.trailer
	d.seen[id] = true
	if err := d.listener.OnHeaders(id, fields, trailer); err != nil {
		return err
	}
	if d.stream.endStream {
		return d.endStream(id)
	}
	return nil
}

func (d *Decoder) endStream(id uint32) error {
	delete(d.seen, id)
	return d.listener.OnSkip(EndStreamFrame(id))
}
