package http2

import (
	"bytes"
	"fmt"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

// Encoder frames header blocks and DATA for one direction of a connection.
// Its HPACK state is the only one the peer sees, so every header block sent
// in this direction must go through it.
type Encoder struct {
	out          bytes.Buffer
	framer       *http2.Framer
	block        bytes.Buffer
	hpack        *hpack.Encoder
	maxFrameSize uint32
}

func NewEncoder() *Encoder {
	e := &Encoder{maxFrameSize: InitialMaxFrameSize}
	e.framer = http2.NewFramer(&e.out, nil)
	e.hpack = hpack.NewEncoder(&e.block)
	return e
}

// SetMaxFrameSize sets the largest frame the peer accepts.
func (e *Encoder) SetMaxFrameSize(n uint32) {
	e.maxFrameSize = n
}

// SetMaxDynamicTableSize applies the peer's SETTINGS_HEADER_TABLE_SIZE.
func (e *Encoder) SetMaxDynamicTableSize(n uint32) {
	e.hpack.SetMaxDynamicTableSizeLimit(n)
}

// EncodeHeaders returns a HEADERS frame, followed by CONTINUATION frames when
// the block does not fit in one frame.
func (e *Encoder) EncodeHeaders(streamID uint32, fields []hpack.HeaderField, endStream bool) ([]byte, error) {
	e.block.Reset()
	for _, f := range fields {
		if err := e.hpack.WriteField(f); err != nil {
			return nil, fmt.Errorf("hpack encode %q: %w", f.Name, err)
		}
	}
	e.out.Reset()
	block := e.block.Bytes()
	limit := int(e.maxFrameSize)
	first := block
	if len(first) > limit {
		first = block[:limit]
	}
	block = block[len(first):]
	err := e.framer.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      streamID,
		BlockFragment: first,
		EndStream:     endStream,
		EndHeaders:    len(block) == 0,
	})
	if err != nil {
		return nil, err
	}
	for len(block) > 0 {
		chunk := block
		if len(chunk) > limit {
			chunk = block[:limit]
		}
		block = block[len(chunk):]
		if err := e.framer.WriteContinuation(streamID, len(block) == 0, chunk); err != nil {
			return nil, err
		}
	}
	return e.take(), nil
}

// EncodeData returns data split into DATA frames of at most the peer's frame
// size. Empty data still produces one frame when endStream is set.
func (e *Encoder) EncodeData(streamID uint32, data []byte, endStream bool) ([]byte, error) {
	e.out.Reset()
	limit := int(e.maxFrameSize)
	for {
		chunk := data
		if len(chunk) > limit {
			chunk = data[:limit]
		}
		data = data[len(chunk):]
		last := len(data) == 0
		if err := e.framer.WriteData(streamID, endStream && last, chunk); err != nil {
			return nil, err
		}
		if last {
			break
		}
	}
	return e.take(), nil
}

func (e *Encoder) take() []byte {
	b := make([]byte, e.out.Len())
	copy(b, e.out.Bytes())
	e.out.Reset()
	return b
}
