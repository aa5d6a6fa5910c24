package http2

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/net/http2"
)

// Internal setting ids. MAX_CONCURRENT_STREAMS and INITIAL_WINDOW_SIZE live
// at 4 and 7 rather than at their wire ids 3 and 4.
const (
	SettingHeaderTableSize      = 1
	SettingEnablePush           = 2
	SettingMaxConcurrentStreams = 4
	SettingMaxFrameSize         = 5
	SettingMaxHeaderListSize    = 6
	SettingInitialWindowSize    = 7

	settingsCount = 10
)

// DefaultInitialWindowSize is the flow control window before SETTINGS.
const DefaultInitialWindowSize = 65535

const settingEntryLength = 6

// Settings is a sparse set of HTTP/2 settings keyed by internal id.
type Settings struct {
	set    uint32
	values [settingsCount]uint32
}

// Set stores v under the internal id. Ids outside the table are ignored.
func (s *Settings) Set(id int, v uint32) *Settings {
	if id < 0 || id >= settingsCount {
		return s
	}
	s.set |= 1 << id
	s.values[id] = v
	return s
}

func (s *Settings) IsSet(id int) bool {
	if id < 0 || id >= settingsCount {
		return false
	}
	return s.set&(1<<id) != 0
}

func (s *Settings) Get(id int) uint32 { return s.values[id] }

// Size is the number of settings present.
func (s *Settings) Size() int {
	n := 0
	for id := 0; id < settingsCount; id++ {
		if s.IsSet(id) {
			n++
		}
	}
	return n
}

func (s *Settings) Clear() { *s = Settings{} }

// Merge copies every setting present in other over s.
func (s *Settings) Merge(other *Settings) {
	for id := 0; id < settingsCount; id++ {
		if other.IsSet(id) {
			s.Set(id, other.Get(id))
		}
	}
}

// HeaderTableSize returns SETTINGS_HEADER_TABLE_SIZE or -1 when absent.
func (s *Settings) HeaderTableSize() int64 {
	if !s.IsSet(SettingHeaderTableSize) {
		return -1
	}
	return int64(s.values[SettingHeaderTableSize])
}

func (s *Settings) EnablePush(def bool) bool {
	if !s.IsSet(SettingEnablePush) {
		return def
	}
	return s.values[SettingEnablePush] == 1
}

func (s *Settings) MaxConcurrentStreams(def uint32) uint32 {
	return s.getOr(SettingMaxConcurrentStreams, def)
}

func (s *Settings) MaxFrameSize(def uint32) uint32 {
	return s.getOr(SettingMaxFrameSize, def)
}

func (s *Settings) MaxHeaderListSize(def uint32) uint32 {
	return s.getOr(SettingMaxHeaderListSize, def)
}

func (s *Settings) InitialWindowSize() uint32 {
	return s.getOr(SettingInitialWindowSize, DefaultInitialWindowSize)
}

func (s *Settings) getOr(id int, def uint32) uint32 {
	if !s.IsSet(id) {
		return def
	}
	return s.values[id]
}

// ParseSettings validates a SETTINGS frame and decodes its entries. The frame
// header must already describe a SETTINGS frame; the payload excludes it.
// An ack yields nil settings.
func ParseSettings(h FrameHeader, payload []byte) (*Settings, error) {
	if h.StreamID != 0 {
		return nil, fmt.Errorf("%w: SETTINGS on stream %d", ErrProtocol, h.StreamID)
	}
	if h.Has(http2.FlagSettingsAck) {
		if h.Length != 0 {
			return nil, fmt.Errorf("%w: SETTINGS ack with length %d", ErrFrameSize, h.Length)
		}
		return nil, nil
	}
	if h.Length%settingEntryLength != 0 {
		return nil, fmt.Errorf("%w: SETTINGS length %d not a multiple of 6", ErrFrameSize, h.Length)
	}

	s := &Settings{}
	for i := 0; i+settingEntryLength <= len(payload); i += settingEntryLength {
		wireID := http2.SettingID(binary.BigEndian.Uint16(payload[i:]))
		v := binary.BigEndian.Uint32(payload[i+2:])
		var id int
		switch wireID {
		case http2.SettingHeaderTableSize:
			id = SettingHeaderTableSize
		case http2.SettingEnablePush:
			if v != 0 && v != 1 {
				return nil, fmt.Errorf("%w: ENABLE_PUSH must be 0 or 1, got %d", ErrProtocol, v)
			}
			id = SettingEnablePush
		case http2.SettingMaxConcurrentStreams:
			id = SettingMaxConcurrentStreams
		case http2.SettingInitialWindowSize:
			if int32(v) < 0 {
				return nil, fmt.Errorf("%w: INITIAL_WINDOW_SIZE %d", ErrFlowControl, v)
			}
			id = SettingInitialWindowSize
		case http2.SettingMaxFrameSize:
			if v < InitialMaxFrameSize || v > MaxFrameSizeLimit {
				return nil, fmt.Errorf("%w: MAX_FRAME_SIZE %d", ErrProtocol, v)
			}
			id = SettingMaxFrameSize
		case http2.SettingMaxHeaderListSize:
			id = SettingMaxHeaderListSize
		default:
			continue
		}
		s.Set(id, v)
	}
	return s, nil
}
