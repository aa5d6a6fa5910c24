package mitm

import (
	"encoding/binary"
	"errors"
)

var (
	ErrNotClientHello = errors.New("mitm: not a client hello")
	ErrShortHello     = errors.New("mitm: truncated client hello")
)

const (
	extServerName = 0x0000
	extALPN       = 0x0010

	handshakeClientHello = 1
)

// ClientHello holds the fields of a ClientHello that drive interception.
type ClientHello struct {
	Version    uint16
	ServerName string
	ALPN       []string
}

// ParseClientHello reads the ClientHello in the first record of data.
func ParseClientHello(data []byte) (*ClientHello, error) {
	if len(data) < recordHeaderLength+4 {
		return nil, ErrShortHello
	}
	if data[0] != ContentHandshake || data[5] != handshakeClientHello {
		return nil, ErrNotClientHello
	}
	hello := &ClientHello{Version: binary.BigEndian.Uint16(data[1:3])}
	if hello.Version < 0x0301 {
		return nil, ErrNotClientHello
	}
	end := recordHeaderLength + int(binary.BigEndian.Uint16(data[3:5]))
	if end > len(data) {
		return nil, ErrShortHello
	}
	data = data[:end]

	// record header, handshake header, client version and random
	offset := recordHeaderLength + 4 + 2 + 32
	if len(data) < offset+1 {
		return nil, ErrShortHello
	}
	offset += 1 + int(data[offset])

	if len(data) < offset+2 {
		return nil, ErrShortHello
	}
	offset += 2 + int(binary.BigEndian.Uint16(data[offset:]))

	if len(data) < offset+1 {
		return nil, ErrShortHello
	}
	offset += 1 + int(data[offset])

	if len(data) < offset+2 {
		// no extensions
		return hello, nil
	}
	extEnd := offset + 2 + int(binary.BigEndian.Uint16(data[offset:]))
	offset += 2
	if extEnd > len(data) {
		return nil, ErrShortHello
	}

	for offset+4 <= extEnd {
		typ := binary.BigEndian.Uint16(data[offset:])
		n := int(binary.BigEndian.Uint16(data[offset+2:]))
		offset += 4
		if offset+n > extEnd {
			return nil, ErrShortHello
		}
		ext := data[offset : offset+n]
		switch typ {
		case extServerName:
			hello.ServerName = parseServerName(ext)
		case extALPN:
			hello.ALPN = parseALPN(ext)
		}
		offset += n
	}
	return hello, nil
}

func parseServerName(ext []byte) string {
	if len(ext) < 2 {
		return ""
	}
	ext = ext[2:]
	for len(ext) >= 3 {
		typ := ext[0]
		n := int(binary.BigEndian.Uint16(ext[1:3]))
		ext = ext[3:]
		if n > len(ext) {
			return ""
		}
		if typ == 0 {
			return string(ext[:n])
		}
		ext = ext[n:]
	}
	return ""
}

func parseALPN(ext []byte) []string {
	if len(ext) < 2 {
		return nil
	}
	ext = ext[2:]
	var protos []string
	for len(ext) >= 1 {
		n := int(ext[0])
		if 1+n > len(ext) {
			break
		}
		protos = append(protos, string(ext[1:1+n]))
		ext = ext[1+n:]
	}
	return protos
}
