// Package mitm terminates the TLS session of an intercepted app with a leaf
// certificate issued by the local CA while keeping a genuine TLS session to
// the real server.
package mitm

import "encoding/binary"

// TLS record content types.
const (
	ContentChangeCipherSpec = 20
	ContentAlert            = 21
	ContentHandshake        = 22
	ContentApplicationData  = 23
	ContentHeartbeat        = 24

	recordHeaderLength = 5
)

// Record classifies the bytes at the head of a stream.
type Record int

const (
	// RecordNotEnough means more bytes are needed to decide.
	RecordNotEnough Record = iota + 1
	// RecordPlain means the stream is not TLS.
	RecordPlain
	// RecordTLS means a complete record is available.
	RecordTLS
)

func (r Record) String() string {
	switch r {
	case RecordNotEnough:
		return "not-enough"
	case RecordPlain:
		return "plain"
	case RecordTLS:
		return "tls"
	}
	return "unknown"
}

// VerifyRecord checks whether b starts with a complete SSLv3/TLS record, or
// an SSLv2 style record.
func VerifyRecord(b []byte) Record {
	if len(b) < recordHeaderLength {
		return RecordNotEnough
	}
	length := 0
	tls := false
	switch b[0] {
	case ContentChangeCipherSpec, ContentAlert, ContentHandshake, ContentApplicationData, ContentHeartbeat:
		if b[1] == 3 {
			length = int(binary.BigEndian.Uint16(b[3:5])) + recordHeaderLength
			tls = length > recordHeaderLength
		}
	}
	if !tls {
		headerLength := 3
		if b[0]&0x80 != 0 {
			headerLength = 2
		}
		major := b[headerLength+1]
		if major != 2 && major != 3 {
			return RecordPlain
		}
		v := int(binary.BigEndian.Uint16(b[0:2]))
		if headerLength == 2 {
			length = v&0x7fff + 2
		} else {
			length = v&0x3fff + 3
		}
		if length <= headerLength {
			return RecordNotEnough
		}
	}
	if length > len(b) {
		return RecordNotEnough
	}
	return RecordTLS
}

// IsHandshake reports whether b starts like a TLS handshake record.
func IsHandshake(b []byte) bool {
	return len(b) >= 3 && b[0] == ContentHandshake && b[1] == 3 && b[2] <= 4
}
