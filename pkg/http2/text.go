package http2

import (
	"bytes"
	"fmt"
	"strings"

	"golang.org/x/net/http2/hpack"
)

// TextVersion is the protocol token used in rendered start lines.
const TextVersion = "HTTP/2.0"

var crlf = []byte("\r\n")

// connection-specific fields that must not appear in an HTTP/2 header block
var hopHeaders = map[string]bool{
	"connection":        true,
	"keep-alive":        true,
	"proxy-connection":  true,
	"transfer-encoding": true,
	"upgrade":           true,
}

// RenderHeaders renders a decoded header block as an HTTP/1 style message
// head: a start line built from the pseudo fields, "Name: value" lines and a
// blank line. Requests map :authority to Host. A plain CONNECT targets its
// authority; an extended CONNECT keeps :protocol as a line of its own. A
// trailer block has no start line.
func RenderHeaders(fields []hpack.HeaderField, request, trailer bool) []byte {
	var b bytes.Buffer
	if !trailer {
		var method, path, authority, status, protocol string
		for _, f := range fields {
			switch f.Name {
			case ":method":
				method = f.Value
			case ":path":
				path = f.Value
			case ":authority":
				authority = f.Value
			case ":status":
				status = f.Value
			case ":protocol":
				protocol = f.Value
			}
		}
		if request {
			switch {
			case method == "CONNECT" && protocol == "":
				path = authority
			case path == "":
				path = "*"
			}
			fmt.Fprintf(&b, "%s %s %s\r\n", method, path, TextVersion)
			if authority != "" {
				fmt.Fprintf(&b, "Host: %s\r\n", authority)
			}
			if protocol != "" {
				fmt.Fprintf(&b, ":protocol: %s\r\n", protocol)
			}
		} else {
			fmt.Fprintf(&b, "%s %s\r\n", TextVersion, status)
		}
	}
	for _, f := range fields {
		if f.IsPseudo() {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\r\n", f.Name, f.Value)
	}
	b.Write(crlf)
	return b.Bytes()
}

// ParseHeaders is the inverse of RenderHeaders. Field names are lowercased,
// Host becomes :authority, the scheme of requests is https and hop-by-hop
// fields are dropped. A CONNECT without :protocol carries only :method and
// :authority (RFC 9113 section 8.5).
func ParseHeaders(text []byte, request, trailer bool) ([]hpack.HeaderField, error) {
	text = bytes.TrimSuffix(text, crlf)
	lines := strings.Split(string(text), "\r\n")
	var fields []hpack.HeaderField
	if !trailer {
		if len(lines) == 0 || lines[0] == "" {
			return nil, fmt.Errorf("%w: empty header block", ErrProtocol)
		}
		parts := strings.SplitN(lines[0], " ", 3)
		if request {
			if len(parts) < 2 {
				return nil, fmt.Errorf("%w: malformed request line %q", ErrProtocol, lines[0])
			}
			method, target := parts[0], parts[1]
			host := findField(lines[1:], "host")
			protocol := findField(lines[1:], ":protocol")
			fields = append(fields, hpack.HeaderField{Name: ":method", Value: method})
			if method == "CONNECT" && protocol == "" {
				if host == "" {
					host = target
				}
				fields = append(fields, hpack.HeaderField{Name: ":authority", Value: host})
			} else {
				if protocol != "" {
					fields = append(fields, hpack.HeaderField{Name: ":protocol", Value: protocol})
				}
				fields = append(fields, hpack.HeaderField{Name: ":scheme", Value: "https"})
				if host != "" {
					fields = append(fields, hpack.HeaderField{Name: ":authority", Value: host})
				}
				fields = append(fields, hpack.HeaderField{Name: ":path", Value: target})
			}
		} else {
			if len(parts) < 2 {
				return nil, fmt.Errorf("%w: malformed status line %q", ErrProtocol, lines[0])
			}
			fields = append(fields, hpack.HeaderField{Name: ":status", Value: parts[1]})
		}
		lines = lines[1:]
	}
	for _, line := range lines {
		if line == "" {
			continue
		}
		name, value, ok := cutField(line)
		if !ok {
			return nil, fmt.Errorf("%w: malformed header line %q", ErrProtocol, line)
		}
		name = strings.ToLower(strings.TrimSpace(name))
		if hopHeaders[name] || strings.HasPrefix(name, ":") || (request && name == "host") {
			continue
		}
		fields = append(fields, hpack.HeaderField{Name: name, Value: strings.TrimSpace(value)})
	}
	return fields, nil
}

// cutField splits a "Name: value" line. Pseudo fields keep their leading
// colon.
func cutField(line string) (name, value string, ok bool) {
	if strings.HasPrefix(line, ":") {
		name, value, ok = strings.Cut(line[1:], ":")
		return ":" + name, value, ok
	}
	return strings.Cut(line, ":")
}

func findField(lines []string, want string) string {
	for _, line := range lines {
		name, value, ok := cutField(line)
		if ok && strings.EqualFold(strings.TrimSpace(name), want) {
			return strings.TrimSpace(value)
		}
	}
	return ""
}
