// Package xstring implements the XString map encoding used as the ARN wire
// line protocol (spec §6.2): a sequence of space-separated key=value pairs
// where values are escaped so they never contain a literal space or control
// byte. The first pair, when its key is empty, carries the frame's command
// as a positional value.
package xstring

import (
	"strings"
)

// Map is an ordered XString key/value map. Order is preserved because some
// frames (e.g., the command pair) must stay first.
type Map struct {
	keys   []string
	values []string
}

// New returns an empty Map.
func New() *Map {
	return &Map{}
}

// SetPositional sets the positional (empty-key) command value as the first
// pair, replacing it if already present.
func (m *Map) SetPositional(value string) {
	if len(m.keys) > 0 && m.keys[0] == "" {
		m.values[0] = value
		return
	}
	m.keys = append([]string{""}, m.keys...)
	m.values = append([]string{value}, m.values...)
}

// Set adds or replaces the value for key.
func (m *Map) Set(key, value string) {
	for i, k := range m.keys {
		if k == key {
			m.values[i] = value
			return
		}
	}
	m.keys = append(m.keys, key)
	m.values = append(m.values, value)
}

// Get returns the value for key and whether it was present.
func (m *Map) Get(key string) (string, bool) {
	for i, k := range m.keys {
		if k == key {
			return m.values[i], true
		}
	}
	return "", false
}

// Positional returns the command's positional value, if any.
func (m *Map) Positional() (string, bool) {
	if len(m.keys) > 0 && m.keys[0] == "" {
		return m.values[0], true
	}
	return "", false
}

// Encode renders the map as a single protocol line, without the trailing
// newline.
func (m *Map) Encode() string {
	var b strings.Builder
	for i, k := range m.keys {
		if i > 0 {
			b.WriteByte(' ')
		}
		// The positional pair is written as "=value" so that Decode, which
		// reads a bare token as a key with an empty value, restores it.
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(encodeValue(m.values[i]))
	}
	return b.String()
}

// Decode parses a single protocol line (without its trailing newline) into
// a Map.
func Decode(line string) *Map {
	m := New()
	if line == "" {
		return m
	}
	for _, field := range strings.Split(line, " ") {
		if field == "" {
			continue
		}
		if eq := strings.IndexByte(field, '='); eq >= 0 {
			m.Set(field[:eq], decodeValue(field[eq+1:]))
		} else {
			m.Set(field, "")
		}
	}
	return m
}

// encodeValue applies the §6.2 escape table to a single value so it never
// contains a literal space or control byte: a space becomes '_', and a
// literal '_', backslash or '^' is escaped with a backslash.
func encodeValue(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == ' ':
			b.WriteByte('_')
		case c == '_':
			b.WriteString(`\_`)
		case c == '\\':
			b.WriteString(`\\`)
		case c == '^':
			b.WriteString(`\^`)
		case c == '\n':
			b.WriteString(`\n`)
		case c == '\r':
			b.WriteString(`\r`)
		case c == 0:
			b.WriteString(`\0`)
		case c < 0x20:
			// Other control byte: '^' followed by A + c - 1.
			b.WriteByte('^')
			b.WriteByte('A' + c - 1)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// decodeValue reverses encodeValue.
func decodeValue(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '_':
			b.WriteByte(' ')
		case '\\':
			i++
			if i >= len(s) {
				break
			}
			switch s[i] {
			case '_':
				b.WriteByte('_')
			case '\\':
				b.WriteByte('\\')
			case '^':
				b.WriteByte('^')
			case 'n':
				b.WriteByte('\n')
			case 'r':
				b.WriteByte('\r')
			case '0':
				b.WriteByte(0)
			default:
				b.WriteByte(s[i])
			}
		case '^':
			i++
			if i >= len(s) {
				break
			}
			b.WriteByte(s[i] - 'A' + 1)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
