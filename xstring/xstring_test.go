package xstring

import (
	"testing"
	"testing/quick"

	"github.com/stretchr/testify/assert"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []string{
		"plain",
		"has space",
		"has_underscore",
		`back\slash`,
		"caret^value",
		"line\nbreak\r",
		"null\x00byte",
		"control\x01\x02byte",
		"",
	}
	for _, s := range cases {
		enc := encodeValue(s)
		got := decodeValue(enc)
		assert.Equal(t, s, got, "round trip for %q via %q", s, enc)
	}
}

func TestEncodeValueQuick(t *testing.T) {
	f := func(s string) bool {
		return decodeValue(encodeValue(s)) == s
	}
	if err := quick.Check(f, nil); err != nil {
		t.Error(err)
	}
}

func TestMapSetGetPositional(t *testing.T) {
	m := New()
	m.SetPositional("sync")
	m.Set("id", "7")
	m.Set("v", "42")

	pos, ok := m.Positional()
	assert.True(t, ok)
	assert.Equal(t, "sync", pos)

	v, ok := m.Get("id")
	assert.True(t, ok)
	assert.Equal(t, "7", v)

	_, ok = m.Get("missing")
	assert.False(t, ok)
}

func TestMapSetReplacesExisting(t *testing.T) {
	m := New()
	m.Set("id", "1")
	m.Set("id", "2")
	v, ok := m.Get("id")
	assert.True(t, ok)
	assert.Equal(t, "2", v)
}

func TestEncodeDecodeMap(t *testing.T) {
	m := New()
	m.SetPositional("set")
	m.Set("id", "3")
	m.Set("v", "hello world")

	line := m.Encode()
	got := Decode(line)

	pos, _ := got.Positional()
	assert.Equal(t, "set", pos)
	id, _ := got.Get("id")
	assert.Equal(t, "3", id)
	v, _ := got.Get("v")
	assert.Equal(t, "hello world", v)
}

func TestDecodeEmptyLine(t *testing.T) {
	m := Decode("")
	_, ok := m.Positional()
	assert.False(t, ok)
}

func TestDecodeBareKeyNoValue(t *testing.T) {
	m := Decode("foo")
	v, ok := m.Get("foo")
	assert.True(t, ok)
	assert.Equal(t, "", v)
}
