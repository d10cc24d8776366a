package carol

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashString(t *testing.T) {
	h := HashBytes([]byte("hello"))
	expected := "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"
	require.Equal(t, expected, h.String())
}

func TestHashShortString(t *testing.T) {
	h := HashBytes([]byte("hello"))
	short := h.ShortString()
	require.Len(t, short, 16)
	require.True(t, strings.HasPrefix(h.String(), short))
}

func TestHashIsZero(t *testing.T) {
	var zero Hash
	require.True(t, zero.IsZero())

	h := HashBytes([]byte("test"))
	require.False(t, h.IsZero())
}

func TestHashMarshalUnmarshal(t *testing.T) {
	original := HashBytes([]byte("test data"))

	text, err := original.MarshalText()
	require.NoError(t, err)

	var parsed Hash
	err = parsed.UnmarshalText(text)
	require.NoError(t, err)

	require.Equal(t, original, parsed)
}

func TestParseHash(t *testing.T) {
	original := HashBytes([]byte("parse test"))
	hex := original.String()

	parsed, err := ParseHash(hex)
	require.NoError(t, err)

	require.Equal(t, original, parsed)
}

func TestParseHashInvalid(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"too short", "abc123"},
		{"too long", strings.Repeat("a", 128)},
		{"invalid hex", strings.Repeat("zz", 32)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseHash(tt.input)
			require.Error(t, err)
		})
	}
}

func TestHashBytes(t *testing.T) {
	data := []byte("hello world")
	h1 := HashBytes(data)
	h2 := HashBytes(data)

	require.Equal(t, h1, h2)

	h3 := HashBytes([]byte("different"))
	require.NotEqual(t, h1, h3)
}

func TestHashingReader(t *testing.T) {
	data := []byte("streaming hash test")
	reader := bytes.NewReader(data)
	hr := NewHashingReader(reader)

	buf := make([]byte, 1024)
	total := 0
	for {
		n, err := hr.Read(buf[total:])
		total += n
		if err != nil {
			break
		}
	}

	require.Equal(t, int64(total), hr.BytesRead())

	expected := HashBytes(data)
	require.Equal(t, expected, hr.Sum())
}
