package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func strs(tokens [][]byte) []string {
	out := make([]string, len(tokens))
	for i, t := range tokens {
		out[i] = string(t)
	}
	return out
}

func TestTokenize(t *testing.T) {
	tests := []struct {
		name   string
		line   string
		limit  int
		tokens []string
		rest   string
	}{
		{"empty", "", 8, []string{}, ""},
		{"blank", "   \t ", 8, []string{}, ""},
		{"single", "version", 8, []string{"version"}, ""},
		{"spaces", "get  foo   bar", 8, []string{"get", "foo", "bar"}, ""},
		{"tabs", "get\tfoo\t bar ", 8, []string{"get", "foo", "bar"}, ""},
		{"at limit", "a b c d e f g", 8, []string{"a", "b", "c", "d", "e", "f", "g"}, ""},
		{"beyond limit", "a b c d e f g h  i", 8, []string{"a", "b", "c", "d", "e", "f", "g"}, "h  i"},
		{"small limit", "get a b", 2, []string{"get"}, "a b"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tokens, rest := Tokenize(nil, []byte(tt.line), tt.limit)
			require.Equal(t, tt.tokens, strs(tokens))
			require.Equal(t, tt.rest, string(rest))
		})
	}
}

func TestTokenize_AppendsToDst(t *testing.T) {
	dst := [][]byte{[]byte("x")}
	tokens, rest := Tokenize(dst, []byte("a b c"), 3)
	require.Equal(t, []string{"x", "a", "b"}, strs(tokens))
	require.Equal(t, "c", string(rest))
}

func TestSplitLine(t *testing.T) {
	tests := []struct {
		name string
		buf  string
		line string
		n    int
		ok   bool
	}{
		{"crlf", "get foo\r\nrest", "get foo", 9, true},
		{"bare lf", "get foo\nrest", "get foo", 8, true},
		{"incomplete", "get foo\r", "", 0, false},
		{"empty line", "\r\n", "", 2, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			line, n, ok := SplitLine([]byte(tt.buf))
			require.Equal(t, tt.ok, ok)
			require.Equal(t, tt.n, n)
			require.Equal(t, tt.line, string(line))
		})
	}
}
