package protocol

import (
	"bytes"
	"errors"
	"strconv"
)

// ErrInvalidValueHeader is returned for a VALUE line without a usable length.
var ErrInvalidValueHeader = errors.New("protocol: invalid VALUE header")

// ParseValueHeader inspects the first response line of a single-key fetch,
// given without its terminator. It returns the data block length and true
// for a VALUE header; false for anything else (END, errors), meaning the key
// produced no value.
func ParseValueHeader(line []byte) (int, bool, error) {
	if len(line) < len(ValueHeader) || !bytes.EqualFold(line[:len(ValueHeader)], []byte(ValueHeader)) {
		return 0, false, nil
	}

	var buf [MaxTokens][]byte
	tokens, _ := Tokenize(buf[:0], line, MaxTokens)
	// VALUE <key> <flags> <bytes> [<cas>]
	if len(tokens) < 4 {
		return 0, true, ErrInvalidValueHeader
	}
	n, err := strconv.Atoi(string(tokens[3]))
	if err != nil || n < 0 || n > MaxValueLength {
		return 0, true, ErrInvalidValueHeader
	}
	return n, true, nil
}

// FrameLen returns how many bytes follow the header line of a value block of
// valueLen bytes: the data, its CRLF and the END line.
func FrameLen(valueLen int) int {
	return valueLen + TrailerLen
}

// ForwardLen returns how many of the next k frame bytes are forwarded to the
// client when remaining frame bytes are left (k <= remaining). Only the final
// END line is withheld.
func ForwardLen(remaining, k int) int {
	return max(0, min(k, remaining-EndLen))
}

// ValidTrailer reports whether the bytes of p that fall past the data block
// match the trailer. p starts at offset off of a frame holding valueLen bytes
// of data.
func ValidTrailer(p []byte, off, valueLen int) bool {
	for i := max(0, valueLen-off); i < len(p); i++ {
		pos := off + i - valueLen
		if pos >= TrailerLen || p[i] != Trailer[pos] {
			return false
		}
	}
	return true
}
