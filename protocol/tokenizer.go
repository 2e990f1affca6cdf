package protocol

import "bytes"

func isSpace(b byte) bool {
	return b == ' ' || b == '\t'
}

// Tokenize splits line on spaces and tabs and appends the tokens to dst.
// At most limit-1 tokens are returned; when more text follows, it is returned
// as rest with its leading separators removed. The tokens alias line.
func Tokenize(dst [][]byte, line []byte, limit int) (tokens [][]byte, rest []byte) {
	tokens = dst
	i := 0
	for i < len(line) {
		for i < len(line) && isSpace(line[i]) {
			i++
		}
		if i == len(line) {
			break
		}
		if len(tokens)-len(dst) == limit-1 {
			return tokens, line[i:]
		}

		start := i
		for i < len(line) && !isSpace(line[i]) {
			i++
		}
		tokens = append(tokens, line[start:i])
	}
	return tokens, nil
}

// SplitLine finds the first line in buf. It returns the line without its
// terminator ("\r\n" or a bare "\n") and the number of bytes the line takes
// in buf, terminator included. ok is false when buf holds no complete line.
func SplitLine(buf []byte) (line []byte, n int, ok bool) {
	i := bytes.IndexByte(buf, '\n')
	if i < 0 {
		return nil, 0, false
	}
	line = buf[:i]
	if len(line) > 0 && line[len(line)-1] == '\r' {
		line = line[:len(line)-1]
	}
	return line, i + 1, true
}
