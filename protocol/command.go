package protocol

import (
	"errors"
	"strconv"
)

var (
	// ErrUnsupported is returned for unknown verbs and wrong token counts.
	ErrUnsupported = errors.New("protocol: unsupported command")

	// ErrBadDataChunk is returned when a store command declares an invalid length.
	ErrBadDataChunk = errors.New("protocol: bad data chunk")

	// ErrBadCommandLine is returned for keys memcached would refuse.
	ErrBadCommandLine = errors.New("protocol: bad command line format")
)

// ErrorReply returns the line sent to the client for a Parse error.
func ErrorReply(err error) string {
	switch {
	case errors.Is(err, ErrBadDataChunk):
		return ReplyBadDataChunk
	case errors.Is(err, ErrBadCommandLine):
		return ReplyBadCommandLine
	default:
		return ReplyUnsupported
	}
}

type Verb uint8

const (
	VerbUnknown Verb = iota
	VerbGet
	VerbGets
	VerbSet
	VerbAdd
	VerbReplace
	VerbAppend
	VerbPrepend
	VerbCas
	VerbDelete
	VerbIncr
	VerbDecr
	VerbStats
	VerbVersion
	VerbQuit
)

var verbNames = [...]string{
	VerbUnknown: "unknown",
	VerbGet:     "get",
	VerbGets:    "gets",
	VerbSet:     "set",
	VerbAdd:     "add",
	VerbReplace: "replace",
	VerbAppend:  "append",
	VerbPrepend: "prepend",
	VerbCas:     "cas",
	VerbDelete:  "delete",
	VerbIncr:    "incr",
	VerbDecr:    "decr",
	VerbStats:   "stats",
	VerbVersion: "version",
	VerbQuit:    "quit",
}

// Verbs lists every known verb, in declaration order.
func Verbs() []Verb {
	verbs := make([]Verb, 0, len(verbNames)-1)
	for v := VerbGet; int(v) < len(verbNames); v++ {
		verbs = append(verbs, v)
	}
	return verbs
}

func (v Verb) String() string {
	if int(v) < len(verbNames) {
		return verbNames[v]
	}
	return verbNames[VerbUnknown]
}

// IsFetch reports whether v is get or gets.
func (v Verb) IsFetch() bool {
	return v == VerbGet || v == VerbGets
}

// IsStore reports whether v carries a data block.
func (v Verb) IsStore() bool {
	switch v {
	case VerbSet, VerbAdd, VerbReplace, VerbAppend, VerbPrepend, VerbCas:
		return true
	}
	return false
}

// IsLocal reports whether the proxy answers v without a backend.
func (v Verb) IsLocal() bool {
	return v == VerbStats || v == VerbVersion || v == VerbQuit
}

func lookupVerb(token []byte) Verb {
	for v := VerbGet; int(v) < len(verbNames); v++ {
		if string(token) == verbNames[v] {
			return v
		}
	}
	return VerbUnknown
}

// tokenRange is the accepted number of tokens, verb included. max < 0 means
// any number of tokens.
type tokenRange struct{ min, max int }

var tokenRanges = [...]tokenRange{
	VerbGet:     {2, -1},
	VerbGets:    {2, -1},
	VerbSet:     {5, 6},
	VerbAdd:     {5, 6},
	VerbReplace: {5, 6},
	VerbAppend:  {5, 6},
	VerbPrepend: {5, 6},
	VerbCas:     {6, 7},
	VerbDelete:  {2, 4},
	VerbIncr:    {3, 4},
	VerbDecr:    {3, 4},
	VerbStats:   {1, -1},
	VerbVersion: {1, 1},
	VerbQuit:    {1, 1},
}

// bytesToken is the index of the data length of store commands.
const bytesToken = 4

// Command is a classified request line.
type Command struct {
	Verb Verb

	// Keys holds every key of a fetch, or the single key of a forwarded command.
	Keys []string

	// PayloadLen is the declared data block length of a store command,
	// without the trailing CRLF.
	PayloadLen int

	NoReply bool
}

// Parse classifies a request line given without its line terminator.
func Parse(line []byte) (Command, error) {
	var buf [MaxTokens][]byte
	tokens, rest := Tokenize(buf[:0], line, MaxTokens)
	if len(tokens) == 0 {
		return Command{}, ErrUnsupported
	}

	cmd := Command{Verb: lookupVerb(tokens[0])}
	if cmd.Verb == VerbUnknown {
		return Command{}, ErrUnsupported
	}

	r := tokenRanges[cmd.Verb]
	if len(tokens) < r.min || (r.max >= 0 && (len(tokens) > r.max || len(rest) > 0)) {
		return Command{}, ErrUnsupported
	}

	switch {
	case cmd.Verb.IsFetch():
		cmd.Keys = make([]string, 0, len(tokens)-1)
		for {
			for _, key := range tokens[1:] {
				if len(key) > MaxKeyLength {
					return Command{}, ErrBadCommandLine
				}
				cmd.Keys = append(cmd.Keys, string(key))
			}
			if len(rest) == 0 {
				break
			}
			// The remainder holds more keys; keep a slot for the verb so
			// tokens[1:] stays the key list.
			tokens, rest = Tokenize(append(buf[:0], nil), rest, MaxTokens)
		}
		return cmd, nil

	case cmd.Verb.IsLocal():
		return cmd, nil
	}

	if len(tokens[1]) > MaxKeyLength {
		return Command{}, ErrBadCommandLine
	}
	cmd.Keys = []string{string(tokens[1])}
	cmd.NoReply = len(tokens) > 2 && string(tokens[len(tokens)-1]) == NoReply

	if cmd.Verb.IsStore() {
		n, err := strconv.Atoi(string(tokens[bytesToken]))
		if err != nil || n < 0 || n > MaxValueLength {
			return Command{}, ErrBadDataChunk
		}
		cmd.PayloadLen = n
	}

	return cmd, nil
}
