package protocol

const (
	// MaxTokens bounds a tokenizer pass, the remainder counting as one token.
	MaxTokens = 8

	// MaxKeyLength is the longest key memcached accepts.
	MaxKeyLength = 250

	// MaxValueLength bounds the declared length of a data block, the
	// largest item size memcached can be configured with.
	MaxValueLength = 1 << 30

	CRLF = "\r\n"

	// End terminates a fetch response.
	End    = "END\r\n"
	EndLen = len(End)

	// Trailer follows the data block of a value.
	Trailer    = "\r\nEND\r\n"
	TrailerLen = len(Trailer)

	// NoReply is the last token of a command whose reply is suppressed.
	NoReply = "noreply"

	// ValueHeader starts the header of a value block.
	ValueHeader = "VALUE "
)

// Replies generated by the proxy itself.
const (
	ReplyUnsupported      = "UNSUPPORTED COMMAND\r\n"
	ReplyOutOfConnections = "SERVER_ERROR OUT OF CONNECTION\r\n"
	ReplyBadDataChunk     = "CLIENT_ERROR bad data chunk\r\n"
	ReplyBadCommandLine   = "CLIENT_ERROR bad command line format\r\n"
)
