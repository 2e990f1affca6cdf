// Package protocol implements the parts of the memcached text protocol a
// proxy needs to understand: splitting a request line into tokens,
// classifying the command it carries, and framing the response of a
// single-key fetch.
//
// The proxy never rewrites requests other than fetches. Store, delete and
// arithmetic commands are forwarded byte for byte, so this package only
// extracts what routing needs: the verb, the key(s), the declared payload
// length and the noreply marker.
//
// # Commands
//
// Parse classifies one request line (without its line terminator):
//
//	cmd, err := protocol.Parse([]byte("set foo 0 0 3"))
//	// cmd.Verb == protocol.VerbSet, cmd.Keys == []string{"foo"}, cmd.PayloadLen == 3
//
// Errors map to the reply the client receives with ErrorReply.
//
// # Fetch framing
//
// A fetch for one key answers either END or a value block:
//
//	VALUE <key> <flags> <bytes> [<cas>]\r\n
//	<data block of <bytes> bytes>\r\n
//	END\r\n
//
// After the header line the rest of the block is FrameLen(bytes) long. The
// proxy forwards the data block and its line terminator and drops the final
// END line, which is written once after the last key of a multi-key fetch.
// ForwardLen computes how much of the next read is forwarded.
package protocol
