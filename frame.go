package replbox

import (
	"bytes"
	"strings"
)

// Wire framing constants.
const (
	// Delimiter separates the session identifier from the code in a
	// request. Only the first occurrence splits, so code may contain '|'.
	Delimiter = "|"
	// Sentinel terminates a frame. Requests may omit it and half-close
	// the connection instead; responses always carry it.
	Sentinel = "<|EOM|>"
)

var sentinelBytes = []byte(Sentinel)

// EncodeRequest frames one request for the wire.
func EncodeRequest(sessionID, code string) []byte {
	b := make([]byte, 0, len(sessionID)+len(Delimiter)+len(code)+len(Sentinel))
	b = append(b, sessionID...)
	b = append(b, Delimiter...)
	b = append(b, code...)
	b = append(b, Sentinel...)
	return b
}

// EncodeResponse frames one response for the wire.
func EncodeResponse(text string) []byte {
	b := make([]byte, 0, len(text)+len(Sentinel))
	b = append(b, text...)
	b = append(b, Sentinel...)
	return b
}

// SplitRequest splits a decoded frame at the first delimiter.
// ok is false when the frame carries no delimiter.
func SplitRequest(frame string) (sessionID, code string, ok bool) {
	return strings.Cut(frame, Delimiter)
}

// ScanFrames is a bufio.SplitFunc that yields sentinel-terminated frames
// with the sentinel stripped. At EOF a non-empty unterminated remainder is
// the final frame, so peers that close the write side instead of sending
// the sentinel still get their last message through.
func ScanFrames(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.Index(data, sentinelBytes); i >= 0 {
		return i + len(Sentinel), data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
