package main

import (
	"bufio"
	"bytes"
	"io"
	"net/textproto"
)

// headerValue reads one header of a raw message, case-insensitively.
// Returns "" when the header is absent or the message is unparsable.
func headerValue(message []byte, key string) string {
	reader := textproto.NewReader(bufio.NewReader(bytes.NewReader(normalizeForParse(message))))
	header, err := reader.ReadMIMEHeader()
	if err != nil && len(header) == 0 {
		return ""
	}
	return header.Get(key)
}

// normalizeForParse makes bare-LF messages parsable by textproto.
func normalizeForParse(message []byte) []byte {
	if bytes.Contains(message, []byte("\r\n")) {
		return message
	}
	return bytes.ReplaceAll(message, []byte("\n"), []byte("\r\n"))
}

func newBytesReader(message []byte) io.Reader {
	return bytes.NewReader(message)
}
