// Package protocol implements the length-prefixed JSON framing used on
// every coordinator<->worker socket, and the wire message shapes carried
// inside those frames.
package protocol

import (
	"errors"
	"fmt"
	"io"
)

// headerWidth is the fixed width of the ASCII decimal length header. A
// body can therefore never exceed 9,999,999,999 bytes; MaxFrameBytes in
// practice bounds it far lower.
const headerWidth = 10

// ErrFrameTooLarge is returned by ReadFrame when the declared body length
// exceeds maxBody. The caller must terminate the session on this error.
var ErrFrameTooLarge = errors.New("protocol: frame exceeds maximum size")

// WriteFrame writes the 10-byte zero-padded decimal length header
// followed by the already-encoded body in a single Write call, so the
// header and body reach the peer as one logical write.
func WriteFrame(w io.Writer, body []byte) error {
	if len(body) == 0 {
		return errors.New("protocol: empty frame body")
	}
	header := fmt.Sprintf("%0*d", headerWidth, len(body))
	buf := make([]byte, 0, headerWidth+len(body))
	buf = append(buf, header...)
	buf = append(buf, body...)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("protocol: write frame: %w", err)
	}
	return nil
}

// ReadFrame reads exactly one frame from r: a 10-byte ASCII decimal
// length header, then that many body bytes. Partial reads are retried
// internally via io.ReadFull until the full frame arrives or the peer
// closes the connection.
func ReadFrame(r io.Reader, maxBody int64) ([]byte, error) {
	header := make([]byte, headerWidth)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("protocol: read header: %w", err)
	}

	n, err := parseHeader(header)
	if err != nil {
		return nil, err
	}
	if n > maxBody {
		return nil, ErrFrameTooLarge
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("protocol: read body: %w", err)
	}
	return body, nil
}

func parseHeader(header []byte) (int64, error) {
	var n int64
	for _, b := range header {
		if b < '0' || b > '9' {
			return 0, fmt.Errorf("protocol: malformed length header %q", header)
		}
		n = n*10 + int64(b-'0')
	}
	return n, nil
}
