package frame

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
)

type Command string

const (
	CONNECT    Command = "CONNECT"
	CONNECTED  Command = "CONNECTED"
	SUBSCRIBE  Command = "SUBSCRIBE"
	SEND       Command = "SEND"
	DISCONNECT Command = "DISCONNECT"
	MESSAGE    Command = "MESSAGE"
	RECEIPT    Command = "RECEIPT"
	ERROR      Command = "ERROR"
)

var commands = map[string]Command{
	string(CONNECT):    CONNECT,
	string(CONNECTED):  CONNECTED,
	string(SUBSCRIBE):  SUBSCRIBE,
	string(SEND):       SEND,
	string(DISCONNECT): DISCONNECT,
	string(MESSAGE):    MESSAGE,
	string(RECEIPT):    RECEIPT,
	string(ERROR):      ERROR,
}

const (
	HdrAcceptVersion = "accept-version"
	HdrHeartBeat     = "heart-beat"
	HdrID            = "id"
	HdrDestination   = "destination"
	HdrContentType   = "content-type"
	HdrContentLength = "content-length"
	HdrMessage       = "message"
)

const terminator byte = 0x00

var ErrMalformedFrame = errors.New("malformed frame")

type Header struct {
	Key   string
	Value string
}

// Frame is one unit of the text sub-protocol. Header order is preserved.
// Empty and nil Headers or Body encode the same; Decode yields nil for both.
type Frame struct {
	Command Command
	Headers []Header
	Body    []byte
}

func New(cmd Command, kv ...string) *Frame {
	f := &Frame{Command: cmd}
	for i := 0; i+1 < len(kv); i += 2 {
		f.Headers = append(f.Headers, Header{kv[i], kv[i+1]})
	}
	return f
}

// Get returns the first value of key.
func (f *Frame) Get(key string) (string, bool) {
	for _, h := range f.Headers {
		if h.Key == key {
			return h.Value, true
		}
	}
	return "", false
}

// Encode renders f as COMMAND, header lines, a blank line, the body and NUL.
// Header values are written verbatim.
func Encode(f *Frame) []byte {
	n := len(f.Command) + 3 + len(f.Body)
	for _, h := range f.Headers {
		n += len(h.Key) + len(h.Value) + 2
	}
	buf := make([]byte, 0, n)
	buf = append(buf, f.Command...)
	buf = append(buf, '\n')
	for _, h := range f.Headers {
		buf = append(buf, h.Key...)
		buf = append(buf, ':')
		buf = append(buf, h.Value...)
		buf = append(buf, '\n')
	}
	buf = append(buf, '\n')
	buf = append(buf, f.Body...)
	buf = append(buf, terminator)
	return buf
}

// IsHeartbeat reports whether d is a broker heart-beat (EOL bytes only).
func IsHeartbeat(d []byte) bool {
	if len(d) == 0 {
		return false
	}
	for _, b := range d {
		if b != '\n' && b != '\r' {
			return false
		}
	}
	return true
}

// Decode parses one whole frame. Partial frames are rejected.
func Decode(d []byte) (*Frame, error) {
	// EOLs may precede a frame when the broker interleaves heart-beats
	d = bytes.TrimLeft(d, "\r\n")
	line, rest, ok := cutLine(d)
	if !ok || len(line) == 0 {
		return nil, fmt.Errorf("%w: missing command line", ErrMalformedFrame)
	}
	cmd, ok := commands[string(line)]
	if !ok {
		return nil, fmt.Errorf("%w: unknown command %q", ErrMalformedFrame, line)
	}
	f := &Frame{Command: cmd}

	for {
		line, rest, ok = cutLine(rest)
		if !ok {
			return nil, fmt.Errorf("%w: missing header terminator", ErrMalformedFrame)
		}
		if len(line) == 0 {
			break
		}
		i := bytes.IndexByte(line, ':')
		if i < 0 {
			return nil, fmt.Errorf("%w: header without colon %q", ErrMalformedFrame, line)
		}
		f.Headers = append(f.Headers, Header{string(line[:i]), string(line[i+1:])})
	}

	end := -1
	if v, ok := f.Get(HdrContentLength); ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w: bad content-length %q", ErrMalformedFrame, v)
		}
		if n >= len(rest) || rest[n] != terminator {
			return nil, fmt.Errorf("%w: missing terminator", ErrMalformedFrame)
		}
		end = n
	} else {
		end = bytes.IndexByte(rest, terminator)
		if end < 0 {
			return nil, fmt.Errorf("%w: missing terminator", ErrMalformedFrame)
		}
	}
	if len(bytes.TrimLeft(rest[end+1:], "\r\n")) != 0 {
		return nil, fmt.Errorf("%w: trailing data after terminator", ErrMalformedFrame)
	}
	if end > 0 {
		f.Body = append([]byte(nil), rest[:end]...)
	}
	return f, nil
}

func cutLine(d []byte) (line, rest []byte, ok bool) {
	i := bytes.IndexByte(d, '\n')
	if i < 0 {
		return nil, d, false
	}
	line = d[:i]
	if len(line) > 0 && line[len(line)-1] == '\r' {
		line = line[:len(line)-1]
	}
	return line, d[i+1:], true
}
