package mcp

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// framing is how one message is delimited on the stream. Clients pick one;
// replies use the framing of the request they answer.
type framing int

const (
	framingHeader framing = iota // Content-Length header block, then body
	framingLine                  // one JSON document per line
)

const contentLengthHeader = "content-length:"

// maxMessageBytes bounds a single request body. Inputs are a text string, so
// this is generous.
const maxMessageBytes = 64 << 20

// errMessageTooLarge stops the connection: the rest of the stream cannot be
// resynchronised after an oversized message.
var errMessageTooLarge = errors.New("message exceeds size limit")

type conn struct {
	r     *bufio.Reader
	w     *bufio.Writer
	limit int
}

func newConn(in io.Reader, out io.Writer) *conn {
	return &conn{r: bufio.NewReader(in), w: bufio.NewWriter(out), limit: maxMessageBytes}
}

// read returns the next message body and the framing it arrived in.
func (c *conn) read() ([]byte, framing, error) {
	if err := c.skipSpace(); err != nil {
		return nil, framingHeader, err
	}
	peek, err := c.r.Peek(len(contentLengthHeader))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, framingHeader, err
	}
	if strings.EqualFold(string(peek), contentLengthHeader) {
		body, err := c.readHeaderFramed()
		return body, framingHeader, err
	}
	body, err := c.readLine()
	return body, framingLine, err
}

func (c *conn) skipSpace() error {
	for {
		b, err := c.r.ReadByte()
		if err != nil {
			return err
		}
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		}
		return c.r.UnreadByte()
	}
}

func (c *conn) readLine() ([]byte, error) {
	var line []byte
	for {
		chunk, err := c.r.ReadSlice('\n')
		if len(line)+len(chunk) > c.limit+2 { // room for "\r\n"
			return nil, fmt.Errorf("%w: line over %d bytes", errMessageTooLarge, c.limit)
		}
		line = append(line, chunk...)
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		break
	}
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, io.EOF
	}
	return line, nil
}

func (c *conn) readHeaderFramed() ([]byte, error) {
	length := -1
	for {
		line, err := c.r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok || !strings.EqualFold(strings.TrimSpace(name), "content-length") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return nil, fmt.Errorf("invalid Content-Length %q: %w", value, err)
		}
		length = n
	}
	if length > c.limit {
		return nil, fmt.Errorf("%w: Content-Length %d over %d bytes", errMessageTooLarge, length, c.limit)
	}
	if length <= 0 {
		return nil, fmt.Errorf("missing or invalid Content-Length (%d)", length)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(c.r, body); err != nil {
		return nil, err
	}
	return body, nil
}

// write sends msg in the given framing and flushes.
func (c *conn) write(msg any, f framing) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal response: %w", err)
	}
	switch f {
	case framingLine:
		c.w.Write(payload)
		c.w.WriteByte('\n')
	default:
		fmt.Fprintf(c.w, "Content-Length: %d\r\n\r\n", len(payload))
		c.w.Write(payload)
	}
	return c.w.Flush()
}
