package server

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"strconv"
)

const writeBufferSize = 32 * 1024

// ResponseHeader describes the header block of an HTTP/1.1 response.
type ResponseHeader struct {
	StatusCode int
	// StatusText defaults to the standard reason phrase for StatusCode.
	StatusText  string
	ContentType string
	// ContentLength is sent when non-negative.
	ContentLength int64
	// Attachment adds "Content-Disposition: attachment".
	Attachment bool
}

func (h ResponseHeader) writeTo(bw *bufio.Writer) {
	text := h.StatusText
	if text == "" {
		text = http.StatusText(h.StatusCode)
	}
	fmt.Fprintf(bw, "HTTP/1.1 %d %s\r\n", h.StatusCode, text)
	if h.ContentType != "" {
		bw.WriteString("Content-Type: " + h.ContentType + "\r\n")
	}
	if h.Attachment {
		bw.WriteString("Content-Disposition: attachment\r\n")
	}
	if h.ContentLength >= 0 {
		bw.WriteString("Content-Length: " + strconv.FormatInt(h.ContentLength, 10) + "\r\n")
	}
	bw.WriteString("\r\n")
}

// Write sends h followed by body. Content-Length is taken from body. On
// failure it returns how many body bytes reached w.
func Write(w io.Writer, h ResponseHeader, body []byte) (int64, error) {
	h.ContentLength = int64(len(body))
	cw := &countingWriter{w: w}
	bw := bufio.NewWriterSize(cw, writeBufferSize)
	h.writeTo(bw)
	headerLen := int64(bw.Buffered())

	_, err := bw.Write(body)
	if err == nil {
		err = bw.Flush()
	}
	if err != nil {
		sent := cw.n - headerLen
		if sent < 0 {
			sent = 0
		}
		return sent, fmt.Errorf("failed to write response after %d of %d body bytes: %w", sent, len(body), err)
	}
	return int64(len(body)), nil
}

// countingWriter records how many bytes w accepted.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// WriteHead sends only the header block of h.
func WriteHead(w io.Writer, h ResponseHeader) error {
	bw := bufio.NewWriterSize(w, writeBufferSize)
	h.writeTo(bw)
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("failed to write response headers: %w", err)
	}
	return nil
}

// WriteStream sends h, then copies exactly h.ContentLength bytes from body.
// It returns the number of body bytes written.
func WriteStream(w io.Writer, h ResponseHeader, body io.Reader) (int64, error) {
	if h.ContentLength < 0 {
		return 0, fmt.Errorf("stream response requires a content length, got %d", h.ContentLength)
	}
	bw := bufio.NewWriterSize(w, writeBufferSize)
	h.writeTo(bw)
	n, err := io.CopyN(bw, body, h.ContentLength)
	if err != nil {
		bw.Flush()
		return n, fmt.Errorf("failed to stream response body after %d of %d bytes: %w", n, h.ContentLength, err)
	}
	if err := bw.Flush(); err != nil {
		return n, fmt.Errorf("failed to write response: %w", err)
	}
	return n, nil
}
