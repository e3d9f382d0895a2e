package stream

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/haasonsaas/tollgate/pkg/models"
)

// maxFrameBytes bounds a single decoded frame.
const maxFrameBytes = 4 << 20

// AppendFrame appends the wire form of ev: the kind label, one space, the
// JSON-encoded event and a newline.
func AppendFrame(dst []byte, ev models.StreamEvent) ([]byte, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return dst, fmt.Errorf("encode %s frame: %w", ev.Kind, err)
	}
	dst = append(dst, string(ev.Kind)...)
	dst = append(dst, ' ')
	dst = append(dst, body...)
	return append(dst, '\n'), nil
}

// WriteFrame writes one frame to w.
func WriteFrame(w io.Writer, ev models.StreamEvent) error {
	frame, err := AppendFrame(nil, ev)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// ParseFrame decodes a single frame line, with or without its newline.
func ParseFrame(line []byte) (models.StreamEvent, error) {
	line = bytes.TrimRight(line, "\r\n")
	kind, body, ok := bytes.Cut(line, []byte{' '})
	if !ok || len(kind) == 0 {
		return models.StreamEvent{}, fmt.Errorf("malformed frame %q", truncate(line))
	}
	var ev models.StreamEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return models.StreamEvent{}, fmt.Errorf("decode %s frame: %w", kind, err)
	}
	if ev.Kind == "" {
		ev.Kind = models.EventKind(kind)
	}
	if string(ev.Kind) != string(kind) {
		return models.StreamEvent{}, fmt.Errorf("frame label %q does not match event kind %q", kind, ev.Kind)
	}
	return ev, nil
}

// Reader decodes frames from a byte stream.
type Reader struct {
	scanner *bufio.Scanner
	done    bool
}

// NewReader wraps r.
func NewReader(r io.Reader) *Reader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameBytes)
	return &Reader{scanner: scanner}
}

// Next returns the next frame. After the end frame it returns io.EOF, and a
// stream that stops before an end frame yields io.ErrUnexpectedEOF.
func (r *Reader) Next() (models.StreamEvent, error) {
	if r.done {
		return models.StreamEvent{}, io.EOF
	}
	for r.scanner.Scan() {
		line := r.scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		ev, err := ParseFrame(line)
		if err != nil {
			return models.StreamEvent{}, err
		}
		if ev.Kind.Closes() {
			r.done = true
		}
		return ev, nil
	}
	if err := r.scanner.Err(); err != nil {
		return models.StreamEvent{}, err
	}
	return models.StreamEvent{}, io.ErrUnexpectedEOF
}

func truncate(b []byte) []byte {
	if len(b) > 64 {
		return b[:64]
	}
	return b
}
