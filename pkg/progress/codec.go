package progress

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

const dataPrefix = "data: "

// Encoder writes events as Server-Sent-Events frames: one JSON object per
// "data:" line followed by a blank line. Each event is flushed through to
// the client.
type Encoder struct {
	w       *bufio.Writer
	flusher http.Flusher
}

// NewEncoder creates an encoder. When w is an http.Flusher (an
// http.ResponseWriter) every event is also flushed to the network.
func NewEncoder(w io.Writer) *Encoder {
	enc := &Encoder{w: bufio.NewWriter(w)}
	if f, ok := w.(http.Flusher); ok {
		enc.flusher = f
	}
	return enc
}

// Encode writes one event.
func (e *Encoder) Encode(ev Event) error {
	if err := ev.Status.Validate(); err != nil {
		return err
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if _, err := e.w.WriteString(dataPrefix); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	if _, err := e.w.Write(data); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	if _, err := e.w.WriteString("\n\n"); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	if err := e.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}
	if e.flusher != nil {
		e.flusher.Flush()
	}
	return nil
}

// SetHeaders prepares an HTTP response for an event stream.
func SetHeaders(h http.Header) {
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

// Decoder reads events framed by Encoder. The CLI uses it to follow a stream
// served by deployd.
type Decoder struct {
	r *bufio.Scanner
}

// NewDecoder creates a new event decoder.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	// Tool output lines can be long (terraform plans with big JSON values).
	const maxCapacity = 10 * 1024 * 1024
	scanner.Buffer(make([]byte, 64*1024), maxCapacity)
	return &Decoder{r: scanner}
}

// Decode returns the next event, or io.EOF at the end of the stream.
// Non-data lines (comments, blank separators) are skipped.
func (d *Decoder) Decode() (Event, error) {
	for d.r.Scan() {
		line := d.r.Bytes()
		if !bytes.HasPrefix(line, []byte(dataPrefix)) {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line[len(dataPrefix):], &ev); err != nil {
			return Event{}, fmt.Errorf("failed to unmarshal event: %w", err)
		}
		if err := ev.Status.Validate(); err != nil {
			return Event{}, fmt.Errorf("invalid event: %w", err)
		}
		return ev, nil
	}
	if err := d.r.Err(); err != nil {
		return Event{}, fmt.Errorf("scan error: %w", err)
	}
	return Event{}, io.EOF
}
