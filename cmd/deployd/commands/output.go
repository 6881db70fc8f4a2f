package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"
	"text/tabwriter"

	"github.com/fourclicks/deployd/pkg/progress"
)

// eventPrinter writes progress events for a terminal, or one JSON object per
// line.
type eventPrinter struct {
	w   io.Writer
	enc *json.Encoder
}

func newEventPrinter(w io.Writer, jsonOutput bool) *eventPrinter {
	p := &eventPrinter{w: w}
	if jsonOutput {
		p.enc = json.NewEncoder(w)
	}
	return p
}

func (p *eventPrinter) print(ev progress.Event) {
	if p.enc != nil {
		_ = p.enc.Encode(ev)
		return
	}
	if ev.Status == progress.StatusStreamEnd {
		return
	}
	if ev.Host != "" {
		fmt.Fprintf(p.w, "[%s] %s\n", ev.Host, ev.Message)
		return
	}
	fmt.Fprintln(p.w, ev.Message)
}

// follow prints every event and returns how the stream ended.
func (p *eventPrinter) follow(events iter.Seq[progress.Event]) *progress.Outcome {
	var outcome progress.Outcome
	for ev := range events {
		outcome.Observe(ev)
		p.print(ev)
	}
	return &outcome
}

// apiError is the JSON error body of the API.
type apiError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// postStream posts body to a deployd server and returns the event stream
// it answers with. The stream ends at stream_end or EOF; a decode error is
// reported as the last event.
func postStream(ctx context.Context, url string, body any) (iter.Seq[progress.Event], error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		var e apiError
		if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Error == "" {
			return nil, fmt.Errorf("server answered %s", resp.Status)
		}
		return nil, fmt.Errorf("%s (%s)", e.Error, e.Code)
	}

	return func(yield func(progress.Event) bool) {
		defer resp.Body.Close()
		dec := progress.NewDecoder(resp.Body)
		for {
			ev, err := dec.Decode()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(progress.Errorf("stream broken: %s", err))
				return
			}
			if !yield(ev) || ev.Status == progress.StatusStreamEnd {
				return
			}
		}
	}, nil
}

func serverURL(base string, path ...string) string {
	return strings.TrimRight(base, "/") + "/api/v1/" + strings.Join(path, "/")
}

// parseAssignments turns key=value pairs into a map. Values that parse as
// JSON keep their type; anything else is a string.
func parseAssignments(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid assignment %q, expected key=value", pair)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		out[key] = v
	}
	return out, nil
}

// printTable writes rows as aligned columns, or the items as JSON.
func printTable[T any](w io.Writer, jsonOutput bool, items []T, header []string, row func(T) []string) error {
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(items)
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(header, "\t"))
	for _, item := range items {
		fmt.Fprintln(tw, strings.Join(row(item), "\t"))
	}
	return tw.Flush()
}
