package progress

import (
	"bytes"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncoderFraming(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	require.NoError(t, enc.Encode(Output("hello")))
	require.NoError(t, enc.Encode(New(StatusExecuting, "running on %s", "10.0.0.1").ForHost("10.0.0.1")))

	exp := "data: {\"status\":\"output\",\"message\":\"hello\"}\n\n" +
		"data: {\"status\":\"executing\",\"message\":\"running on 10.0.0.1\",\"host\":\"10.0.0.1\"}\n\n"
	assert.Equal(t, exp, buf.String())
}

func TestEncoderRejectsUnknownStatus(t *testing.T) {
	enc := NewEncoder(io.Discard)
	assert.Error(t, enc.Encode(Event{Status: "bogus"}))
}

func TestEncoderFlushesResponseWriter(t *testing.T) {
	rec := httptest.NewRecorder()
	SetHeaders(rec.Header())
	enc := NewEncoder(rec)

	require.NoError(t, enc.Encode(StreamEnd()))

	assert.True(t, rec.Flushed)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
}

func TestDecoderReadsEncodedEvents(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	events := []Event{
		New(StatusPreparing, "preparing"),
		Output("line with \"quotes\""),
		Errorf("exit code %d", 2),
		StreamEnd(),
	}
	for _, ev := range events {
		require.NoError(t, enc.Encode(ev))
	}

	dec := NewDecoder(strings.NewReader(": keep-alive comment\n" + buf.String()))
	var got []Event
	for {
		ev, err := dec.Decode()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		got = append(got, ev)
	}
	assert.Equal(t, events, got)
}

func TestStatusIsTerminal(t *testing.T) {
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusError.IsTerminal())
	assert.False(t, StatusOutput.IsTerminal())
	assert.False(t, StatusSuccess.IsTerminal())
}
