package main

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type bufferWriter struct {
	buf bytes.Buffer
}

func (w *bufferWriter) Printf(format string, a ...interface{}) (int, error) {
	return fmt.Fprintf(&w.buf, format, a...)
}

func TestStreamEventsComplete(t *testing.T) {
	body := strings.NewReader(
		"data: {\"stage\":\"start\",\"message\":\"Snapshotting superset_app\"}\n" +
			"data: {\"stage\":\"committing\",\"message\":\"Committing superset_app\"}\n" +
			"data: {\"stage\":\"complete\",\"message\":\"{\\\"id\\\":\\\"abc\\\"}\"}\n")

	out := &bufferWriter{}
	msg, err := streamEvents(body, out, "")
	require.NoError(t, err)
	assert.Equal(t, `{"id":"abc"}`, msg)
	assert.Contains(t, out.buf.String(), "Committing superset_app")
}

func TestStreamEventsError(t *testing.T) {
	body := strings.NewReader(
		"data: {\"stage\":\"start\",\"message\":\"Snapshotting\"}\n" +
			"data: {\"stage\":\"error\",\"message\":\"Snapshot failed\",\"error\":\"no space left\"}\n")

	_, err := streamEvents(body, &bufferWriter{}, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no space left")
}

func TestStreamEventsPrefix(t *testing.T) {
	body := strings.NewReader(
		"data: {\"stage\":\"saving\",\"message\":\"Saving image\"}\n" +
			"data: {\"stage\":\"complete\",\"message\":\"{}\"}\n")

	out := &bufferWriter{}
	_, err := streamEvents(body, out, "superset_db")
	require.NoError(t, err)
	assert.Contains(t, out.buf.String(), "superset_db: Saving image")
}

func TestStreamEventsTruncated(t *testing.T) {
	body := strings.NewReader("data: {\"stage\":\"start\",\"message\":\"Snapshotting\"}\n")

	_, err := streamEvents(body, &bufferWriter{}, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "closed the stream")
}
