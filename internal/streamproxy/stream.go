// Package streamproxy implements the streaming proxy of spec.md §4.8: a
// byte-level SSE tee for openai/anthropic/google upstreams (grounded on
// cmd/ferrogw/proxy.go's reverse-proxy Director/ModifyResponse pattern,
// generalized from a full request/response swap to a streamed one) plus a
// signed-invoke dispatch path for Bedrock (grounded on
// providers/bedrock.go's CompleteStream, which already runs the upstream
// read loop in its own goroutine feeding a channel).
//
// Unlike providers/openai.go's CompleteStream, which decodes each chunk
// into a typed StreamChunk, this package forwards upstream bytes verbatim:
// the gateway proxies arbitrary request/response shapes it does not model,
// and only needs to peek at usage/TTFT, not reconstruct the payload.
package streamproxy

import (
	"bytes"
	"sync/atomic"
	"time"
)

// Event is one SSE event as read from the upstream, preserved byte-for-byte
// so it can be written straight through to the client.
type Event struct {
	Raw []byte
	Err error
}

// DataPayload extracts and concatenates this event's "data:" line(s) per
// the SSE spec, stripping the "event:"/"id:" framing and comment lines.
// Returns nil for heartbeats, error events, and events carrying no data
// line, e.g. so the billing-side terminal-usage scan can skip them.
func (e Event) DataPayload() []byte {
	if e.Err != nil || len(e.Raw) == 0 {
		return nil
	}
	var parts [][]byte
	for _, line := range bytes.Split(e.Raw, []byte("\n")) {
		line = bytes.TrimRight(line, "\r")
		if bytes.HasPrefix(line, []byte("data:")) {
			value := bytes.TrimPrefix(line, []byte("data:"))
			value = bytes.TrimPrefix(value, []byte(" "))
			parts = append(parts, value)
		}
	}
	if len(parts) == 0 {
		return nil
	}
	return bytes.Join(parts, []byte("\n"))
}

// MaxNonStreamBody bounds how much of a non-streaming response body is
// buffered into memory, per spec.md §4.8.
const MaxNonStreamBody = 10 << 20 // 10 MiB

// EventBufferSize is the bounded channel capacity between the
// upstream-reading goroutine and the client-writing goroutine, so a slow
// client cannot make the upstream reader block indefinitely without a
// signal, and a fast upstream cannot run unbounded ahead of a slow client.
const EventBufferSize = 64

// Stream is a live upstream response being teed to a client.
type Stream struct {
	Events    <-chan Event
	startedAt time.Time
	ttftNanos atomic.Int64
}

// TTFT reports the time-to-first-byte captured for the first non-heartbeat
// event, if one has arrived yet.
func (s *Stream) TTFT() (time.Duration, bool) {
	v := s.ttftNanos.Load()
	if v == 0 {
		return 0, false
	}
	return time.Duration(v), true
}

func (s *Stream) markFirstByte() {
	s.ttftNanos.CompareAndSwap(0, int64(time.Since(s.startedAt)))
}

// isHeartbeat reports whether a raw SSE line is a keep-alive comment (":"
// prefix) or a bare blank line, neither of which count toward TTFT.
func isHeartbeat(raw []byte) bool {
	if len(raw) == 0 {
		return true
	}
	trimmed := raw
	for len(trimmed) > 0 && (trimmed[len(trimmed)-1] == '\n' || trimmed[len(trimmed)-1] == '\r') {
		trimmed = trimmed[:len(trimmed)-1]
	}
	if len(trimmed) == 0 {
		return true
	}
	return trimmed[0] == ':'
}
