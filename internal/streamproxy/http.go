package streamproxy

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net/http"
	"time"
)

// HTTPDispatcher sends the already header-compensated request straight to
// an openai/anthropic/google-family upstream and tees the raw response.
type HTTPDispatcher struct {
	Client *http.Client
}

func NewHTTPDispatcher(client *http.Client) *HTTPDispatcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPDispatcher{Client: client}
}

// Do sends req and, on success, returns the upstream's raw http.Response
// (so the caller can copy status/headers to the client) plus a Stream that
// tees the body as a sequence of SSE-framed events. The upstream response
// body is closed by the background reader goroutine once fully drained or
// ctx is canceled.
func (d *HTTPDispatcher) Do(ctx context.Context, req *http.Request) (*http.Response, *Stream, error) {
	startedAt := time.Now()
	resp, err := d.Client.Do(req.WithContext(ctx))
	if err != nil {
		return nil, nil, err
	}

	events := make(chan Event, EventBufferSize)
	stream := &Stream{Events: events, startedAt: startedAt}

	go func() {
		defer close(events)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		scanner.Split(splitSSEEvents)

		for scanner.Scan() {
			raw := scanner.Bytes()
			cp := make([]byte, len(raw))
			copy(cp, raw)

			if !isHeartbeat(cp) {
				stream.markFirstByte()
			}

			select {
			case events <- Event{Raw: cp}:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			select {
			case events <- Event{Err: err}:
			case <-ctx.Done():
			}
		}
	}()

	return resp, stream, nil
}

// DoBuffered sends req and reads the full response body into memory,
// capped at MaxNonStreamBody, for non-streaming requests.
func (d *HTTPDispatcher) DoBuffered(ctx context.Context, req *http.Request) (*http.Response, []byte, error) {
	resp, err := d.Client.Do(req.WithContext(ctx))
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxNonStreamBody+1))
	if err != nil {
		return resp, nil, err
	}
	if len(body) > MaxNonStreamBody {
		body = body[:MaxNonStreamBody]
	}
	return resp, body, nil
}

// splitSSEEvents is a bufio.SplitFunc that frames an SSE byte stream on
// blank-line boundaries ("\n\n" or "\r\n\r\n"), returning each event's raw
// bytes (including its trailing blank line) unmodified for verbatim
// passthrough.
func splitSSEEvents(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.Index(data, []byte("\n\n")); i >= 0 {
		return i + 2, data[0 : i+2], nil
	}
	if i := bytes.Index(data, []byte("\r\n\r\n")); i >= 0 {
		return i + 4, data[0 : i+4], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
