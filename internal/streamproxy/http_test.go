package streamproxy

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestDoTeesSSEEventsVerbatim(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "data: {\"choice\":1}\n\n")
		io.WriteString(w, "data: {\"choice\":2}\n\n")
	}))
	defer srv.Close()

	d := NewHTTPDispatcher(srv.Client())
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)

	resp, stream, err := d.Do(context.Background(), req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var events []string
	for e := range stream.Events {
		if e.Err != nil {
			t.Fatalf("unexpected stream error: %v", e.Err)
		}
		events = append(events, string(e.Raw))
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d: %v", len(events), events)
	}
	if !strings.Contains(events[0], `"choice":1`) || !strings.Contains(events[1], `"choice":2`) {
		t.Fatalf("unexpected event contents: %v", events)
	}

	if _, ok := stream.TTFT(); !ok {
		t.Fatal("expected TTFT to be captured")
	}
}

func TestDoSkipsHeartbeatsForTTFT(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, ": keep-alive\n\n")
		time.Sleep(5 * time.Millisecond)
		io.WriteString(w, "data: {\"choice\":1}\n\n")
	}))
	defer srv.Close()

	d := NewHTTPDispatcher(srv.Client())
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	_, stream, err := d.Do(context.Background(), req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}

	var n int
	for range stream.Events {
		n++
	}
	if n != 2 {
		t.Fatalf("expected heartbeat + data event, got %d", n)
	}
	ttft, ok := stream.TTFT()
	if !ok {
		t.Fatal("expected TTFT captured after heartbeat skipped")
	}
	if ttft < 5*time.Millisecond {
		t.Fatalf("expected TTFT to reflect the delay past the heartbeat, got %v", ttft)
	}
}

func TestDoBufferedCapsBodySize(t *testing.T) {
	big := bytes.Repeat([]byte("x"), MaxNonStreamBody+1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(big)
	}))
	defer srv.Close()

	d := NewHTTPDispatcher(srv.Client())
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	_, body, err := d.DoBuffered(context.Background(), req)
	if err != nil {
		t.Fatalf("DoBuffered: %v", err)
	}
	if len(body) != MaxNonStreamBody {
		t.Fatalf("expected body capped at %d, got %d", MaxNonStreamBody, len(body))
	}
}

func TestIsHeartbeatDetectsCommentsAndBlankLines(t *testing.T) {
	cases := map[string]bool{
		":keep-alive\n\n": true,
		"\n":              true,
		"":                true,
		"data: x\n\n":     false,
	}
	for in, want := range cases {
		if got := isHeartbeat([]byte(in)); got != want {
			t.Errorf("isHeartbeat(%q) = %v, want %v", in, got, want)
		}
	}
}
