package dataplane

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestCollector(t *testing.T, handler http.Handler, predicate CompletionPredicate) *Collector {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewCollector(server.URL, "", predicate)
}

func writeSSELine(w http.ResponseWriter, line string) {
	fmt.Fprintf(w, "data: %s\n\n", line)
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
}

func TestCollectorStopsOnCompletionMarker(t *testing.T) {
	collector := newTestCollector(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v2/runs/run-1/logs/stream" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		writeSSELine(w, "starting up")
		writeSSELine(w, "processing batch 1")
		writeSSELine(w, "[DONE] all rows written")
		writeSSELine(w, "should never be read")
	}), MarkerPredicate([]string{"[DONE]"}))

	logs, err := collector.CollectLogs(context.Background(), "run-1", 5*time.Second)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if !strings.Contains(logs, "processing batch 1") || !strings.Contains(logs, "[DONE]") {
		t.Fatalf("unexpected logs %q", logs)
	}
	if strings.Contains(logs, "should never be read") {
		t.Fatalf("collector read past completion marker: %q", logs)
	}
}

func TestCollectorReturnsPartialLogsOnTimeout(t *testing.T) {
	collector := newTestCollector(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		writeSSELine(w, "line one")
		writeSSELine(w, "line two")
		// Keep the stream open past the collector's window.
		select {
		case <-r.Context().Done():
		case <-time.After(10 * time.Second):
		}
	}), MarkerPredicate(nil))

	logs, err := collector.CollectLogs(context.Background(), "run-2", 300*time.Millisecond)
	if err != nil {
		t.Fatalf("expected partial logs without error, got %v", err)
	}
	if !strings.Contains(logs, "line one") || !strings.Contains(logs, "line two") {
		t.Fatalf("unexpected partial logs %q", logs)
	}
}

func TestCollectorStreamEndWithoutMarker(t *testing.T) {
	collector := newTestCollector(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		writeSSELine(w, "only line")
	}), MarkerPredicate([]string{"[DONE]"}))

	logs, err := collector.CollectLogs(context.Background(), "run-3", 2*time.Second)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if logs != "only line" {
		t.Fatalf("unexpected logs %q", logs)
	}
}

func TestCollectorPropagatesUnreachableEndpoint(t *testing.T) {
	collector := NewCollector("http://127.0.0.1:1", "", MarkerPredicate(nil))
	if _, err := collector.CollectLogs(context.Background(), "run-4", time.Second); err == nil {
		t.Fatalf("expected connection error")
	}
}

func TestCollectorRejectsErrorStatus(t *testing.T) {
	collector := newTestCollector(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"code":"not_found","message":"unknown run"}}`, http.StatusNotFound)
	}), MarkerPredicate(nil))

	_, err := collector.CollectLogs(context.Background(), "run-5", time.Second)
	if err == nil || !strings.Contains(err.Error(), "not_found") {
		t.Fatalf("unexpected error %v", err)
	}
}
