package compute

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"taskyard/internal/domain"
)

func TestReadOutputStreamDelta(t *testing.T) {
	stream := strings.Join([]string{
		"event: output.delta",
		`data: {"type":"output.delta","delta":"hello "}`,
		"",
		"event: output.delta",
		`data: {"type":"output.delta","delta":"world"}`,
		"",
		"event: output.completed",
		`data: {"type":"output.completed","response":{"metadata":{"model":"m1"}}}`,
		"",
		"data: [DONE]",
		"",
	}, "\n")

	got, err := readOutputStream(strings.NewReader(stream), 1024)
	if err != nil {
		t.Fatalf("readOutputStream returned error: %v", err)
	}
	if got.Output != "hello world" {
		t.Fatalf("output=%q", got.Output)
	}
	if got.Metadata["model"] != "m1" {
		t.Fatalf("metadata=%v", got.Metadata)
	}
}

func TestReadOutputStreamCompletedFallback(t *testing.T) {
	stream := strings.Join([]string{
		`data: {"type":"output.completed","response":{"output":"whole answer"}}`,
		"",
	}, "\n")
	got, err := readOutputStream(strings.NewReader(stream), 1024)
	if err != nil {
		t.Fatalf("readOutputStream returned error: %v", err)
	}
	if got.Output != "whole answer" {
		t.Fatalf("output=%q", got.Output)
	}
}

func TestReadOutputStreamClarificationOnly(t *testing.T) {
	stream := `data: {"type":"output.completed","response":{"clarification":"which region?"}}` + "\n\n"
	got, err := readOutputStream(strings.NewReader(stream), 1024)
	if err != nil {
		t.Fatalf("readOutputStream returned error: %v", err)
	}
	if got.Clarification != "which region?" || got.Output != "" {
		t.Fatalf("unexpected response %+v", got)
	}
}

func TestReadOutputStreamTooLarge(t *testing.T) {
	delta := strings.Repeat("x", 20)
	stream := fmt.Sprintf("data: {\"type\":\"output.delta\",\"delta\":%q}\n\n", delta)
	if _, err := readOutputStream(strings.NewReader(stream), 10); err == nil {
		t.Fatalf("expected size error")
	}
}

func TestIsRetryableAPIError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "rate limited", err: apiHTTPError{statusCode: 429}, want: true},
		{name: "server error", err: apiHTTPError{statusCode: 502}, want: true},
		{name: "bad request", err: apiHTTPError{statusCode: 400}, want: false},
		{name: "deadline", err: fmt.Errorf("wrapped: %w", context.DeadlineExceeded), want: true},
		{name: "plain", err: errors.New("plain error"), want: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := isRetryableAPIError(tc.err); got != tc.want {
				t.Fatalf("isRetryableAPIError(%v)=%v want=%v", tc.err, got, tc.want)
			}
		})
	}
}

func newTestProcessor(t *testing.T, url string) *HTTPProcessor {
	t.Helper()
	p, err := NewHTTPProcessor(HTTPConfig{
		Endpoint:     url,
		Model:        "test-model",
		AuthToken:    "secret",
		Retries:      2,
		RetryBackoff: time.Millisecond,
		Logger:       log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("new processor: %v", err)
	}
	return p
}

func TestHTTPProcessorRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("authorization=%q", got)
		}
		var req processRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if calls.Add(1) == 1 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(processResponse{
			Output:   "answer to " + req.Input,
			Metadata: map[string]string{"model": req.Model},
		})
	}))
	defer srv.Close()

	resp, err := newTestProcessor(t, srv.URL).Process(context.Background(), Request{
		StationID:   7,
		StationType: domain.StationTypeLLM,
		Input:       "q",
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if resp.Output != "answer to q" || resp.Metadata["model"] != "test-model" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if calls.Load() != 2 {
		t.Fatalf("calls=%d want 2", calls.Load())
	}
}

func TestHTTPProcessorDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "nope", http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := newTestProcessor(t, srv.URL).Process(context.Background(), Request{Input: "q"})
	var statusErr apiHTTPError
	if !errors.As(err, &statusErr) || statusErr.statusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 error, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls=%d want 1", calls.Load())
	}
}

func TestHTTPProcessorReadsEventStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"type\":\"output.delta\",\"delta\":\"streamed\"}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	resp, err := newTestProcessor(t, srv.URL).Process(context.Background(), Request{Input: "q"})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if resp.Output != "streamed" {
		t.Fatalf("output=%q", resp.Output)
	}
}

func TestNewHTTPProcessorRejectsBadEndpoint(t *testing.T) {
	for _, endpoint := range []string{"", "  ", "not a url"} {
		if _, err := NewHTTPProcessor(HTTPConfig{Endpoint: endpoint}); err == nil {
			t.Fatalf("endpoint %q should be rejected", endpoint)
		}
	}
}

func TestRouterDispatch(t *testing.T) {
	tool := ProcessorFunc(func(ctx context.Context, req Request) (Response, error) {
		return Response{Output: "tool:" + req.Input}, nil
	})
	r := NewRouter(Echo{}).Route(domain.StationTypeTool, tool)

	got, err := r.Process(context.Background(), Request{StationType: domain.StationTypeTool, Input: "x"})
	if err != nil || got.Output != "tool:x" {
		t.Fatalf("tool route: %+v %v", got, err)
	}
	got, err = r.Process(context.Background(), Request{StationType: domain.StationTypeLLM, Input: " x "})
	if err != nil || got.Output != "[llm] x" {
		t.Fatalf("fallback route: %+v %v", got, err)
	}

	bare := NewRouter(nil)
	if _, err := bare.Process(context.Background(), Request{StationType: domain.StationTypeLLM}); !errors.Is(err, ErrNoProcessor) {
		t.Fatalf("expected ErrNoProcessor, got %v", err)
	}
}

func TestFallback(t *testing.T) {
	resp := Fallback("X", errors.New("boom"))
	if resp.Output != "[Processed] X" {
		t.Fatalf("output=%q", resp.Output)
	}
	if resp.Metadata["fallback"] != "true" || resp.Metadata["error"] != "boom" {
		t.Fatalf("metadata=%v", resp.Metadata)
	}
}
