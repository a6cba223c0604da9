package ollama

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/chriskillpack/montage/describer"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *ollama {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return Init(Options{
		ServerURL:  srv.URL,
		ImageModel: describer.Model{Name: "llava", MaxTokens: 300, Temperature: 0.8, SystemPrompt: "You describe photos"},
		TextModel:  describer.Model{Name: "llama3", MaxTokens: 200, Temperature: 0.3},
		HTTPClient: srv.Client(),
	})
}

func TestDescribeImage(t *testing.T) {
	var req chatRequest
	o := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&req)
		io.WriteString(w, `{"model": "llava", "message": {"role": "assistant", "content": "A busy market"}, "done": true}`)
	})

	desc, err := o.DescribeImage(t.Context(), describer.Image{Data: []byte{0xff, 0xd8}})
	if err != nil {
		t.Fatalf("Unexpected error %s", err)
	}
	if expected := "A busy market"; desc != expected {
		t.Errorf("Expected %q, got %q", expected, desc)
	}
	if req.Model != "llava" || req.Stream {
		t.Errorf("Unexpected request model=%q stream=%t", req.Model, req.Stream)
	}
	if len(req.Messages) != 2 || req.Messages[0].Role != "system" {
		t.Fatalf("Expected system + user messages, got %+v", req.Messages)
	}
	if imgs := req.Messages[1].Images; len(imgs) != 1 || imgs[0] != "/9g=" {
		t.Errorf("Expected base64 image payload, got %v", imgs)
	}
}

func TestSummarize(t *testing.T) {
	o := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"message": {"role": "assistant", "content": "<think>hmm</think>\nA day out"}, "done": true}`)
	})

	summary, err := o.Summarize(t.Context(), []string{"a beach", "a pier"})
	if err != nil {
		t.Fatalf("Unexpected error %s", err)
	}
	if expected := "A day out"; summary != expected {
		t.Errorf("Expected %q, got %q", expected, summary)
	}
}

func TestErrors(t *testing.T) {
	o := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		io.WriteString(w, `{"error": "model \"llava\" not found"}`)
	})
	_, err := o.DescribeImage(t.Context(), describer.Image{Data: []byte("x")})
	if err == nil || describer.IsTransient(err) {
		t.Errorf("Expected missing model to be fatal, got %v", err)
	}

	o = newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	_, err = o.Summarize(t.Context(), []string{"x"})
	if !describer.IsTransient(err) {
		t.Errorf("Expected 503 to be transient, got %v", err)
	}
}

func TestDefaultServerURL(t *testing.T) {
	o := Init(Options{})
	if o.srvAddr != DefaultServerURL {
		t.Errorf("Expected %s, got %s", DefaultServerURL, o.srvAddr)
	}
}

func TestRequestsPerMinute(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		io.WriteString(w, `{"message": {"role": "assistant", "content": "A day out"}, "done": true}`)
	}))
	t.Cleanup(srv.Close)
	o := Init(Options{ServerURL: srv.URL, RequestsPerMinute: 1, HTTPClient: srv.Client()})

	if _, err := o.Summarize(t.Context(), []string{"a beach"}); err != nil {
		t.Fatalf("Unexpected error %s", err)
	}

	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()
	if _, err := o.Summarize(ctx, []string{"a beach"}); err == nil {
		t.Errorf("Expected the rate limited request to fail")
	}
	if calls != 1 {
		t.Errorf("Expected 1 request to reach the server, got %d", calls)
	}
}
