package openai

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/chriskillpack/montage/describer"
)

const completion = `{
	"id": "chatcmpl-1",
	"object": "chat.completion",
	"created": 1700000000,
	"model": "gpt-4o",
	"choices": [{
		"index": 0,
		"finish_reason": "stop",
		"message": {"role": "assistant", "content": "%s"}
	}]
}`

func newTestServer(t *testing.T, handler http.HandlerFunc) *openai {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return Init(Options{
		APIKey:     "sk-test",
		BaseURL:    srv.URL + "/",
		ImageModel: describer.Model{Name: "gpt-4o", MaxTokens: 100, Temperature: 0.7, SystemPrompt: "Describe"},
		TextModel:  describer.Model{Name: "gpt-4o-mini", MaxTokens: 50, Temperature: 0.3},
		HTTPClient: srv.Client(),
	})
}

func TestDescribeImage(t *testing.T) {
	var body map[string]any
	o := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer sk-test" {
			t.Errorf("Unexpected Authorization header %q", auth)
		}
		data, _ := io.ReadAll(r.Body)
		json.Unmarshal(data, &body)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, strings.Replace(completion, "%s", "A red bicycle", 1))
	})

	desc, err := o.DescribeImage(t.Context(), describer.Image{Name: "bike.png", Data: []byte{1, 2, 3}, Format: "png"})
	if err != nil {
		t.Fatalf("Unexpected error %s", err)
	}
	if expected := "A red bicycle"; desc != expected {
		t.Errorf("Expected %q, got %q", expected, desc)
	}
	if body["model"] != "gpt-4o" {
		t.Errorf("Expected image model to be used, got %v", body["model"])
	}
	msgs, _ := body["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("Expected system and user messages, got %d", len(msgs))
	}
	raw, _ := json.Marshal(msgs[1])
	if !strings.Contains(string(raw), "data:image/png;base64,AQID") {
		t.Errorf("Expected inline png data URL in %s", raw)
	}
}

func TestSummarize(t *testing.T) {
	var body map[string]any
	o := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		json.Unmarshal(data, &body)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, strings.Replace(completion, "%s", "Two pets", 1))
	})

	summary, err := o.Summarize(t.Context(), []string{"a cat", "a dog"})
	if err != nil {
		t.Fatalf("Unexpected error %s", err)
	}
	if summary != "Two pets" {
		t.Errorf("Expected %q, got %q", "Two pets", summary)
	}
	if body["model"] != "gpt-4o-mini" {
		t.Errorf("Expected text model to be used, got %v", body["model"])
	}
	// No system prompt configured for the text model
	if msgs, _ := body["messages"].([]any); len(msgs) != 1 {
		t.Errorf("Expected a single user message, got %d", len(msgs))
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		retryable bool
	}{
		{"rate limited", http.StatusTooManyRequests, true},
		{"server error", http.StatusInternalServerError, true},
		{"bad key", http.StatusUnauthorized, false},
		{"bad request", http.StatusBadRequest, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			o := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tc.status)
				io.WriteString(w, `{"error": {"message": "nope", "type": "test", "code": null, "param": null}}`)
			})

			_, err := o.Summarize(t.Context(), []string{"x"})
			if err == nil {
				t.Fatal("Expected an error")
			}
			if actual := describer.IsTransient(err); actual != tc.retryable {
				t.Errorf("Expected retryable=%t, got %t (%s)", tc.retryable, actual, err)
			}
		})
	}
}
