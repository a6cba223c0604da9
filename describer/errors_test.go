package describer

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestFromStatus(t *testing.T) {
	tests := []struct {
		status    int
		code      string
		retryable bool
	}{
		{429, "rate_limited", true},
		{500, "server_error", true},
		{503, "server_error", true},
		{408, "timeout", true},
		{409, "http_error", true},
		{400, "http_error", false},
		{401, "unauthorized", false},
		{403, "unauthorized", false},
		{404, "http_error", false},
	}

	for _, tc := range tests {
		t.Run(fmt.Sprint(tc.status), func(t *testing.T) {
			e := FromStatus("test", tc.status, " boom \n")
			if e.Code != tc.code {
				t.Errorf("Expected code %q, got %q", tc.code, e.Code)
			}
			if e.Retryable != tc.retryable {
				t.Errorf("Expected retryable=%t, got %t", tc.retryable, e.Retryable)
			}
			if e.Message != "boom" {
				t.Errorf("Expected trimmed message, got %q", e.Message)
			}
		})
	}
}

func TestFromNetwork(t *testing.T) {
	if e := FromNetwork("p", context.Canceled); e.Retryable {
		t.Errorf("Expected canceled to be fatal")
	}
	if e := FromNetwork("p", context.DeadlineExceeded); !e.Retryable || e.Code != "timeout" {
		t.Errorf("Expected deadline to be a transient timeout, got %+v", e)
	}
	if e := FromNetwork("p", errors.New("connection reset")); !e.Retryable {
		t.Errorf("Expected generic network error to be transient")
	}
}

func TestIsTransient(t *testing.T) {
	wrapped := fmt.Errorf("calling backend: %w", Transient("p", "rate_limited", errors.New("slow down")))
	if !IsTransient(wrapped) {
		t.Errorf("Expected wrapped transient error to be transient")
	}
	if IsTransient(Fatal("p", "bad_request", errors.New("nope"))) {
		t.Errorf("Expected fatal error not to be transient")
	}
	if IsTransient(errors.New("plain")) {
		t.Errorf("Expected unknown errors to be treated as fatal")
	}
}

func TestParseRetryAfter(t *testing.T) {
	if d, ok := ParseRetryAfter("3"); !ok || d != 3*time.Second {
		t.Errorf("Expected 3s, got %s %t", d, ok)
	}
	if _, ok := ParseRetryAfter(""); ok {
		t.Errorf("Expected empty header to be ignored")
	}
	if _, ok := ParseRetryAfter("soon"); ok {
		t.Errorf("Expected junk header to be ignored")
	}
}

func TestErrorMessage(t *testing.T) {
	e := FromStatus("openai", 401, "invalid api key")
	if expected, actual := "openai: invalid api key (status 401)", e.Error(); expected != actual {
		t.Errorf("Expected %q, got %q", expected, actual)
	}
}

func TestMediaType(t *testing.T) {
	for format, expected := range map[string]string{
		"png":  "image/png",
		"webp": "image/webp",
		"jpeg": "image/jpeg",
		"":     "image/jpeg",
	} {
		if actual := (Image{Format: format}).MediaType(); actual != expected {
			t.Errorf("format %q: expected %q, got %q", format, expected, actual)
		}
	}
}
