package bedrock

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/chriskillpack/montage/describer"

	"github.com/aws/smithy-go"
)

func TestBuildRequest(t *testing.T) {
	m := describer.Model{Name: "anthropic.claude", MaxTokens: 256, Temperature: 0.5, SystemPrompt: "Be brief"}
	body, err := buildRequest(m, []contentBlock{
		{Type: "image", Source: &imageSource{Type: "base64", MediaType: "image/png", Data: "AAAA"}},
		{Type: "text", Text: describer.DescribePrompt},
	})
	if err != nil {
		t.Fatalf("Unexpected error %s", err)
	}

	var req messagesRequest
	if err := json.Unmarshal(body, &req); err != nil {
		t.Fatalf("Unexpected error %s", err)
	}
	if req.AnthropicVersion != anthropicVersion {
		t.Errorf("Expected version %s, got %s", anthropicVersion, req.AnthropicVersion)
	}
	if req.MaxTokens != 256 || req.Temperature != 0.5 || req.System != "Be brief" {
		t.Errorf("Model parameters not carried over: %+v", req)
	}
	if len(req.Messages) != 1 || req.Messages[0].Role != "user" {
		t.Fatalf("Expected a single user message, got %+v", req.Messages)
	}
	content := req.Messages[0].Content
	if len(content) != 2 || content[0].Source == nil || content[0].Source.MediaType != "image/png" {
		t.Errorf("Expected image block first, got %+v", content)
	}
}

func TestParseResponse(t *testing.T) {
	t.Run("text blocks", func(t *testing.T) {
		text, err := parseResponse([]byte(`{"content": [{"type": "text", "text": "A red "}, {"type": "text", "text": "barn"}]}`))
		if err != nil {
			t.Fatalf("Unexpected error %s", err)
		}
		if expected := "A red barn"; text != expected {
			t.Errorf("Expected %q, got %q", expected, text)
		}
	})

	t.Run("empty", func(t *testing.T) {
		_, err := parseResponse([]byte(`{"content": []}`))
		if err == nil || describer.IsTransient(err) {
			t.Errorf("Expected fatal error, got %v", err)
		}
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := parseResponse([]byte(`not json`))
		if err == nil || describer.IsTransient(err) {
			t.Errorf("Expected fatal error, got %v", err)
		}
	})
}

func TestClassify(t *testing.T) {
	cases := []struct {
		code      string
		retryable bool
	}{
		{"ThrottlingException", true},
		{"ServiceUnavailableException", true},
		{"ModelTimeoutException", true},
		{"AccessDeniedException", false},
		{"ValidationException", false},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			err := classify(&smithy.GenericAPIError{Code: tc.code, Message: "boom"})
			var de *describer.Error
			if !errors.As(err, &de) {
				t.Fatalf("Expected describer.Error, got %T", err)
			}
			if de.Code != tc.code {
				t.Errorf("Expected code %s, got %s", tc.code, de.Code)
			}
			if de.Retryable != tc.retryable {
				t.Errorf("Expected retryable=%t, got %t", tc.retryable, de.Retryable)
			}
		})
	}

	t.Run("network", func(t *testing.T) {
		if err := classify(errors.New("connection reset")); !describer.IsTransient(err) {
			t.Errorf("Expected network errors to be transient, got %v", err)
		}
	})
}

func TestInit(t *testing.T) {
	b, err := Init(t.Context(), Options{Region: "us-east-1", AccessKeyID: "AKID", SecretAccessKey: "secret"})
	if err != nil {
		t.Fatalf("Unexpected error %s", err)
	}
	if b.Name() != "bedrock" {
		t.Errorf("Expected name bedrock, got %s", b.Name())
	}
}
