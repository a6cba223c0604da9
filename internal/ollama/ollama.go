package ollama

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/chriskillpack/montage/describer"
	"github.com/chriskillpack/montage/internal/ratelimit"
)

const (
	name = "ollama"

	DefaultServerURL = "http://localhost:11434"
)

type Options struct {
	ServerURL string // defaults to DefaultServerURL

	ImageModel describer.Model
	TextModel  describer.Model

	RequestsPerMinute int          // 0 disables rate limiting
	HTTPClient        *http.Client // if nil uses http.DefaultClient
}

type ollama struct {
	srvAddr string
	image   describer.Model
	text    describer.Model

	client *http.Client
	rl     *ratelimit.Limiter
}

var (
	_ describer.Describer     = &ollama{}
	_ describer.Summarizer    = &ollama{}
	_ describer.HealthChecker = &ollama{}
)

type chatRequest struct {
	Model    string         `json:"model"`
	Messages []message      `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

type message struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"` // plain base64, no data URL prefix
}

type chatResponse struct {
	Model   string  `json:"model"`
	Message message `json:"message"`
	Done    bool    `json:"done"`
	Error   string  `json:"error"`
}

func Init(opts Options) *ollama {
	client := opts.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	srvAddr := opts.ServerURL
	if srvAddr == "" {
		srvAddr = DefaultServerURL
	}
	return &ollama{
		srvAddr: strings.TrimRight(srvAddr, "/"),
		image:   opts.ImageModel,
		text:    opts.TextModel,
		client:  client,
		rl:      ratelimit.PerMinute(opts.RequestsPerMinute),
	}
}

func (o *ollama) Name() string { return name }

func (o *ollama) IsHealthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.srvAddr+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()

	return resp.StatusCode == http.StatusOK
}

func (o *ollama) DescribeImage(ctx context.Context, img describer.Image) (string, error) {
	return o.chat(ctx, o.image, message{
		Role:    "user",
		Content: describer.DescribePrompt,
		Images:  []string{base64.StdEncoding.EncodeToString(img.Data)},
	})
}

func (o *ollama) Summarize(ctx context.Context, descriptions []string) (string, error) {
	return o.chat(ctx, o.text, message{
		Role:    "user",
		Content: describer.SummaryPrompt(descriptions),
	})
}

func (o *ollama) chat(ctx context.Context, m describer.Model, user message) (string, error) {
	if err := o.rl.Acquire(ctx); err != nil {
		return "", describer.FromNetwork(name, err)
	}

	var msgs []message
	if m.SystemPrompt != "" {
		msgs = append(msgs, message{Role: "system", Content: m.SystemPrompt})
	}
	msgs = append(msgs, user)

	body, err := json.Marshal(chatRequest{
		Model:    m.Name,
		Messages: msgs,
		Options: map[string]any{
			"temperature": m.Temperature,
			"num_predict": m.MaxTokens,
		},
	})
	if err != nil {
		return "", describer.Fatal(name, "marshal_error", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.srvAddr+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", describer.Fatal(name, "request_error", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return "", describer.FromNetwork(name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		var cr chatResponse
		if json.Unmarshal(b, &cr) == nil && cr.Error != "" {
			b = []byte(cr.Error)
		}
		return "", describer.FromStatus(name, resp.StatusCode, string(b))
	}

	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return "", describer.Fatal(name, "decode_error", err)
	}
	if cr.Error != "" {
		return "", describer.Fatal(name, "model_error", fmt.Errorf("%s", cr.Error))
	}

	return stripThinking(cr.Message.Content), nil
}

// stripThinking drops a leading <think>...</think> block emitted by reasoning
// models.
func stripThinking(s string) string {
	if rest, ok := strings.CutPrefix(strings.TrimSpace(s), "<think>"); ok {
		if _, after, found := strings.Cut(rest, "</think>"); found {
			return strings.TrimSpace(after)
		}
	}
	return strings.TrimSpace(s)
}
