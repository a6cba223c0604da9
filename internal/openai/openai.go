package openai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/chriskillpack/montage/describer"
	"github.com/chriskillpack/montage/internal/ratelimit"

	oagc "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const name = "openai"

type Options struct {
	APIKey  string
	BaseURL string // optional, for OpenAI compatible servers

	ImageModel describer.Model
	TextModel  describer.Model

	RequestsPerMinute int // 0 disables rate limiting

	HTTPClient *http.Client
}

type openai struct {
	oac   *oagc.Client
	image describer.Model
	text  describer.Model

	rl *ratelimit.Limiter // For requests to the OpenAI API
}

var (
	_ describer.Describer  = &openai{}
	_ describer.Summarizer = &openai{}
)

func Init(opts Options) *openai {
	reqopts := []option.RequestOption{
		option.WithAPIKey(opts.APIKey),
		// Retries are owned by the workflow
		option.WithMaxRetries(0),
	}
	if opts.HTTPClient != nil {
		reqopts = append(reqopts, option.WithHTTPClient(opts.HTTPClient))
	}
	if opts.BaseURL != "" {
		// Relative request paths are resolved against the base URL
		if !strings.HasSuffix(opts.BaseURL, "/") {
			opts.BaseURL += "/"
		}
		reqopts = append(reqopts, option.WithBaseURL(opts.BaseURL))
	}

	return &openai{
		oac:   oagc.NewClient(reqopts...),
		image: opts.ImageModel,
		text:  opts.TextModel,
		rl:    ratelimit.PerMinute(opts.RequestsPerMinute),
	}
}

func (o *openai) Name() string { return name }

func (o *openai) DescribeImage(ctx context.Context, img describer.Image) (string, error) {
	dataURL := fmt.Sprintf("data:%s;base64,%s", img.MediaType(), base64.StdEncoding.EncodeToString(img.Data))

	return o.complete(ctx, o.image,
		oagc.UserMessageParts(
			oagc.TextPart(describer.DescribePrompt),
			oagc.ImagePart(dataURL),
		),
	)
}

func (o *openai) Summarize(ctx context.Context, descriptions []string) (string, error) {
	return o.complete(ctx, o.text, oagc.UserMessage(describer.SummaryPrompt(descriptions)))
}

func (o *openai) complete(ctx context.Context, m describer.Model, user oagc.ChatCompletionMessageParamUnion) (string, error) {
	// Rate limit use of the OpenAI API
	if err := o.rl.Acquire(ctx); err != nil {
		return "", describer.FromNetwork(name, err)
	}

	var msgs []oagc.ChatCompletionMessageParamUnion
	if m.SystemPrompt != "" {
		msgs = append(msgs, oagc.SystemMessage(m.SystemPrompt))
	}
	msgs = append(msgs, user)

	params := oagc.ChatCompletionNewParams{
		Model:               oagc.F(oagc.ChatModel(m.Name)),
		Messages:            oagc.F(msgs),
		MaxCompletionTokens: oagc.Int(int64(m.MaxTokens)),
		Temperature:         oagc.Float(m.Temperature),
	}
	resp, err := o.oac.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", classify(err)
	}
	if len(resp.Choices) == 0 {
		return "", describer.Fatal(name, "invalid_response", errors.New("response has no choices"))
	}

	return resp.Choices[0].Message.Content, nil
}

func classify(err error) error {
	var apierr *oagc.Error
	if !errors.As(err, &apierr) {
		return describer.FromNetwork(name, err)
	}

	msg := apierr.Message
	if msg == "" {
		msg = err.Error()
	}
	de := describer.FromStatus(name, apierr.StatusCode, msg)
	if apierr.Code != "" {
		de.Code = apierr.Code
	}
	if apierr.Response != nil {
		if ra, ok := describer.ParseRetryAfter(apierr.Response.Header.Get("Retry-After")); ok {
			de.RetryAfter = ra
		}
	}
	de.Cause = err
	return de
}
