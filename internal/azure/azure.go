package azure

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"

	"github.com/chriskillpack/montage/describer"
	"github.com/chriskillpack/montage/internal/ratelimit"

	goopenai "github.com/sashabaranov/go-openai"
)

const (
	name = "azure_openai"

	DefaultAPIVersion = "2024-02-15-preview"
)

type Options struct {
	APIKey     string
	Endpoint   string // https://<resource>.openai.azure.com/
	APIVersion string // defaults to DefaultAPIVersion

	// Model names are deployment names.
	ImageModel describer.Model
	TextModel  describer.Model

	RequestsPerMinute int

	HTTPClient *http.Client
}

type azure struct {
	client *goopenai.Client
	image  describer.Model
	text   describer.Model

	rl *ratelimit.Limiter
}

var (
	_ describer.Describer  = &azure{}
	_ describer.Summarizer = &azure{}
)

func Init(opts Options) *azure {
	cfg := goopenai.DefaultAzureConfig(opts.APIKey, opts.Endpoint)
	cfg.APIVersion = opts.APIVersion
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAPIVersion
	}
	// Model names are already deployment names
	cfg.AzureModelMapperFunc = func(model string) string { return model }
	if opts.HTTPClient != nil {
		cfg.HTTPClient = opts.HTTPClient
	}

	return &azure{
		client: goopenai.NewClientWithConfig(cfg),
		image:  opts.ImageModel,
		text:   opts.TextModel,
		rl:     ratelimit.PerMinute(opts.RequestsPerMinute),
	}
}

func (a *azure) Name() string { return name }

func (a *azure) DescribeImage(ctx context.Context, img describer.Image) (string, error) {
	dataURL := fmt.Sprintf("data:%s;base64,%s", img.MediaType(), base64.StdEncoding.EncodeToString(img.Data))

	return a.complete(ctx, a.image, goopenai.ChatCompletionMessage{
		Role: goopenai.ChatMessageRoleUser,
		MultiContent: []goopenai.ChatMessagePart{
			{
				Type: goopenai.ChatMessagePartTypeText,
				Text: describer.DescribePrompt,
			},
			{
				Type:     goopenai.ChatMessagePartTypeImageURL,
				ImageURL: &goopenai.ChatMessageImageURL{URL: dataURL},
			},
		},
	})
}

func (a *azure) Summarize(ctx context.Context, descriptions []string) (string, error) {
	return a.complete(ctx, a.text, goopenai.ChatCompletionMessage{
		Role:    goopenai.ChatMessageRoleUser,
		Content: describer.SummaryPrompt(descriptions),
	})
}

func (a *azure) complete(ctx context.Context, m describer.Model, user goopenai.ChatCompletionMessage) (string, error) {
	if err := a.rl.Acquire(ctx); err != nil {
		return "", describer.FromNetwork(name, err)
	}

	var msgs []goopenai.ChatCompletionMessage
	if m.SystemPrompt != "" {
		msgs = append(msgs, goopenai.ChatCompletionMessage{
			Role:    goopenai.ChatMessageRoleSystem,
			Content: m.SystemPrompt,
		})
	}
	msgs = append(msgs, user)

	resp, err := a.client.CreateChatCompletion(ctx, goopenai.ChatCompletionRequest{
		Model:       m.Name,
		Messages:    msgs,
		MaxTokens:   m.MaxTokens,
		Temperature: float32(m.Temperature),
	})
	if err != nil {
		return "", classify(err)
	}
	if len(resp.Choices) == 0 {
		return "", describer.Fatal(name, "invalid_response", errors.New("response has no choices"))
	}

	return resp.Choices[0].Message.Content, nil
}

func classify(err error) error {
	var apierr *goopenai.APIError
	if errors.As(err, &apierr) {
		de := describer.FromStatus(name, apierr.HTTPStatusCode, apierr.Message)
		de.Cause = err
		return de
	}
	var reqerr *goopenai.RequestError
	if errors.As(err, &reqerr) {
		msg := reqerr.HTTPStatus
		if reqerr.Err != nil {
			msg = reqerr.Err.Error()
		}
		de := describer.FromStatus(name, reqerr.HTTPStatusCode, msg)
		de.Cause = err
		return de
	}
	return describer.FromNetwork(name, err)
}
