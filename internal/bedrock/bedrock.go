package bedrock

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/chriskillpack/montage/describer"
	"github.com/chriskillpack/montage/internal/ratelimit"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/smithy-go"
)

const (
	name = "bedrock"

	anthropicVersion = "bedrock-2023-05-31"
)

type Options struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Endpoint        string // optional endpoint override

	// Model names are Bedrock model ids, e.g.
	// anthropic.claude-3-sonnet-20240229-v1:0
	ImageModel describer.Model
	TextModel  describer.Model

	RequestsPerMinute int

	HTTPClient *http.Client
}

type bedrock struct {
	client *bedrockruntime.Client
	image  describer.Model
	text   describer.Model

	rl *ratelimit.Limiter
}

var (
	_ describer.Describer  = &bedrock{}
	_ describer.Summarizer = &bedrock{}
)

// Init builds a Bedrock runtime client with static credentials. It does not
// contact AWS.
func Init(ctx context.Context, opts Options) (*bedrock, error) {
	loadopts := []func(*config.LoadOptions) error{
		config.WithRegion(opts.Region),
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		),
		// Retries are owned by the workflow
		config.WithRetryer(func() aws.Retryer { return aws.NopRetryer{} }),
	}
	if opts.HTTPClient != nil {
		loadopts = append(loadopts, config.WithHTTPClient(opts.HTTPClient))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loadopts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config - %w", err)
	}

	client := bedrockruntime.NewFromConfig(cfg, func(o *bedrockruntime.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
	})

	return &bedrock{
		client: client,
		image:  opts.ImageModel,
		text:   opts.TextModel,
		rl:     ratelimit.PerMinute(opts.RequestsPerMinute),
	}, nil
}

func (b *bedrock) Name() string { return name }

func (b *bedrock) DescribeImage(ctx context.Context, img describer.Image) (string, error) {
	content := []contentBlock{
		{
			Type: "image",
			Source: &imageSource{
				Type:      "base64",
				MediaType: img.MediaType(),
				Data:      base64.StdEncoding.EncodeToString(img.Data),
			},
		},
		{Type: "text", Text: describer.DescribePrompt},
	}
	return b.invoke(ctx, b.image, content)
}

func (b *bedrock) Summarize(ctx context.Context, descriptions []string) (string, error) {
	return b.invoke(ctx, b.text, []contentBlock{{Type: "text", Text: describer.SummaryPrompt(descriptions)}})
}

// Anthropic messages request body as accepted by InvokeModel.
type messagesRequest struct {
	AnthropicVersion string    `json:"anthropic_version"`
	MaxTokens        int       `json:"max_tokens"`
	Temperature      float64   `json:"temperature"`
	System           string    `json:"system,omitempty"`
	Messages         []message `json:"messages"`
}

type message struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type   string       `json:"type"`
	Text   string       `json:"text,omitempty"`
	Source *imageSource `json:"source,omitempty"`
}

type imageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type messagesResponse struct {
	Content []contentBlock `json:"content"`
}

func buildRequest(m describer.Model, content []contentBlock) ([]byte, error) {
	return json.Marshal(messagesRequest{
		AnthropicVersion: anthropicVersion,
		MaxTokens:        m.MaxTokens,
		Temperature:      m.Temperature,
		System:           m.SystemPrompt,
		Messages:         []message{{Role: "user", Content: content}},
	})
}

func parseResponse(body []byte) (string, error) {
	var resp messagesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", describer.Fatal(name, "decode_error", err)
	}

	var sb strings.Builder
	for _, c := range resp.Content {
		if c.Type == "text" {
			sb.WriteString(c.Text)
		}
	}
	if sb.Len() == 0 {
		return "", describer.Fatal(name, "invalid_response", errors.New("response has no text content"))
	}
	return sb.String(), nil
}

func (b *bedrock) invoke(ctx context.Context, m describer.Model, content []contentBlock) (string, error) {
	if err := b.rl.Acquire(ctx); err != nil {
		return "", describer.FromNetwork(name, err)
	}

	body, err := buildRequest(m, content)
	if err != nil {
		return "", describer.Fatal(name, "marshal_error", err)
	}

	out, err := b.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(m.Name),
		Body:        body,
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
	})
	if err != nil {
		return "", classify(err)
	}

	return parseResponse(out.Body)
}

// Bedrock error codes worth retrying.
var transientCodes = map[string]bool{
	"ThrottlingException":         true,
	"ServiceUnavailableException": true,
	"InternalServerException":     true,
	"ModelNotReadyException":      true,
	"ModelTimeoutException":       true,
}

func classify(err error) error {
	var ae smithy.APIError
	if !errors.As(err, &ae) {
		return describer.FromNetwork(name, err)
	}

	de := &describer.Error{
		Provider:  name,
		Code:      ae.ErrorCode(),
		Message:   ae.ErrorMessage(),
		Retryable: transientCodes[ae.ErrorCode()],
		Cause:     err,
	}
	var re *awshttp.ResponseError
	if errors.As(err, &re) {
		de.Status = re.HTTPStatusCode()
		if !de.Retryable {
			de.Retryable = describer.ShouldRetryStatus(de.Status)
		}
	}
	return de
}
