package montage

import (
	"context"
	"net/http"
	"sort"

	"github.com/chriskillpack/montage/describer"
	"github.com/chriskillpack/montage/internal/azure"
	"github.com/chriskillpack/montage/internal/bedrock"
	"github.com/chriskillpack/montage/internal/llama"
	"github.com/chriskillpack/montage/internal/ollama"
	"github.com/chriskillpack/montage/internal/openai"
)

// Backend names accepted in default_provider and the providers map.
const (
	BackendOpenAI      = "openai"
	BackendAzureOpenAI = "azure_openai"
	BackendBedrock     = "bedrock"
	BackendLlava       = "llava"
	BackendOllama      = "ollama"
)

type backend struct {
	required func(p ProviderConfig) []string
	build    func(ctx context.Context, p ProviderConfig, hc *http.Client) (describer.Describer, describer.Summarizer, error)
}

var backends = map[string]backend{
	BackendOpenAI: {
		required: func(p ProviderConfig) []string {
			return missing(
				field{"api_key", p.APIKey},
				field{"image_model.model", p.ImageModel.Model},
				field{"text_model.model", p.TextModel.Model},
			)
		},
		build: func(_ context.Context, p ProviderConfig, hc *http.Client) (describer.Describer, describer.Summarizer, error) {
			o := openai.Init(openai.Options{
				APIKey:            p.APIKey,
				BaseURL:           p.Endpoint,
				ImageModel:        p.ImageModel.model(),
				TextModel:         p.TextModel.model(),
				RequestsPerMinute: p.RequestsPerMinute,
				HTTPClient:        hc,
			})
			return o, o, nil
		},
	},
	BackendAzureOpenAI: {
		required: func(p ProviderConfig) []string {
			return missing(
				field{"api_key", p.APIKey},
				field{"endpoint", p.Endpoint},
				field{"image_model.model", p.ImageModel.Model},
				field{"text_model.model", p.TextModel.Model},
			)
		},
		build: func(_ context.Context, p ProviderConfig, hc *http.Client) (describer.Describer, describer.Summarizer, error) {
			a := azure.Init(azure.Options{
				APIKey:            p.APIKey,
				Endpoint:          p.Endpoint,
				APIVersion:        p.APIVersion,
				ImageModel:        p.ImageModel.model(),
				TextModel:         p.TextModel.model(),
				RequestsPerMinute: p.RequestsPerMinute,
				HTTPClient:        hc,
			})
			return a, a, nil
		},
	},
	BackendBedrock: {
		required: func(p ProviderConfig) []string {
			return missing(
				field{"region", p.Region},
				field{"access_key_id", p.AccessKeyID},
				field{"secret_access_key", p.SecretAccessKey},
				field{"image_model.model", p.ImageModel.Model},
				field{"text_model.model", p.TextModel.Model},
			)
		},
		build: func(ctx context.Context, p ProviderConfig, hc *http.Client) (describer.Describer, describer.Summarizer, error) {
			b, err := bedrock.Init(ctx, bedrock.Options{
				Region:            p.Region,
				AccessKeyID:       p.AccessKeyID,
				SecretAccessKey:   p.SecretAccessKey,
				Endpoint:          p.Endpoint,
				ImageModel:        p.ImageModel.model(),
				TextModel:         p.TextModel.model(),
				RequestsPerMinute: p.RequestsPerMinute,
				HTTPClient:        hc,
			})
			if err != nil {
				return nil, nil, err
			}
			return b, b, nil
		},
	},
	BackendLlava: {
		required: func(p ProviderConfig) []string {
			return missing(field{"endpoint", p.Endpoint})
		},
		build: func(_ context.Context, p ProviderConfig, hc *http.Client) (describer.Describer, describer.Summarizer, error) {
			l := llama.Init(llama.Options{
				ServerURL:         p.Endpoint,
				Seed:              p.Seed,
				ImageModel:        p.ImageModel.model(),
				TextModel:         p.TextModel.model(),
				RequestsPerMinute: p.RequestsPerMinute,
				HTTPClient:        hc,
			})
			return l, l, nil
		},
	},
	BackendOllama: {
		required: func(p ProviderConfig) []string {
			return missing(
				field{"image_model.model", p.ImageModel.Model},
				field{"text_model.model", p.TextModel.Model},
			)
		},
		build: func(_ context.Context, p ProviderConfig, hc *http.Client) (describer.Describer, describer.Summarizer, error) {
			o := ollama.Init(ollama.Options{
				ServerURL:         p.Endpoint,
				ImageModel:        p.ImageModel.model(),
				TextModel:         p.TextModel.model(),
				RequestsPerMinute: p.RequestsPerMinute,
				HTTPClient:        hc,
			})
			return o, o, nil
		},
	},
}

// Backends lists the supported backend names in sorted order.
func Backends() []string {
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type field struct {
	name  string
	value string
}

func missing(fields ...field) []string {
	var names []string
	for _, f := range fields {
		if f.value == "" {
			names = append(names, f.name)
		}
	}
	return names
}

func (m ModelConfig) model() describer.Model {
	return describer.Model{
		Name:         m.Model,
		MaxTokens:    m.MaxTokens,
		Temperature:  m.Temperature,
		SystemPrompt: m.SystemPrompt,
	}
}

// CreateProviders validates the named provider's config and builds its
// describer and summarizer. An empty name selects cfg.DefaultProvider. Every
// configuration problem is reported as a *ConfigError before any backend is
// contacted, and calling it again with the same config yields an equivalent
// pair.
func CreateProviders(ctx context.Context, cfg *Config, name string, hc *http.Client) (describer.Describer, describer.Summarizer, error) {
	name, p, err := cfg.Provider(name)
	if err != nil {
		return nil, nil, err
	}

	b, ok := backends[name]
	if !ok {
		return nil, nil, &ConfigError{
			Provider: name,
			Reason:   "is not a known backend, expected one of",
			Fields:   Backends(),
		}
	}
	if fields := b.required(p); len(fields) > 0 {
		return nil, nil, &ConfigError{Provider: name, Reason: "missing required fields", Fields: fields}
	}
	if err := cfg.validate(name, p); err != nil {
		return nil, nil, err
	}

	if hc == nil {
		hc = http.DefaultClient
	}
	d, s, err := b.build(ctx, p, hc)
	if err != nil {
		return nil, nil, &ConfigError{Provider: name, Reason: err.Error()}
	}
	return d, s, nil
}

