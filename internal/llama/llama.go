package llama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"net/http"
	"strings"

	"github.com/chriskillpack/montage/describer"
	"github.com/chriskillpack/montage/internal/ratelimit"
)

const (
	name = "llava"

	promptPreamble = `This is a conversation between User and Llama, a friendly chatbot. Llama is helpful, kind, honest, good at writing, and never fails to answer any requests immediately and with precision.

User:`
	promptSuffix = `
Llama:`

	imagePreamble = `A chat between a curious human and an artificial intelligence assistant. The assistant gives helpful, detailed, and polite answers to the human's questions.
USER:`
	imageSuffix = `
ASSISTANT:`
)

type jsonmap map[string]any

// These were lifted from the web inspector for the server UI
var defaultparams = jsonmap{
	"n_probs":           0,
	"stop":              []string{"</s>", "Llama:", "User:"},
	"repeat_last_n":     256,
	"repeat_penalty":    1.18,
	"top_k":             40,
	"top_p":             0.5,
	"tfs_z":             1,
	"typical_p":         1,
	"presence_penalty":  0,
	"frequency_penalty": 0,
	"mirostat":          0,
	"mirostat_tau":      5,
	"mirostat_eta":      0.1,
	"grammar":           "",
	"slot_id":           -1,
	"cache_prompt":      true,
}

type Options struct {
	ServerURL string
	Seed      int

	ImageModel describer.Model
	TextModel  describer.Model

	RequestsPerMinute int          // 0 disables rate limiting
	HTTPClient        *http.Client // if nil uses http.DefaultClient
}

type llama struct {
	srvAddr string
	seed    int
	image   describer.Model
	text    describer.Model

	client *http.Client
	rl     *ratelimit.Limiter
}

var (
	_ describer.Describer     = &llama{}
	_ describer.Summarizer    = &llama{}
	_ describer.HealthChecker = &llama{}
)

func Init(opts Options) *llama {
	client := opts.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	return &llama{
		srvAddr: strings.TrimRight(opts.ServerURL, "/"),
		seed:    opts.Seed,
		image:   opts.ImageModel,
		text:    opts.TextModel,
		client:  client,
		rl:      ratelimit.PerMinute(opts.RequestsPerMinute),
	}
}

func (l *llama) Name() string { return name }

func (l *llama) IsHealthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.srvAddr+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()

	return resp.StatusCode == http.StatusOK
}

func (l *llama) DescribeImage(ctx context.Context, img describer.Image) (string, error) {
	imb64 := base64.StdEncoding.EncodeToString(img.Data)
	return l.sendRequest(ctx, imagePrompt(l.image.SystemPrompt), false, l.image, jsonmap{
		"image_data": []jsonmap{
			{
				"data": imb64, "id": 10,
			},
		},
	})
}

func (l *llama) Summarize(ctx context.Context, descriptions []string) (string, error) {
	return l.sendRequest(ctx, queryPrompt(describer.SummaryPrompt(descriptions)), true, l.text, jsonmap{})
}

// Use this with a text prompt
func queryPrompt(prompt string) string {
	return promptPreamble + prompt + promptSuffix
}

func imagePrompt(system string) string {
	p := imagePreamble + "[img-10]"
	if system != "" {
		p += system + "\n"
	}
	return p + describer.DescribePrompt + imageSuffix
}

func (l *llama) sendRequest(ctx context.Context, prompt string, stream bool, m describer.Model, keys jsonmap) (string, error) {
	if err := l.rl.Acquire(ctx); err != nil {
		return "", describer.FromNetwork(name, err)
	}

	data := maps.Clone(defaultparams)
	maps.Copy(data, keys)
	data["prompt"] = prompt
	data["stream"] = stream
	data["seed"] = l.seed
	data["n_predict"] = m.MaxTokens
	data["temperature"] = m.Temperature

	buf := bytes.NewBuffer(make([]byte, 0, 2_000_000)) // The buffer will be resized by Encode
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	err := enc.Encode(&data)
	if err != nil {
		return "", describer.Fatal(name, "marshal_error", err)
	}
	br := bytes.NewReader(buf.Bytes())

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.srvAddr+"/completion", br)
	if err != nil {
		return "", describer.Fatal(name, "request_error", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		return "", describer.FromNetwork(name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		de := describer.FromStatus(name, resp.StatusCode, string(b))
		de.RetryAfter, _ = describer.ParseRetryAfter(resp.Header.Get("Retry-After"))
		return "", de
	}

	content := new(bytes.Buffer)
	respbody := struct {
		Content string
		Stop    bool
	}{}

	lr := bufio.NewScanner(resp.Body)
	lr.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for !respbody.Stop {
		// Read in one line
		if !lr.Scan() {
			err := lr.Err()
			if err == nil {
				err = io.ErrUnexpectedEOF
			}
			return "", describer.FromNetwork(name, err)
		}
		line := lr.Text()
		// The server emits an empty line after each JSON body
		if len(line) == 0 {
			continue
		}
		if stream {
			var found bool
			line, found = strings.CutPrefix(line, "data: ")
			if !found {
				return "", describer.Fatal(name, "invalid_response", fmt.Errorf("missing `data: ` prefix"))
			}
		}

		if err := json.Unmarshal([]byte(line), &respbody); err != nil {
			return "", describer.Fatal(name, "decode_error", err)
		}
		content.WriteString(respbody.Content)
	}

	return strings.TrimLeft(content.String(), " "), nil
}
