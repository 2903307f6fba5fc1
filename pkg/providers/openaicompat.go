package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/pkoukk/tiktoken-go"

	"github.com/ensemble-ai/ensemble/pkg/config"
	"github.com/ensemble-ai/ensemble/pkg/httpclient"
	"github.com/ensemble-ai/ensemble/pkg/observability"
)

// OpenAICompatible speaks the OpenAI-style HTTP API: chat completions
// (with SSE streaming), embeddings, audio speech/transcriptions/translations
// and image generation. It serves any endpoint that implements the same
// surface, which is why the base URL may be a pool of interchangeable
// endpoints.
type OpenAICompatible struct {
	cfg      *config.ProviderConfig
	settings map[string]any
	http     *httpclient.Client
}

// NewOpenAICompatible is the adapter factory registered for the
// openai_compatible provider type.
func NewOpenAICompatible(cfg *config.ProviderConfig, settings map[string]any) (Provider, error) {
	opts := []httpclient.Option{
		httpclient.WithHTTPClient(&http.Client{Timeout: time.Duration(cfg.Timeout) * time.Second}),
		httpclient.WithHeaderParser(httpclient.ParseOpenAIRateLimitHeaders),
	}
	if cfg.InsecureSkipVerify != nil || cfg.CACertificate != "" {
		tlsCfg := httpclient.TLSConfig{CACertificate: cfg.CACertificate}
		if cfg.InsecureSkipVerify != nil {
			tlsCfg.InsecureSkipVerify = *cfg.InsecureSkipVerify
		}
		opt, err := httpclient.WithTLSConfig(&tlsCfg)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", cfg.Name, err)
		}
		opts = append(opts, opt)
	}

	return &OpenAICompatible{
		cfg:      cfg,
		settings: settings,
		http:     httpclient.New(opts...),
	}, nil
}

func (p *OpenAICompatible) Name() string       { return p.cfg.Name }
func (p *OpenAICompatible) Services() []string { return p.cfg.Services }
func (p *OpenAICompatible) MaxTokens() int     { return p.cfg.MaxTokens }

func (p *OpenAICompatible) IsConfigured() bool {
	return p.cfg.BaseURL != ""
}

func (p *OpenAICompatible) Knobs() RuntimeKnobs {
	return RuntimeKnobs{
		WaitBetweenRequests: p.cfg.WaitBetweenRequests,
		WaitAfterFailure:    p.cfg.WaitAfterFailure,
		MaxFailures:         p.cfg.MaxFailures,
	}
}

// baseURL picks one endpoint from the pool. Pools are shuffled per call so
// load spreads across interchangeable endpoints.
func (p *OpenAICompatible) baseURL() string {
	pool := p.cfg.URIPool()
	if len(pool) == 0 {
		return ""
	}
	return strings.TrimSuffix(pool[rand.Intn(len(pool))], "/")
}

func (p *OpenAICompatible) model(req InferenceRequest) string {
	if req.Model != "" {
		return req.Model
	}
	if req.UseSmartest && p.cfg.SmartModel != "" {
		return p.cfg.SmartModel
	}
	return p.cfg.Model
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type chatContentPart struct {
	Type     string              `json:"type"`
	Text     string              `json:"text,omitempty"`
	ImageURL *chatContentPartURL `json:"image_url,omitempty"`
}

type chatContentPartURL struct {
	URL string `json:"url"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (p *OpenAICompatible) chatPayload(req InferenceRequest, stream bool) chatRequest {
	var content any = req.Prompt
	if len(req.Images) > 0 {
		parts := []chatContentPart{{Type: "text", Text: req.Prompt}}
		for _, img := range req.Images {
			parts = append(parts, chatContentPart{
				Type:     "image_url",
				ImageURL: &chatContentPartURL{URL: img},
			})
		}
		content = parts
	}

	out := chatRequest{
		Model:       p.model(req),
		Messages:    []chatMessage{{Role: "user", Content: content}},
		Temperature: p.cfg.Temperature,
		TopP:        p.cfg.TopP,
		Stream:      stream,
	}
	if req.Temperature != nil {
		out.Temperature = req.Temperature
	}
	if req.TopP != nil {
		out.TopP = req.TopP
	}
	if req.MaxTokens > 0 {
		out.MaxTokens = req.MaxTokens
	}
	return out
}

func (p *OpenAICompatible) Inference(ctx context.Context, req InferenceRequest) (string, error) {
	if !HasService(p, config.ServiceLLM) {
		return "", p.unsupported(config.ServiceLLM)
	}

	payload := p.chatPayload(req, false)
	start := time.Now()
	var out chatResponse
	err := p.postJSON(ctx, "/chat/completions", payload, &out)
	observability.GetGlobalMetrics().RecordProviderCall(ctx, p.cfg.Name, payload.Model, time.Since(start), out.Usage.TotalTokens, err)
	if err != nil {
		return "", p.classify(err)
	}
	if out.Error != nil {
		return "", NewFatal(p.cfg.Name, errors.New(out.Error.Message))
	}
	if len(out.Choices) == 0 {
		return "", NewTransient(p.cfg.Name, errors.New("response carried no choices"))
	}
	return out.Choices[0].Message.Content, nil
}

func (p *OpenAICompatible) InferenceStream(ctx context.Context, req InferenceRequest) (<-chan StreamChunk, error) {
	if !HasService(p, config.ServiceLLM) {
		return nil, p.unsupported(config.ServiceLLM)
	}

	payload := p.chatPayload(req, true)
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, NewFatal(p.cfg.Name, err)
	}

	httpReq, err := p.newRequest(ctx, http.MethodPost, "/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, NewFatal(p.cfg.Name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := p.http.Do(httpReq)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, p.classify(err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, p.classify(p.statusError(resp))
	}

	ch := make(chan StreamChunk)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		start := time.Now()
		counter := newTokenCounter(payload.Model)
		total := 0

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				break
			}

			var delta chatResponse
			if err := json.Unmarshal([]byte(data), &delta); err != nil {
				continue
			}
			if len(delta.Choices) == 0 {
				continue
			}
			text := delta.Choices[0].Delta.Content
			if text == "" {
				continue
			}
			tokens := counter.count(text)
			total += tokens

			select {
			case ch <- StreamChunk{Text: text, Tokens: tokens}:
			case <-ctx.Done():
				observability.GetGlobalMetrics().RecordProviderCall(ctx, p.cfg.Name, payload.Model, time.Since(start), total, ctx.Err())
				return
			}
		}
		err := scanner.Err()
		observability.GetGlobalMetrics().RecordProviderCall(ctx, p.cfg.Name, payload.Model, time.Since(start), total, err)
		if err != nil {
			ch <- StreamChunk{Err: NewTransient(p.cfg.Name, err)}
		}
	}()
	return ch, nil
}

type embeddingsResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (p *OpenAICompatible) Embeddings(ctx context.Context, text string) ([]float32, error) {
	if !HasService(p, config.ServiceEmbeddings) {
		return nil, p.unsupported(config.ServiceEmbeddings)
	}

	payload := map[string]any{"model": p.cfg.Model, "input": text}
	var out embeddingsResponse
	if err := p.postJSON(ctx, "/embeddings", payload, &out); err != nil {
		return nil, p.classify(err)
	}
	if len(out.Data) == 0 {
		return nil, NewTransient(p.cfg.Name, errors.New("embeddings response carried no data"))
	}
	return out.Data[0].Embedding, nil
}

func (p *OpenAICompatible) TextToSpeech(ctx context.Context, text string) ([]byte, error) {
	if !HasService(p, config.ServiceTTS) {
		return nil, p.unsupported(config.ServiceTTS)
	}

	voice := "alloy"
	if v, ok := p.cfg.Settings["voice"].(string); ok && v != "" {
		voice = v
	}
	payload := map[string]any{"model": p.cfg.Model, "input": text, "voice": voice}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, NewFatal(p.cfg.Name, err)
	}

	req, err := p.newRequest(ctx, http.MethodPost, "/audio/speech", bytes.NewReader(body))
	if err != nil {
		return nil, NewFatal(p.cfg.Name, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.http.Do(req)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, p.classify(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, p.classify(p.statusError(resp))
	}
	return io.ReadAll(resp.Body)
}

func (p *OpenAICompatible) Transcribe(ctx context.Context, audio []byte) (string, error) {
	if !HasService(p, config.ServiceTranscription) {
		return "", p.unsupported(config.ServiceTranscription)
	}
	return p.audioToText(ctx, "/audio/transcriptions", audio)
}

func (p *OpenAICompatible) Translate(ctx context.Context, audio []byte) (string, error) {
	if !HasService(p, config.ServiceTranslation) {
		return "", p.unsupported(config.ServiceTranslation)
	}
	return p.audioToText(ctx, "/audio/translations", audio)
}

func (p *OpenAICompatible) audioToText(ctx context.Context, path string, audio []byte) (string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", NewFatal(p.cfg.Name, err)
	}
	if _, err := part.Write(audio); err != nil {
		return "", NewFatal(p.cfg.Name, err)
	}
	if err := w.WriteField("model", p.cfg.Model); err != nil {
		return "", NewFatal(p.cfg.Name, err)
	}
	if err := w.Close(); err != nil {
		return "", NewFatal(p.cfg.Name, err)
	}

	req, err := p.newRequest(ctx, http.MethodPost, path, bytes.NewReader(buf.Bytes()))
	if err != nil {
		return "", NewFatal(p.cfg.Name, err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := p.http.Do(req)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return "", p.classify(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", p.classify(p.statusError(resp))
	}

	var out struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", NewTransient(p.cfg.Name, err)
	}
	return out.Text, nil
}

type imageResponse struct {
	Data []struct {
		URL     string `json:"url"`
		B64JSON string `json:"b64_json"`
	} `json:"data"`
}

// GenerateImage returns either the upstream URL or a data URI when the
// endpoint responds with inline base64.
func (p *OpenAICompatible) GenerateImage(ctx context.Context, prompt string) (string, error) {
	if !HasService(p, config.ServiceImage) {
		return "", p.unsupported(config.ServiceImage)
	}

	payload := map[string]any{"model": p.cfg.Model, "prompt": prompt, "n": 1}
	var out imageResponse
	if err := p.postJSON(ctx, "/images/generations", payload, &out); err != nil {
		return "", p.classify(err)
	}
	if len(out.Data) == 0 {
		return "", NewTransient(p.cfg.Name, errors.New("image response carried no data"))
	}
	if out.Data[0].URL != "" {
		return out.Data[0].URL, nil
	}
	return "data:image/png;base64," + out.Data[0].B64JSON, nil
}

func (p *OpenAICompatible) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	base := p.baseURL()
	if base == "" {
		return nil, errors.New("no base_url configured")
	}
	req, err := http.NewRequestWithContext(ctx, method, base+path, body)
	if err != nil {
		return nil, err
	}
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}
	return req, nil
}

func (p *OpenAICompatible) postJSON(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return NewFatal(p.cfg.Name, err)
	}
	req, err := p.newRequest(ctx, http.MethodPost, path, bytes.NewReader(body))
	if err != nil {
		return NewFatal(p.cfg.Name, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.http.Do(req)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return p.statusError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (p *OpenAICompatible) statusError(resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("upstream returned %d: %s: %w",
		resp.StatusCode, strings.TrimSpace(string(snippet)),
		&httpclient.StatusError{StatusCode: resp.StatusCode})
}

// classify maps upstream failures to the router's taxonomy: 429 and 5xx
// rotate, other 4xx surface immediately, network errors rotate.
func (p *OpenAICompatible) classify(err error) error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return err
	}

	code := 0
	var se *httpclient.StatusError
	var re *httpclient.RetryableError
	switch {
	case errors.As(err, &se):
		code = se.StatusCode
	case errors.As(err, &re):
		code = re.StatusCode
	}

	if code >= 400 && code < 500 && code != http.StatusTooManyRequests && code != http.StatusRequestTimeout {
		return NewFatal(p.cfg.Name, err)
	}
	return NewTransient(p.cfg.Name, err)
}

func (p *OpenAICompatible) unsupported(service string) error {
	return NewFatal(p.cfg.Name, fmt.Errorf("%w: %s does not declare %s", ErrUnsupported, p.cfg.Name, service))
}

// tokenCounter counts tokens with tiktoken when the model's encoding is
// known, falling back to the bytes/4 heuristic.
type tokenCounter struct {
	enc *tiktoken.Tiktoken
}

func newTokenCounter(model string) *tokenCounter {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, _ = tiktoken.GetEncoding("cl100k_base")
	}
	return &tokenCounter{enc: enc}
}

func (c *tokenCounter) count(text string) int {
	if c.enc != nil {
		return len(c.enc.Encode(text, nil, nil))
	}
	n := len(text) / 4
	if n == 0 && text != "" {
		n = 1
	}
	return n
}
