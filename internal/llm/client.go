package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	openai "github.com/openai/openai-go"
	oaioption "github.com/openai/openai-go/option"
	"google.golang.org/api/googleapi"
	gapi "google.golang.org/api/option"

	"github.com/inkwell-press/inkwell/internal/tokens"
)

// Message roles.
const (
	RoleSystem = "system"
	RoleUser   = "user"
)

// Message is one turn of provider input.
type Message struct {
	Role    string
	Content string
}

// CompletionRequest is a single provider invocation.
type CompletionRequest struct {
	Model           string
	Messages        []Message
	MaxOutputTokens int
	Temperature     float32
}

// Completion is the raw provider output with measured token usage.
type Completion struct {
	Text      string
	TokensIn  int
	TokensOut int
}

// ProviderClient abstracts an LLM provider. Implementations perform exactly
// one attempt per Complete call; retries belong to the Gateway.
type ProviderClient interface {
	Complete(ctx context.Context, req CompletionRequest) (*Completion, error)
	Close() error
}

// Provider names accepted in configuration.
const (
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"
)

// NewProviderClient creates a provider client by name.
func NewProviderClient(ctx context.Context, provider, apiKey, baseURL string) (ProviderClient, error) {
	switch provider {
	case ProviderGemini, "":
		return NewGeminiClient(ctx, apiKey)
	case ProviderOpenAI:
		return NewOpenAIClient(apiKey, baseURL)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", provider)
	}
}

// GeminiClient implements ProviderClient for Google Gemini.
type GeminiClient struct {
	client *genai.Client
}

// NewGeminiClient creates a Gemini-backed provider client.
func NewGeminiClient(ctx context.Context, apiKey string) (*GeminiClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("API key is required")
	}

	client, err := genai.NewClient(ctx, gapi.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return &GeminiClient{client: client}, nil
}

// Complete performs one generation attempt against Gemini.
func (c *GeminiClient) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	model := c.client.GenerativeModel(req.Model)
	model.SetTemperature(req.Temperature)
	if req.MaxOutputTokens > 0 {
		model.SetMaxOutputTokens(int32(req.MaxOutputTokens))
	}

	var system, user []string
	for _, m := range req.Messages {
		if m.Role == RoleSystem {
			system = append(system, m.Content)
		} else {
			user = append(user, m.Content)
		}
	}
	if len(system) > 0 {
		model.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(strings.Join(system, "\n\n"))},
		}
	}

	prompt := strings.Join(user, "\n\n")
	resp, err := model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return nil, err
	}

	text, err := extractText(resp)
	if err != nil {
		return nil, err
	}

	out := &Completion{Text: text}
	if resp.UsageMetadata != nil {
		out.TokensIn = int(resp.UsageMetadata.PromptTokenCount)
		out.TokensOut = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	if out.TokensIn == 0 {
		out.TokensIn = tokens.Count(prompt)
	}
	if out.TokensOut == 0 {
		out.TokensOut = tokens.Count(text)
	}
	return out, nil
}

// Close releases resources held by the client.
func (c *GeminiClient) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// extractText flattens the text parts of a Gemini response.
func extractText(resp *genai.GenerateContentResponse) (string, error) {
	if len(resp.Candidates) == 0 {
		return "", fmt.Errorf("no candidates in response")
	}

	candidate := resp.Candidates[0]
	if candidate.Content == nil || len(candidate.Content.Parts) == 0 {
		return "", fmt.Errorf("no content in response")
	}

	var parts []string
	for _, part := range candidate.Content.Parts {
		if text, ok := part.(genai.Text); ok {
			parts = append(parts, string(text))
		}
	}
	if len(parts) == 0 {
		return "", fmt.Errorf("no text parts in response")
	}
	return strings.Join(parts, ""), nil
}

// OpenAIClient implements ProviderClient using the official openai-go SDK.
type OpenAIClient struct {
	client openai.Client
}

// NewOpenAIClient creates an OpenAI-backed provider client. SDK-level retries
// are disabled so the gateway owns the retry schedule.
func NewOpenAIClient(apiKey, baseURL string) (*OpenAIClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("API key is required")
	}
	opts := []oaioption.RequestOption{
		oaioption.WithAPIKey(apiKey),
		oaioption.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, oaioption.WithBaseURL(baseURL))
	}
	return &OpenAIClient{client: openai.NewClient(opts...)}, nil
}

// Complete performs one chat completion attempt.
func (c *OpenAIClient) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	var msgs []openai.ChatCompletionMessageParamUnion
	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			msgs = append(msgs, openai.SystemMessage(m.Content))
		default:
			msgs = append(msgs, openai.UserMessage(m.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(req.Model),
		Messages: msgs,
	}
	if req.MaxOutputTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxOutputTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(float64(req.Temperature))
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("empty choices in response")
	}

	out := &Completion{
		Text:      resp.Choices[0].Message.Content,
		TokensIn:  int(resp.Usage.PromptTokens),
		TokensOut: int(resp.Usage.CompletionTokens),
	}
	if out.TokensOut == 0 {
		out.TokensOut = tokens.Count(out.Text)
	}
	return out, nil
}

// Close implements ProviderClient.
func (c *OpenAIClient) Close() error { return nil }

// classify maps a raw provider error onto a CallError.
func classify(model string, err error) *CallError {
	ce := &CallError{Kind: FailureTransport, Model: model, Err: err}

	if errors.Is(err, context.Canceled) {
		ce.Kind = FailureCancelled
		return ce
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ce
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		ce.Kind = kindForStatus(gerr.Code)
		ce.RetryAfter = retryAfter(gerr.Header)
		return ce
	}

	var oerr *openai.Error
	if errors.As(err, &oerr) {
		ce.Kind = kindForStatus(oerr.StatusCode)
		if oerr.Response != nil {
			ce.RetryAfter = retryAfter(oerr.Response.Header)
		}
		return ce
	}

	return ce
}

func kindForStatus(code int) FailureKind {
	switch {
	case code == http.StatusTooManyRequests:
		return FailureRateLimited
	case code >= 500:
		return FailureServerError
	case code >= 400:
		return FailureClientError
	}
	return FailureTransport
}

// retryAfter parses a Retry-After header, either delay seconds or an HTTP
// date. Zero means absent.
func retryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
