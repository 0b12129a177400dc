package openai

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/kailas-cloud/modelmux/internal/domain"
)

const (
	defaultMaxTokens      = 512
	defaultWarmUpMaxTries = 5
	warmUpPrompt          = "ping"
)

// BackendConfig holds the settings of one inference backend.
type BackendConfig struct {
	Role           string
	APIKey         string
	BaseURL        string
	Model          string
	MaxTokens      int
	WarmUpMaxTries uint
	// WarmUpInterval is the initial backoff between warm-up attempts.
	WarmUpInterval time.Duration
	Logger         *zap.Logger
}

// Backend is an inference backend served over the OpenAI-compatible chat API
// (vLLM, llama.cpp server, Ollama, hosted providers).
type Backend struct {
	client         *openai.Client
	model          string
	maxTokens      int
	warmUpMaxTries uint
	warmUpInterval time.Duration
	logger         *zap.Logger
}

// NewBackend creates a chat completion backend.
func NewBackend(cfg *BackendConfig) *Backend {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	clientCfg.BaseURL = cfg.BaseURL

	b := &Backend{
		client:         openai.NewClientWithConfig(clientCfg),
		model:          cfg.Model,
		maxTokens:      cfg.MaxTokens,
		warmUpMaxTries: cfg.WarmUpMaxTries,
		warmUpInterval: cfg.WarmUpInterval,
		logger:         cfg.Logger.With(zap.String("backend", cfg.Role), zap.String("model", cfg.Model)),
	}
	if b.maxTokens <= 0 {
		b.maxTokens = defaultMaxTokens
	}
	if b.warmUpMaxTries == 0 {
		b.warmUpMaxTries = defaultWarmUpMaxTries
	}
	if b.warmUpInterval <= 0 {
		b.warmUpInterval = 500 * time.Millisecond
	}
	return b
}

// WarmUp sends a one-token completion until the model answers. Servers load
// weights on first use, so early attempts may time out or return 5xx.
func (b *Backend) WarmUp(ctx context.Context) error {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = b.warmUpInterval
	expBackoff.MaxInterval = 20 * b.warmUpInterval
	expBackoff.Reset()

	start := time.Now()
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		_, err := b.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:     b.model,
			Messages:  []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleUser, Content: warmUpPrompt}},
			MaxTokens: 1,
		})
		if err != nil && isPermanent(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(b.warmUpMaxTries),
		backoff.WithNotify(func(err error, d time.Duration) {
			b.logger.Debug("Warm-up attempt failed", zap.Duration("retry_in", d), zap.Error(err))
		}),
	)
	if err != nil {
		return parseAPIError("warm-up", err, domain.ErrWarmUpFailed)
	}

	b.logger.Info("Backend warmed up", zap.Duration("latency", time.Since(start)))
	return nil
}

// Generate runs one chat completion.
func (b *Backend) Generate(
	ctx context.Context, prompt string, opts domain.GenerateOptions,
) (domain.Generation, error) {
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = b.maxTokens
	}

	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if opts.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: opts.SystemPrompt,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: prompt})

	start := time.Now()
	resp, err := b.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       b.model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: opts.Temperature,
	})
	latency := time.Since(start)

	if err != nil {
		return domain.Generation{Latency: latency}, parseAPIError("completion", err, domain.ErrBackendFailed)
	}
	if len(resp.Choices) == 0 {
		return domain.Generation{
			Latency:      latency,
			Errored:      true,
			ErrorMessage: "empty completion response",
		}, nil
	}

	return domain.Generation{
		Text:    resp.Choices[0].Message.Content,
		Latency: latency,
	}, nil
}

// Unload releases the backend. OpenAI-compatible servers manage residency
// themselves, so this only marks the backend idle on our side.
func (b *Backend) Unload(_ context.Context) error {
	b.logger.Debug("Backend unloaded")
	return nil
}
