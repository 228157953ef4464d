package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/mendd/internal/logging"
)

const (
	defaultAPIModel  = "gpt-4o-mini"
	defaultRateLimit = 2.0 // requests per second
	defaultBurst     = 1

	// completionMaxTokens bounds a single completion.
	completionMaxTokens = 4096
	// completionTemperature keeps outputs consistent across retries.
	completionTemperature = 0.3
)

// APIConfig configures the hosted model provider.
type APIConfig struct {
	// Model is the model identifier (default gpt-4o-mini).
	Model string
	// BaseURL overrides the API endpoint. Any OpenAI-compatible endpoint
	// works; empty uses the provider default.
	BaseURL string
	// APIKey authenticates requests. Optional for local endpoints.
	APIKey string
	// RateLimit is the sustained request rate in requests per second.
	RateLimit float64
	// Burst is the rate limiter burst size.
	Burst int
}

// API calls a hosted model through langchaingo, metering requests with a
// local rate limiter. Upstream status text (429, 5xx) passes through in
// errors. The default fallback dispatch path.
type API struct {
	model   string
	llm     *openai.LLM
	limiter *rate.Limiter
	logger  *logging.Logger
}

// NewAPI creates the hosted model provider.
func NewAPI(cfg APIConfig, logger *logging.Logger) (*API, error) {
	if logger == nil {
		logger = logging.Nop()
	}

	model := cfg.Model
	if model == "" {
		model = defaultAPIModel
	}
	rateLimit := cfg.RateLimit
	if rateLimit <= 0 {
		rateLimit = defaultRateLimit
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = defaultBurst
	}

	// langchaingo requires a token; a placeholder suffices for local
	// OpenAI-compatible endpoints.
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = "placeholder"
	}

	opts := []openai.Option{
		openai.WithModel(model),
		openai.WithToken(apiKey),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}

	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating model client: %w", err)
	}

	return &API{
		model:   model,
		llm:     llm,
		limiter: rate.NewLimiter(rate.Limit(rateLimit), burst),
		logger:  logger.Named("provider.api"),
	}, nil
}

// Name identifies the backend.
func (a *API) Name() string { return "api" }

// Execute sends the prompt to the hosted model. workingDir is ignored;
// hosted models have no filesystem access.
func (a *API) Execute(ctx context.Context, prompt string, timeout time.Duration, _ string) (*Result, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return failedResult("", 0, fmt.Errorf("rate limiter wait: %w", err))
	}

	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	a.logger.Debug(ctx, "calling hosted model",
		zap.String("model", a.model),
		zap.Duration("timeout", timeout))

	start := time.Now()
	output, err := llms.GenerateFromSinglePrompt(runCtx, a.llm, prompt,
		llms.WithMaxTokens(completionMaxTokens),
		llms.WithTemperature(completionTemperature),
	)
	duration := time.Since(start)

	if err != nil {
		return failedResult("", duration, fmt.Errorf("model call failed: %w", err))
	}

	a.logger.Debug(ctx, "hosted model completed",
		zap.Duration("duration", duration),
		zap.Int("output_bytes", len(output)))

	return &Result{Success: true, Output: output, Duration: duration}, nil
}
