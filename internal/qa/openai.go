package qa

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"

	"github.com/amirshahdadian/document-qa/internal/retry"
)

const (
	// DefaultModel is the chat model used when none is configured.
	DefaultModel = "gpt-4o-mini"

	// DefaultTimeout bounds a single completion call.
	DefaultTimeout = 60 * time.Second
)

// ErrAPIKeyNotSet indicates no OpenAI API key was configured.
var ErrAPIKeyNotSet = errors.New("OpenAI API key not set")

// OpenAIConfig holds configuration for the OpenAI generator.
type OpenAIConfig struct {
	APIKey      string
	Model       string
	Temperature float64
	Timeout     time.Duration
}

// ApplyDefaults sets default values for unset fields.
func (c *OpenAIConfig) ApplyDefaults() {
	if c.Model == "" {
		c.Model = DefaultModel
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
}

// OpenAIGenerator produces answers via the OpenAI chat completions
// API. Rate-limited calls are retried with exponential backoff; other
// API errors fail immediately.
type OpenAIGenerator struct {
	client openai.Client
	config OpenAIConfig
	policy retry.Policy
}

var _ Generator = (*OpenAIGenerator)(nil)

// NewOpenAIGenerator creates a generator from the given configuration.
func NewOpenAIGenerator(config OpenAIConfig) (*OpenAIGenerator, error) {
	if config.APIKey == "" {
		return nil, ErrAPIKeyNotSet
	}
	config.ApplyDefaults()

	return &OpenAIGenerator{
		client: openai.NewClient(option.WithAPIKey(config.APIKey)),
		config: config,
		policy: retry.DefaultPolicy(),
	}, nil
}

// Generate implements Generator.
func (g *OpenAIGenerator) Generate(ctx context.Context, system string, turns []Turn) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.config.Timeout)
	defer cancel()

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(turns)+1)
	messages = append(messages, openai.SystemMessage(system))
	for _, turn := range turns {
		switch turn.Role {
		case RoleAssistant:
			messages = append(messages, openai.AssistantMessage(turn.Content))
		default:
			messages = append(messages, openai.UserMessage(turn.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:       shared.ChatModel(g.config.Model),
		Messages:    messages,
		Temperature: openai.Float(g.config.Temperature),
	}

	var answer string
	err := g.policy.Do(ctx, func() error {
		completion, err := g.client.Chat.Completions.New(ctx, params)
		if err != nil {
			if isRateLimitError(err) {
				return fmt.Errorf("rate limited: %w", err)
			}
			return retry.Permanent(fmt.Errorf("chat completion failed: %w", err))
		}

		if len(completion.Choices) == 0 {
			return retry.Permanent(fmt.Errorf("no completion choices returned"))
		}

		answer = completion.Choices[0].Message.Content
		return nil
	})
	if err != nil {
		return "", err
	}

	return answer, nil
}

// isRateLimitError reports whether the API rejected the call with
// HTTP 429.
func isRateLimitError(err error) bool {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429
	}
	return false
}
