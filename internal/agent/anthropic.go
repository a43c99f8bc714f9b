package agent

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/bedrock"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/aws/aws-sdk-go-v2/config"

	"github.com/ShayCichocki/switchboard/internal/errors"
)

const defaultMaxTokens = 8192

// ClientConfig contains configuration for the Anthropic executor.
type ClientConfig struct {
	// Model is the default model, e.g. anthropic.ModelClaudeSonnet4_20250514.
	Model anthropic.Model
	// APIKey is the Anthropic API key. If empty, uses ANTHROPIC_API_KEY.
	APIKey    string
	MaxTokens int64
	// UseAWSBedrock routes requests through AWS Bedrock instead of the API.
	UseAWSBedrock bool
	AWSRegion     string
	AWSProfile    string
	// Options are appended to the SDK request options, for tests.
	Options []option.RequestOption
}

// AnthropicExecutor runs steps with the Anthropic Messages API.
type AnthropicExecutor struct {
	inner     anthropic.Client
	model     anthropic.Model
	maxTokens int64
	bedrock   bool
	tracker   *TokenTracker
}

// NewAnthropicExecutor creates an executor from cfg.
func NewAnthropicExecutor(cfg ClientConfig) (*AnthropicExecutor, error) {
	var opts []option.RequestOption

	if cfg.UseAWSBedrock {
		var loadOpts []func(*config.LoadOptions) error
		if cfg.AWSRegion != "" {
			loadOpts = append(loadOpts, config.WithRegion(cfg.AWSRegion))
		}
		if cfg.AWSProfile != "" {
			loadOpts = append(loadOpts, config.WithSharedConfigProfile(cfg.AWSProfile))
		}
		opts = append(opts, bedrock.WithLoadDefaultConfig(context.Background(), loadOpts...))
	} else {
		apiKey := cfg.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY environment variable is not set")
		}
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	opts = append(opts, cfg.Options...)

	model := cfg.Model
	if model == "" {
		model = anthropic.ModelClaudeSonnet4_20250514
	}
	if cfg.UseAWSBedrock {
		model = translateModelForBedrock(model)
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	return &AnthropicExecutor{
		inner:     anthropic.NewClient(opts...),
		model:     model,
		maxTokens: maxTokens,
		bedrock:   cfg.UseAWSBedrock,
		tracker:   NewTokenTracker(),
	}, nil
}

// translateModelForBedrock converts Anthropic model names to Bedrock
// cross-region inference profiles.
func translateModelForBedrock(model anthropic.Model) anthropic.Model {
	bedrockModels := map[anthropic.Model]string{
		anthropic.ModelClaudeSonnet4_20250514:   "us.anthropic.claude-sonnet-4-20250514-v1:0",
		anthropic.ModelClaudeSonnet4_5_20250929: "us.anthropic.claude-sonnet-4-5-20250929-v1:0",
		anthropic.ModelClaudeHaiku4_5_20251001:  "us.anthropic.claude-haiku-4-5-20251001-v1:0",
		anthropic.ModelClaudeOpus4_1_20250805:   "us.anthropic.claude-opus-4-1-20250805-v1:0",
		anthropic.ModelClaudeOpus4_5_20251101:   "us.anthropic.claude-opus-4-5-20251101-v1:0",
		anthropic.ModelClaude3_7Sonnet20250219:  "us.anthropic.claude-3-7-sonnet-20250219-v1:0",
		anthropic.ModelClaude3_5Haiku20241022:   "us.anthropic.claude-3-5-haiku-20241022-v1:0",
	}
	if m, ok := bedrockModels[model]; ok {
		return anthropic.Model(m)
	}
	return model
}

// Model returns the default model.
func (e *AnthropicExecutor) Model() anthropic.Model {
	return e.model
}

// Tracker returns the token tracker.
func (e *AnthropicExecutor) Tracker() *TokenTracker {
	return e.tracker
}

// Execute implements Executor.
func (e *AnthropicExecutor) Execute(ctx context.Context, req StepRequest) (StepResult, error) {
	model := e.model
	if req.Model != "" {
		model = anthropic.Model(req.Model)
		if e.bedrock {
			model = translateModelForBedrock(model)
		}
	}

	params := anthropic.MessageNewParams{
		Model:     model,
		MaxTokens: e.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	resp, err := e.inner.Messages.New(ctx, params)
	if err != nil {
		return StepResult{}, errors.NewAgentStepFailure(req.Agent, isTransient(err), fmt.Errorf("API call failed: %w", err))
	}

	e.tracker.Add(req.Agent, resp.Usage.InputTokens, resp.Usage.OutputTokens)

	var out strings.Builder
	for _, block := range resp.Content {
		if variant, ok := block.AsAny().(anthropic.TextBlock); ok {
			out.WriteString(variant.Text)
		}
	}

	return StepResult{
		Output:    out.String(),
		TokensIn:  resp.Usage.InputTokens,
		TokensOut: resp.Usage.OutputTokens,
	}, nil
}

// isTransient reports whether an API error is worth retrying: rate
// limits, overload, server errors and network failures.
func isTransient(err error) bool {
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *anthropic.Error
	if stderrors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests,
			apiErr.StatusCode == http.StatusRequestTimeout,
			apiErr.StatusCode == 529,
			apiErr.StatusCode >= 500:
			return true
		default:
			return false
		}
	}
	var netErr net.Error
	return stderrors.As(err, &netErr)
}
