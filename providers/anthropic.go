package providers

import (
	"context"
	"errors"
	"fmt"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	anthropicopt "github.com/anthropics/anthropic-sdk-go/option"

	"github.com/flowgraph/flowgraph/errs"
	"github.com/flowgraph/flowgraph/history"
	"github.com/flowgraph/flowgraph/ir"
	"github.com/flowgraph/flowgraph/policy"
)

const defaultAnthropicMaxTokens = 1024

// Anthropic backs llm components with the Anthropic Messages API.
type Anthropic struct {
	client      anthropic.Client
	Model       string
	Temperature *float64
	MaxTokens   *int
}

// NewAnthropic builds a provider from its document declaration. The API
// key comes from config or ANTHROPIC_API_KEY.
func NewAnthropic(p ir.Provider) (*Anthropic, error) {
	apiKey := configValue(p.Config, "api_key", "ANTHROPIC_API_KEY")
	baseURL := configValue(p.Config, "base_url", "ANTHROPIC_BASE_URL")
	model := configValue(p.Config, "model", "ANTHROPIC_MODEL")
	if model == "" {
		model = "claude-sonnet-4-5"
	}

	if apiKey == "" && baseURL == "" {
		return nil, errs.New(
			errs.CodeProviderAnthropic,
			"Anthropic API key is required: set providers[].config.api_key or ANTHROPIC_API_KEY",
			fmt.Sprintf("/providers/%s", p.ID),
		)
	}

	var clientOpts []anthropicopt.RequestOption
	if apiKey != "" {
		clientOpts = append(clientOpts, anthropicopt.WithAPIKey(apiKey))
	}
	if baseURL != "" {
		clientOpts = append(clientOpts, anthropicopt.WithBaseURL(baseURL))
	}

	return &Anthropic{
		client:      anthropic.NewClient(clientOpts...),
		Model:       model,
		Temperature: floatValue(p.Config, "temperature"),
		MaxTokens:   intValue(p.Config, "max_tokens"),
	}, nil
}

// Chat issues one Messages API call. System turns are lifted into the
// request's system blocks as the API requires.
func (a *Anthropic) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = a.Model
	}
	maxTokens := defaultAnthropicMaxTokens
	if v := firstInt(req.MaxTokens, a.MaxTokens); v != nil {
		maxTokens = *v
	}

	system, messages := toAnthropicMessages(req.Messages)
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  messages,
	}
	if len(system) > 0 {
		params.System = system
	}
	if temp := firstFloat(req.Temperature, a.Temperature); temp != nil {
		params.Temperature = anthropic.Float(*temp)
	}

	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return nil, wrapAnthropicError(err)
	}

	var text string
	for _, block := range resp.Content {
		text += block.Text
	}
	return &ChatResponse{
		Text: text,
		Usage: Usage{
			PromptTokens:     int(resp.Usage.InputTokens),
			CompletionTokens: int(resp.Usage.OutputTokens),
			TotalTokens:      int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
		},
	}, nil
}

func toAnthropicMessages(messages []history.Message) ([]anthropic.TextBlockParam, []anthropic.MessageParam) {
	var system []anthropic.TextBlockParam
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case "system":
			system = append(system, anthropic.TextBlockParam{Text: msg.Content})
		case "assistant":
			out = append(out, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
		default:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}
	return system, out
}

func wrapAnthropicError(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		return &policy.HTTPError{Status: apierr.StatusCode, Message: err.Error()}
	}
	return err
}
