package providers

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/openai/openai-go"
	openaiopt "github.com/openai/openai-go/option"

	"github.com/flowgraph/flowgraph/errs"
	"github.com/flowgraph/flowgraph/history"
	"github.com/flowgraph/flowgraph/ir"
	"github.com/flowgraph/flowgraph/policy"
)

// OpenAI backs llm components with the OpenAI chat completions API.
type OpenAI struct {
	client      openai.Client
	Model       string
	Temperature *float64
	MaxTokens   *int
}

// NewOpenAI builds a provider from its document declaration. The API
// key comes from config or OPENAI_API_KEY; a custom base_url (local
// gateways, compatible vendors) makes the key optional.
func NewOpenAI(p ir.Provider) (*OpenAI, error) {
	apiKey := configValue(p.Config, "api_key", "OPENAI_API_KEY")
	baseURL := configValue(p.Config, "base_url", "OPENAI_BASE_URL")
	organization := configValue(p.Config, "organization", "OPENAI_ORGANIZATION")
	model := configValue(p.Config, "model", "OPENAI_MODEL")
	if model == "" {
		model = "gpt-4o-mini"
	}

	if apiKey == "" && baseURL == "" {
		return nil, errs.New(
			errs.CodeProviderOpenAI,
			"OpenAI API key is required: set providers[].config.api_key or OPENAI_API_KEY",
			fmt.Sprintf("/providers/%s", p.ID),
		)
	}

	var clientOpts []openaiopt.RequestOption
	if apiKey != "" {
		clientOpts = append(clientOpts, openaiopt.WithAPIKey(apiKey))
	}
	if baseURL != "" {
		clientOpts = append(clientOpts, openaiopt.WithBaseURL(baseURL))
	}
	if organization != "" {
		clientOpts = append(clientOpts, openaiopt.WithHeader("OpenAI-Organization", organization))
	}
	if maxRetries := intValue(p.Config, "max_retries"); maxRetries != nil {
		clientOpts = append(clientOpts, openaiopt.WithMaxRetries(*maxRetries))
	}

	return &OpenAI{
		client:      openai.NewClient(clientOpts...),
		Model:       model,
		Temperature: floatValue(p.Config, "temperature"),
		MaxTokens:   intValue(p.Config, "max_output_tokens"),
	}, nil
}

// Chat issues one completion call. Vendor failures surface their HTTP
// status so the retry predicate can classify them.
func (o *OpenAI) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = o.Model
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: toOpenAIMessages(req.Messages),
	}
	if temp := firstFloat(req.Temperature, o.Temperature); temp != nil {
		params.Temperature = openai.Float(*temp)
	}
	if maxTokens := firstInt(req.MaxTokens, o.MaxTokens); maxTokens != nil {
		params.MaxTokens = openai.Int(int64(*maxTokens))
	}

	resp, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, wrapOpenAIError(err)
	}

	var text string
	if len(resp.Choices) > 0 {
		text = resp.Choices[0].Message.Content
	}
	return &ChatResponse{
		Text: text,
		Usage: Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}, nil
}

func toOpenAIMessages(messages []history.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case "system":
			out = append(out, openai.SystemMessage(msg.Content))
		case "assistant":
			out = append(out, openai.AssistantMessage(msg.Content))
		default:
			out = append(out, openai.UserMessage(msg.Content))
		}
	}
	return out
}

func wrapOpenAIError(err error) error {
	var apierr *openai.Error
	if errors.As(err, &apierr) {
		return &policy.HTTPError{Status: apierr.StatusCode, Message: err.Error()}
	}
	return err
}

func firstFloat(values ...*float64) *float64 {
	for _, v := range values {
		if v != nil {
			return v
		}
	}
	return nil
}

func firstInt(values ...*int) *int {
	for _, v := range values {
		if v != nil {
			return v
		}
	}
	return nil
}
