package providers

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowgraph/flowgraph/errs"
	"github.com/flowgraph/flowgraph/history"
	"github.com/flowgraph/flowgraph/ir"
	"github.com/flowgraph/flowgraph/registry"
)

func TestNewOpenAIRequiresCredentials(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("OPENAI_BASE_URL", "")

	_, err := NewOpenAI(ir.Provider{ID: "openai", Type: "openai"})
	require.Equal(t, errs.CodeProviderOpenAI, errs.CodeOf(err))

	// A custom base URL makes the key optional (local gateways).
	p, err := NewOpenAI(ir.Provider{ID: "openai", Type: "openai", Config: map[string]any{
		"base_url": "http://localhost:8080/v1",
	}})
	require.NoError(t, err)
	require.Equal(t, "gpt-4o-mini", p.Model)
}

func TestNewOpenAIReadsConfig(t *testing.T) {
	p, err := NewOpenAI(ir.Provider{ID: "openai", Type: "openai", Config: map[string]any{
		"api_key":           "sk-test",
		"model":             "gpt-4o",
		"temperature":       0.2,
		"max_output_tokens": 256,
	}})
	require.NoError(t, err)
	require.Equal(t, "gpt-4o", p.Model)
	require.NotNil(t, p.Temperature)
	require.InDelta(t, 0.2, *p.Temperature, 1e-9)
	require.NotNil(t, p.MaxTokens)
	require.Equal(t, 256, *p.MaxTokens)
}

func TestNewAnthropicRequiresCredentials(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("ANTHROPIC_BASE_URL", "")

	_, err := NewAnthropic(ir.Provider{ID: "anthropic", Type: "anthropic"})
	require.Equal(t, errs.CodeProviderAnthropic, errs.CodeOf(err))

	p, err := NewAnthropic(ir.Provider{ID: "anthropic", Type: "anthropic", Config: map[string]any{
		"api_key":    "sk-ant-test",
		"model":      "claude-3-5-haiku-latest",
		"max_tokens": 512,
	}})
	require.NoError(t, err)
	require.Equal(t, "claude-3-5-haiku-latest", p.Model)
	require.Equal(t, 512, *p.MaxTokens)
}

func TestRegisterWiresFactories(t *testing.T) {
	reg := Register(registry.New())

	resolved, err := reg.Materialize(&ir.IR{
		Providers: map[string]ir.Provider{
			"main": {ID: "main", Type: "openai", Config: map[string]any{"api_key": "sk-test"}},
		},
	})
	require.NoError(t, err)
	require.IsType(t, &OpenAI{}, resolved.Providers["main"])
}

func TestMessageConversionSplitsRoles(t *testing.T) {
	system, messages := toAnthropicMessages([]history.Message{
		{Role: "system", Content: "be terse"},
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "hello"},
	})
	require.Len(t, system, 1)
	require.Len(t, messages, 2)

	openaiMessages := toOpenAIMessages([]history.Message{
		{Role: "system", Content: "be terse"},
		{Role: "user", Content: "hi"},
	})
	require.Len(t, openaiMessages, 2)
}
