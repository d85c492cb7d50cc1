// Package providers implements the built-in LLM provider factories.
// A provider wraps a vendor SDK client behind a uniform chat surface so
// components stay vendor-agnostic.
package providers

import (
	"context"
	"fmt"
	"os"

	"github.com/flowgraph/flowgraph/history"
	"github.com/flowgraph/flowgraph/ir"
	"github.com/flowgraph/flowgraph/registry"
)

// ChatRequest is the vendor-neutral completion request built by llm
// components.
type ChatRequest struct {
	Model       string
	Messages    []history.Message
	Temperature *float64
	MaxTokens   *int
}

// Usage carries the token counters reported by the vendor.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// ChatResponse is the vendor-neutral completion result.
type ChatResponse struct {
	Text  string
	Usage Usage
}

// ChatClient is the capability every LLM provider exposes.
type ChatClient interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// Register wires the built-in provider factories into a registry.
func Register(reg *registry.Registry) *registry.Registry {
	reg.RegisterProvider("openai", func(p ir.Provider) (any, error) {
		return NewOpenAI(p)
	})
	reg.RegisterProvider("anthropic", func(p ir.Provider) (any, error) {
		return NewAnthropic(p)
	})
	return reg
}

func configValue(config map[string]any, key, envVar string) string {
	if raw, ok := config[key]; ok {
		if s := fmt.Sprint(raw); s != "" && s != "<nil>" {
			return s
		}
	}
	if envVar != "" {
		return os.Getenv(envVar)
	}
	return ""
}

func floatValue(config map[string]any, key string) *float64 {
	raw, ok := config[key]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case float64:
		return &v
	case int:
		f := float64(v)
		return &f
	case int64:
		f := float64(v)
		return &f
	default:
		return nil
	}
}

func intValue(config map[string]any, key string) *int {
	raw, ok := config[key]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case int:
		return &v
	case int64:
		n := int(v)
		return &n
	case float64:
		n := int(v)
		return &n
	default:
		return nil
	}
}
