// Package components implements the built-in component factories:
// chat completion components over the provider SDKs and the tool
// passthrough component.
package components

import (
	"context"
	"fmt"

	"github.com/flowgraph/flowgraph/component"
	"github.com/flowgraph/flowgraph/errs"
	"github.com/flowgraph/flowgraph/history"
	"github.com/flowgraph/flowgraph/ir"
	"github.com/flowgraph/flowgraph/providers"
	"github.com/flowgraph/flowgraph/registry"
)

// ToolFunc is the plain-function form of a tool instance.
type ToolFunc func(ctx context.Context, inputs map[string]any) (map[string]any, error)

// ToolInvoker is the object form of a tool instance.
type ToolInvoker interface {
	Call(ctx context.Context, inputs map[string]any) (map[string]any, error)
}

// Register wires the built-in component factories into a registry. The
// generic "llm" type works with any chat-capable provider; the vendor
// aliases exist so documents can be explicit about the API in use.
func Register(reg *registry.Registry) *registry.Registry {
	reg.RegisterComponent("llm", newChatComponent(errs.CodeComponentLLM))
	reg.RegisterComponent("openai_chat", newChatComponent(errs.CodeComponentOpenAIChat))
	reg.RegisterComponent("anthropic_messages", newChatComponent(errs.CodeComponentAnthropicMsgs))
	reg.RegisterComponent("tool", newToolPassthrough)
	reg.RegisterComponent("router", newRouterComponent)
	return reg
}

// newRouterComponent copies the node's resolved inputs to its outputs.
// Router nodes select successors from their outputs, so a passthrough is
// all the component has to do.
func newRouterComponent(ir.Component, any, any) (component.Component, error) {
	return component.Func(func(_ context.Context, _ component.StateView, inputs map[string]any, _ *component.Context) (map[string]any, error) {
		out := make(map[string]any, len(inputs))
		for k, v := range inputs {
			out[k] = v
		}
		return out, nil
	}), nil
}

// newChatComponent builds an llm component bound to a ChatClient
// provider. The result shape keeps choices[0].text and usage token
// counters addressable by output expressions.
func newChatComponent(errCode string) registry.ComponentFactory {
	return func(cmp ir.Component, providerInstance, _ any) (component.Component, error) {
		client, ok := providerInstance.(providers.ChatClient)
		if !ok {
			return nil, errs.New(
				errCode,
				fmt.Sprintf("component %q requires a chat-capable provider", cmp.ID),
				fmt.Sprintf("/components/%s", cmp.ID),
			)
		}

		model, _ := cmp.Config["model"].(string)
		systemPrompt, _ := cmp.Config["system_prompt"].(string)
		historyID, _ := cmp.Config["history_id"].(string)
		temperature := floatConfig(cmp.Config, "temperature")
		maxTokens := intConfig(cmp.Config, "max_tokens", "max_output_tokens")

		return component.Func(func(ctx context.Context, _ component.StateView, inputs map[string]any, cc *component.Context) (map[string]any, error) {
			prompt, _ := inputs["prompt"].(string)

			var entry history.Entry
			var sessionID string
			useHistory := false
			if historyID != "" {
				store, _ := cc.Registries["histories"].(*history.Store)
				if store != nil {
					if found, ok := store.Get(historyID); ok {
						entry = found
						useHistory = true
						sessionID, _ = inputs["session_id"].(string)
						if sessionID == "" {
							sessionID = cc.RunID
						}
					}
				}
			}

			messages, err := buildMessages(ctx, inputs, prompt, systemPrompt, entry, sessionID, useHistory)
			if err != nil {
				return nil, errs.Wrap(errCode, fmt.Sprintf("component %q: %v", cmp.ID, err), fmt.Sprintf("/components/%s", cmp.ID), err)
			}

			resp, err := client.Chat(ctx, providers.ChatRequest{
				Model:       model,
				Messages:    messages,
				Temperature: temperature,
				MaxTokens:   maxTokens,
			})
			if err != nil {
				return nil, err
			}

			if useHistory {
				backend := entry.Backend
				if err := backend.Append(ctx, sessionID, history.Message{Role: "user", Content: prompt}); err == nil {
					_ = backend.Append(ctx, sessionID, history.Message{Role: "assistant", Content: resp.Text})
				}
			}

			return map[string]any{
				"choices": []any{map[string]any{"text": resp.Text}},
				"text":    resp.Text,
				"usage": map[string]any{
					"prompt_tokens":     resp.Usage.PromptTokens,
					"completion_tokens": resp.Usage.CompletionTokens,
					"total_tokens":      resp.Usage.TotalTokens,
				},
			}, nil
		}), nil
	}
}

// buildMessages assembles the chat transcript. An explicit messages
// input wins over prompt construction, matching the wire shape
// [{role, content}, ...].
func buildMessages(ctx context.Context, inputs map[string]any, prompt, systemPrompt string, entry history.Entry, sessionID string, useHistory bool) ([]history.Message, error) {
	if raw, ok := inputs["messages"].([]any); ok {
		messages := make([]history.Message, 0, len(raw))
		for _, item := range raw {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			role, _ := m["role"].(string)
			content, _ := m["content"].(string)
			messages = append(messages, history.Message{Role: role, Content: content})
		}
		return messages, nil
	}

	system := systemPrompt
	var transcript []history.Message
	if useHistory {
		if entry.SystemMessage != "" {
			system = entry.SystemMessage
		}
		stored, err := entry.Backend.Get(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		transcript = stored
	}
	return history.BuildMessages(system, transcript, prompt), nil
}

// newToolPassthrough exposes the resolved tool instance directly as the
// node's component.
func newToolPassthrough(cmp ir.Component, _ any, toolInstance any) (component.Component, error) {
	pointer := fmt.Sprintf("/components/%s", cmp.ID)
	if toolInstance == nil {
		return nil, errs.New(
			errs.CodeComponentToolPassthrough,
			fmt.Sprintf("component %q requires an attached tool instance", cmp.ID),
			pointer,
		)
	}

	var invoke ToolFunc
	switch tool := toolInstance.(type) {
	case ToolFunc:
		invoke = tool
	case func(ctx context.Context, inputs map[string]any) (map[string]any, error):
		invoke = tool
	case ToolInvoker:
		invoke = tool.Call
	default:
		return nil, errs.New(
			errs.CodeComponentToolPassthrough,
			fmt.Sprintf("tool instance for component %q is not callable", cmp.ID),
			pointer,
		)
	}

	return component.Func(func(ctx context.Context, _ component.StateView, inputs map[string]any, _ *component.Context) (map[string]any, error) {
		return invoke(ctx, inputs)
	}), nil
}

func floatConfig(config map[string]any, key string) *float64 {
	switch v := config[key].(type) {
	case float64:
		return &v
	case int:
		f := float64(v)
		return &f
	default:
		return nil
	}
}

func intConfig(config map[string]any, keys ...string) *int {
	for _, key := range keys {
		switch v := config[key].(type) {
		case int:
			return &v
		case int64:
			n := int(v)
			return &n
		case float64:
			n := int(v)
			return &n
		}
	}
	return nil
}
