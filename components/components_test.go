package components

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowgraph/flowgraph/component"
	"github.com/flowgraph/flowgraph/errs"
	"github.com/flowgraph/flowgraph/history"
	"github.com/flowgraph/flowgraph/ir"
	"github.com/flowgraph/flowgraph/providers"
)

type scriptedChat struct {
	reply    string
	requests []providers.ChatRequest
}

func (s *scriptedChat) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	s.requests = append(s.requests, req)
	return &providers.ChatResponse{
		Text:  s.reply,
		Usage: providers.Usage{PromptTokens: 7, CompletionTokens: 4, TotalTokens: 11},
	}, nil
}

func chatComponent(t *testing.T, cmp ir.Component, client providers.ChatClient) component.Component {
	t.Helper()
	factory := newChatComponent(errs.CodeComponentOpenAIChat)
	built, err := factory(cmp, client, nil)
	require.NoError(t, err)
	return built
}

func TestChatComponentBuildsPromptMessages(t *testing.T) {
	client := &scriptedChat{reply: "pong"}
	built := chatComponent(t, ir.Component{
		ID:     "chat",
		Config: map[string]any{"model": "gpt-4o-mini", "system_prompt": "be brief"},
	}, client)

	result, err := built.Invoke(context.Background(), component.StateView{},
		map[string]any{"prompt": "ping"}, &component.Context{RunID: "run-1"})
	require.NoError(t, err)

	require.Len(t, client.requests, 1)
	messages := client.requests[0].Messages
	require.Equal(t, history.Message{Role: "system", Content: "be brief"}, messages[0])
	require.Equal(t, history.Message{Role: "user", Content: "ping"}, messages[1])

	require.Equal(t, "pong", result["text"])
	choices := result["choices"].([]any)
	require.Equal(t, "pong", choices[0].(map[string]any)["text"])
	usage := result["usage"].(map[string]any)
	require.Equal(t, 7, usage["prompt_tokens"])
	require.Equal(t, 4, usage["completion_tokens"])
}

func TestChatComponentHonorsExplicitMessages(t *testing.T) {
	client := &scriptedChat{reply: "ok"}
	built := chatComponent(t, ir.Component{ID: "chat", Config: map[string]any{}}, client)

	_, err := built.Invoke(context.Background(), component.StateView{}, map[string]any{
		"messages": []any{
			map[string]any{"role": "user", "content": "first"},
			map[string]any{"role": "assistant", "content": "second"},
		},
	}, &component.Context{RunID: "run-1"})
	require.NoError(t, err)

	messages := client.requests[0].Messages
	require.Len(t, messages, 2)
	require.Equal(t, "assistant", messages[1].Role)
}

func TestChatComponentRecordsHistory(t *testing.T) {
	store, err := history.Materialize(map[string]ir.History{
		"chat": {ID: "chat", Backend: map[string]any{"type": "memory"}, SystemMessage: "stay short"},
	})
	require.NoError(t, err)

	client := &scriptedChat{reply: "hi there"}
	built := chatComponent(t, ir.Component{
		ID:     "chat",
		Config: map[string]any{"history_id": "chat"},
	}, client)

	cc := &component.Context{RunID: "run-1", Registries: map[string]any{"histories": store}}
	_, err = built.Invoke(context.Background(), component.StateView{}, map[string]any{"prompt": "hello"}, cc)
	require.NoError(t, err)

	// History system message is injected into the request.
	require.Equal(t, "stay short", client.requests[0].Messages[0].Content)

	entry, _ := store.Get("chat")
	transcript, err := entry.Backend.Get(context.Background(), "run-1")
	require.NoError(t, err)
	require.Len(t, transcript, 2)
	require.Equal(t, "hello", transcript[0].Content)
	require.Equal(t, "hi there", transcript[1].Content)

	// Second turn sees the prior transcript.
	_, err = built.Invoke(context.Background(), component.StateView{}, map[string]any{"prompt": "again"}, cc)
	require.NoError(t, err)
	require.Len(t, client.requests[1].Messages, 4)
}

func TestChatComponentRejectsWrongProvider(t *testing.T) {
	factory := newChatComponent(errs.CodeComponentOpenAIChat)
	_, err := factory(ir.Component{ID: "chat"}, "not a client", nil)
	require.Equal(t, errs.CodeComponentOpenAIChat, errs.CodeOf(err))
}

func TestRouterComponentEchoesInputs(t *testing.T) {
	built, err := newRouterComponent(ir.Component{ID: "decide"}, nil, nil)
	require.NoError(t, err)

	result, err := built.Invoke(context.Background(), component.StateView{},
		map[string]any{"route": "fallback", "score": 3}, nil)
	require.NoError(t, err)
	require.Equal(t, "fallback", result["route"])
	require.Equal(t, 3, result["score"])
}

func TestToolPassthrough(t *testing.T) {
	var got map[string]any
	tool := ToolFunc(func(ctx context.Context, inputs map[string]any) (map[string]any, error) {
		got = inputs
		return map[string]any{"done": true}, nil
	})

	built, err := newToolPassthrough(ir.Component{ID: "runner"}, nil, tool)
	require.NoError(t, err)

	result, err := built.Invoke(context.Background(), component.StateView{}, map[string]any{"arg": 1}, nil)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"arg": 1}, got)
	require.Equal(t, true, result["done"])
}

func TestToolPassthroughRejectsMissingTool(t *testing.T) {
	_, err := newToolPassthrough(ir.Component{ID: "runner"}, nil, nil)
	require.Equal(t, errs.CodeComponentToolPassthrough, errs.CodeOf(err))

	_, err = newToolPassthrough(ir.Component{ID: "runner"}, nil, 42)
	require.Equal(t, errs.CodeComponentToolPassthrough, errs.CodeOf(err))
}
