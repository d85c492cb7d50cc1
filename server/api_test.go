package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"

	"github.com/flowgraph/flowgraph"
	"github.com/flowgraph/flowgraph/components"
	"github.com/flowgraph/flowgraph/ir"
)

const workflowDoc = `
meta:
  version: 2
  name: API Test
runtime:
  engine: lc.lcel
  graph_name: api
providers:
  - id: local
    type: fake
tools:
  - id: upper
    type: echo
    provider: local
components:
  - id: shout
    type: tool
    provider: local
    tool: upper
    inputs:
      word: graph.inputs.word
    outputs:
      loud: $.loud
graph:
  entry: start
  nodes:
    - id: start
      type: tool
      component: shout
  outputs:
    - key: result
      node: start
      output: loud
`

func testAPI(t *testing.T) *API {
	t.Helper()
	eng, err := flowgraph.NewFromBytes([]byte(workflowDoc), "api.yaml",
		flowgraph.WithoutEventLog(),
		flowgraph.WithMemoryCapture(0),
		flowgraph.WithProviderFactory("fake", func(p ir.Provider) (any, error) {
			return struct{}{}, nil
		}),
		flowgraph.WithToolFactory("echo", func(tool ir.Tool, provider any) (any, error) {
			return components.ToolFunc(func(_ context.Context, inputs map[string]any) (map[string]any, error) {
				word, _ := inputs["word"].(string)
				return map[string]any{"loud": strings.ToUpper(word)}, nil
			}), nil
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, eng.Close()) })
	return NewAPI(eng, nil)
}

func TestHealthEndpoint(t *testing.T) {
	router := testAPI(t).Router()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "healthy", body["status"])
	require.Equal(t, "api", body["graph"])
}

func TestSubmitRunReturnsOutputs(t *testing.T) {
	router := testAPI(t).Router()

	req := httptest.NewRequest(http.MethodPost, "/runs",
		strings.NewReader(`{"inputs":{"word":"hello"}}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body runResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "success", body.Status)
	require.Equal(t, "HELLO", body.Outputs["result"])
	require.NotEmpty(t, body.RunID)
}

func TestRunEventsEndpoint(t *testing.T) {
	router := testAPI(t).Router()

	req := httptest.NewRequest(http.MethodPost, "/runs",
		strings.NewReader(`{"inputs":{"word":"hi"}}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var submitted runResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &submitted))

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs/"+submitted.RunID+"/events", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		RunID  string           `json:"run_id"`
		Events []map[string]any `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotEmpty(t, body.Events)
	require.Equal(t, "graph.start", body.Events[0]["event"])
}

func TestSubmitRunRejectsBadBody(t *testing.T) {
	router := testAPI(t).Router()

	req := httptest.NewRequest(http.MethodPost, "/runs", strings.NewReader("not json"))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}
