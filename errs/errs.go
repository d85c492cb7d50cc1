// Package errs defines the coded error type shared by all workflow stages.
// Codes are part of the public contract; consumers may branch on them.
package errs

import (
	"errors"
	"fmt"
)

// Stable error codes.
const (
	// Document / loader errors
	CodeYAMLParse           = "ERR_YAML_PARSE"
	CodeYAMLEmpty           = "ERR_YAML_EMPTY"
	CodeYAMLDuplicateKey    = "ERR_YAML_DUPLICATE_KEY"
	CodeYAMLComplexKey      = "ERR_YAML_COMPLEX_KEY"
	CodeYAMLScalar          = "ERR_YAML_SCALAR"
	CodeYAMLNodeUnsupported = "ERR_YAML_NODE_UNSUPPORTED"
	CodeRootNotMapping      = "ERR_ROOT_NOT_MAPPING"
	CodeSchemaValidation    = "ERR_SCHEMA_VALIDATION"
	CodeMetaVersion         = "ERR_META_VERSION_UNSUPPORTED"
	CodeEngineUnsupported   = "ERR_RUNTIME_ENGINE_UNSUPPORTED"
	CodeProviderDup         = "ERR_PROVIDER_DUP"
	CodeToolDup             = "ERR_TOOL_DUP"
	CodeComponentDup        = "ERR_COMPONENT_DUP"
	CodeNodeDup             = "ERR_NODE_DUP"
	CodeOutputKeyCollision  = "ERR_OUTPUT_KEY_COLLISION"

	// IR normalization errors
	CodeIRInputType            = "ERR_IR_INPUT_TYPE"
	CodeMetaType               = "ERR_META_TYPE"
	CodeProvidersType          = "ERR_PROVIDERS_TYPE"
	CodeProviderEntry          = "ERR_PROVIDER_TYPE"
	CodeProviderID             = "ERR_PROVIDER_ID"
	CodeProviderTypeField      = "ERR_PROVIDER_TYPE_FIELD"
	CodeRuntimeType            = "ERR_RUNTIME_TYPE"
	CodeRuntimeEngine          = "ERR_RUNTIME_ENGINE"
	CodeRuntimeDefaultProvider = "ERR_RUNTIME_DEFAULT_PROVIDER"
	CodeToolsType              = "ERR_TOOLS_TYPE"
	CodeToolEntry              = "ERR_TOOL_TYPE"
	CodeToolID                 = "ERR_TOOL_ID"
	CodeToolTypeField          = "ERR_TOOL_TYPE_FIELD"
	CodeToolProviderNotFound   = "ERR_TOOL_PROVIDER_NOT_FOUND"
	CodeComponentsType         = "ERR_COMPONENTS_TYPE"
	CodeComponentEntry         = "ERR_COMPONENT_TYPE"
	CodeComponentID            = "ERR_COMPONENT_ID"
	CodeComponentTypeField     = "ERR_COMPONENT_TYPE_FIELD"
	CodeComponentProvider      = "ERR_COMPONENT_PROVIDER_NOT_FOUND"
	CodeComponentToolNotFound  = "ERR_COMPONENT_TOOL_NOT_FOUND"
	CodeGraphType              = "ERR_GRAPH_TYPE"
	CodeGraphNodes             = "ERR_GRAPH_NODES"
	CodeGraphNodeType          = "ERR_GRAPH_NODE_TYPE"
	CodeNodeID                 = "ERR_NODE_ID"
	CodeNodeComponentNotFound  = "ERR_NODE_COMPONENT_NOT_FOUND"
	CodeGraphEntryNotFound     = "ERR_GRAPH_ENTRY_NOT_FOUND"
	CodeGraphOutputsType       = "ERR_GRAPH_OUTPUTS_TYPE"
	CodeGraphOutputEntry       = "ERR_GRAPH_OUTPUT_TYPE"
	CodeGraphOutputKey         = "ERR_GRAPH_OUTPUT_KEY"
	CodeGraphOutputNode        = "ERR_GRAPH_OUTPUT_NODE"
	CodeGraphOutputName        = "ERR_GRAPH_OUTPUT_NAME"
	CodePoliciesType           = "ERR_POLICIES_TYPE"
	CodeHistoryType            = "ERR_HISTORY_TYPE"
	CodeHistoryID              = "ERR_HISTORY_ID"
	CodeHistoryDuplicate       = "ERR_HISTORY_DUPLICATE"
	CodeHistoryBackendType     = "ERR_HISTORY_BACKEND_TYPE"

	// Build / resolution errors
	CodeEdgeEndpointInvalid    = "ERR_EDGE_ENDPOINT_INVALID"
	CodeNodeType               = "ERR_NODE_TYPE"
	CodeProviderDefaultMissing = "ERR_PROVIDER_DEFAULT_MISSING"
	CodeToolNotFound           = "ERR_TOOL_NOT_FOUND"
	CodeToolImport             = "ERR_TOOL_IMPORT"
	CodeToolPermType           = "ERR_TOOL_PERM_TYPE"
	CodeComponentImport        = "ERR_COMPONENT_IMPORT"
	CodeComponentSignature     = "ERR_COMPONENT_SIGNATURE"
	CodeMapBodyNotFound        = "ERR_MAP_BODY_NOT_FOUND"

	// Runtime / policy errors
	CodeNodeRuntime          = "ERR_NODE_RUNTIME"
	CodeMapOverNotArray      = "ERR_MAP_OVER_NOT_ARRAY"
	CodeParallelEmpty        = "ERR_PARALLEL_EMPTY"
	CodeRouterNoMatch        = "ERR_ROUTER_NO_MATCH"
	CodeRetryPredicate       = "ERR_RETRY_PREDICATE"
	CodeRateLimitPolicyParam = "ERR_RL_POLICY_PARAM"
	CodeToolPermissionDenied = "ERR_TOOL_PERMISSION_DENIED"
	CodeCostLimitExceeded    = "ERR_COST_LIMIT_EXCEEDED"
	CodeGraphTimeout         = "ERR_GRAPH_TIMEOUT"
	CodeGraphCancelled       = "ERR_GRAPH_CANCELLED"

	// Built-in provider and component factories
	CodeProviderOpenAI           = "ERR_PROVIDER_OPENAI"
	CodeProviderAnthropic        = "ERR_PROVIDER_ANTHROPIC"
	CodeComponentLLM             = "ERR_COMPONENT_LLM"
	CodeComponentOpenAIChat      = "ERR_COMPONENT_OPENAI_CHAT"
	CodeComponentAnthropicMsgs   = "ERR_COMPONENT_ANTHROPIC_MESSAGES"
	CodeComponentToolPassthrough = "ERR_COMPONENT_TOOL_PASSTHROUGH"
)

// Error is a coded failure bound to a JSON-pointer style document location.
// Line, Column and Source are set by the document loader when known.
type Error struct {
	Code    string
	Message string
	Pointer string
	Line    int
	Column  int
	Source  string
	cause   error
}

// At attaches a source position to the error and returns it.
func (e *Error) At(line, column int, source string) *Error {
	e.Line = line
	e.Column = column
	e.Source = source
	return e
}

// New creates a coded error. An empty pointer defaults to the document root.
func New(code, message, pointer string) *Error {
	if pointer == "" {
		pointer = "/"
	}
	return &Error{Code: code, Message: message, Pointer: pointer}
}

// Wrap creates a coded error that preserves the underlying cause for
// errors.Is / errors.As chains.
func Wrap(code, message, pointer string, cause error) *Error {
	err := New(code, message, pointer)
	err.cause = cause
	return err
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s at %s", e.Code, e.Message, e.Pointer)
	if e.Line > 0 {
		msg += fmt.Sprintf(" (line %d, col %d)", e.Line, e.Column)
	}
	if e.Source != "" {
		msg += " in " + e.Source
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.cause
}

// CodeOf extracts the stable code from an error chain, or "" if none.
func CodeOf(err error) string {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code
	}
	return ""
}
