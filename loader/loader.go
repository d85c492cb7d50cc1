// Package loader parses workflow documents from YAML, validates them
// against the embedded JSON schema, and runs the domain checks that the
// schema cannot express (engine allow-list, identifier uniqueness). Every
// value in the returned document is annotated with its source position so
// later stages can point diagnostics back at the author's file.
package loader

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"github.com/flowgraph/flowgraph/errs"
)

//go:embed schema.json
var schemaJSON []byte

// DefaultAllowedEngines lists the runtime engines accepted out of the box.
var DefaultAllowedEngines = []string{"lc.lcel"}

// Location is a 1-based line/column position in the source document.
type Location struct {
	Line   int
	Column int
}

// Document is a validated workflow document plus the source position of
// every pointer within it.
type Document struct {
	Root      map[string]any
	Locations map[string]Location
	Source    string
}

// Location resolves a JSON pointer to its source position, walking up to
// the nearest annotated ancestor when the exact pointer is unknown.
func (d *Document) Location(pointer string) (Location, bool) {
	if loc, ok := d.Locations[pointer]; ok {
		return loc, true
	}
	if pointer == "/" {
		return Location{}, false
	}
	parts := strings.Split(strings.Trim(pointer, "/"), "/")
	for len(parts) > 0 {
		parts = parts[:len(parts)-1]
		candidate := "/" + strings.Join(parts, "/")
		if loc, ok := d.Locations[candidate]; ok {
			return loc, true
		}
	}
	return Location{}, false
}

// Loader validates workflow documents.
type Loader struct {
	schema         *jsonschema.Schema
	allowedEngines map[string]struct{}
}

// Option customizes a Loader.
type Option func(*options)

type options struct {
	engines    []string
	schemaJSON []byte
}

// WithAllowedEngines replaces the default engine allow-list.
func WithAllowedEngines(engines ...string) Option {
	return func(o *options) { o.engines = engines }
}

// WithSchema replaces the embedded JSON schema.
func WithSchema(raw []byte) Option {
	return func(o *options) { o.schemaJSON = raw }
}

// New compiles the schema and returns a ready Loader.
func New(opts ...Option) (*Loader, error) {
	o := options{engines: DefaultAllowedEngines, schemaJSON: schemaJSON}
	for _, opt := range opts {
		opt(&o)
	}
	if len(o.engines) == 0 {
		return nil, errors.New("loader: allowed engine list must not be empty")
	}

	var schemaDoc any
	if err := json.Unmarshal(o.schemaJSON, &schemaDoc); err != nil {
		return nil, fmt.Errorf("loader: unmarshal schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("workflow.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("loader: add schema resource: %w", err)
	}
	schema, err := compiler.Compile("workflow.json")
	if err != nil {
		return nil, fmt.Errorf("loader: compile schema: %w", err)
	}

	allowed := make(map[string]struct{}, len(o.engines))
	for _, e := range o.engines {
		allowed[e] = struct{}{}
	}
	return &Loader{schema: schema, allowedEngines: allowed}, nil
}

// LoadFile reads and validates a document from disk.
func (l *Loader) LoadFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("loader: read %s: %w", path, err)
	}
	return l.Load(data, path)
}

// Load validates raw YAML bytes. source names the origin for diagnostics
// and may be empty.
func (l *Loader) Load(data []byte, source string) (*Document, error) {
	c := &composer{locations: map[string]Location{}}
	value, err := c.compose(data)
	if err != nil {
		return annotate(err, source)
	}

	root, ok := value.(map[string]any)
	if !ok {
		return nil, errs.New(errs.CodeRootNotMapping, "top-level document must be a mapping", "/").At(0, 0, source)
	}
	doc := &Document{Root: root, Locations: c.locations, Source: source}

	if err := l.validateSchema(doc); err != nil {
		return annotate(err, source)
	}
	if err := l.validateDomains(doc); err != nil {
		return annotate(err, source)
	}
	return doc, nil
}

func annotate(err error, source string) (*Document, error) {
	var coded *errs.Error
	if errors.As(err, &coded) && coded.Source == "" {
		coded.Source = source
	}
	return nil, err
}

// validateSchema runs the JSON schema over a JSON-normalized copy of the
// document. The round trip matters: YAML integers arrive as Go ints, and
// const comparisons in the schema expect JSON numbers.
func (l *Loader) validateSchema(doc *Document) error {
	raw, err := json.Marshal(doc.Root)
	if err != nil {
		return errs.Wrap(errs.CodeSchemaValidation, "document is not JSON-representable", "/", err)
	}
	var instance any
	if err := json.Unmarshal(raw, &instance); err != nil {
		return errs.Wrap(errs.CodeSchemaValidation, "document is not JSON-representable", "/", err)
	}

	err = l.schema.Validate(instance)
	if err == nil {
		return nil
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return errs.Wrap(errs.CodeSchemaValidation, err.Error(), "/", err)
	}

	leaf := pickLeaf(ve)
	pointer := pointerFromPath(leaf.InstanceLocation)
	code := errs.CodeSchemaValidation
	if pointer == "/meta/version" {
		code = errs.CodeMetaVersion
	}
	cerr := errs.Wrap(code, leafMessage(leaf), pointer, err)
	if loc, ok := doc.Location(pointer); ok {
		cerr.Line, cerr.Column = loc.Line, loc.Column
	}
	return cerr
}

// pickLeaf flattens the validation error tree and returns the failure with
// the shallowest instance path, ties broken lexicographically.
func pickLeaf(ve *jsonschema.ValidationError) *jsonschema.ValidationError {
	var leaves []*jsonschema.ValidationError
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			leaves = append(leaves, e)
			return
		}
		for _, cause := range e.Causes {
			walk(cause)
		}
	}
	walk(ve)
	sort.SliceStable(leaves, func(i, j int) bool {
		a, b := leaves[i].InstanceLocation, leaves[j].InstanceLocation
		if len(a) != len(b) {
			return len(a) < len(b)
		}
		return strings.Join(a, "/") < strings.Join(b, "/")
	})
	return leaves[0]
}

func leafMessage(leaf *jsonschema.ValidationError) string {
	msg := leaf.Error()
	// Trim the "jsonschema validation failed ..." preamble when present.
	if idx := strings.LastIndex(msg, ": "); idx >= 0 {
		return msg[idx+2:]
	}
	return msg
}

func (l *Loader) validateDomains(doc *Document) error {
	if err := l.checkEngine(doc); err != nil {
		return err
	}
	if err := checkUniqueIDs(doc, doc.Root["providers"], "providers", errs.CodeProviderDup); err != nil {
		return err
	}
	if err := checkUniqueIDs(doc, doc.Root["tools"], "tools", errs.CodeToolDup); err != nil {
		return err
	}
	if err := checkUniqueIDs(doc, doc.Root["components"], "components", errs.CodeComponentDup); err != nil {
		return err
	}
	graph, _ := doc.Root["graph"].(map[string]any)
	if graph != nil {
		if err := checkUniqueIDs(doc, graph["nodes"], "graph/nodes", errs.CodeNodeDup); err != nil {
			return err
		}
		if err := checkUniqueOutputKeys(doc, graph["outputs"]); err != nil {
			return err
		}
	}
	return nil
}

func (l *Loader) checkEngine(doc *Document) error {
	runtime, _ := doc.Root["runtime"].(map[string]any)
	if runtime == nil {
		return nil
	}
	engine, ok := runtime["engine"].(string)
	if !ok {
		return nil
	}
	if _, allowed := l.allowedEngines[engine]; allowed {
		return nil
	}
	pointer := "/runtime/engine"
	cerr := errs.New(errs.CodeEngineUnsupported, fmt.Sprintf("runtime engine %q is not supported", engine), pointer)
	if loc, ok := doc.Location(pointer); ok {
		cerr.Line, cerr.Column = loc.Line, loc.Column
	}
	return cerr
}

func checkUniqueIDs(doc *Document, entries any, anchor, code string) error {
	list, ok := entries.([]any)
	if !ok {
		return nil
	}
	seen := map[string]int{}
	for idx, entry := range list {
		m, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		id, ok := m["id"].(string)
		if !ok {
			continue
		}
		if _, dup := seen[id]; dup {
			pointer := fmt.Sprintf("/%s/%d/id", anchor, idx)
			cerr := errs.New(code, fmt.Sprintf("duplicate identifier %q in %s", id, anchor), pointer)
			if loc, ok := doc.Location(pointer); ok {
				cerr.Line, cerr.Column = loc.Line, loc.Column
			}
			return cerr
		}
		seen[id] = idx
	}
	return nil
}

func checkUniqueOutputKeys(doc *Document, entries any) error {
	list, ok := entries.([]any)
	if !ok {
		return nil
	}
	seen := map[string]int{}
	for idx, entry := range list {
		m, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		key, ok := m["key"].(string)
		if !ok {
			continue
		}
		if _, dup := seen[key]; dup {
			pointer := fmt.Sprintf("/graph/outputs/%d/key", idx)
			cerr := errs.New(errs.CodeOutputKeyCollision, fmt.Sprintf("graph output key %q is declared multiple times", key), pointer)
			if loc, ok := doc.Location(pointer); ok {
				cerr.Line, cerr.Column = loc.Line, loc.Column
			}
			return cerr
		}
		seen[key] = idx
	}
	return nil
}

// composer converts a YAML node tree into plain Go values while recording
// every node's source position by JSON pointer.
type composer struct {
	locations map[string]Location
}

func (c *composer) compose(data []byte) (any, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, errs.Wrap(errs.CodeYAMLParse, err.Error(), "/", err)
	}
	if root.Kind == 0 || len(root.Content) == 0 {
		return nil, errs.New(errs.CodeYAMLEmpty, "document is empty", "/")
	}
	return c.convert(root.Content[0], nil)
}

func (c *composer) convert(node *yaml.Node, path []string) (any, error) {
	pointer := pointerFromPath(path)
	if _, seen := c.locations[pointer]; !seen {
		c.locations[pointer] = Location{Line: node.Line, Column: node.Column}
	}

	switch node.Kind {
	case yaml.AliasNode:
		return c.convert(node.Alias, path)
	case yaml.ScalarNode:
		return convertScalar(node)
	case yaml.SequenceNode:
		values := make([]any, 0, len(node.Content))
		for idx, child := range node.Content {
			value, err := c.convert(child, append(path, strconv.Itoa(idx)))
			if err != nil {
				return nil, err
			}
			values = append(values, value)
		}
		return values, nil
	case yaml.MappingNode:
		mapping := make(map[string]any, len(node.Content)/2)
		for i := 0; i+1 < len(node.Content); i += 2 {
			keyNode, valueNode := node.Content[i], node.Content[i+1]
			key, err := convertKey(keyNode)
			if err != nil {
				return nil, err
			}
			childPath := append(path, key)
			childPointer := pointerFromPath(childPath)
			if _, dup := mapping[key]; dup {
				return nil, errs.New(
					errs.CodeYAMLDuplicateKey,
					fmt.Sprintf("duplicate key %q encountered", key),
					childPointer,
				).At(valueNode.Line, valueNode.Column, "")
			}
			if _, seen := c.locations[childPointer]; !seen {
				c.locations[childPointer] = Location{Line: valueNode.Line, Column: valueNode.Column}
			}
			value, err := c.convert(valueNode, childPath)
			if err != nil {
				return nil, err
			}
			mapping[key] = value
		}
		return mapping, nil
	default:
		return nil, errs.New(
			errs.CodeYAMLNodeUnsupported,
			fmt.Sprintf("unsupported YAML node kind %d", node.Kind),
			pointer,
		).At(node.Line, node.Column, "")
	}
}

func convertScalar(node *yaml.Node) (any, error) {
	switch node.Tag {
	case "!!null":
		return nil, nil
	case "!!bool":
		switch strings.ToLower(node.Value) {
		case "true", "yes", "on":
			return true, nil
		default:
			return false, nil
		}
	case "!!int":
		n, err := strconv.ParseInt(node.Value, 0, 64)
		if err != nil {
			return nil, errs.New(
				errs.CodeYAMLScalar,
				fmt.Sprintf("invalid integer literal %q", node.Value),
				"/",
			).At(node.Line, node.Column, "")
		}
		return int(n), nil
	case "!!float":
		f, err := strconv.ParseFloat(node.Value, 64)
		if err != nil {
			return nil, errs.New(
				errs.CodeYAMLScalar,
				fmt.Sprintf("invalid float literal %q", node.Value),
				"/",
			).At(node.Line, node.Column, "")
		}
		return f, nil
	default:
		return node.Value, nil
	}
}

func convertKey(node *yaml.Node) (string, error) {
	if node.Kind != yaml.ScalarNode {
		return "", errs.New(errs.CodeYAMLComplexKey, "mapping keys must be scalars", "/").At(node.Line, node.Column, "")
	}
	value, err := convertScalar(node)
	if err != nil {
		return "", err
	}
	key, ok := value.(string)
	if !ok {
		return "", errs.New(errs.CodeYAMLComplexKey, "mapping keys must be strings", "/").At(node.Line, node.Column, "")
	}
	return key, nil
}

func pointerFromPath(path []string) string {
	if len(path) == 0 {
		return "/"
	}
	return "/" + strings.Join(path, "/")
}
