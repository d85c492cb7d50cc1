// Package flowgraph is the facade over the whole pipeline: load a workflow
// document, normalize it, materialize providers/tools/components, compile
// the graph and run it under the scheduler with telemetry streaming to the
// configured sinks.
package flowgraph

import (
	"context"
	"time"

	"github.com/flowgraph/flowgraph/common/logger"
	"github.com/flowgraph/flowgraph/components"
	"github.com/flowgraph/flowgraph/graph"
	"github.com/flowgraph/flowgraph/ir"
	"github.com/flowgraph/flowgraph/loader"
	"github.com/flowgraph/flowgraph/policy"
	"github.com/flowgraph/flowgraph/providers"
	"github.com/flowgraph/flowgraph/registry"
	"github.com/flowgraph/flowgraph/scheduler"
	"github.com/flowgraph/flowgraph/telemetry"
)

// DefaultEventLog is where run events land when no exporter is configured.
const DefaultEventLog = "events.jsonl"

// Engine holds one compiled workflow and everything needed to run it.
type Engine struct {
	def      *graph.Definition
	irDoc    *ir.IR
	warnings []ir.Warning

	bus    *telemetry.Bus
	memory *telemetry.MemoryExporter
	jsonl  *telemetry.JSONLExporter

	sched         *scheduler.Scheduler
	log           *logger.Logger
	timeout       time.Duration
	cancelOnError bool
	registries    map[string]any
}

type config struct {
	log             *logger.Logger
	exporters       []telemetry.Exporter
	eventLogPath    string
	disableEventLog bool
	memoryCapture   bool
	memoryLimit     int
	timeout         time.Duration
	cancelOnError   bool
	registries      map[string]any
	loaderOpts      []loader.Option

	providerFactories  map[string]registry.ProviderFactory
	toolFactories      map[string]registry.ToolFactory
	componentFactories map[string]registry.ComponentFactory
}

// Option customizes engine construction.
type Option func(*config)

// WithLogger sets the engine logger. Defaults to a discarding logger.
func WithLogger(log *logger.Logger) Option {
	return func(c *config) { c.log = log }
}

// WithExporter appends a telemetry sink. Sinks receive events in the
// order they were added.
func WithExporter(exp telemetry.Exporter) Option {
	return func(c *config) { c.exporters = append(c.exporters, exp) }
}

// WithEventLog overrides the default JSONL event file path.
func WithEventLog(path string) Option {
	return func(c *config) { c.eventLogPath = path }
}

// WithoutEventLog disables the default JSONL file sink.
func WithoutEventLog() Option {
	return func(c *config) { c.disableEventLog = true }
}

// WithMemoryCapture adds an in-memory sink so callers can read back a
// run's events via Events. limit bounds retained events per run; 0 keeps
// everything.
func WithMemoryCapture(limit int) Option {
	return func(c *config) {
		c.memoryCapture = true
		c.memoryLimit = limit
	}
}

// WithTimeout bounds each run's wall-clock duration.
func WithTimeout(timeout time.Duration) Option {
	return func(c *config) { c.timeout = timeout }
}

// WithCancelOnError keeps the run going past node failures when false.
func WithCancelOnError(cancel bool) Option {
	return func(c *config) { c.cancelOnError = cancel }
}

// WithRegistries passes host objects through to components via their
// invocation context.
func WithRegistries(registries map[string]any) Option {
	return func(c *config) { c.registries = registries }
}

// WithAllowedEngines restricts which runtime.engine values load.
func WithAllowedEngines(engines ...string) Option {
	return func(c *config) { c.loaderOpts = append(c.loaderOpts, loader.WithAllowedEngines(engines...)) }
}

// WithProviderFactory registers or overrides a provider type.
func WithProviderFactory(providerType string, factory registry.ProviderFactory) Option {
	return func(c *config) {
		if c.providerFactories == nil {
			c.providerFactories = map[string]registry.ProviderFactory{}
		}
		c.providerFactories[providerType] = factory
	}
}

// WithToolFactory registers or overrides a tool type.
func WithToolFactory(toolType string, factory registry.ToolFactory) Option {
	return func(c *config) {
		if c.toolFactories == nil {
			c.toolFactories = map[string]registry.ToolFactory{}
		}
		c.toolFactories[toolType] = factory
	}
}

// WithComponentFactory registers or overrides a component type.
func WithComponentFactory(componentType string, factory registry.ComponentFactory) Option {
	return func(c *config) {
		if c.componentFactories == nil {
			c.componentFactories = map[string]registry.ComponentFactory{}
		}
		c.componentFactories[componentType] = factory
	}
}

// New loads and compiles the workflow document at path.
func New(path string, opts ...Option) (*Engine, error) {
	return build(func(l *loader.Loader) (*loader.Document, error) {
		return l.LoadFile(path)
	}, opts)
}

// NewFromBytes loads and compiles an in-memory document. source names the
// document in error locations.
func NewFromBytes(data []byte, source string, opts ...Option) (*Engine, error) {
	return build(func(l *loader.Loader) (*loader.Document, error) {
		return l.Load(data, source)
	}, opts)
}

func build(load func(*loader.Loader) (*loader.Document, error), opts []Option) (*Engine, error) {
	cfg := config{
		log:           logger.Discard(),
		eventLogPath:  DefaultEventLog,
		cancelOnError: true,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	ld, err := loader.New(cfg.loaderOpts...)
	if err != nil {
		return nil, err
	}
	doc, err := load(ld)
	if err != nil {
		return nil, err
	}
	irDoc, warnings, err := ir.NormalizeDocument(doc)
	if err != nil {
		return nil, err
	}
	for _, w := range warnings {
		cfg.log.Warn("document warning", "code", w.Code, "message", w.Message, "pointer", w.Pointer)
	}

	reg := registry.New()
	providers.Register(reg)
	components.Register(reg)
	for name, factory := range cfg.providerFactories {
		reg.RegisterProvider(name, factory)
	}
	for name, factory := range cfg.toolFactories {
		reg.RegisterTool(name, factory)
	}
	for name, factory := range cfg.componentFactories {
		reg.RegisterComponent(name, factory)
	}

	resolved, err := reg.Materialize(irDoc)
	if err != nil {
		return nil, err
	}
	def, err := graph.NewBuilder().Build(irDoc, resolved)
	if err != nil {
		return nil, err
	}

	eng := &Engine{
		def:           def,
		irDoc:         irDoc,
		warnings:      warnings,
		sched:         scheduler.New(),
		log:           cfg.log,
		timeout:       cfg.timeout,
		cancelOnError: cfg.cancelOnError,
		registries:    cfg.registries,
	}

	exporters := cfg.exporters
	if len(exporters) == 0 && !cfg.disableEventLog {
		jsonl, err := telemetry.NewJSONLExporter(cfg.eventLogPath)
		if err != nil {
			return nil, err
		}
		eng.jsonl = jsonl
		exporters = append(exporters, jsonl)
	}
	if cfg.memoryCapture {
		eng.memory = telemetry.NewMemoryExporter(cfg.memoryLimit)
		exporters = append(exporters, eng.memory)
	}

	eng.bus = telemetry.NewBus(exporters,
		telemetry.WithMasking(policy.NewMaskingEngine(policySection(def.Policies, "masking"))),
		telemetry.WithPermissions(policy.NewPermissionGate(policySection(def.Policies, "permissions"))),
		telemetry.WithCostLimiter(policy.NewCostLimiter(policySection(def.Policies, "cost"))),
		telemetry.WithLogger(cfg.log),
	)
	return eng, nil
}

// Run executes the workflow once. Extra scheduler options (run id,
// per-run registries) are passed through.
func (e *Engine) Run(ctx context.Context, inputs map[string]any, opts ...scheduler.Option) (*scheduler.Result, error) {
	runOpts := []scheduler.Option{
		scheduler.WithEmitter(e.bus),
		scheduler.WithLogger(e.log),
		scheduler.WithCancelOnError(e.cancelOnError),
	}
	if e.timeout > 0 {
		runOpts = append(runOpts, scheduler.WithTimeout(e.timeout))
	}
	if e.registries != nil {
		runOpts = append(runOpts, scheduler.WithRegistries(e.registries))
	}
	runOpts = append(runOpts, opts...)
	return e.sched.Run(ctx, e.def, inputs, runOpts...)
}

// Definition exposes the compiled graph.
func (e *Engine) Definition() *graph.Definition { return e.def }

// IR exposes the normalized document.
func (e *Engine) IR() *ir.IR { return e.irDoc }

// Warnings reports non-fatal findings from normalization.
func (e *Engine) Warnings() []ir.Warning { return e.warnings }

// Bus exposes the telemetry bus, e.g. to inspect failed exports.
func (e *Engine) Bus() *telemetry.Bus { return e.bus }

// Events returns a run's captured events. Nil unless the engine was
// built with WithMemoryCapture.
func (e *Engine) Events(runID string) []telemetry.MemoryEvent {
	if e.memory == nil {
		return nil
	}
	return e.memory.Events(runID)
}

// Close releases the engine's file-backed sinks.
func (e *Engine) Close() error {
	if e.jsonl != nil {
		return e.jsonl.Close()
	}
	return nil
}

func policySection(policies map[string]any, key string) map[string]any {
	if policies == nil {
		return nil
	}
	section, _ := policies[key].(map[string]any)
	return section
}
