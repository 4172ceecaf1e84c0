// Package tools maps tool names from model output to local operations and
// keeps an append-only record of every call.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	mcptypes "github.com/mark3labs/mcp-go/mcp"
	"github.com/sahilm/fuzzy"
	"github.com/xeipuuv/gojsonschema"

	"ochat/config"
	"ochat/executor"
)

// Handler implements one tool. args has already been validated against the
// tool's input schema.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Result is the outcome of one tool call. Exactly one of Data and Err is set.
type Result struct {
	Name     string
	Args     map[string]any
	Data     any
	Err      error
	Duration time.Duration
}

func (r Result) OK() bool { return r.Err == nil }

// Text renders the payload, or the error prefixed with "Error:".
func (r Result) Text() string {
	if r.Err != nil {
		return "Error: " + r.Err.Error()
	}
	return FormatData(r.Data)
}

// CallRecord is one entry of the call history. Records are never modified
// after they are appended.
type CallRecord struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
	Result    any            `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	Duration  time.Duration  `json:"duration"`
	Timestamp time.Time      `json:"timestamp"`
	Success   bool           `json:"success"`
}

// Recorder receives every CallRecord as it is appended.
type Recorder interface {
	RecordToolCall(CallRecord)
}

type UnknownToolError struct {
	Name       string
	Suggestion string
}

func (e *UnknownToolError) Error() string {
	if e.Suggestion != "" {
		return fmt.Sprintf("unknown tool %q (did you mean %q?)", e.Name, e.Suggestion)
	}
	return fmt.Sprintf("unknown tool %q", e.Name)
}

// ExecutionError wraps a failure inside a tool, including argument validation.
type ExecutionError struct {
	Tool string
	Err  error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("tool %s failed: %v", e.Tool, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

type tool struct {
	def    mcptypes.Tool
	schema *gojsonschema.Schema
	run    Handler
}

type Registry struct {
	exec *executor.Executor
	sys  System

	tools map[string]*tool
	order []string

	mu       sync.Mutex
	history  []CallRecord
	recorder Recorder
}

type Option func(*Registry)

func WithSystem(sys System) Option {
	return func(r *Registry) { r.sys = sys }
}

func WithRecorder(rec Recorder) Option {
	return func(r *Registry) { r.recorder = rec }
}

// NewRegistry builds the registry with the built-in tools. Commands are run
// through exec.
func NewRegistry(exec *executor.Executor, opts ...Option) *Registry {
	r := &Registry{
		exec:  exec,
		sys:   OSSystem{},
		tools: make(map[string]*tool),
	}
	for _, opt := range opts {
		opt(r)
	}

	handlers := map[string]Handler{
		ExecuteCommand:      r.executeCommand,
		ListDirectory:       r.listDirectory,
		ReadFile:            r.readFile,
		WriteFile:           r.writeFile,
		GetSystemInfo:       r.systemInfo,
		GetCurrentDirectory: r.currentDirectory,
	}
	for _, def := range builtinDefinitions() {
		if err := r.Register(def, handlers[def.Name]); err != nil {
			panic(err)
		}
	}
	return r
}

// Register adds a tool. The input schema is compiled once here.
func (r *Registry) Register(def mcptypes.Tool, run Handler) error {
	if def.Name == "" || run == nil {
		return fmt.Errorf("failed to register tool: name and handler are required")
	}
	if _, exists := r.tools[def.Name]; exists {
		return fmt.Errorf("failed to register tool: %s already registered", def.Name)
	}

	raw, err := json.Marshal(def.InputSchema)
	if err != nil {
		return fmt.Errorf("failed to marshal schema for %s: %w", def.Name, err)
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return fmt.Errorf("failed to compile schema for %s: %w", def.Name, err)
	}

	r.tools[def.Name] = &tool{def: def, schema: schema, run: run}
	r.order = append(r.order, def.Name)
	return nil
}

// Definitions returns the tool definitions in registration order.
func (r *Registry) Definitions() []mcptypes.Tool {
	defs := make([]mcptypes.Tool, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.tools[name].def)
	}
	return defs
}

func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// Execute runs the named tool and always returns a Result; failures are in
// Result.Err. Calls to known tools are recorded whether they succeed or not.
func (r *Registry) Execute(ctx context.Context, name string, raw any) Result {
	args := DecodeArguments(raw)
	res := Result{Name: name, Args: args}

	t, ok := r.tools[name]
	if !ok {
		res.Err = r.unknown(name)
		return res
	}

	started := time.Now()
	data, err := r.call(ctx, t, args)
	res.Duration = time.Since(started)

	rec := CallRecord{
		Name:      name,
		Arguments: args,
		Duration:  res.Duration,
		Timestamp: started,
		Success:   err == nil,
	}
	if err != nil {
		res.Err = &ExecutionError{Tool: name, Err: err}
		rec.Error = err.Error()
	} else {
		res.Data = data
		rec.Result = data
	}
	r.record(rec)

	config.DebugLog.Debug().Str("tool", name).Bool("success", rec.Success).Dur("duration", rec.Duration).Msg("tool call")
	return res
}

// Dispatch is Execute for callers that want the (value, error) form. The
// error is an *UnknownToolError or an *ExecutionError.
func (r *Registry) Dispatch(ctx context.Context, name string, raw any) (any, error) {
	res := r.Execute(ctx, name, raw)
	return res.Data, res.Err
}

// History returns a copy of the call records, oldest first.
func (r *Registry) History() []CallRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]CallRecord, len(r.history))
	copy(out, r.history)
	return out
}

func (r *Registry) call(ctx context.Context, t *tool, args map[string]any) (data any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("tool panicked: %v", p)
		}
	}()

	if err := validate(t.schema, args); err != nil {
		return nil, err
	}
	return t.run(ctx, args)
}

func validate(schema *gojsonschema.Schema, args map[string]any) error {
	result, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	if !result.Valid() {
		var errs []string
		for _, e := range result.Errors() {
			errs = append(errs, e.String())
		}
		return fmt.Errorf("invalid arguments: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (r *Registry) record(rec CallRecord) {
	r.mu.Lock()
	r.history = append(r.history, rec)
	r.mu.Unlock()

	if r.recorder != nil {
		r.recorder.RecordToolCall(rec)
	}
}

func (r *Registry) unknown(name string) error {
	err := &UnknownToolError{Name: name}
	if matches := fuzzy.Find(name, r.order); len(matches) > 0 {
		err.Suggestion = matches[0].Str
	}
	return err
}
