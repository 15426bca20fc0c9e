// Package tools implements the LLM-callable tools and the registry that
// validates and dispatches their invocations.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/duskpetrel/duskpetrel/internal/schema"
)

// Registry holds the named tool set for one agent, with each tool's
// parameter schema compiled for validation at dispatch time.
type Registry struct {
	tools   map[string]schema.Tool
	schemas map[string]*jsonschema.Schema
}

// NewRegistry builds a registry from the given tools. A tool whose parameter
// schema fails to compile is registered without validation; dispatch still
// works, arguments just pass through unchecked.
func NewRegistry(ts ...schema.Tool) *Registry {
	r := &Registry{
		tools:   make(map[string]schema.Tool, len(ts)),
		schemas: make(map[string]*jsonschema.Schema, len(ts)),
	}
	for _, t := range ts {
		r.Add(t)
	}
	return r
}

// Add registers a tool, replacing any existing tool with the same name.
func (r *Registry) Add(t schema.Tool) {
	name := t.Name()
	r.tools[name] = t

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name+".json", bytes.NewReader(t.Parameters())); err != nil {
		return
	}
	if sch, err := compiler.Compile(name + ".json"); err == nil {
		r.schemas[name] = sch
	}
}

// Get returns the tool with the given name, or nil.
func (r *Registry) Get(name string) schema.Tool {
	return r.tools[name]
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Without returns a new registry excluding the named tools. Used to assemble
// the restricted tool set handed to subagents.
func (r *Registry) Without(deny []string) *Registry {
	denied := make(map[string]bool, len(deny))
	for _, n := range deny {
		denied[n] = true
	}
	out := &Registry{
		tools:   make(map[string]schema.Tool),
		schemas: make(map[string]*jsonschema.Schema),
	}
	for n, t := range r.tools {
		if denied[n] {
			continue
		}
		out.tools[n] = t
		if sch, ok := r.schemas[n]; ok {
			out.schemas[n] = sch
		}
	}
	return out
}

// Definitions returns all tool definitions in OpenAI function-calling
// format, sorted by name for a stable prompt prefix.
func (r *Registry) Definitions() []map[string]any {
	list := make([]map[string]any, 0, len(r.tools))
	for _, name := range r.Names() {
		t := r.tools[name]
		var params any
		if err := json.Unmarshal(t.Parameters(), &params); err != nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		list = append(list, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name(),
				"description": t.Description(),
				"parameters":  params,
			},
		})
	}
	return list
}

// Dispatch validates and executes one tool call. Failures come back as the
// textual result so the model can react; the error return carries only
// context cancellation.
func (r *Registry) Dispatch(ctx context.Context, call schema.ToolCallRequest) (string, error) {
	t, ok := r.tools[call.Name]
	if !ok {
		return fmt.Sprintf("Error: Unknown tool %q. Available tools: %s",
			call.Name, strings.Join(r.Names(), ", ")), nil
	}

	if call.Arguments == nil {
		if call.RawArguments != "" {
			return fmt.Sprintf("Error: Arguments for %s are not valid JSON: %s",
				call.Name, call.RawArguments), nil
		}
		call.Arguments = map[string]any{}
	}

	if sch, ok := r.schemas[call.Name]; ok {
		if err := sch.Validate(toValidatable(call.Arguments)); err != nil {
			return fmt.Sprintf("Error: Invalid arguments for %s: %v", call.Name, err), nil
		}
	}

	result, err := t.Execute(ctx, call.Arguments)
	if err != nil {
		return "", err
	}
	return result, nil
}

// toValidatable converts the argument map into the shape the validator
// expects (plain interface values, as produced by encoding/json).
func toValidatable(args map[string]any) any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}
	return out
}
