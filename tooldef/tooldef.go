// Package tooldef provides registration-time validation of tool definitions
// and optional conformance checking of parsed tool-call inputs against each
// definition's JSON Schema.
package tooldef

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/antra-tess/membrane/content"
	"github.com/antra-tess/membrane/errs"
)

// Registry holds tool definitions with their compiled input schemas. It is
// safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	defs    map[string]*content.ToolDefinition
	schemas map[string]*jsonschema.Schema
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		defs:    make(map[string]*content.ToolDefinition),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register validates and stores def. The definition's InputSchema is compiled
// at registration time so a malformed schema fails here rather than at the
// first tool call. A nil InputSchema registers the tool without input
// validation.
func (r *Registry) Register(def *content.ToolDefinition) error {
	if def == nil || def.Name == "" {
		return errs.New(errs.KindInvalidReq, "tool definition requires a name")
	}
	if def.Description == "" {
		return errs.New(errs.KindInvalidReq, fmt.Sprintf("tool %q is missing description", def.Name))
	}

	var schema *jsonschema.Schema
	if def.InputSchema != nil {
		compiled, err := compileSchema(def.Name, def.InputSchema)
		if err != nil {
			return errs.Wrap(errs.KindInvalidReq, err, fmt.Sprintf("tool %q input schema", def.Name))
		}
		schema = compiled
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[def.Name]; exists {
		return errs.New(errs.KindInvalidReq, fmt.Sprintf("tool %q is already registered", def.Name))
	}
	r.defs[def.Name] = def
	if schema != nil {
		r.schemas[def.Name] = schema
	}
	return nil
}

// Definitions returns the registered definitions sorted by name, in the shape
// a content.Request's Tools field expects.
func (r *Registry) Definitions() []*content.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*content.ToolDefinition, 0, len(r.defs))
	for _, d := range r.defs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ValidateInput checks a parsed tool-call input against the named tool's
// compiled schema. Unknown tools fail; tools registered without a schema
// accept any input.
func (r *Registry) ValidateInput(name string, input json.RawMessage) error {
	r.mu.RLock()
	_, known := r.defs[name]
	schema := r.schemas[name]
	r.mu.RUnlock()

	if !known {
		return errs.New(errs.KindInvalidReq, fmt.Sprintf("tool %q is not registered", name))
	}
	if schema == nil {
		return nil
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(normalizeInput(input)))
	if err != nil {
		return errs.Wrap(errs.KindInvalidReq, err, fmt.Sprintf("tool %q input is not valid JSON", name))
	}
	if err := schema.Validate(doc); err != nil {
		return errs.Wrap(errs.KindInvalidReq, err, fmt.Sprintf("tool %q input does not conform to its schema", name))
	}
	return nil
}

func compileSchema(name string, raw any) (*jsonschema.Schema, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	url := name + ".schema.json"
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

func normalizeInput(input json.RawMessage) []byte {
	if len(input) == 0 {
		return []byte("{}")
	}
	return input
}
