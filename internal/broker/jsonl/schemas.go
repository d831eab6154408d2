package jsonl

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Recognized event kinds emitted by conversational CLIs.
const (
	KindResult     = "result"
	KindToolUse    = "tool_use"
	KindToolResult = "tool_result"
	KindError      = "error"
	KindStatus     = "status"
	KindThinking   = "thinking"
)

// builtinSchemas declares the required shape of each known event kind.
// Extra fields are always allowed.
var builtinSchemas = map[string]string{
	KindResult: `{
		"type": "object",
		"required": ["type", "result"],
		"properties": {
			"type": {"const": "result"},
			"result": {"type": "string"},
			"session_id": {"type": "string"},
			"usage": {"type": "object"}
		}
	}`,
	KindToolUse: `{
		"type": "object",
		"required": ["type", "tool_name"],
		"properties": {
			"type": {"const": "tool_use"},
			"tool_name": {"type": "string"},
			"tool_use_id": {"type": "string"}
		}
	}`,
	KindToolResult: `{
		"type": "object",
		"required": ["type", "tool_use_id", "content"],
		"properties": {
			"type": {"const": "tool_result"},
			"tool_use_id": {"type": "string"}
		}
	}`,
	KindError: `{
		"type": "object",
		"required": ["type", "error"],
		"properties": {
			"type": {"const": "error"},
			"error": {"type": "string"},
			"code": {"type": "string"}
		}
	}`,
	KindStatus: `{
		"type": "object",
		"required": ["type", "status"],
		"properties": {
			"type": {"const": "status"},
			"status": {"type": "string"},
			"message": {"type": "string"}
		}
	}`,
	KindThinking: `{
		"type": "object",
		"required": ["type", "content"],
		"properties": {
			"type": {"const": "thinking"},
			"content": {"type": "string"}
		}
	}`,
}

// SchemaRegistry maps event kinds to compiled JSON schemas. New kinds
// can be registered at runtime without recompilation.
type SchemaRegistry struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

// DefaultRegistry returns a registry preloaded with the built-in event
// kind schemas.
func DefaultRegistry() *SchemaRegistry {
	r := &SchemaRegistry{schemas: make(map[string]*jsonschema.Schema, len(builtinSchemas))}
	for kind, schemaJSON := range builtinSchemas {
		if err := r.Register(kind, []byte(schemaJSON)); err != nil {
			panic(fmt.Sprintf("jsonl: builtin schema %s: %v", kind, err))
		}
	}
	return r
}

// Register compiles and installs a schema for the given kind,
// replacing any existing one.
func (r *SchemaRegistry) Register(kind string, schemaJSON []byte) error {
	if kind == "" {
		return fmt.Errorf("register schema: kind is required")
	}
	var doc any
	if err := json.Unmarshal(schemaJSON, &doc); err != nil {
		return fmt.Errorf("unmarshal schema for %s: %w", kind, err)
	}

	c := jsonschema.NewCompiler()
	resource := kind + ".schema.json"
	if err := c.AddResource(resource, doc); err != nil {
		return fmt.Errorf("add schema resource for %s: %w", kind, err)
	}
	schema, err := c.Compile(resource)
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", kind, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[kind] = schema
	return nil
}

// Kinds returns the registered kinds.
func (r *SchemaRegistry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.schemas))
	for k := range r.schemas {
		out = append(out, k)
	}
	return out
}

func (r *SchemaRegistry) get(kind string) (*jsonschema.Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemas[kind]
	return s, ok
}
