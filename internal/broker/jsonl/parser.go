// Package jsonl parses the newline-delimited JSON event stream that
// conversational CLIs write on stdout. Each line is validated against
// a per-kind JSON schema; schemas are extensible at runtime.
package jsonl

import (
	"bufio"
	"bytes"
	"encoding/json"
	"strings"

	"github.com/kokino/kokino/internal/broker/kinderr"
)

// maxLineSize bounds a single stdout line. CLI result events can carry
// whole files, so the limit is generous.
const maxLineSize = 16 * 1024 * 1024

// prefixLen bounds how much of a malformed line is kept in the error.
const prefixLen = 80

// Event is one validated stream event.
type Event struct {
	Kind   string         `json:"kind"`
	Fields map[string]any `json:"fields"`
}

// UnknownEvent is a line with a well-formed but unrecognized type.
type UnknownEvent struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"raw"`
}

// ParseError describes one anomalous line.
type ParseError struct {
	LineNo int    `json:"lineNo"`
	Prefix string `json:"prefix"`
	Reason string `json:"reason"`
}

// Usage is the token accounting reported by a result event.
type Usage struct {
	InputTokens  int64 `json:"inputTokens"`
	OutputTokens int64 `json:"outputTokens"`
}

// Result is the outcome of parsing one CLI stdout stream.
type Result struct {
	// Response is the final result text, or the trimmed raw stdout
	// when no result event was observed (FallbackRaw true).
	Response    string         `json:"response"`
	SessionID   string         `json:"sessionId,omitempty"`
	Events      []Event        `json:"events"`
	Usage       *Usage         `json:"usage,omitempty"`
	Errors      []string       `json:"errors,omitempty"`
	Unknown     []UnknownEvent `json:"unknownEvents,omitempty"`
	ParseErrors []ParseError   `json:"parseErrors,omitempty"`
	FallbackRaw bool           `json:"fallbackRaw,omitempty"`
}

// Parser validates an NDJSON stream against a schema registry. In
// strict mode the first anomaly (malformed line, schema violation, or
// unknown kind) aborts; in lenient mode anomalies are collected and
// parsing continues.
type Parser struct {
	registry *SchemaRegistry
	strict   bool
}

// New creates a parser over the given registry.
func New(registry *SchemaRegistry, strict bool) *Parser {
	if registry == nil {
		registry = DefaultRegistry()
	}
	return &Parser{registry: registry, strict: strict}
}

// Parse consumes one complete stdout buffer.
func (p *Parser) Parse(stdout []byte) (*Result, error) {
	res := &Result{}
	sawResult := false

	scanner := bufio.NewScanner(bytes.NewReader(stdout))
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var obj map[string]any
		if err := json.Unmarshal(line, &obj); err != nil {
			pe := ParseError{LineNo: lineNo, Prefix: linePrefix(line), Reason: err.Error()}
			if p.strict {
				return nil, kinderr.Newf(kinderr.Schema, "line %d: malformed JSON: %s", lineNo, pe.Reason)
			}
			res.ParseErrors = append(res.ParseErrors, pe)
			continue
		}

		kind, _ := obj["type"].(string)
		schema, known := p.registry.get(kind)
		if !known {
			if p.strict {
				return nil, kinderr.Newf(kinderr.Schema, "line %d: unknown event type %q", lineNo, kind)
			}
			raw := make(json.RawMessage, len(line))
			copy(raw, line)
			res.Unknown = append(res.Unknown, UnknownEvent{Type: kind, Raw: raw})
			continue
		}

		if err := schema.Validate(obj); err != nil {
			pe := ParseError{LineNo: lineNo, Prefix: linePrefix(line), Reason: err.Error()}
			if p.strict {
				return nil, kinderr.Newf(kinderr.Schema, "line %d: %s event invalid: %s", lineNo, kind, pe.Reason)
			}
			res.ParseErrors = append(res.ParseErrors, pe)
			continue
		}

		res.Events = append(res.Events, Event{Kind: kind, Fields: obj})

		switch kind {
		case KindResult:
			sawResult = true
			res.Response, _ = obj["result"].(string)
			if sid, ok := obj["session_id"].(string); ok {
				res.SessionID = sid
			}
			if usage, ok := obj["usage"].(map[string]any); ok {
				res.Usage = parseUsage(usage)
			}
		case KindError:
			if msg, ok := obj["error"].(string); ok {
				res.Errors = append(res.Errors, msg)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, kinderr.Wrap(kinderr.Upstream, "scan CLI output", err)
	}

	// Best-effort response: without a result event the raw stdout is
	// all there is.
	if !sawResult {
		res.Response = strings.TrimSpace(string(stdout))
		res.FallbackRaw = true
	}
	return res, nil
}

func parseUsage(m map[string]any) *Usage {
	var u Usage
	if v, ok := m["input_tokens"].(float64); ok {
		u.InputTokens = int64(v)
	}
	if v, ok := m["output_tokens"].(float64); ok {
		u.OutputTokens = int64(v)
	}
	return &u
}

func linePrefix(line []byte) string {
	if len(line) > prefixLen {
		line = line[:prefixLen]
	}
	return string(line)
}
