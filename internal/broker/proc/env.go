package proc

import (
	"fmt"
	"os"
	"strings"
)

// apiKeyVars are environment variables that would override the CLI's
// subscription auth if inherited. Always scrubbed from child
// environments.
var apiKeyVars = []string{
	"ANTHROPIC_API_KEY",
	"OPENAI_API_KEY",
	"GEMINI_API_KEY",
	"GOOGLE_API_KEY",
	"FACTORY_API_KEY",
}

// Env builds a child environment from a frozen base plus named
// overrides. The process environment is never mutated.
type Env struct {
	base     []string
	scrubbed []string
	extra    []string
}

// NewEnv captures the current process environment as the base and
// scrubs API-key variables.
func NewEnv() *Env {
	return &Env{base: os.Environ(), scrubbed: apiKeyVars}
}

// Scrub removes additional variables (matched case-insensitively by
// name) from the built environment.
func (e *Env) Scrub(names ...string) *Env {
	e.scrubbed = append(e.scrubbed, names...)
	return e
}

// Set adds or overrides one variable.
func (e *Env) Set(name, value string) *Env {
	e.extra = append(e.extra, fmt.Sprintf("%s=%s", name, value))
	return e
}

// Build returns the child environment slice.
func (e *Env) Build() []string {
	out := filterEnv(e.base, e.scrubbed...)
	return append(out, e.extra...)
}

// filterEnv returns a copy of environ with entries matching any of the
// given key names removed. Keys are matched case-insensitively by the
// portion before the first '='.
func filterEnv(environ []string, keys ...string) []string {
	filtered := make([]string, 0, len(environ))
	for _, entry := range environ {
		name, _, _ := strings.Cut(entry, "=")
		skip := false
		for _, k := range keys {
			if strings.EqualFold(name, k) {
				skip = true
				break
			}
		}
		if !skip {
			filtered = append(filtered, entry)
		}
	}
	return filtered
}
