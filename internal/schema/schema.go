// Package schema validates JSON payloads against JSON Schema documents.
package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// inlineURL names schemas compiled from memory.
const inlineURL = "rpcflow://endpoint.schema.json"

// ErrInvalid is matched by every validation failure.
var ErrInvalid = errors.New("payload does not match schema")

// ValidationError locates the first mismatch in a payload. Path is a JSON pointer into
// the payload; the document root is "".
type ValidationError struct {
	Path   string
	Reason string
}

func (e *ValidationError) Error() string {
	path := e.Path
	if path == "" {
		path = "(root)"
	}
	return fmt.Sprintf("%s: %s", path, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrInvalid }

// Validator checks payloads against one compiled schema. It is safe for concurrent use.
type Validator struct {
	schema *jsonschema.Schema
}

// New compiles a JSON Schema document.
func New(doc []byte) (*Validator, error) {
	return compile(inlineURL, doc)
}

// Load reads and compiles the JSON Schema document at path. References to other files
// are resolved relative to it.
func Load(path string) (*Validator, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve schema path: %w", err)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("read schema %s: %w", path, err)
	}
	return compile(abs, data)
}

func compile(url string, doc []byte) (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, bytes.NewReader(doc)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	s, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &Validator{schema: s}, nil
}

// Validate decodes data and checks it against the schema. Failures are
// *ValidationError values naming the first mismatch.
func (v *Validator) Validate(data []byte) error {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return &ValidationError{Reason: "invalid JSON"}
	}
	err := v.schema.Validate(doc)
	if err == nil {
		return nil
	}
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return fmt.Errorf("validate: %w", err)
	}
	for len(verr.Causes) > 0 {
		verr = verr.Causes[0]
	}
	return &ValidationError{Path: verr.InstanceLocation, Reason: verr.Message}
}
