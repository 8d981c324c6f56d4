// Package contract validates inbound messages against the canonical JSON
// Schema of their declared envelope_version before any handler sees them.
package contract

import (
	"bytes"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/c360studio/semflow/envelope"
	"github.com/c360studio/semflow/errs"
)

//go:embed schemas
var schemaFS embed.FS

// Kind selects which message shape to validate.
type Kind string

const (
	KindTask   Kind = "task"
	KindResult Kind = "result"
)

// Validator holds one compiled schema per (version, kind).
type Validator struct {
	schemas map[string]map[Kind]*jsonschema.Schema
}

// New compiles the embedded schemas.
func New() (*Validator, error) {
	versions, err := fs.ReadDir(schemaFS, "schemas")
	if err != nil {
		return nil, fmt.Errorf("read schema dir: %w", err)
	}

	c := jsonschema.NewCompiler()
	v := &Validator{schemas: make(map[string]map[Kind]*jsonschema.Schema)}

	for _, dir := range versions {
		if !dir.IsDir() {
			continue
		}
		version := dir.Name()
		v.schemas[version] = make(map[Kind]*jsonschema.Schema)

		for _, kind := range []Kind{KindTask, KindResult} {
			file := path.Join("schemas", version, string(kind)+".json")
			data, err := schemaFS.ReadFile(file)
			if err != nil {
				return nil, fmt.Errorf("read schema %s: %w", file, err)
			}
			doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
			if err != nil {
				return nil, fmt.Errorf("parse schema %s: %w", file, err)
			}
			if err := c.AddResource(file, doc); err != nil {
				return nil, fmt.Errorf("add schema resource %s: %w", file, err)
			}
			schema, err := c.Compile(file)
			if err != nil {
				return nil, fmt.Errorf("compile schema %s: %w", file, err)
			}
			v.schemas[version][kind] = schema
		}
	}

	if len(v.schemas) == 0 {
		return nil, fmt.Errorf("no envelope schemas embedded")
	}
	return v, nil
}

// MustNew is New for package-level initialisation in tests and main.
func MustNew() *Validator {
	v, err := New()
	if err != nil {
		panic(err)
	}
	return v
}

// Versions returns the supported envelope versions in sorted order.
func (v *Validator) Versions() []string {
	out := make([]string, 0, len(v.schemas))
	for version := range v.schemas {
		out = append(out, version)
	}
	sort.Strings(out)
	return out
}

// Validate checks data against the schema selected by its
// metadata.envelope_version. Every failure is an *errs.ValidationError.
func (v *Validator) Validate(kind Kind, data []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return &errs.ValidationError{Reason: "malformed JSON", Err: err}
	}

	version, err := envelopeVersion(inst)
	if err != nil {
		return err
	}

	byKind, ok := v.schemas[version]
	if !ok {
		return &errs.ValidationError{
			Field:  "metadata.envelope_version",
			Reason: fmt.Sprintf("unsupported version %q", version),
		}
	}
	schema, ok := byKind[kind]
	if !ok {
		return &errs.ValidationError{Reason: fmt.Sprintf("no %s schema for version %s", kind, version)}
	}

	if err := schema.Validate(inst); err != nil {
		return &errs.ValidationError{Reason: fmt.Sprintf("%s does not match schema %s", kind, version), Err: err}
	}
	return nil
}

// DecodeEnvelope validates and decodes a task envelope.
func (v *Validator) DecodeEnvelope(data []byte) (*envelope.Envelope, error) {
	if err := v.Validate(KindTask, data); err != nil {
		return nil, err
	}
	env, err := envelope.ParseEnvelope(data)
	if err != nil {
		return nil, &errs.ValidationError{Reason: "decode task", Err: err}
	}
	return env, nil
}

// DecodeResult validates and decodes a result envelope.
func (v *Validator) DecodeResult(data []byte) (*envelope.Result, error) {
	if err := v.Validate(KindResult, data); err != nil {
		return nil, err
	}
	res, err := envelope.ParseResult(data)
	if err != nil {
		return nil, &errs.ValidationError{Reason: "decode result", Err: err}
	}
	return res, nil
}

func envelopeVersion(inst any) (string, error) {
	obj, ok := inst.(map[string]any)
	if !ok {
		return "", &errs.ValidationError{Reason: "message is not a JSON object"}
	}
	meta, ok := obj["metadata"].(map[string]any)
	if !ok {
		return "", errs.NewValidationError("metadata", "required")
	}
	version, ok := meta["envelope_version"].(string)
	if !ok || version == "" {
		return "", errs.NewValidationError("metadata.envelope_version", "required")
	}
	return version, nil
}
