package validator

// =============================================================================
// VALIDATOR: THE CONTRACT BETWEEN THE DRIVER AND THE ENGINE
// =============================================================================
//
// The engine reads manifest.json and nothing else. If a field is renamed or a
// library name slips through un-normalised, the engine either rejects the run
// late (after the simulator was set up) or, worse, silently skips a library.
//
// The manifest is therefore unified with manifest.cue before the engine is
// started. A failure here is a configuration error: the run stops before the
// engine is invoked.
//
// WHEN VALIDATION FAILS:
// 1. DON'T relax manifest.cue to make the error go away
// 2. DO check internal/manifest JSON tags and internal/project normalisation
// =============================================================================

import (
	"embed"
	"encoding/json"
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
)

//go:embed manifest.cue
var schemaFS embed.FS

// Validator validates manifests against the embedded CUE schema.
type Validator struct {
	ctx    *cue.Context
	schema cue.Value
}

// New creates a new Validator with the embedded CUE schema
func New() (*Validator, error) {
	ctx := cuecontext.New()

	schemaBytes, err := schemaFS.ReadFile("manifest.cue")
	if err != nil {
		return nil, fmt.Errorf("loading embedded schema: %w", err)
	}

	schema := ctx.CompileBytes(schemaBytes)
	if schema.Err() != nil {
		return nil, fmt.Errorf("compiling schema: %w", schema.Err())
	}

	return &Validator{
		ctx:    ctx,
		schema: schema,
	}, nil
}

// Validate checks that data, marshaled to JSON, conforms to #Manifest.
// Returns nil if valid, or a detailed error explaining what failed.
func (v *Validator) Validate(data interface{}) error {
	jsonBytes, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshaling data to JSON: %w", err)
	}
	return v.ValidateJSON(jsonBytes)
}

// ValidateJSON validates JSON bytes directly against #Manifest
func (v *Validator) ValidateJSON(jsonBytes []byte) error {
	unified, err := v.unify(jsonBytes)
	if err != nil {
		return err
	}
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("manifest schema validation failed: %w", err)
	}
	return nil
}

// ValidationErrors returns every validation error as a separate message
func (v *Validator) ValidationErrors(data interface{}) []string {
	jsonBytes, err := json.Marshal(data)
	if err != nil {
		return []string{fmt.Sprintf("marshal error: %v", err)}
	}

	unified, err := v.unify(jsonBytes)
	if err != nil {
		return []string{err.Error()}
	}
	err = unified.Validate(cue.Concrete(true))
	if err == nil {
		return nil
	}

	var errs []string
	for _, e := range errors.Errors(err) {
		errs = append(errs, e.Error())
	}
	return errs
}

func (v *Validator) unify(jsonBytes []byte) (cue.Value, error) {
	dataValue := v.ctx.CompileBytes(jsonBytes)
	if dataValue.Err() != nil {
		return cue.Value{}, fmt.Errorf("compiling JSON as CUE: %w", dataValue.Err())
	}

	def := v.schema.LookupPath(cue.ParsePath("#Manifest"))
	if def.Err() != nil {
		return cue.Value{}, fmt.Errorf("looking up #Manifest definition: %w", def.Err())
	}

	return def.Unify(dataValue), nil
}
