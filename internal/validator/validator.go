// Package validator classifies raw stream envelopes into typed events.
//
// Validation is two-phase: a JSON Schema pass (Draft 2020-12) checks the
// structural contract for the envelope's kind, then semantic checks cover
// what schemas cannot express (timestamp format and year bounds,
// coordinate ranges, bearing and speed constraints).
package validator

import (
	"embed"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/sirupsen/logrus"

	"github.com/transitlive/dispatch/internal/model"
)

//go:embed contracts/*.schema.json
var contractsFS embed.FS

// Result is the outcome of validating one envelope. When OK is false,
// Errors holds at least one human-readable reason.
type Result struct {
	OK     bool
	Event  *model.Event
	Errors []string
}

// EnvelopeValidator validates event envelopes against embedded JSON
// Schema contracts, keyed by event kind.
type EnvelopeValidator struct {
	schemas map[string]*jsonschema.Schema
	log     *logrus.Entry
}

// New compiles the embedded contract schemas. Schema keys are derived
// from filenames (vehicle.upsert.schema.json -> "vehicle.upsert").
func New(log *logrus.Logger) (*EnvelopeValidator, error) {
	v := &EnvelopeValidator{
		schemas: make(map[string]*jsonschema.Schema),
		log:     log.WithField("component", "validator"),
	}

	entries, err := contractsFS.ReadDir("contracts")
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded contracts: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	for _, entry := range entries {
		name := entry.Name()
		data, err := contractsFS.ReadFile(path.Join("contracts", name))
		if err != nil {
			return nil, fmt.Errorf("failed to read contract %s: %w", name, err)
		}

		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(data)))
		if err != nil {
			return nil, fmt.Errorf("failed to parse contract %s: %w", name, err)
		}
		if err := compiler.AddResource(name, doc); err != nil {
			return nil, fmt.Errorf("failed to add contract %s: %w", name, err)
		}
		schema, err := compiler.Compile(name)
		if err != nil {
			return nil, fmt.Errorf("failed to compile contract %s: %w", name, err)
		}

		kind := strings.TrimSuffix(name, ".schema.json")
		v.schemas[kind] = schema
		v.log.WithField("kind", kind).Debug("loaded contract schema")
	}

	if len(v.schemas) == 0 {
		return nil, fmt.Errorf("no contract schemas embedded")
	}
	return v, nil
}

// probe is the minimal decode used to route an envelope to its schema.
type probe struct {
	SchemaVersion *string `json:"schemaVersion"`
	Data          *struct {
		Kind string `json:"kind"`
	} `json:"data"`
}

// Validate parses and classifies one raw envelope.
func (v *EnvelopeValidator) Validate(raw []byte) Result {
	var p probe
	if err := json.Unmarshal(raw, &p); err != nil {
		return invalid("envelope is not valid JSON: " + err.Error())
	}
	if p.SchemaVersion == nil {
		return invalid("missing schemaVersion")
	}
	if *p.SchemaVersion != model.SchemaVersion {
		return invalid(fmt.Sprintf("unknown schemaVersion %q", *p.SchemaVersion))
	}
	if p.Data == nil {
		return invalid("missing data")
	}

	schema, ok := v.schemas[p.Data.Kind]
	if !ok {
		if p.Data.Kind == "" {
			return invalid("missing kind")
		}
		return invalid(fmt.Sprintf("unknown kind %q", p.Data.Kind))
	}

	// Structural pass. jsonschema wants the instance decoded through its
	// own reader so numbers keep full precision.
	instance, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return invalid("envelope is not valid JSON: " + err.Error())
	}
	if err := schema.Validate(instance); err != nil {
		return invalid(fmt.Sprintf("schema validation failed for %s: %v", p.Data.Kind, err))
	}

	// Semantic pass over the typed decode.
	switch p.Data.Kind {
	case model.KindVehicleUpsert:
		return v.validateUpsert(raw)
	case model.KindVehicleRemove:
		return v.validateRemove(raw)
	}
	return invalid(fmt.Sprintf("unknown kind %q", p.Data.Kind))
}

func (v *EnvelopeValidator) validateUpsert(raw []byte) Result {
	var env struct {
		Data model.VehicleUpsertEvent `json:"data"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return invalid("failed to decode vehicle.upsert: " + err.Error())
	}

	var errs []string
	if _, err := model.ParseEventTime(env.Data.At); err != nil {
		errs = append(errs, "at: "+err.Error())
	}
	if err := env.Data.Payload.Validate(); err != nil {
		errs = append(errs, "payload: "+err.Error())
	}
	if len(errs) > 0 {
		return Result{OK: false, Errors: errs}
	}

	return Result{OK: true, Event: &model.Event{
		Kind:   model.KindVehicleUpsert,
		CityID: env.Data.CityID,
		Upsert: &env.Data,
	}}
}

func (v *EnvelopeValidator) validateRemove(raw []byte) Result {
	var env struct {
		Data model.VehicleRemoveEvent `json:"data"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return invalid("failed to decode vehicle.remove: " + err.Error())
	}

	var errs []string
	if _, err := model.ParseEventTime(env.Data.At); err != nil {
		errs = append(errs, "at: "+err.Error())
	}
	if env.Data.Payload.ID == "" {
		errs = append(errs, "payload: id must not be empty")
	}
	if len(errs) > 0 {
		return Result{OK: false, Errors: errs}
	}

	return Result{OK: true, Event: &model.Event{
		Kind:   model.KindVehicleRemove,
		CityID: env.Data.CityID,
		Remove: &env.Data,
	}}
}

func invalid(msgs ...string) Result {
	return Result{OK: false, Errors: msgs}
}
