package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// scalar accepts the loose values models actually emit for a field.
var scalar = map[string]any{"type": []any{"string", "number", "boolean", "null"}}

func section() map[string]any {
	return map[string]any{
		"type":                 "object",
		"additionalProperties": scalar,
	}
}

// prescriptionSchema describes the reply layout requested in the prompt.
// Unknown top-level sections are tolerated.
func prescriptionSchema() map[string]any {
	return map[string]any{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"type":    "object",
		"properties": map[string]any{
			"prescriptionType": section(),
			"patientDetails":   section(),
			"clinicalDetails":  section(),
			"vitals":           section(),
			"medications": map[string]any{
				"type":  "array",
				"items": section(),
			},
			"advice":         section(),
			"investigations": map[string]any{"oneOf": []any{section(), scalar}},
			"doctorDetails":  section(),
			"clinicDetails":  section(),
			"followUp":       section(),
			"confidence": map[string]any{
				"type":    "number",
				"minimum": 0,
				"maximum": 1,
			},
			"fieldConfidence": map[string]any{
				"type":                 "object",
				"additionalProperties": map[string]any{"type": "number", "minimum": 0, "maximum": 1},
			},
		},
		"additionalProperties": true,
	}
}

func compileSchema() (*jsonschema.Schema, error) {
	b, err := json.Marshal(prescriptionSchema())
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("prescription.json", bytes.NewReader(b)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	schema, err := compiler.Compile("prescription.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}
