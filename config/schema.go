package config

import "github.com/invopop/jsonschema"

// ModelConfigSchema returns the JSON schema for a model definition.
// Hosts use it to validate model blocks before handing them over.
func ModelConfigSchema() *jsonschema.Schema {
	reflector := &jsonschema.Reflector{
		ExpandedStruct:            true,
		DoNotReference:            true,
		AllowAdditionalProperties: true,
	}
	return reflector.Reflect(&ModelConfig{})
}
