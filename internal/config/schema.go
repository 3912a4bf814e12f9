package config

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

// Schema returns the JSON schema of the configuration file, keyed by the
// same field names koanf reads.
func Schema() string {
	r := &jsonschema.Reflector{FieldNameTag: "koanf", ExpandedStruct: true}
	schema := r.Reflect(&GatewayConfig{})
	b, _ := json.Marshal(schema)
	return string(b)
}
