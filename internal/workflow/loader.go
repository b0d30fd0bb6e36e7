package workflow

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// LoadDefinition decodes a workflow definition from YAML. The definition is
// decoded strictly so template typos surface at load time rather than as
// silently-ignored fields.
func LoadDefinition(r io.Reader) (*Definition, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var def Definition
	if err := dec.Decode(&def); err != nil {
		return nil, fmt.Errorf("decode workflow definition: %w", err)
	}
	if def.ID == "" {
		return nil, NewValidationError("workflow definition has no id", "")
	}
	return &def, nil
}
