package schema

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// Validator checks JSON documents against JSON schemas.
// Compiled schemas are cached by their serialized form.
type Validator struct {
	cache sync.Map // map[string]*gojsonschema.Schema
}

func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks a raw JSON document against schemaData, which may be a
// map, a struct or a JSON string.
func (v *Validator) Validate(schemaData any, docJSON string) error {
	s, err := v.compile(schemaData)
	if err != nil {
		return fmt.Errorf("invalid schema definition: %w", err)
	}

	result, err := s.Validate(gojsonschema.NewStringLoader(docJSON))
	if err != nil {
		return fmt.Errorf("validation execution failed: %w", err)
	}
	if result.Valid() {
		return nil
	}

	errs := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		errs = append(errs, desc.String())
	}
	return fmt.Errorf("schema validation failed:\n- %s", dumpErrors(errs))
}

// ValidateValue is Validate for an in-memory value.
func (v *Validator) ValidateValue(schemaData any, value any) error {
	doc, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("value is not JSON-serializable: %w", err)
	}
	return v.Validate(schemaData, string(doc))
}

func (v *Validator) compile(schemaData any) (*gojsonschema.Schema, error) {
	var raw []byte
	if s, ok := schemaData.(string); ok {
		raw = []byte(s)
	} else {
		b, err := json.Marshal(schemaData)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	key := string(raw)

	if val, ok := v.cache.Load(key); ok {
		return val.(*gojsonschema.Schema), nil
	}
	s, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, err
	}
	v.cache.Store(key, s)
	return s, nil
}

// dumpErrors keeps the first three errors.
func dumpErrors(errs []string) string {
	if len(errs) <= 3 {
		return strings.Join(errs, "\n- ")
	}
	return strings.Join(errs[:3], "\n- ") + fmt.Sprintf("\n... and %d more", len(errs)-3)
}
