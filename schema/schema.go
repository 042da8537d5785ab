// Package schema compiles and applies caller-supplied JSON schemas against
// object values, used by the inbox query stream to reject results the
// server should never have returned (spec §4.F, §7 InvalidSchema /
// SchemaMismatch).
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/graffiti-protocol/graffiti-go/internal/logging"
	"github.com/graffiti-protocol/graffiti-go/protoerr"
)

// Schema is a compiled JSON schema ready to validate object values.
type Schema struct {
	raw    []byte
	sch    *jsonschema.Schema
}

// resourceURL is a fixed, non-dereferenced identifier used to register each
// compiled schema's root document with the compiler; no network fetch ever
// follows from it.
const resourceURL = "mem://graffiti/schema.json"

// Compile parses and compiles raw (a JSON schema document). An empty or nil
// raw is treated as "accept anything" and Validate always succeeds.
func Compile(raw []byte) (*Schema, error) {
	log := logging.NewLogger("schema", "Compile")
	log.WithField("size", len(raw)).Debug("compiling schema")

	if len(bytes.TrimSpace(raw)) == 0 {
		return &Schema{}, nil
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		log.WithError(err, "unmarshal_failed", "compile").Warn("schema is not valid JSON")
		return nil, fmt.Errorf("%w: %v", protoerr.InvalidSchema, err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource(resourceURL, doc); err != nil {
		log.WithError(err, "add_resource_failed", "compile").Warn("schema could not be registered")
		return nil, fmt.Errorf("%w: %v", protoerr.InvalidSchema, err)
	}

	sch, err := c.Compile(resourceURL)
	if err != nil {
		log.WithError(err, "compile_failed", "compile").Warn("schema failed to compile")
		return nil, fmt.Errorf("%w: %v", protoerr.InvalidSchema, err)
	}

	return &Schema{raw: append([]byte(nil), raw...), sch: sch}, nil
}

// Raw returns the schema's original JSON bytes, for embedding in a query
// request body.
func (s *Schema) Raw() []byte {
	if s == nil {
		return nil
	}
	return s.raw
}

// Validate checks value (typically an object's decoded Value field) against
// the compiled schema. A nil or empty Schema always validates.
//
// value is re-marshaled through JSON first: CBOR decodes maps/numbers into
// Go types (e.g. int64) that don't always match what encoding/json produces
// (float64), and the schema library expects JSON-native types throughout.
func (s *Schema) Validate(value interface{}) error {
	if s == nil || s.sch == nil {
		return nil
	}

	normalized, err := normalize(value)
	if err != nil {
		return fmt.Errorf("schema: failed to normalize value: %w", err)
	}

	if err := s.sch.Validate(normalized); err != nil {
		return fmt.Errorf("%w: %v", protoerr.SchemaMismatch, err)
	}
	return nil
}

func normalize(value interface{}) (interface{}, error) {
	b, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	var out interface{}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}
