package protocol

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/request.schema.json
var requestSchemaJSON string

var (
	requestSchemaOnce sync.Once
	requestSchema     *jsonschema.Schema
	requestSchemaErr  error
)

// ValidateRequest checks a raw trainer message against the request schema.
func ValidateRequest(raw []byte) error {
	requestSchemaOnce.Do(func() {
		requestSchema, requestSchemaErr = jsonschema.CompileString("request.schema.json", requestSchemaJSON)
	})
	if requestSchemaErr != nil {
		return requestSchemaErr
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return err
	}
	return requestSchema.Validate(v)
}
