package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const (
	selectorSchemaJSON = `{
  "type": "object",
  "required": ["suitePath", "browserId"],
  "properties": {
    "suitePath": {"type": "array", "minItems": 1, "items": {"type": "string"}},
    "browserId": {"type": "string", "minLength": 1},
    "stateName": {"type": "string"}
  }
}`

	updateReferenceSchemaJSON = `{
  "oneOf": [
    {"type": "array", "minItems": 1, "items": {"$ref": "selector.json"}},
    {"type": "object", "required": ["selectors"], "properties": {
      "selectors": {"type": "array", "minItems": 1, "items": {"$ref": "selector.json"}}
    }}
  ]
}`

	runSchemaJSON = `{
  "type": "object",
  "properties": {
    "clear": {"type": "boolean"}
  }
}`

	eventSchemaJSON = `{
  "type": "object",
  "required": ["type"],
  "properties": {
    "type": {"enum": ["skipped", "success", "fail", "error", "browsers", "begin", "end"]},
    "browsers": {"type": "array", "items": {"type": "string"}},
    "attempt": {
      "type": "object",
      "required": ["suitePath", "browserId"],
      "properties": {
        "suitePath": {"type": "array", "minItems": 1, "items": {"type": "string"}},
        "browserId": {"type": "string", "minLength": 1},
        "timestamp": {"type": "integer"},
        "imagesInfo": {"type": "array", "items": {"type": "object"}}
      }
    }
  },
  "allOf": [
    {"if": {"properties": {"type": {"enum": ["skipped", "success", "fail", "error"]}}},
     "then": {"required": ["attempt"]}},
    {"if": {"properties": {"type": {"const": "browsers"}}},
     "then": {"required": ["browsers"]}}
  ]
}`

	eventsSchemaJSON = `{
  "oneOf": [
    {"$ref": "event.json"},
    {"type": "array", "items": {"$ref": "event.json"}}
  ]
}`

	actionSchemaJSON = `{
  "type": "object",
  "properties": {
    "module": {"type": "string"},
    "sectionName": {"type": "string"},
    "groupIndex": {"type": "integer", "minimum": 0},
    "controlIndex": {"type": "integer", "minimum": 0}
  }
}`
)

// schemas holds the compiled request body schemas.
type schemas struct {
	selector        *jsonschema.Schema
	updateReference *jsonschema.Schema
	run             *jsonschema.Schema
	events          *jsonschema.Schema
	action          *jsonschema.Schema
}

// schemaBase is the id prefix of the in-memory schema resources.
const schemaBase = "https://schemas.shotreport.local/"

func compileSchemas() (*schemas, error) {
	c := jsonschema.NewCompiler()
	resources := map[string]string{
		"selector.json":         selectorSchemaJSON,
		"update-reference.json": updateReferenceSchemaJSON,
		"run.json":              runSchemaJSON,
		"event.json":            eventSchemaJSON,
		"events.json":           eventsSchemaJSON,
		"action.json":           actionSchemaJSON,
	}
	for name, src := range resources {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("unmarshal schema %s: %w", name, err)
		}
		if err := c.AddResource(schemaBase+name, doc); err != nil {
			return nil, fmt.Errorf("add schema resource %s: %w", name, err)
		}
	}
	var s schemas
	var err error
	for name, dst := range map[string]**jsonschema.Schema{
		"selector.json":         &s.selector,
		"update-reference.json": &s.updateReference,
		"run.json":              &s.run,
		"events.json":           &s.events,
		"action.json":           &s.action,
	} {
		if *dst, err = c.Compile(schemaBase + name); err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
	}
	return &s, nil
}

// badRequestError marks a body that is not JSON or fails its schema.
type badRequestError struct {
	msg string
}

func (e *badRequestError) Error() string { return e.msg }

// decodeValidated validates body against schema, then decodes it into dst.
// An empty body validates as an empty object.
func decodeValidated(schema *jsonschema.Schema, body []byte, dst any) error {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		body = []byte("{}")
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return &badRequestError{msg: fmt.Sprintf("invalid JSON: %s", err)}
	}
	if err := schema.Validate(doc); err != nil {
		return &badRequestError{msg: fmt.Sprintf("schema validation failed: %s", err)}
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return &badRequestError{msg: fmt.Sprintf("invalid body: %s", err)}
	}
	return nil
}
