package httpapi

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const schemaBaseURL = "https://familysync.app/schemas/"

type bodySchema struct {
	name    string
	message string
	source  string
}

var bodySchemas = []bodySchema{
	{
		name:    "register",
		message: "username, email and password are required",
		source: `{
			"type": "object",
			"required": ["username", "email", "password"],
			"properties": {
				"username": {"type": "string", "minLength": 1, "maxLength": 50},
				"email": {"type": "string", "minLength": 3, "maxLength": 255, "pattern": "^[^@\\s]+@[^@\\s]+$"},
				"password": {"type": "string", "minLength": 6, "maxLength": 256}
			}
		}`,
	},
	{
		name:    "login",
		message: "email and password are required",
		source: `{
			"type": "object",
			"required": ["email", "password"],
			"properties": {
				"email": {"type": "string", "minLength": 1},
				"password": {"type": "string", "minLength": 1}
			}
		}`,
	},
	{
		name:    "list",
		message: "invalid list",
		source: `{
			"type": "object",
			"properties": {
				"name": {"type": "string", "maxLength": 100}
			}
		}`,
	},
	{
		name:    "item",
		message: "item name is required",
		source: `{
			"type": "object",
			"required": ["name"],
			"properties": {
				"name": {"type": "string", "minLength": 1, "maxLength": 200},
				"quantity": {"type": "string", "maxLength": 50}
			}
		}`,
	},
	{
		name:    "item_patch",
		message: "invalid item update",
		source: `{
			"type": "object",
			"properties": {
				"name": {"type": "string", "minLength": 1, "maxLength": 200},
				"quantity": {"type": "string", "maxLength": 50},
				"checked": {"type": "boolean"}
			}
		}`,
	},
	{
		name:    "subscribe",
		message: "incomplete subscription data",
		source: `{
			"type": "object",
			"required": ["endpoint", "keys"],
			"properties": {
				"endpoint": {"type": "string", "minLength": 1},
				"keys": {
					"type": "object",
					"required": ["auth", "p256dh"],
					"properties": {
						"auth": {"type": "string", "minLength": 1},
						"p256dh": {"type": "string", "minLength": 1}
					}
				},
				"deviceName": {"type": "string", "maxLength": 100}
			}
		}`,
	},
	{
		name:    "unsubscribe",
		message: "endpoint is required",
		source: `{
			"type": "object",
			"required": ["endpoint"],
			"properties": {
				"endpoint": {"type": "string", "minLength": 1}
			}
		}`,
	},
}

type compiledSchema struct {
	schema  *jsonschema.Schema
	message string
}

type schemaSet map[string]compiledSchema

func compileSchemas() (schemaSet, error) {
	c := jsonschema.NewCompiler()
	for _, def := range bodySchemas {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(def.source))
		if err != nil {
			return nil, fmt.Errorf("parse %s schema: %w", def.name, err)
		}
		if err := c.AddResource(schemaBaseURL+def.name+".json", doc); err != nil {
			return nil, fmt.Errorf("add %s schema: %w", def.name, err)
		}
	}
	out := make(schemaSet, len(bodySchemas))
	for _, def := range bodySchemas {
		sch, err := c.Compile(schemaBaseURL + def.name + ".json")
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", def.name, err)
		}
		out[def.name] = compiledSchema{schema: sch, message: def.message}
	}
	return out, nil
}

// validate checks body against the named schema and returns the client
// facing message on failure.
func (s schemaSet) validate(name string, body []byte) (string, bool) {
	compiled, ok := s[name]
	if !ok {
		return "", true
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return "invalid json body", false
	}
	if err := compiled.schema.Validate(inst); err != nil {
		return compiled.message, false
	}
	return "", true
}
