// Package schema derives Anthropic tool input schemas from Go structs.
package schema

import (
	"encoding/json"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/invopop/jsonschema"
)

// reflector inlines the root type and every nested type so the result is a
// single self-contained object schema.
var reflector = jsonschema.Reflector{
	ExpandedStruct: true,
	DoNotReference: true,
	Anonymous:      true,
}

// object is the subset of a reflected schema a tool input needs.
type object struct {
	Properties map[string]any `json:"properties"`
	Required   []string       `json:"required,omitempty"`
}

// Generate produces the input schema for T from its json and jsonschema
// struct tags. Fields without omitempty are required.
func Generate[T any]() anthropic.ToolInputSchemaParam {
	obj, err := reflect[T]()
	if err != nil {
		return anthropic.ToolInputSchemaParam{Properties: map[string]any{}}
	}
	return anthropic.ToolInputSchemaParam{
		Properties: obj.Properties,
		Required:   obj.Required,
	}
}

// GenerateJSON returns the schema for T as raw JSON.
func GenerateJSON[T any]() (json.RawMessage, error) {
	return json.Marshal(Generate[T]())
}

func reflect[T any]() (object, error) {
	var zero T
	b, err := json.Marshal(reflector.Reflect(&zero))
	if err != nil {
		return object{}, err
	}
	var obj object
	if err := json.Unmarshal(b, &obj); err != nil {
		return object{}, err
	}
	if obj.Properties == nil {
		obj.Properties = map[string]any{}
	}
	return obj, nil
}
