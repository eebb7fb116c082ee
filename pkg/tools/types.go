package tools

import (
	"context"
	"fmt"
)

// Tool is the interface implemented by every tool exposed to a model.
type Tool interface {
	// Definition returns the tool's definition in provider API format.
	Definition() ToolDefinition
	// Name returns the tool identifier.
	Name() string
	// PromptDocumentation returns markdown documentation for LLM prompts.
	PromptDocumentation() string
	// Exec executes the tool with the given arguments.
	Exec(ctx context.Context, args map[string]any) (any, error)
}

// ToolDefinition describes a tool to the model.
type ToolDefinition struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema InputSchema `json:"input_schema"`
}

// InputSchema is a JSON-Schema-shaped parameter description.
type InputSchema struct {
	Type       string              `json:"type"`
	Properties map[string]Property `json:"properties,omitempty"`
	Required   []string            `json:"required,omitempty"`
}

// Property describes a single tool parameter.
type Property struct {
	Type        string               `json:"type"`
	Description string               `json:"description,omitempty"`
	Enum        []string             `json:"enum,omitempty"`
	Items       *Property            `json:"items,omitempty"`
	Properties  map[string]*Property `json:"properties,omitempty"`
}

// ValidateArgs checks a tool invocation against its schema before execution:
// every required parameter must be present, provided values must match their
// declared types, and unknown parameters are rejected. An invalid call never
// reaches Exec, so pipeline state is untouched.
func ValidateArgs(def ToolDefinition, args map[string]any) error {
	schema := def.InputSchema
	for _, req := range schema.Required {
		if _, ok := args[req]; !ok {
			return fmt.Errorf("tool %s: missing required parameter '%s'", def.Name, req)
		}
	}
	for name, value := range args {
		prop, ok := schema.Properties[name]
		if !ok {
			return fmt.Errorf("tool %s: unknown parameter '%s'", def.Name, name)
		}
		if err := checkType(&prop, value); err != nil {
			return fmt.Errorf("tool %s: parameter '%s': %w", def.Name, name, err)
		}
	}
	return nil
}

// checkType verifies value against the property's declared JSON type. JSON
// decoding yields float64 for all numbers, so integer accepts any numeric.
func checkType(prop *Property, value any) error {
	if value == nil {
		return nil
	}
	switch prop.Type {
	case "string":
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("expected string, got %T", value)
		}
		if len(prop.Enum) > 0 {
			for _, e := range prop.Enum {
				if s == e {
					return nil
				}
			}
			return fmt.Errorf("value %q not one of %v", s, prop.Enum)
		}
	case "integer", "number":
		switch value.(type) {
		case int, int32, int64, float32, float64:
		default:
			return fmt.Errorf("expected number, got %T", value)
		}
	case "boolean":
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("expected boolean, got %T", value)
		}
	case "array":
		if _, ok := value.([]any); !ok {
			return fmt.Errorf("expected array, got %T", value)
		}
	case "object":
		if _, ok := value.(map[string]any); !ok {
			return fmt.Errorf("expected object, got %T", value)
		}
	}
	return nil
}
