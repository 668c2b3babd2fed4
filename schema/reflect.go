package schema

import (
	"reflect"
	"strings"
	"time"
)

// For generates an object schema for T. See Reflect.
func For[T any]() map[string]any {
	var zero T
	return Reflect(zero)
}

// Reflect creates a JSON schema from a Go struct using reflection. Field names
// follow json tags; fields without omitempty that are not pointers are
// required. The description and enum (comma separated) struct tags are
// copied into the property schema.
func Reflect(v any) map[string]any {
	t := reflect.TypeOf(v)
	if t == nil {
		return emptyObject()
	}

	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	if t.Kind() != reflect.Struct {
		return emptyObject()
	}

	return structSchema(t, map[reflect.Type]bool{})
}

func emptyObject() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{},
	}
}

func structSchema(t reflect.Type, seen map[reflect.Type]bool) map[string]any {
	if seen[t] {
		return map[string]any{"type": "object"}
	}
	seen[t] = true
	defer delete(seen, t)

	properties := make(map[string]any)
	required := make([]string, 0)

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}

		jsonTag := field.Tag.Get("json")
		if jsonTag == "-" {
			continue
		}

		name := field.Name
		if jsonTag != "" {
			if n := strings.Split(jsonTag, ",")[0]; n != "" {
				name = n
			}
		}

		prop := typeSchema(field.Type, seen)

		if description := field.Tag.Get("description"); description != "" {
			prop["description"] = description
		}

		if enum := field.Tag.Get("enum"); enum != "" {
			values := strings.Split(enum, ",")
			for j := range values {
				values[j] = strings.TrimSpace(values[j])
			}
			prop["enum"] = values
		}

		properties[name] = prop

		if !hasOmitEmpty(jsonTag) && field.Type.Kind() != reflect.Ptr {
			required = append(required, name)
		}
	}

	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}

	if len(required) > 0 {
		s["required"] = required
	}

	return s
}

var timeType = reflect.TypeOf(time.Time{})

func typeSchema(t reflect.Type, seen map[reflect.Type]bool) map[string]any {
	switch t.Kind() {
	case reflect.Ptr:
		return typeSchema(t.Elem(), seen)
	case reflect.String:
		return map[string]any{"type": "string"}
	case reflect.Bool:
		return map[string]any{"type": "boolean"}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return map[string]any{"type": "integer"}
	case reflect.Float32, reflect.Float64:
		return map[string]any{"type": "number"}
	case reflect.Slice, reflect.Array:
		return map[string]any{"type": "array", "items": typeSchema(t.Elem(), seen)}
	case reflect.Map:
		return map[string]any{"type": "object"}
	case reflect.Struct:
		if t == timeType {
			return map[string]any{"type": "string", "format": "date-time"}
		}
		return structSchema(t, seen)
	default:
		return map[string]any{}
	}
}

// hasOmitEmpty checks if a JSON tag has the "omitempty" option.
func hasOmitEmpty(tag string) bool {
	parts := strings.Split(tag, ",")
	for _, part := range parts[1:] {
		if strings.TrimSpace(part) == "omitempty" {
			return true
		}
	}
	return false
}
