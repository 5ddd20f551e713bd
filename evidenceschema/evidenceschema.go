// Package evidenceschema validates EvidenceAttachment payloads against the
// restricted vocabulary spec.md §6 defines for Task.EvidenceSchema: file,
// text, and structured. It has no knowledge of Truth or Derived State — it
// is a pure leaf validator the engine and lifecycle packages both call.
package evidenceschema

import (
	"fmt"
	"strings"

	"github.com/flowspec/engine/snapshot"
	"github.com/flowspec/engine/truth"
)

// allowedJSONSchemaKeys is the restricted JSON-Schema subset spec.md §6
// allows for a "structured" schema's jsonSchema field. Unknown keys fail
// closed, per the spec's explicit instruction.
var allowedJSONSchemaKeys = map[string]bool{
	"type":                 true,
	"properties":           true,
	"required":             true,
	"items":                true,
	"enum":                 true,
	"description":          true,
	"additionalProperties": true,
	"minLength":            true,
	"maxLength":            true,
	"minimum":              true,
	"maximum":              true,
}

// ValidateSchemaShape checks that a Task's EvidenceSchema itself is
// well-formed, the lifecycle "Evidence" validation category from spec.md
// §4.7 ("if evidenceRequired then evidenceSchema must be well-formed").
func ValidateSchemaShape(s *snapshot.EvidenceSchema) error {
	if s == nil {
		return fmt.Errorf("evidence schema is required when evidenceRequired is set")
	}
	switch s.Type {
	case "file", "text", "structured":
	default:
		return fmt.Errorf("unknown evidence schema type %q", s.Type)
	}
	if s.Type == "structured" && s.JSONSchema != nil {
		if err := validateJSONSchemaKeys(s.JSONSchema); err != nil {
			return err
		}
	}
	return nil
}

func validateJSONSchemaKeys(m map[string]any) error {
	for k, v := range m {
		if !allowedJSONSchemaKeys[k] {
			return fmt.Errorf("unrecognized jsonSchema key %q", k)
		}
		if k == "properties" {
			props, ok := v.(map[string]any)
			if !ok {
				continue
			}
			for propName, propSchema := range props {
				sub, ok := propSchema.(map[string]any)
				if !ok {
					continue
				}
				if err := validateJSONSchemaKeys(sub); err != nil {
					return fmt.Errorf("property %q: %w", propName, err)
				}
			}
		}
		if k == "items" {
			if sub, ok := v.(map[string]any); ok {
				if err := validateJSONSchemaKeys(sub); err != nil {
					return fmt.Errorf("items: %w", err)
				}
			}
		}
	}
	return nil
}

// Validate checks one EvidenceAttachment's payload against the Task's
// declared EvidenceSchema. A nil schema means any payload shape is
// accepted.
func Validate(schema *snapshot.EvidenceSchema, att truth.EvidenceAttachment) error {
	if schema == nil {
		return nil
	}
	switch schema.Type {
	case "file":
		return validateFile(schema, att)
	case "text":
		return validateText(schema, att)
	case "structured":
		return validateStructured(schema, att)
	default:
		return fmt.Errorf("unknown evidence schema type %q", schema.Type)
	}
}

func validateFile(schema *snapshot.EvidenceSchema, att truth.EvidenceAttachment) error {
	if att.Type != truth.EvidenceFile {
		return fmt.Errorf("task requires FILE evidence, got %s", att.Type)
	}
	ptr, ok := att.Data.(truth.FilePointer)
	if !ok {
		return fmt.Errorf("FILE evidence must carry a FilePointer payload")
	}
	if ptr.StorageKey == "" || ptr.FileName == "" || ptr.MimeType == "" || ptr.Bucket == "" {
		return fmt.Errorf("FILE evidence pointer is missing required fields")
	}
	if len(schema.MimeTypes) > 0 && !contains(schema.MimeTypes, ptr.MimeType) {
		return fmt.Errorf("mime type %q is not in the allowed list", ptr.MimeType)
	}
	if schema.MaxSize > 0 && ptr.Size > schema.MaxSize {
		return fmt.Errorf("file size %d exceeds maxSize %d", ptr.Size, schema.MaxSize)
	}
	return nil
}

func validateText(schema *snapshot.EvidenceSchema, att truth.EvidenceAttachment) error {
	if att.Type != truth.EvidenceText {
		return fmt.Errorf("task requires TEXT evidence, got %s", att.Type)
	}
	m, ok := att.Data.(map[string]any)
	if !ok {
		return fmt.Errorf("TEXT evidence must carry a content field")
	}
	content, _ := m["content"].(string)
	if schema.MinLength > 0 && len(content) < schema.MinLength {
		return fmt.Errorf("content length %d is below minLength %d", len(content), schema.MinLength)
	}
	if schema.MaxLength > 0 && len(content) > schema.MaxLength {
		return fmt.Errorf("content length %d exceeds maxLength %d", len(content), schema.MaxLength)
	}
	return nil
}

func validateStructured(schema *snapshot.EvidenceSchema, att truth.EvidenceAttachment) error {
	if att.Type != truth.EvidenceStructured {
		return fmt.Errorf("task requires STRUCTURED evidence, got %s", att.Type)
	}
	m, ok := att.Data.(map[string]any)
	if !ok {
		return fmt.Errorf("STRUCTURED evidence must carry a content field")
	}
	content, ok := m["content"].(map[string]any)
	if !ok {
		return fmt.Errorf("STRUCTURED evidence content must be an object")
	}
	if schema.JSONSchema == nil {
		return nil
	}
	return validateAgainstJSONSchema(schema.JSONSchema, content)
}

// validateAgainstJSONSchema walks the restricted subset recursively. It
// deliberately does not implement full JSON-Schema: only the keys
// allowedJSONSchemaKeys lists are honoured.
func validateAgainstJSONSchema(schema map[string]any, value any) error {
	if t, ok := schema["type"].(string); ok {
		if err := checkType(t, value); err != nil {
			return err
		}
	}
	if enum, ok := schema["enum"].([]any); ok {
		if !containsAny(enum, value) {
			return fmt.Errorf("value %v is not one of the enumerated options", value)
		}
	}
	switch v := value.(type) {
	case string:
		if minLen, ok := numeric(schema["minLength"]); ok && float64(len(v)) < minLen {
			return fmt.Errorf("string length %d is below minLength %v", len(v), minLen)
		}
		if maxLen, ok := numeric(schema["maxLength"]); ok && float64(len(v)) > maxLen {
			return fmt.Errorf("string length %d exceeds maxLength %v", len(v), maxLen)
		}
	case float64:
		if minV, ok := numeric(schema["minimum"]); ok && v < minV {
			return fmt.Errorf("value %v is below minimum %v", v, minV)
		}
		if maxV, ok := numeric(schema["maximum"]); ok && v > maxV {
			return fmt.Errorf("value %v exceeds maximum %v", v, maxV)
		}
	case map[string]any:
		props, _ := schema["properties"].(map[string]any)
		for _, reqAny := range asSlice(schema["required"]) {
			req, _ := reqAny.(string)
			if req == "" {
				continue
			}
			if _, present := v[req]; !present {
				return fmt.Errorf("required property %q is missing", req)
			}
		}
		for key, propSchema := range props {
			sub, ok := propSchema.(map[string]any)
			if !ok {
				continue
			}
			fieldVal, present := v[key]
			if !present {
				continue
			}
			if err := validateAgainstJSONSchema(sub, fieldVal); err != nil {
				return fmt.Errorf("property %q: %w", key, err)
			}
		}
		if additional, ok := schema["additionalProperties"].(bool); ok && !additional {
			for key := range v {
				if _, declared := props[key]; !declared {
					return fmt.Errorf("additional property %q is not allowed", key)
				}
			}
		}
	case []any:
		items, ok := schema["items"].(map[string]any)
		if !ok {
			return nil
		}
		for i, item := range v {
			if err := validateAgainstJSONSchema(items, item); err != nil {
				return fmt.Errorf("items[%d]: %w", i, err)
			}
		}
	}
	return nil
}

func checkType(t string, value any) error {
	switch t {
	case "string":
		if _, ok := value.(string); !ok {
			return fmt.Errorf("expected string, got %T", value)
		}
	case "number", "integer":
		if _, ok := value.(float64); !ok {
			return fmt.Errorf("expected number, got %T", value)
		}
	case "boolean":
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("expected boolean, got %T", value)
		}
	case "object":
		if _, ok := value.(map[string]any); !ok {
			return fmt.Errorf("expected object, got %T", value)
		}
	case "array":
		if _, ok := value.([]any); !ok {
			return fmt.Errorf("expected array, got %T", value)
		}
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}

func containsAny(list []any, v any) bool {
	for _, item := range list {
		if fmt.Sprint(item) == fmt.Sprint(v) {
			return true
		}
	}
	return false
}

// numeric accepts both float64 (what encoding/json always decodes a bare
// number into) and plain Go int literals (the natural way to write a
// schema bound directly in code), so minLength/maxLength/minimum/maximum
// are enforced identically regardless of which form a caller used.
func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func asSlice(v any) []any {
	s, _ := v.([]any)
	return s
}
