// Package schema models the entity-defined field metadata that drives
// validation and rendering of ad-hoc content records.
package schema

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Kind is the tag of the field-definition union. Every kind carries the
// same capability set: validate, default value, render hint.
type Kind string

const (
	KindText     Kind = "text"
	KindTextarea Kind = "textarea"
	KindEmail    Kind = "email"
	KindURL      Kind = "url"
	KindNumber   Kind = "number"
	KindBoolean  Kind = "boolean"
	KindDate     Kind = "date"
	KindSelect   Kind = "select"
	KindRelation Kind = "relation"
	KindFile     Kind = "file"
)

var knownKinds = map[Kind]struct{}{
	KindText:     {},
	KindTextarea: {},
	KindEmail:    {},
	KindURL:      {},
	KindNumber:   {},
	KindBoolean:  {},
	KindDate:     {},
	KindSelect:   {},
	KindRelation: {},
	KindFile:     {},
}

// Field is one entry of an entity's field schema, consumed read-only by
// the save pipeline.
type Field struct {
	Key           string   `json:"key"`
	Label         string   `json:"label,omitempty"`
	Kind          Kind     `json:"type"`
	Required      bool     `json:"required,omitempty"`
	Options       []string `json:"options,omitempty"`
	RelatedEntity string   `json:"related_entity,omitempty"`
	Default       string   `json:"default,omitempty"`
}

// ParseFields decodes the JSON field schema stored on an entity.
func ParseFields(raw []byte) ([]Field, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var fields []Field
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("parse field schema: %w", err)
	}
	for i, field := range fields {
		if strings.TrimSpace(field.Key) == "" {
			return nil, fmt.Errorf("field %d: key is required", i)
		}
		if field.Kind == "" {
			fields[i].Kind = KindText
			continue
		}
		if _, ok := knownKinds[field.Kind]; !ok {
			return nil, fmt.Errorf("field %s: unknown type %q", field.Key, field.Kind)
		}
		if field.Kind == KindSelect && len(field.Options) == 0 {
			return nil, fmt.Errorf("field %s: select fields need options", field.Key)
		}
		if field.Kind == KindRelation && strings.TrimSpace(field.RelatedEntity) == "" {
			return nil, fmt.Errorf("field %s: relation fields need related_entity", field.Key)
		}
	}
	return fields, nil
}

// Validate checks a submitted value against the field's kind. Relation and
// file targets are only checked for shape here; their existence is verified
// by the save pipeline against the record store and object store.
func (f Field) Validate(value string) error {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		if f.Required {
			return fmt.Errorf("can't be blank")
		}
		return nil
	}

	switch f.Kind {
	case KindText, KindTextarea, KindRelation, KindFile:
		return nil
	case KindEmail:
		at := strings.Index(trimmed, "@")
		if at <= 0 || at == len(trimmed)-1 || strings.ContainsAny(trimmed, " \t") {
			return fmt.Errorf("must be a valid email address")
		}
		return nil
	case KindURL:
		parsed, err := url.ParseRequestURI(trimmed)
		if err != nil || parsed.Host == "" {
			return fmt.Errorf("must be a valid URL")
		}
		return nil
	case KindNumber:
		if _, err := strconv.ParseFloat(trimmed, 64); err != nil {
			return fmt.Errorf("must be a number")
		}
		return nil
	case KindBoolean:
		if _, err := strconv.ParseBool(trimmed); err != nil {
			return fmt.Errorf("must be true or false")
		}
		return nil
	case KindDate:
		if _, err := time.Parse("2006-01-02", trimmed); err != nil {
			return fmt.Errorf("must be a date (YYYY-MM-DD)")
		}
		return nil
	case KindSelect:
		for _, option := range f.Options {
			if trimmed == option {
				return nil
			}
		}
		return fmt.Errorf("is not a valid option")
	}
	return nil
}

// DefaultValue returns the configured default, or the kind's zero value.
func (f Field) DefaultValue() string {
	if f.Default != "" {
		return f.Default
	}
	switch f.Kind {
	case KindBoolean:
		return "false"
	default:
		return ""
	}
}

// RenderHint tells the presentation layer which input widget to use.
func (f Field) RenderHint() string {
	switch f.Kind {
	case KindTextarea:
		return "textarea"
	case KindBoolean:
		return "checkbox"
	case KindSelect, KindRelation:
		return "select"
	case KindDate:
		return "date"
	case KindFile:
		return "upload"
	default:
		return "input"
	}
}
