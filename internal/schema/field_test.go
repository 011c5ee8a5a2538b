package schema

import (
	"strings"
	"testing"
)

func TestParseFields(t *testing.T) {
	raw := []byte(`[
		{"key": "name", "type": "text", "required": true},
		{"key": "status", "type": "select", "options": ["draft", "published"]},
		{"key": "author", "type": "relation", "related_entity": "authors"},
		{"key": "summary"}
	]`)

	fields, err := ParseFields(raw)
	if err != nil {
		t.Fatalf("ParseFields failed: %v", err)
	}
	if len(fields) != 4 {
		t.Fatalf("expected 4 fields, got %d", len(fields))
	}
	if fields[3].Kind != KindText {
		t.Errorf("expected missing type to default to text, got %s", fields[3].Kind)
	}
}

func TestParseFieldsRejectsBadSchemas(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want string
	}{
		{"missing key", `[{"type": "text"}]`, "key is required"},
		{"unknown kind", `[{"key": "x", "type": "geopoint"}]`, "unknown type"},
		{"select without options", `[{"key": "x", "type": "select"}]`, "need options"},
		{"relation without target", `[{"key": "x", "type": "relation"}]`, "related_entity"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseFields([]byte(tc.raw))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name  string
		field Field
		value string
		ok    bool
	}{
		{"required blank", Field{Key: "name", Kind: KindText, Required: true}, "", false},
		{"optional blank", Field{Key: "name", Kind: KindNumber}, "", true},
		{"text any", Field{Key: "name", Kind: KindText}, "anything", true},
		{"number ok", Field{Key: "n", Kind: KindNumber}, "42.5", true},
		{"number bad", Field{Key: "n", Kind: KindNumber}, "forty", false},
		{"boolean ok", Field{Key: "b", Kind: KindBoolean}, "true", true},
		{"boolean bad", Field{Key: "b", Kind: KindBoolean}, "yep", false},
		{"date ok", Field{Key: "d", Kind: KindDate}, "2026-01-31", true},
		{"date bad", Field{Key: "d", Kind: KindDate}, "31/01/2026", false},
		{"email ok", Field{Key: "e", Kind: KindEmail}, "a@b.dev", true},
		{"email bad", Field{Key: "e", Kind: KindEmail}, "not-an-email", false},
		{"url ok", Field{Key: "u", Kind: KindURL}, "https://example.com/x", true},
		{"url bad", Field{Key: "u", Kind: KindURL}, "example", false},
		{"select member", Field{Key: "s", Kind: KindSelect, Options: []string{"a", "b"}}, "b", true},
		{"select outsider", Field{Key: "s", Kind: KindSelect, Options: []string{"a", "b"}}, "c", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.field.Validate(tc.value)
			if tc.ok && err != nil {
				t.Errorf("expected valid, got %v", err)
			}
			if !tc.ok && err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestDefaultValue(t *testing.T) {
	if got := (Field{Kind: KindBoolean}).DefaultValue(); got != "false" {
		t.Errorf("expected boolean default false, got %q", got)
	}
	if got := (Field{Kind: KindText, Default: "draft"}).DefaultValue(); got != "draft" {
		t.Errorf("expected configured default, got %q", got)
	}
}
