// Package multilang maintains the per-language layout of a record's JSON
// data column. Wrapped data maps language code -> field map, with two
// reserved keys: "_primary_language" at the top level (the primary language
// embedded at last save) and "_title" inside each language's field map.
// Records created before multilingual mode was enabled keep their flat
// layout until first touched.
//
// All functions are pure: they never consult live configuration, only the
// Settings snapshot captured at session mount.
package multilang

import "strings"

const (
	// PrimaryKey names the top-level reserved key holding the primary
	// language code that was in effect when the record was last saved.
	PrimaryKey = "_primary_language"
	// TitleKey names the per-language reserved key for the language title.
	TitleKey = "_title"
)

// Settings is an immutable snapshot of the globally configured language
// setup. It is captured once when an edit session mounts and refreshed only
// at explicit boundaries, never read live from inside merge logic.
type Settings struct {
	Primary      string
	Enabled      []string
	Multilingual bool
}

func (s Settings) IsEnabled(lang string) bool {
	for _, l := range s.Enabled {
		if l == lang {
			return true
		}
	}
	return false
}

// IsWrapped reports whether data already uses the language-keyed layout.
func IsWrapped(data map[string]any) bool {
	if data == nil {
		return false
	}
	_, ok := data[PrimaryKey]
	return ok
}

// Wrap nests flat legacy data entirely under primary and stamps the
// embedded primary language. The input map is not modified.
func Wrap(flat map[string]any, primary string) map[string]any {
	sub := make(map[string]any, len(flat))
	for k, v := range flat {
		sub[k] = v
	}
	return map[string]any{
		PrimaryKey: primary,
		primary:    sub,
	}
}

// MergeLanguage replaces only lang's field map inside existing, merged
// key-by-key: keys present in values override, keys absent from values are
// preserved from the existing subtree. Every other language passes through
// untouched. Flat legacy data is wrapped under the current primary first
// when multilingual mode is active.
func MergeLanguage(existing map[string]any, lang string, values map[string]any, st Settings) map[string]any {
	if !st.Multilingual {
		return mergeFields(asFieldMap(existing), values)
	}
	if !IsWrapped(existing) {
		existing = Wrap(existing, st.Primary)
	}

	out := make(map[string]any, len(existing)+1)
	for k, v := range existing {
		out[k] = v
	}
	out[lang] = mergeFields(asFieldMap(existing[lang]), values)
	return out
}

// FlattenToPrimary returns the primary language's field map for contexts
// that expect flat data (list views, search indexing). Data that was never
// wrapped passes through unchanged.
func FlattenToPrimary(data map[string]any, st Settings) map[string]any {
	if !IsWrapped(data) {
		return data
	}
	primary := embeddedPrimary(data, st)
	return asFieldMap(data[primary])
}

// Title returns the primary language's "_title", or "" when absent.
func Title(data map[string]any, st Settings) string {
	fields := FlattenToPrimary(data, st)
	if title, ok := fields[TitleKey].(string); ok {
		return title
	}
	return ""
}

// Rekey reconciles data with a changed global primary language. When the
// embedded primary differs from st.Primary, the "_title" last known under
// the old primary is copied into the new primary's subtree unless that
// subtree already carries one, and the embedded primary is re-stamped.
// The returned title is what the record's scalar title column must become.
// Calling Rekey again with an unchanged st is a no-op.
func Rekey(data map[string]any, st Settings) (out map[string]any, title string, changed bool) {
	if !IsWrapped(data) {
		return data, "", false
	}
	embedded := embeddedPrimary(data, st)
	if embedded == st.Primary {
		return data, "", false
	}

	out = make(map[string]any, len(data)+1)
	for k, v := range data {
		out[k] = v
	}

	next := asFieldMap(data[st.Primary])
	nextTitle, _ := next[TitleKey].(string)
	if strings.TrimSpace(nextTitle) == "" {
		old := asFieldMap(data[embedded])
		if oldTitle, ok := old[TitleKey].(string); ok && oldTitle != "" {
			migrated := make(map[string]any, len(next)+1)
			for k, v := range next {
				migrated[k] = v
			}
			migrated[TitleKey] = oldTitle
			next = migrated
			nextTitle = oldTitle
		}
	}
	out[st.Primary] = next
	out[PrimaryKey] = st.Primary
	return out, nextTitle, true
}

// InjectTitle folds the submitted title parameters into a language's field
// map. The scalar title column is authoritative only for the primary
// language, so on the primary tab the "title" parameter feeds "_title";
// on any other tab a distinct "lang_title" input does, leaving the scalar
// column alone. A tab switch without edits submits neither parameter and
// the existing "_title" is preserved.
func InjectTitle(fields map[string]any, params map[string]string, activeLang, primaryLang string) map[string]any {
	key := "lang_title"
	if activeLang == primaryLang {
		key = "title"
	}
	submitted, ok := params[key]
	if !ok {
		return fields
	}
	out := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	out[TitleKey] = submitted
	return out
}

// LanguageFields returns lang's field map for editing. Flat legacy data
// acts as the primary language's fields; any other language starts empty.
func LanguageFields(data map[string]any, lang string, st Settings) map[string]any {
	if !st.Multilingual {
		return asFieldMap(data)
	}
	if !IsWrapped(data) {
		if lang == st.Primary {
			return asFieldMap(data)
		}
		return map[string]any{}
	}
	return asFieldMap(data[lang])
}

func embeddedPrimary(data map[string]any, st Settings) string {
	if embedded, ok := data[PrimaryKey].(string); ok && embedded != "" {
		return embedded
	}
	return st.Primary
}

func asFieldMap(v any) map[string]any {
	if fields, ok := v.(map[string]any); ok {
		return fields
	}
	return map[string]any{}
}

func mergeFields(existing, values map[string]any) map[string]any {
	out := make(map[string]any, len(existing)+len(values))
	for k, v := range existing {
		out[k] = v
	}
	for k, v := range values {
		out[k] = v
	}
	return out
}
