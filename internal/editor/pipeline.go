package editor

import (
	"strconv"
	"strings"
	"unicode"

	"curator/api/internal/schema"
)

// ErrorKeyBase collects messages that do not map onto a concrete schema
// field (store rejections, whole-record problems).
const ErrorKeyBase = "base"

// Validate runs field-kind validation over a raw parameter map and folds
// the failures into a per-field error map. It never persists anything.
func Validate(fields []schema.Field, params map[string]string) map[string]string {
	errs := map[string]string{}
	for _, field := range fields {
		if err := field.Validate(params[field.Key]); err != nil {
			errs[field.Key] = err.Error()
		}
	}
	return errs
}

// BuildFieldMap coerces raw params into typed field values for storage.
// Unsubmitted keys are left out so the merge engine preserves existing
// values; blank optional values are stored as empty strings.
func BuildFieldMap(fields []schema.Field, params map[string]string) map[string]any {
	out := make(map[string]any, len(fields))
	for _, field := range fields {
		raw, ok := params[field.Key]
		if !ok {
			continue
		}
		out[field.Key] = coerce(field, raw)
	}
	return out
}

func coerce(field schema.Field, raw string) any {
	trimmed := strings.TrimSpace(raw)
	switch field.Kind {
	case schema.KindNumber:
		if parsed, err := strconv.ParseFloat(trimmed, 64); err == nil {
			return parsed
		}
	case schema.KindBoolean:
		if parsed, err := strconv.ParseBool(trimmed); err == nil {
			return parsed
		}
	}
	return raw
}

// Slugify derives a URL slug from a title: lowercase, runs of
// non-alphanumerics collapsed to single dashes.
func Slugify(title string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(strings.TrimSpace(title)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			lastDash = false
			continue
		}
		if !lastDash {
			b.WriteByte('-')
			lastDash = true
		}
	}
	return strings.TrimRight(b.String(), "-")
}

// DeriveSlug recomputes the slug from newTitle only while the current
// value still equals what was last auto-derived (from previousTitle) or is
// blank. A manually edited slug is never silently overwritten.
func DeriveSlug(current, previousTitle, newTitle string) string {
	current = strings.TrimSpace(current)
	if current == "" || current == Slugify(previousTitle) {
		return Slugify(newTitle)
	}
	return current
}
