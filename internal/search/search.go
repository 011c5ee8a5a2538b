package search

import (
	"encoding/json"
	"sort"
	"strings"

	"curator/api/internal/multilang"
)

// Result is a single search hit returned to the caller.
type Result struct {
	ID         string `json:"id"`
	EntityName string `json:"entity"`
	Title      string `json:"title"`
	Slug       string `json:"slug,omitempty"`
	Snippet    string `json:"snippet"`
}

// Query describes a search request.
type Query struct {
	Text         string
	FilterEntity string // empty = all entities
	Limit        int
	Offset       int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// RecordDocument is the data we index for a content record. Body carries
// every language's text flattened into one searchable blob.
type RecordDocument struct {
	ID         string `json:"id"`
	EntityID   string `json:"entityId"`
	EntityName string `json:"entityName"`
	Title      string `json:"title"`
	Slug       string `json:"slug"`
	Body       string `json:"body"`
}

// FlattenData collects every string scalar of a record's data column into
// one space-joined blob for indexing. Per-language titles are kept; the
// embedded primary-language marker is not text and is skipped. Keys are
// walked in sorted order so the output is stable.
func FlattenData(data map[string]any) string {
	var parts []string
	collectStrings(data, &parts)
	return strings.Join(parts, " ")
}

func flattenRawJSON(raw string) string {
	var data map[string]any
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return ""
	}
	return FlattenData(data)
}

func collectStrings(value any, parts *[]string) {
	switch v := value.(type) {
	case string:
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			*parts = append(*parts, trimmed)
		}
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			if k == multilang.PrimaryKey {
				continue
			}
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			collectStrings(v[k], parts)
		}
	case []any:
		for _, item := range v {
			collectStrings(item, parts)
		}
	}
}
