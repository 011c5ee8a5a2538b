package search

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const idxRecords = "curator_records"

// Meili implements Searcher via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures the records index.
// The caller should proceed without Meilisearch if the initial connection
// fails; indexing and search recover once the health loop sees it again.
func NewMeili(url, apiKey string) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		log.Printf("search: meilisearch unavailable at %s: %v", url, err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxRecords,
		PrimaryKey: "id",
	}); err != nil {
		log.Printf("search: create index %s (may already exist): %v", idxRecords, err)
	}

	index := m.client.Index(idxRecords)
	filterable := []interface{}{"entityName", "entityId"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		log.Printf("search: update filterable attrs for %s: %v", idxRecords, err)
	}
	searchable := []string{"title", "body", "slug"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		log.Printf("search: update searchable attrs for %s: %v", idxRecords, err)
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				log.Println("search: meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// Search queries the records index.
func (m *Meili) Search(q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}

	limit := int64(q.Limit)
	if limit == 0 {
		limit = 20
	}

	sr := &meili.SearchRequest{
		Limit:                 limit,
		Offset:                int64(q.Offset),
		AttributesToHighlight: []string{"*"},
		HighlightPreTag:       "<mark>",
		HighlightPostTag:      "</mark>",
	}
	if q.FilterEntity != "" {
		sr.Filter = fmt.Sprintf("entityName = %q", q.FilterEntity)
	}

	resp, err := m.client.Index(idxRecords).Search(q.Text, sr)
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch search: %w", err)
	}

	results := make([]Result, 0, len(resp.Hits))
	for _, hit := range resp.Hits {
		results = append(results, hitToResult(hit))
	}
	return results, int(resp.EstimatedTotalHits), nil
}

func hitToResult(hit meili.Hit) Result {
	return Result{
		ID:         decodeString(hit, "id"),
		EntityName: decodeString(hit, "entityName"),
		Slug:       decodeString(hit, "slug"),
		Title:      firstNonBlank(decodeFormattedString(hit, "title"), decodeString(hit, "title")),
		Snippet:    firstNonBlank(decodeFormattedString(hit, "body"), decodeString(hit, "body")),
	}
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]string
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	return strings.TrimSpace(formatted[key])
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

// IndexRecord adds or updates one record in the search index.
func (m *Meili) IndexRecord(doc RecordDocument) error {
	_, err := m.client.Index(idxRecords).AddDocuments([]RecordDocument{doc}, nil)
	return err
}

// IndexRecords bulk-indexes records.
func (m *Meili) IndexRecords(docs []RecordDocument) error {
	if len(docs) == 0 {
		return nil
	}
	_, err := m.client.Index(idxRecords).AddDocuments(docs, nil)
	return err
}

// DeleteRecord removes a record from the search index.
func (m *Meili) DeleteRecord(id string) error {
	_, err := m.client.Index(idxRecords).DeleteDocument(id, nil)
	return err
}
