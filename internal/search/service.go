package search

import (
	"context"
	"log"
)

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	meili *Meili
	pgfts *PgFTS
}

// NewService creates a search service. meili may be nil if Meilisearch is
// not configured.
func NewService(meili *Meili, pgfts *PgFTS) *Service {
	return &Service{meili: meili, pgfts: pgfts}
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to pgfts: %v", err)
	}

	results, total, err := s.pgfts.Search(q)
	if err != nil {
		log.Printf("search: pgfts error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexRecord indexes a record (fire-and-forget to Meilisearch). Postgres
// keeps its generated fts column current on its own.
func (s *Service) IndexRecord(doc RecordDocument) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexRecord(doc); err != nil {
			log.Printf("search: index record %s: %v", doc.ID, err)
		}
	}()
}

// DeleteRecord removes a record from the search index (fire-and-forget).
func (s *Service) DeleteRecord(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteRecord(id); err != nil {
			log.Printf("search: delete record %s: %v", id, err)
		}
	}()
}

// ReindexAllFromPG reindexes every record from PostgreSQL into Meilisearch.
// Called at startup so the index catches up on writes made while it was
// down.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if s.meili == nil || !s.meili.Healthy() || s.pgfts == nil {
		return
	}
	documents, err := s.pgfts.LoadAllDocuments(ctx)
	if err != nil {
		log.Printf("search: reindex load failed: %v", err)
		return
	}
	if err := s.meili.IndexRecords(documents); err != nil {
		log.Printf("search: reindex records: %v", err)
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
