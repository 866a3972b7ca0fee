package search

import (
	"context"
	"log"
	"strings"
)

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	primary  Searcher
	indexer  Indexer
	fallback Searcher
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, pgfts *PgFTS) *Service {
	s := &Service{}
	if pgfts != nil {
		s.fallback = pgfts
	}
	if meili != nil {
		s.primary = meili
		s.indexer = meili
	}
	return s
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(ctx context.Context, q Query) Response {
	q.Text = strings.TrimSpace(q.Text)
	if q.Text == "" {
		return Response{Results: []Result{}, Query: q.Text}
	}
	if s.primary != nil && s.primary.Healthy() {
		results, total, err := s.primary.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to pgfts: %v", err)
	}
	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}

	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		log.Printf("search: pgfts error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexPost indexes a post (fire-and-forget to Meilisearch).
func (s *Service) IndexPost(post PostRecord) {
	if s.indexer == nil || !s.indexer.Healthy() {
		return
	}
	go func() {
		if err := s.indexer.IndexPost(post); err != nil {
			log.Printf("search: index post %s: %v", post.ID, err)
		}
	}()
}

// ReindexAllFromPG pushes every post from PostgreSQL into Meilisearch.
// Called at startup when Meilisearch is reachable.
func (s *Service) ReindexAllFromPG(ctx context.Context, pgfts *PgFTS) {
	if s.indexer == nil || !s.indexer.Healthy() || pgfts == nil {
		return
	}
	posts, err := pgfts.LoadAllRecords(ctx)
	if err != nil {
		log.Printf("search: reindex load failed: %v", err)
		return
	}
	if err := s.indexer.IndexPosts(posts); err != nil {
		log.Printf("search: reindex posts: %v", err)
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
