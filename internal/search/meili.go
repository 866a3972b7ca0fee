package search

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const idxPosts = "inkwell_posts"

// Meili implements Searcher and Indexer via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures the posts index.
// An unreachable server is not an error: the client reports unhealthy and
// a background loop keeps checking.
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
		m.configureIndexes()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndexes() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxPosts,
		PrimaryKey: "id",
	}); err != nil {
		log.Printf("search: create index %s (may already exist): %v", idxPosts, err)
	}

	index := m.client.Index(idxPosts)
	filterable := []interface{}{"category", "authorId"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		log.Printf("search: update filterable attrs for %s: %v", idxPosts, err)
	}
	searchable := []string{"title", "category", "content"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		log.Printf("search: update searchable attrs for %s: %v", idxPosts, err)
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
				log.Println("search: meilisearch recovered, reconfiguring indexes")
				m.configureIndexes()
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

// Search queries the posts index.
func (m *Meili) Search(_ context.Context, q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}

	sr := &meili.SearchRequest{
		IndexUID:              idxPosts,
		Query:                 q.Text,
		Limit:                 int64(q.limit()),
		Offset:                int64(q.offset()),
		AttributesToHighlight: []string{"title", "content"},
		AttributesToCrop:      []string{"content"},
		CropLength:            30,
		HighlightPreTag:       "<mark>",
		HighlightPostTag:      "</mark>",
	}
	if q.Category != "" {
		sr.Filter = []string{fmt.Sprintf("category = %q", q.Category)}
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: []*meili.SearchRequest{sr},
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	var results []Result
	total := 0
	for _, res := range resp.Results {
		total += int(res.EstimatedTotalHits)
		for _, hit := range res.Hits {
			results = append(results, hitToResult(hit))
		}
	}
	return results, total, nil
}

func hitToResult(hit meili.Hit) Result {
	return Result{
		ID:       decodeString(hit, "id"),
		Title:    firstNonBlank(decodeFormattedString(hit, "title"), decodeString(hit, "title")),
		Snippet:  firstNonBlank(decodeFormattedString(hit, "content"), decodeString(hit, "content")),
		Category: decodeString(hit, "category"),
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
	var formatted map[string]json.RawMessage
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(formatted[key], &s); err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

// IndexPost adds or updates a post in the search index.
func (m *Meili) IndexPost(post PostRecord) error {
	_, err := m.client.Index(idxPosts).AddDocuments([]PostRecord{post}, nil)
	return err
}

// IndexPosts bulk-indexes posts.
func (m *Meili) IndexPosts(posts []PostRecord) error {
	if len(posts) == 0 {
		return nil
	}
	_, err := m.client.Index(idxPosts).AddDocuments(posts, nil)
	return err
}
