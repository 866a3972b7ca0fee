package search

import "context"

// Result is a single search hit returned to the caller.
type Result struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Snippet  string `json:"snippet"`
	Category string `json:"category"`
}

// Query describes a search request.
type Query struct {
	Text     string
	Category string // empty = all categories
	Limit    int
	Offset   int
}

func (q Query) limit() int {
	if q.Limit <= 0 || q.Limit > 100 {
		return 20
	}
	return q.Limit
}

func (q Query) offset() int {
	if q.Offset < 0 {
		return 0
	}
	return q.Offset
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push posts into a search index.
type Indexer interface {
	Healthy() bool
	IndexPost(post PostRecord) error
	IndexPosts(posts []PostRecord) error
}

// PostRecord is the data we index for a post.
type PostRecord struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Content   string `json:"content"`
	Category  string `json:"category"`
	AuthorID  string `json:"authorId,omitempty"`
	CreatedAt int64  `json:"createdAt"`
}
