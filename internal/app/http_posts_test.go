package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"inkwell/api/internal/config"
	"inkwell/api/internal/store"
)

const validPost = `{"title":"Hello from the write path","content":"Content that is long enough to post.","category":"go","media":["https://cdn.example.com/cover.png"]}`

func createPost(t *testing.T, h http.Handler, token string) map[string]any {
	t.Helper()
	rr := call(t, h, http.MethodPost, "/api/posts", validPost, withToken(token))
	if rr.Code != http.StatusCreated {
		t.Fatalf("create post: expected 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	return decodeMap(t, rr)
}

func TestCreatePostRequiresPrincipal(t *testing.T) {
	fs := newFakeStore()
	h := NewHTTPServer(newTestService(fs), "*").Handler()

	rr := call(t, h, http.MethodPost, "/api/posts", validPost)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d body=%s", rr.Code, rr.Body.String())
	}
	body := decodeError(t, rr)
	if body.Code != "UNAUTHORIZED" || body.Error != "Authentication required" {
		t.Fatalf("unexpected error body %+v", body)
	}
	posts, _ := fs.ListPosts(context.Background(), store.PostQuery{})
	if len(posts) != 0 {
		t.Fatalf("expected no posts, got %d", len(posts))
	}
}

func TestCreateAndReadPost(t *testing.T) {
	fs := newFakeStore()
	h := NewHTTPServer(newTestService(fs), "*").Handler()
	token := registerAndLogin(t, h, "alice", "alice@example.com")

	created := createPost(t, h, token)
	postID, _ := created["id"].(string)
	if !strings.HasPrefix(postID, "pst") {
		t.Fatalf("unexpected post id %q", postID)
	}
	if created["coverImage"] != "https://cdn.example.com/cover.png" {
		t.Fatalf("expected first media entry as cover, got %v", created["coverImage"])
	}
	author, _ := created["author"].(map[string]any)
	if author["name"] != "alice" {
		t.Fatalf("unexpected author %v", created["author"])
	}

	raw, ok := fs.RawPost(postID)
	if !ok {
		t.Fatal("expected stored post")
	}
	if id := store.AuthorIDFromJSON(raw.Author); id == nil || *id != author["id"] {
		t.Fatalf("expected normalized author reference, got %s", raw.Author)
	}

	rr := call(t, h, http.MethodPost, "/api/posts/"+postID+"/comments", `{"content":"Nice write-up!"}`, withToken(token))
	if rr.Code != http.StatusCreated {
		t.Fatalf("add comment: expected 201, got %d body=%s", rr.Code, rr.Body.String())
	}

	rr = call(t, h, http.MethodGet, "/api/posts/"+postID, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("get post: expected 200, got %d", rr.Code)
	}
	var detail struct {
		Title    string `json:"title"`
		Comments []struct {
			Content string `json:"content"`
			Author  struct {
				Name string `json:"name"`
			} `json:"author"`
		} `json:"comments"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &detail); err != nil {
		t.Fatalf("parse post: %v", err)
	}
	if len(detail.Comments) != 1 || detail.Comments[0].Author.Name != "alice" || detail.Comments[0].Content != "Nice write-up!" {
		t.Fatalf("unexpected post detail %+v", detail)
	}

	rr = call(t, h, http.MethodGet, "/api/posts?category=go&limit=5", "")
	var list struct {
		Posts []struct {
			ID           string `json:"id"`
			CommentCount int    `json:"commentCount"`
		} `json:"posts"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &list); err != nil {
		t.Fatalf("parse list: %v", err)
	}
	if len(list.Posts) != 1 || list.Posts[0].ID != postID || list.Posts[0].CommentCount != 1 {
		t.Fatalf("unexpected list %+v", list)
	}

	rr = call(t, h, http.MethodGet, "/api/posts?category=rust", "")
	if err := json.Unmarshal(rr.Body.Bytes(), &list); err != nil {
		t.Fatalf("parse list: %v", err)
	}
	if len(list.Posts) != 0 {
		t.Fatalf("expected empty category, got %+v", list.Posts)
	}
}

func TestGetPostNotFound(t *testing.T) {
	h := NewHTTPServer(newTestService(newFakeStore()), "*").Handler()

	rr := call(t, h, http.MethodGet, "/api/posts/pst_missing", "")
	if rr.Code != http.StatusNotFound || decodeError(t, rr).Code != "NOT_FOUND" {
		t.Fatalf("expected NOT_FOUND, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestAddCommentToMissingPost(t *testing.T) {
	h := NewHTTPServer(newTestService(newFakeStore()), "*").Handler()
	token := registerAndLogin(t, h, "alice", "alice@example.com")

	rr := call(t, h, http.MethodPost, "/api/posts/pst_missing/comments", `{"content":"Nice write-up!"}`, withToken(token))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestCommentRateLimit(t *testing.T) {
	fs := newFakeStore()
	h := NewHTTPServer(newTestService(fs), "*").Handler()
	token := registerAndLogin(t, h, "alice", "alice@example.com")
	postID, _ := createPost(t, h, token)["id"].(string)

	// an invalid comment is rejected before the abuse gate and costs nothing
	rr := call(t, h, http.MethodPost, "/api/posts/"+postID+"/comments", `{"content":"hey"}`, withToken(token))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	if details := decodeError(t, rr).Details; details["content"] != "must be at least 5 characters" {
		t.Fatalf("unexpected details %v", details)
	}

	for i := 0; i < 2; i++ {
		rr := call(t, h, http.MethodPost, "/api/posts/"+postID+"/comments", `{"content":"Nice write-up!"}`, withToken(token))
		if rr.Code != http.StatusCreated {
			t.Fatalf("comment %d: expected 201, got %d body=%s", i+1, rr.Code, rr.Body.String())
		}
	}

	rr = call(t, h, http.MethodPost, "/api/posts/"+postID+"/comments", `{"content":"One more thought."}`, withToken(token))
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d body=%s", rr.Code, rr.Body.String())
	}
	body := decodeError(t, rr)
	if body.Code != "RATE_LIMITED" || body.Details["reason"] != "RATE_LIMIT" || body.Error != "Too many requests, please try again later" {
		t.Fatalf("unexpected error body %+v", body)
	}

	post, err := fs.GetPost(context.Background(), postID)
	if err != nil {
		t.Fatalf("GetPost() error = %v", err)
	}
	if len(post.Comments) != 2 {
		t.Fatalf("expected 2 stored comments, got %d", len(post.Comments))
	}

	// a forwarded address from an untrusted peer is ignored
	rr = call(t, h, http.MethodPost, "/api/posts/"+postID+"/comments", `{"content":"Spoofed source."}`,
		withToken(token), withHeader("X-Forwarded-For", "198.51.100.99"))
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 for spoofed forwarding, got %d body=%s", rr.Code, rr.Body.String())
	}

	// behind the trusted proxy, a different client has its own bucket
	rr = call(t, h, http.MethodPost, "/api/posts/"+postID+"/comments", `{"content":"From elsewhere."}`,
		withToken(token), withRemoteAddr("127.0.0.1:40000"), withHeader("X-Forwarded-For", "198.51.100.7, 10.0.0.1"))
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201 from another address, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestClientIP(t *testing.T) {
	s := NewHTTPServer(newTestService(newFakeStore()), "*")
	s.trustedProxies = parseCIDRs([]string{"127.0.0.1", "10.0.0.0/8", "not-an-address", "::1"})
	if len(s.trustedProxies) != 3 {
		t.Fatalf("expected invalid entries skipped, got %d", len(s.trustedProxies))
	}

	tests := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		want       string
	}{
		{name: "untrusted peer ignores forwarding", remoteAddr: "203.0.113.5:1234", headers: map[string]string{"X-Forwarded-For": "198.51.100.7"}, want: "203.0.113.5"},
		{name: "untrusted peer ignores real ip", remoteAddr: "203.0.113.5:1234", headers: map[string]string{"X-Real-IP": "198.51.100.7"}, want: "203.0.113.5"},
		{name: "trusted peer uses first forwarded", remoteAddr: "127.0.0.1:1234", headers: map[string]string{"X-Forwarded-For": " 198.51.100.7 , 10.0.0.1"}, want: "198.51.100.7"},
		{name: "trusted range", remoteAddr: "10.1.2.3:80", headers: map[string]string{"X-Forwarded-For": "198.51.100.8"}, want: "198.51.100.8"},
		{name: "trusted ipv6 peer", remoteAddr: "[::1]:80", headers: map[string]string{"X-Forwarded-For": "2001:db8::1"}, want: "2001:db8::1"},
		{name: "trusted peer falls back to real ip", remoteAddr: "127.0.0.1:1234", headers: map[string]string{"X-Forwarded-For": "garbage", "X-Real-IP": "198.51.100.9"}, want: "198.51.100.9"},
		{name: "trusted peer without headers", remoteAddr: "127.0.0.1:1234", want: "127.0.0.1"},
		{name: "unparseable peer", remoteAddr: "pipe", want: "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/posts", nil)
			req.RemoteAddr = tt.remoteAddr
			for name, value := range tt.headers {
				req.Header.Set(name, value)
			}
			if got := s.clientIP(req); got != tt.want {
				t.Fatalf("clientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestGlobalRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.GlobalLimit = config.BucketLimit{Capacity: 3, RefillRate: 1, Interval: time.Minute}
	h := NewHTTPServer(New(cfg, newFakeStore(), Options{Resolver: fakeResolver{}}), "*").Handler()

	for i := 0; i < 3; i++ {
		if rr := call(t, h, http.MethodGet, "/api/posts", ""); rr.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, rr.Code)
		}
	}

	rr := call(t, h, http.MethodGet, "/api/posts", "")
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d body=%s", rr.Code, rr.Body.String())
	}
	body := decodeError(t, rr)
	if body.Code != "RATE_LIMITED" || body.Details["reason"] != "RATE_LIMIT" || body.Error != "Too many requests, please try again later" {
		t.Fatalf("unexpected error body %+v", body)
	}

	if rr := call(t, h, http.MethodGet, "/api/health", ""); rr.Code != http.StatusOK {
		t.Fatalf("expected health to bypass the limit, got %d", rr.Code)
	}
	if rr := call(t, h, http.MethodGet, "/api/posts", "", withRemoteAddr("198.51.100.20:5555")); rr.Code != http.StatusOK {
		t.Fatalf("expected another peer to be unaffected, got %d", rr.Code)
	}
	// forwarding from an untrusted peer does not buy a fresh bucket
	if rr := call(t, h, http.MethodGet, "/api/posts", "", withHeader("X-Forwarded-For", "198.51.100.21")); rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected spoofed forwarding to stay limited, got %d", rr.Code)
	}
}

func TestShieldBlocksPosts(t *testing.T) {
	h := NewHTTPServer(newTestService(newFakeStore()), "*").Handler()
	token := registerAndLogin(t, h, "alice", "alice@example.com")

	tests := []struct {
		name string
		body string
		opts []requestOption
	}{
		{
			name: "suspicious header",
			body: validPost,
			opts: []requestOption{withHeader(suspiciousHeader, "true")},
		},
		{
			name: "script in content",
			body: `{"title":"A long enough title","content":"<script>alert(document.cookie)</script>","category":"go"}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := call(t, h, http.MethodPost, "/api/posts", tt.body, append([]requestOption{withToken(token)}, tt.opts...)...)
			if rr.Code != http.StatusForbidden {
				t.Fatalf("expected 403, got %d body=%s", rr.Code, rr.Body.String())
			}
			body := decodeError(t, rr)
			if body.Details["reason"] != "SHIELD" || body.Error != "Request blocked for security reasons" {
				t.Fatalf("unexpected error body %+v", body)
			}
		})
	}
}

func TestRepairAuthorsIsAdminOnly(t *testing.T) {
	fs := newFakeStore()
	h := NewHTTPServer(newTestService(fs), "*").Handler()
	member := registerAndLogin(t, h, "alice", "alice@example.com")
	admin := registerAndLogin(t, h, "admin", "admin@example.com")

	fs.PutRawPost(store.RawPost{
		ID:        "pst_legacy",
		Title:     "Legacy post title",
		Content:   "Legacy content that is long enough.",
		Category:  "misc",
		Author:    store.LegacyAuthorJSON("Alice@Example.com"),
		CreatedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Comments: []store.RawComment{
			{ID: "cmt_1", Content: "legacy comment", Author: store.LegacyAuthorJSON("ghost@example.org")},
		},
	})

	rr := call(t, h, http.MethodPost, "/api/admin/repair-authors", "", withToken(member))
	if rr.Code != http.StatusForbidden || decodeError(t, rr).Code != "FORBIDDEN" {
		t.Fatalf("expected FORBIDDEN for member, got %d body=%s", rr.Code, rr.Body.String())
	}
	if rr := call(t, h, http.MethodPost, "/api/admin/repair-authors", ""); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credential, got %d", rr.Code)
	}

	rr = call(t, h, http.MethodPost, "/api/admin/repair-authors", `{"dryRun":true}`, withToken(admin))
	if rr.Code != http.StatusOK {
		t.Fatalf("dry run: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if raw, _ := fs.RawPost("pst_legacy"); store.AuthorIDFromJSON(raw.Author) != nil {
		t.Fatal("dry run must not write")
	}

	rr = call(t, h, http.MethodPost, "/api/admin/repair-authors", "", withToken(admin))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	var report struct {
		Scanned  int  `json:"scanned"`
		Repaired int  `json:"repaired"`
		Cleared  int  `json:"cleared"`
		Failed   int  `json:"failed"`
		DryRun   bool `json:"dryRun"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &report); err != nil {
		t.Fatalf("parse report: %v", err)
	}
	if report.Repaired != 1 || report.Cleared != 1 || report.Failed != 0 || report.DryRun {
		t.Fatalf("unexpected report %+v", report)
	}

	post, err := fs.GetPost(context.Background(), "pst_legacy")
	if err != nil {
		t.Fatalf("GetPost() error = %v", err)
	}
	if post.AuthorName != "alice" || post.Comments[0].AuthorID != nil {
		t.Fatalf("unexpected repaired post %+v", post)
	}
}

func TestSearchWithoutBackends(t *testing.T) {
	h := NewHTTPServer(newTestService(newFakeStore()), "*").Handler()

	rr := call(t, h, http.MethodGet, "/api/search?q=%20go%20", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if body := rr.Body.String(); !strings.Contains(body, `"results":[]`) || !strings.Contains(body, `"query":"go"`) {
		t.Fatalf("unexpected search body %s", body)
	}
}
