package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// RawPost is a post as stored, with authors kept in their stored encoding.
type RawPost struct {
	ID         string
	Title      string
	Content    string
	CoverImage *string
	Category   string
	Author     json.RawMessage
	Comments   []RawComment
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type RawComment struct {
	ID        string
	Content   string
	Author    json.RawMessage
	CreatedAt time.Time
}

// MemoryStore is an in-process store with the same semantics as PostgresStore.
type MemoryStore struct {
	mu          sync.RWMutex
	users       map[string]User
	emailIndex  map[string]string
	posts       map[string]RawPost
	revocations map[string]time.Time
	now         func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:       make(map[string]User),
		emailIndex:  make(map[string]string),
		posts:       make(map[string]RawPost),
		revocations: make(map[string]time.Time),
		now:         time.Now,
	}
}

func (m *MemoryStore) CreateUser(_ context.Context, user User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	email := strings.ToLower(strings.TrimSpace(user.Email))
	if _, exists := m.emailIndex[email]; exists {
		return fmt.Errorf("insert user: %w", ErrConflict)
	}
	if _, exists := m.users[user.ID]; exists {
		return fmt.Errorf("insert user: %w", ErrConflict)
	}
	user.Email = email
	if user.UpdatedAt.IsZero() {
		user.UpdatedAt = user.CreatedAt
	}
	m.users[user.ID] = user
	m.emailIndex[email] = user.ID
	return nil
}

func (m *MemoryStore) GetUserByEmail(_ context.Context, email string) (User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.emailIndex[strings.ToLower(strings.TrimSpace(email))]
	if !ok {
		return User{}, sql.ErrNoRows
	}
	return m.users[id], nil
}

func (m *MemoryStore) GetUserByID(_ context.Context, userID string) (User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	user, ok := m.users[userID]
	if !ok {
		return User{}, sql.ErrNoRows
	}
	return user, nil
}

func (m *MemoryStore) RevokeCredential(_ context.Context, jti, _ string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.revocations[jti]; !exists {
		m.revocations[jti] = expiresAt
	}
	return nil
}

func (m *MemoryStore) IsCredentialRevoked(_ context.Context, jti string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	expiresAt, ok := m.revocations[jti]
	return ok && expiresAt.After(m.now()), nil
}

func (m *MemoryStore) InsertPost(_ context.Context, post Post) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.posts[post.ID]; exists {
		return fmt.Errorf("insert post: %w", ErrConflict)
	}
	m.posts[post.ID] = RawPost{
		ID:         post.ID,
		Title:      post.Title,
		Content:    post.Content,
		CoverImage: post.CoverImage,
		Category:   post.Category,
		Author:     AuthorJSON(post.AuthorID),
		CreatedAt:  post.CreatedAt,
		UpdatedAt:  post.CreatedAt,
	}
	return nil
}

func (m *MemoryStore) GetPost(_ context.Context, postID string) (Post, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	raw, ok := m.posts[postID]
	if !ok {
		return Post{}, sql.ErrNoRows
	}
	post := m.steadyState(raw, true)
	return post, nil
}

func (m *MemoryStore) ListPosts(_ context.Context, query PostQuery) ([]Post, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit := query.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	matched := make([]RawPost, 0, len(m.posts))
	for _, raw := range m.posts {
		if query.Category != "" && raw.Category != query.Category {
			continue
		}
		matched = append(matched, raw)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	posts := make([]Post, 0, limit)
	for i := query.Offset; i < len(matched) && len(posts) < limit; i++ {
		if i < 0 {
			continue
		}
		posts = append(posts, m.steadyState(matched[i], false))
	}
	return posts, nil
}

func (m *MemoryStore) AppendComment(_ context.Context, postID string, comment Comment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.posts[postID]
	if !ok {
		return sql.ErrNoRows
	}
	raw.Comments = append(append([]RawComment(nil), raw.Comments...), RawComment{
		ID:        comment.ID,
		Content:   comment.Content,
		Author:    AuthorJSON(comment.AuthorID),
		CreatedAt: comment.CreatedAt,
	})
	raw.UpdatedAt = m.now()
	m.posts[postID] = raw
	return nil
}

func (m *MemoryStore) ScanPostAuthors(_ context.Context, afterID string, limit int) ([]PostAuthors, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.posts))
	for id := range m.posts {
		if id > afterID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}

	page := make([]PostAuthors, 0, len(ids))
	for _, id := range ids {
		raw := m.posts[id]
		item := PostAuthors{PostID: id, Author: raw.Author}
		for i, comment := range raw.Comments {
			item.Comments = append(item.Comments, CommentAuthor{Index: i, CommentID: comment.ID, Author: comment.Author})
		}
		page = append(page, item)
	}
	return page, nil
}

func (m *MemoryStore) SetPostAuthor(_ context.Context, postID, legacy string, userID *string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.posts[postID]
	if !ok || !holdsLegacy(raw.Author, legacy) {
		return false, nil
	}
	raw.Author = AuthorJSON(userID)
	m.posts[postID] = raw
	return true, nil
}

func (m *MemoryStore) SetCommentAuthor(_ context.Context, postID string, index int, legacy string, userID *string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.posts[postID]
	if !ok || index < 0 || index >= len(raw.Comments) || !holdsLegacy(raw.Comments[index].Author, legacy) {
		return false, nil
	}
	comments := append([]RawComment(nil), raw.Comments...)
	comments[index].Author = AuthorJSON(userID)
	raw.Comments = comments
	m.posts[postID] = raw
	return true, nil
}

func (m *MemoryStore) Ping(context.Context) error {
	return nil
}

// PutRawPost stores a post exactly as given, including legacy author encodings.
func (m *MemoryStore) PutRawPost(post RawPost) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.posts[post.ID] = post
}

// RawPost returns the stored form of a post.
func (m *MemoryStore) RawPost(postID string) (RawPost, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	raw, ok := m.posts[postID]
	return raw, ok
}

func (m *MemoryStore) steadyState(raw RawPost, withComments bool) Post {
	post := Post{
		ID:           raw.ID,
		Title:        raw.Title,
		Content:      raw.Content,
		CoverImage:   raw.CoverImage,
		Category:     raw.Category,
		AuthorID:     AuthorIDFromJSON(raw.Author),
		CommentCount: len(raw.Comments),
		CreatedAt:    raw.CreatedAt,
		UpdatedAt:    raw.UpdatedAt,
	}
	if withComments {
		for _, c := range raw.Comments {
			post.Comments = append(post.Comments, Comment{
				ID:        c.ID,
				Content:   c.Content,
				AuthorID:  AuthorIDFromJSON(c.Author),
				CreatedAt: c.CreatedAt,
			})
		}
	}
	names := make(map[string]string)
	for id, user := range m.users {
		names[id] = user.Username
	}
	applyNames(&post, names)
	return post
}

func holdsLegacy(raw json.RawMessage, legacy string) bool {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '"' {
		return false
	}
	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return false
	}
	return text == legacy
}
