package store

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrConflict is returned when a unique constraint (e.g. user email) is violated.
var ErrConflict = errors.New("conflict")

type User struct {
	ID           string
	Username     string
	Email        string
	PasswordHash string
	IsPremium    bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Post struct {
	ID           string
	Title        string
	Content      string
	CoverImage   *string
	Category     string
	AuthorID     *string
	AuthorName   string
	Comments     []Comment
	CommentCount int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Comment struct {
	ID         string
	Content    string
	AuthorID   *string
	AuthorName string
	CreatedAt  time.Time
}

type PostQuery struct {
	Category string
	Limit    int
	Offset   int
}

// PostAuthors is the raw author data of one post and its comments, as
// stored. Used by the author repair sweep.
type PostAuthors struct {
	PostID   string
	Author   json.RawMessage
	Comments []CommentAuthor
}

// CommentAuthor identifies a comment by its position in the post's
// comment list. Comments are only ever appended, so positions are stable.
type CommentAuthor struct {
	Index     int
	CommentID string
	Author    json.RawMessage
}

// commentDoc is the JSONB layout of one element of posts.comments.
type commentDoc struct {
	ID        string          `json:"id"`
	Content   string          `json:"content"`
	Author    json.RawMessage `json:"author,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// commentAuthorDoc is the part of a comment element the repair sweep reads.
// ID stays raw because legacy rows may carry a non-string id.
type commentAuthorDoc struct {
	ID     json.RawMessage `json:"id"`
	Author json.RawMessage `json:"author,omitempty"`
}

func (d commentAuthorDoc) id() string {
	var id string
	if err := json.Unmarshal(d.ID, &id); err == nil {
		return id
	}
	return string(d.ID)
}

// authorDoc is the JSONB layout of a normalized author reference.
type authorDoc struct {
	UserID string `json:"userId"`
}
