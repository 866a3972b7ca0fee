package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, email, password_hash, is_premium, created_at, updated_at)
		VALUES ($1, $2, LOWER($3), $4, $5, $6, $6)
	`, user.ID, user.Username, user.Email, user.PasswordHash, user.IsPremium, user.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("insert user: %w", ErrConflict)
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return s.getUser(ctx, `WHERE email = LOWER($1)`, strings.TrimSpace(email))
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	return s.getUser(ctx, `WHERE id = $1`, userID)
}

func (s *PostgresStore) getUser(ctx context.Context, where string, arg any) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, email, password_hash, is_premium, created_at, updated_at
		FROM users `+where, arg).Scan(
		&user.ID, &user.Username, &user.Email, &user.PasswordHash, &user.IsPremium, &user.CreatedAt, &user.UpdatedAt,
	)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// UsernamesByID resolves display names for a set of user ids. Unknown ids are omitted.
func (s *PostgresStore) UsernamesByID(ctx context.Context, ids []string) (map[string]string, error) {
	names := make(map[string]string, len(ids))
	if len(ids) == 0 {
		return names, nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, username FROM users WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("lookup usernames: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id, name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, fmt.Errorf("scan username: %w", err)
		}
		names[id] = name
	}
	return names, rows.Err()
}

func (s *PostgresStore) RevokeCredential(ctx context.Context, jti, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_credentials (jti, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (jti) DO NOTHING
	`, jti, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("revoke credential: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsCredentialRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM revoked_credentials WHERE jti = $1 AND expires_at > NOW())
	`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked credential: %w", err)
	}
	return revoked, nil
}

func (s *PostgresStore) InsertPost(ctx context.Context, post Post) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO posts (id, title, content, cover_image, category, author, comments, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, '[]'::jsonb, $7, $7)
	`, post.ID, post.Title, post.Content, post.CoverImage, post.Category, nullableJSON(AuthorJSON(post.AuthorID)), post.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert post: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPost(ctx context.Context, postID string) (Post, error) {
	var (
		post     Post
		author   []byte
		comments []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, content, cover_image, category, author, comments, created_at, updated_at
		FROM posts
		WHERE id = $1
	`, postID).Scan(&post.ID, &post.Title, &post.Content, &post.CoverImage, &post.Category, &author, &comments, &post.CreatedAt, &post.UpdatedAt)
	if err != nil {
		return Post{}, err
	}
	docs, err := decodeComments(comments)
	if err != nil {
		return Post{}, fmt.Errorf("decode comments for post %s: %w", postID, err)
	}
	post.AuthorID = AuthorIDFromJSON(author)
	post.Comments = commentsFromDocs(docs)
	post.CommentCount = len(post.Comments)

	if err := s.attachNames(ctx, []*Post{&post}); err != nil {
		return Post{}, err
	}
	return post, nil
}

func (s *PostgresStore) ListPosts(ctx context.Context, query PostQuery) ([]Post, error) {
	limit := query.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	offset := query.Offset
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, content, cover_image, category, author, jsonb_array_length(comments), created_at, updated_at
		FROM posts
		WHERE ($1 = '' OR category = $1)
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`, query.Category, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list posts: %w", err)
	}
	defer rows.Close()

	posts := make([]Post, 0)
	for rows.Next() {
		var (
			post   Post
			author []byte
		)
		if err := rows.Scan(&post.ID, &post.Title, &post.Content, &post.CoverImage, &post.Category, &author, &post.CommentCount, &post.CreatedAt, &post.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan post: %w", err)
		}
		post.AuthorID = AuthorIDFromJSON(author)
		posts = append(posts, post)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate posts: %w", err)
	}

	refs := make([]*Post, len(posts))
	for i := range posts {
		refs[i] = &posts[i]
	}
	if err := s.attachNames(ctx, refs); err != nil {
		return nil, err
	}
	return posts, nil
}

func (s *PostgresStore) attachNames(ctx context.Context, posts []*Post) error {
	var ids []string
	for _, post := range posts {
		if post.AuthorID != nil {
			ids = append(ids, *post.AuthorID)
		}
		for _, comment := range post.Comments {
			if comment.AuthorID != nil {
				ids = append(ids, *comment.AuthorID)
			}
		}
	}
	names, err := s.UsernamesByID(ctx, ids)
	if err != nil {
		return err
	}
	for _, post := range posts {
		applyNames(post, names)
	}
	return nil
}

// AppendComment adds a comment to the end of a post's comment list.
// Returns sql.ErrNoRows when the post does not exist.
func (s *PostgresStore) AppendComment(ctx context.Context, postID string, comment Comment) error {
	doc, err := json.Marshal(commentDoc{
		ID:        comment.ID,
		Content:   comment.Content,
		Author:    AuthorJSON(comment.AuthorID),
		CreatedAt: comment.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("marshal comment: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE posts
		SET comments = comments || jsonb_build_array($2::jsonb), updated_at = NOW()
		WHERE id = $1
	`, postID, string(doc))
	if err != nil {
		return fmt.Errorf("append comment: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("append comment: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ScanPostAuthors pages through all posts ordered by id, starting after afterID.
func (s *PostgresStore) ScanPostAuthors(ctx context.Context, afterID string, limit int) ([]PostAuthors, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, author, comments
		FROM posts
		WHERE id > $1
		ORDER BY id
		LIMIT $2
	`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("scan post authors: %w", err)
	}
	defer rows.Close()

	var page []PostAuthors
	for rows.Next() {
		var (
			item     PostAuthors
			author   []byte
			comments []byte
		)
		if err := rows.Scan(&item.PostID, &author, &comments); err != nil {
			return nil, fmt.Errorf("scan post authors row: %w", err)
		}
		commentAuthors, err := decodeCommentAuthors(comments)
		if err != nil {
			return nil, fmt.Errorf("decode comments for post %s: %w", item.PostID, err)
		}
		item.Author = author
		item.Comments = commentAuthors
		page = append(page, item)
	}
	return page, rows.Err()
}

// SetPostAuthor replaces a legacy free-text author with userID, or clears it
// when userID is nil. It only writes while the stored value is still legacy.
func (s *PostgresStore) SetPostAuthor(ctx context.Context, postID, legacy string, userID *string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE posts
		SET author = $3::jsonb
		WHERE id = $1
			AND jsonb_typeof(author) = 'string'
			AND author #>> '{}' = $2
	`, postID, legacy, nullableJSON(AuthorJSON(userID)))
	if err != nil {
		return false, fmt.Errorf("set post author: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("set post author: %w", err)
	}
	return affected > 0, nil
}

// SetCommentAuthor is SetPostAuthor for the comment at index. Other comments
// and comment fields are left untouched.
func (s *PostgresStore) SetCommentAuthor(ctx context.Context, postID string, index int, legacy string, userID *string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE posts p
		SET comments = (
			SELECT COALESCE(jsonb_agg(
				CASE
					WHEN e.ord = $2::bigint AND jsonb_typeof(e.c->'author') = 'string' AND e.c->>'author' = $3 THEN
						CASE WHEN $4::jsonb IS NULL THEN e.c - 'author' ELSE jsonb_set(e.c, '{author}', $4::jsonb) END
					ELSE e.c
				END
				ORDER BY e.ord), '[]'::jsonb)
			FROM jsonb_array_elements(p.comments) WITH ORDINALITY AS e(c, ord)
		)
		WHERE p.id = $1
			AND jsonb_typeof(p.comments -> ($2::bigint - 1)::int -> 'author') = 'string'
			AND p.comments -> ($2::bigint - 1)::int ->> 'author' = $3
	`, postID, int64(index+1), legacy, nullableJSON(AuthorJSON(userID)))
	if err != nil {
		return false, fmt.Errorf("set comment author: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("set comment author: %w", err)
	}
	return affected > 0, nil
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func applyNames(post *Post, names map[string]string) {
	if post.AuthorID != nil {
		post.AuthorName = names[*post.AuthorID]
	}
	for i := range post.Comments {
		if id := post.Comments[i].AuthorID; id != nil {
			post.Comments[i].AuthorName = names[*id]
		}
	}
}
