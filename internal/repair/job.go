// Package repair rewrites legacy free-text post and comment authors into
// user references, clearing those that match no user.
package repair

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"

	"inkwell/api/internal/store"
)

const DefaultBatchSize = 100

type Store interface {
	Ping(ctx context.Context) error
	ScanPostAuthors(ctx context.Context, afterID string, limit int) ([]store.PostAuthors, error)
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	SetPostAuthor(ctx context.Context, postID, legacy string, userID *string) (bool, error)
	SetCommentAuthor(ctx context.Context, postID string, index int, legacy string, userID *string) (bool, error)
}

type Options struct {
	BatchSize int
	// DryRun resolves every legacy author and reports what would change
	// without writing.
	DryRun bool
}

// Report counts records visited. Scanned covers posts and comments alike.
type Report struct {
	Scanned  int  `json:"scanned"`
	Repaired int  `json:"repaired"`
	Cleared  int  `json:"cleared"`
	Failed   int  `json:"failed"`
	DryRun   bool `json:"dryRun"`
}

type Job struct {
	store Store
	opts  Options
}

func NewJob(s Store, opts Options) *Job {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	return &Job{store: s, opts: opts}
}

// target identifies the record whose author is being repaired.
type target struct {
	postID    string
	comment   bool
	index     int
	commentID string
}

func (t target) String() string {
	if t.comment {
		return fmt.Sprintf("post=%s comment=%s index=%d", t.postID, t.commentID, t.index)
	}
	return "post=" + t.postID
}

// Run sweeps every post once. Per-record failures are counted and skipped;
// losing the store aborts the sweep with the partial report.
func (j *Job) Run(ctx context.Context) (Report, error) {
	report := Report{DryRun: j.opts.DryRun}
	if err := j.store.Ping(ctx); err != nil {
		return report, fmt.Errorf("repair: store unavailable: %w", err)
	}

	users := make(map[string]*string)
	afterID := ""
	for {
		if err := ctx.Err(); err != nil {
			return report, fmt.Errorf("repair: %w", err)
		}
		page, err := j.store.ScanPostAuthors(ctx, afterID, j.opts.BatchSize)
		if err != nil {
			return report, fmt.Errorf("repair: scan after %q: %w", afterID, err)
		}
		if len(page) == 0 {
			break
		}
		for _, post := range page {
			j.visit(ctx, &report, users, target{postID: post.PostID}, post.Author)
			for _, comment := range post.Comments {
				j.visit(ctx, &report, users, target{postID: post.PostID, comment: true, index: comment.Index, commentID: comment.CommentID}, comment.Author)
			}
		}
		afterID = page[len(page)-1].PostID
		log.Printf(`{"component":"repair","after":%q,"scanned":%d,"repaired":%d,"cleared":%d,"failed":%d}`,
			afterID, report.Scanned, report.Repaired, report.Cleared, report.Failed)
		if len(page) < j.opts.BatchSize {
			break
		}
	}
	return report, nil
}

func (j *Job) visit(ctx context.Context, report *Report, users map[string]*string, t target, raw []byte) {
	report.Scanned++
	ref, err := ParseAuthorRef(raw)
	if err != nil {
		report.Failed++
		log.Printf("repair %s: %v", t, err)
		return
	}
	legacy, ok := ref.LegacyText()
	if !ok {
		return
	}

	userID, err := j.resolve(ctx, users, legacy)
	if err != nil {
		report.Failed++
		log.Printf("repair %s: resolve author %q: %v", t, legacy, err)
		return
	}

	if !j.opts.DryRun {
		var written bool
		if t.comment {
			written, err = j.store.SetCommentAuthor(ctx, t.postID, t.index, legacy, userID)
		} else {
			written, err = j.store.SetPostAuthor(ctx, t.postID, legacy, userID)
		}
		if err != nil {
			report.Failed++
			log.Printf("repair %s: write author: %v", t, err)
			return
		}
		if !written {
			// the value changed since the scan; whoever changed it wins
			log.Printf("repair %s: author no longer %q, skipped", t, legacy)
			return
		}
	}

	if userID != nil {
		report.Repaired++
	} else {
		report.Cleared++
	}
}

// resolve maps a legacy author (an email) to a user id, nil when no user
// has that email. Results are cached for the run.
func (j *Job) resolve(ctx context.Context, users map[string]*string, legacy string) (*string, error) {
	email := strings.ToLower(strings.TrimSpace(legacy))
	if email == "" {
		return nil, nil
	}
	if id, ok := users[email]; ok {
		return id, nil
	}
	user, err := j.store.GetUserByEmail(ctx, email)
	if errors.Is(err, sql.ErrNoRows) {
		users[email] = nil
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	id := user.ID
	users[email] = &id
	return &id, nil
}
