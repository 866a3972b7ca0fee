package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"inkwell/api/internal/abuse"
	"inkwell/api/internal/admission"
	"inkwell/api/internal/auth"
	"inkwell/api/internal/authpw"
	"inkwell/api/internal/config"
	"inkwell/api/internal/rbac"
	"inkwell/api/internal/repair"
	"inkwell/api/internal/schema"
	"inkwell/api/internal/search"
	"inkwell/api/internal/store"
	"inkwell/api/internal/util"
)

// Session is the result of a successful login.
type Session struct {
	Token     string
	JTI       string
	ExpiresAt time.Time
	User      store.User
}

// Profile is the caller as seen by /api/auth/me.
type Profile struct {
	User store.User
	Role rbac.Role
}

type dataStore interface {
	CreateUser(context.Context, store.User) error
	GetUserByEmail(context.Context, string) (store.User, error)
	GetUserByID(context.Context, string) (store.User, error)
	RevokeCredential(context.Context, string, string, time.Time) error
	IsCredentialRevoked(context.Context, string) (bool, error)
	InsertPost(context.Context, store.Post) error
	GetPost(context.Context, string) (store.Post, error)
	ListPosts(context.Context, store.PostQuery) ([]store.Post, error)
	AppendComment(context.Context, string, store.Comment) error
	ScanPostAuthors(context.Context, string, int) ([]store.PostAuthors, error)
	SetPostAuthor(context.Context, string, string, *string) (bool, error)
	SetCommentAuthor(context.Context, string, int, string, *string) (bool, error)
	Ping(ctx context.Context) error
}

// RevocationStore records logged-out credential ids.
type RevocationStore interface {
	RevokeCredential(ctx context.Context, jti, userID string, expiresAt time.Time) error
	IsCredentialRevoked(ctx context.Context, jti string) (bool, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// Options carries the optional collaborators. Zero values fall back to the
// data store for revocations, in-process buckets and the system resolver.
type Options struct {
	Revocations RevocationStore
	Cache       Pinger
	Buckets     abuse.BucketStore
	Resolver    abuse.MXResolver
	Search      *search.Service
	Mailer      WelcomeMailer
}

type Service struct {
	cfg         config.Config
	store       dataStore
	revocations RevocationStore
	cache       Pinger
	verifier    *auth.Verifier
	pipeline    *admission.Pipeline
	passwords   *authpw.Service
	search      *search.Service
	welcome     *welcomeQueue
	global      *abuse.GlobalLimiter
	now         func() time.Time
}

func New(cfg config.Config, data dataStore, opts Options) *Service {
	revocations := opts.Revocations
	if revocations == nil {
		revocations = data
	}
	buckets := opts.Buckets
	if buckets == nil {
		buckets = abuse.NewMemoryBuckets()
	}

	verifier := auth.NewVerifier([]byte(cfg.JWTSecret), revocations)
	engine := abuse.NewEngine(abuse.PoliciesFromConfig(cfg, buckets, opts.Resolver))

	var welcome *welcomeQueue
	if opts.Mailer != nil && opts.Mailer.IsConfigured() {
		welcome = newWelcomeQueue(opts.Mailer, welcomeQueueSize)
	}
	global := abuse.NewGlobalLimiter(buckets, abuse.BucketParams{
		Capacity:   cfg.GlobalLimit.Capacity,
		RefillRate: cfg.GlobalLimit.RefillRate,
		Interval:   cfg.GlobalLimit.Interval,
	})

	return &Service{
		cfg:         cfg,
		store:       data,
		revocations: revocations,
		cache:       opts.Cache,
		verifier:    verifier,
		pipeline:    admission.New(verifier, schema.New(), engine, cfg.GateTimeout),
		passwords:   authpw.NewService(data),
		search:      opts.Search,
		welcome:     welcome,
		global:      global,
		now:         time.Now,
	}
}

// Close stops the welcome email worker.
func (s *Service) Close() {
	if s.welcome != nil {
		s.welcome.close()
	}
}

// Ping verifies the database connection is alive
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Readiness pings every backing service. The map holds nil for healthy checks.
func (s *Service) Readiness(ctx context.Context) map[string]error {
	checks := map[string]error{"database": s.store.Ping(ctx)}
	if s.cache != nil {
		checks["cache"] = s.cache.Ping(ctx)
	}
	return checks
}

// admitted runs req through the admission pipeline and hands the typed
// payload to fn.
func admitted[P, R any](ctx context.Context, s *Service, req admission.Request, fn func(context.Context, *auth.Principal, P) (R, error)) (R, error) {
	var zero R
	out, err := s.pipeline.Run(ctx, req, func(ctx context.Context, a admission.Admission) (any, error) {
		payload, ok := a.Payload.(P)
		if !ok {
			return nil, fmt.Errorf("%s: unexpected payload %T", req.Operation, a.Payload)
		}
		return fn(ctx, a.Principal, payload)
	})
	if err != nil {
		return zero, err
	}
	return out.(R), nil
}

func (s *Service) Register(ctx context.Context, req admission.Request) (store.User, error) {
	return admitted(ctx, s, req, func(ctx context.Context, _ *auth.Principal, in schema.RegisterInput) (store.User, error) {
		user, err := s.passwords.SignUp(ctx, authpw.SignUpRequest{
			Username: in.Name,
			Email:    in.Email,
			Password: in.Password,
		})
		if err != nil {
			return store.User{}, err
		}
		s.sendWelcome(user)
		return user, nil
	})
}

func (s *Service) sendWelcome(user store.User) {
	if s.welcome == nil {
		return
	}
	if !s.welcome.enqueue(user) {
		log.Printf("welcome email to %s dropped: queue full", user.ID)
	}
}

// AllowRequest spends a token from the caller's global bucket.
func (s *Service) AllowRequest(ctx context.Context, ip string) (abuse.Decision, error) {
	return s.global.Allow(ctx, ip)
}

func (s *Service) Login(ctx context.Context, req admission.Request) (Session, error) {
	return admitted(ctx, s, req, func(ctx context.Context, _ *auth.Principal, in schema.LoginInput) (Session, error) {
		user, err := s.passwords.SignIn(ctx, authpw.SignInRequest{Email: in.Email, Password: in.Password})
		if err != nil {
			return Session{}, err
		}
		return s.issueSession(user)
	})
}

func (s *Service) issueSession(user store.User) (Session, error) {
	now := s.now()
	jti := util.NewID("jti")
	claims := auth.NewClaims(user.ID, user.Email, user.Username, jti, now, s.cfg.CredentialTTL)
	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), claims)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		JTI:       jti,
		ExpiresAt: claims.ExpiresAt.Time,
		User:      user,
	}, nil
}

// Logout revokes the credential until it would have expired.
func (s *Service) Logout(ctx context.Context, credential string) error {
	claims, err := s.verifier.Claims(ctx, credential)
	if err != nil {
		return err
	}
	return s.revocations.RevokeCredential(ctx, claims.ID, claims.Subject, claims.ExpiresAt.Time)
}

func (s *Service) principal(ctx context.Context, credential string) (*auth.Principal, error) {
	principal, err := s.verifier.Verify(ctx, credential)
	if err != nil {
		return nil, err
	}
	if principal == nil {
		return nil, auth.ErrInvalidToken
	}
	return principal, nil
}

func (s *Service) Me(ctx context.Context, credential string) (Profile, error) {
	principal, err := s.principal(ctx, credential)
	if err != nil {
		return Profile{}, err
	}
	user, err := s.store.GetUserByID(ctx, principal.ID)
	if err != nil {
		return Profile{}, err
	}
	return Profile{User: user, Role: rbac.RoleFor(user.Email, s.cfg.AdminEmails)}, nil
}

func (s *Service) authorize(principal *auth.Principal, action rbac.Action) error {
	if rbac.Can(rbac.RoleFor(principal.Email, s.cfg.AdminEmails), action) {
		return nil
	}
	return errForbidden()
}

func (s *Service) CreatePost(ctx context.Context, req admission.Request) (store.Post, error) {
	return admitted(ctx, s, req, func(ctx context.Context, principal *auth.Principal, in schema.CreatePostInput) (store.Post, error) {
		if err := s.authorize(principal, rbac.ActionPost); err != nil {
			return store.Post{}, err
		}
		now := s.now().UTC()
		authorID := principal.ID
		post := store.Post{
			ID:         util.NewID("pst"),
			Title:      in.Title,
			Content:    in.Content,
			CoverImage: in.CoverImage(),
			Category:   in.Category,
			AuthorID:   &authorID,
			AuthorName: principal.DisplayName,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := s.store.InsertPost(ctx, post); err != nil {
			return store.Post{}, err
		}
		if s.search != nil {
			s.search.IndexPost(search.PostRecord{
				ID:        post.ID,
				Title:     post.Title,
				Content:   post.Content,
				Category:  post.Category,
				AuthorID:  authorID,
				CreatedAt: now.Unix(),
			})
		}
		return post, nil
	})
}

func (s *Service) AddComment(ctx context.Context, req admission.Request) (store.Comment, error) {
	return admitted(ctx, s, req, func(ctx context.Context, principal *auth.Principal, in schema.AddCommentInput) (store.Comment, error) {
		if err := s.authorize(principal, rbac.ActionComment); err != nil {
			return store.Comment{}, err
		}
		authorID := principal.ID
		comment := store.Comment{
			ID:         util.NewID("cmt"),
			Content:    in.Content,
			AuthorID:   &authorID,
			AuthorName: principal.DisplayName,
			CreatedAt:  s.now().UTC(),
		}
		if err := s.store.AppendComment(ctx, in.PostID, comment); err != nil {
			return store.Comment{}, err
		}
		return comment, nil
	})
}

func (s *Service) ListPosts(ctx context.Context, query store.PostQuery) ([]store.Post, error) {
	query.Category = strings.TrimSpace(query.Category)
	return s.store.ListPosts(ctx, query)
}

func (s *Service) GetPost(ctx context.Context, postID string) (store.Post, error) {
	return s.store.GetPost(ctx, strings.TrimSpace(postID))
}

func (s *Service) Search(ctx context.Context, query search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: strings.TrimSpace(query.Text)}
	}
	return s.search.Search(ctx, query)
}

// RepairAuthors runs the author reference repair sweep. Admins only.
func (s *Service) RepairAuthors(ctx context.Context, credential string, dryRun bool) (repair.Report, error) {
	principal, err := s.principal(ctx, credential)
	if err != nil {
		return repair.Report{}, err
	}
	if err := s.authorize(principal, rbac.ActionRepair); err != nil {
		return repair.Report{}, err
	}
	log.Printf(`{"component":"repair","trigger":"http","user_id":%q,"dry_run":%t}`, principal.ID, dryRun)
	report, err := repair.NewJob(s.store, repair.Options{BatchSize: s.cfg.RepairBatchSize, DryRun: dryRun}).Run(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return report, errRepairAborted(report)
		}
		return report, err
	}
	return report, nil
}
