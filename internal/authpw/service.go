// Package authpw provides email/password registration and sign-in.
package authpw

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"inkwell/api/internal/store"
	"inkwell/api/internal/util"
)

var (
	ErrEmailExists        = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid email or password")
)

// BcryptCost is the work factor for stored password hashes.
const BcryptCost = 10

// Service provides email/password authentication
type Service struct {
	store UserStore
	cost  int
	now   func() time.Time

	dummyOnce sync.Once
	dummyHash []byte
}

// UserStore defines the storage interface for auth
type UserStore interface {
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	CreateUser(ctx context.Context, user store.User) error
}

func NewService(users UserStore) *Service {
	return &Service{store: users, cost: BcryptCost, now: time.Now}
}

type SignUpRequest struct {
	Username string
	Email    string
	Password string
}

// SignUp creates a new user account. Input is expected to be validated
// already; the email is stored lower-cased.
func (s *Service) SignUp(ctx context.Context, req SignUpRequest) (store.User, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" || req.Password == "" {
		return store.User{}, errors.New("email and password are required")
	}

	_, err := s.store.GetUserByEmail(ctx, email)
	switch {
	case err == nil:
		return store.User{}, ErrEmailExists
	case !errors.Is(err, sql.ErrNoRows):
		return store.User{}, fmt.Errorf("lookup user: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.cost)
	if err != nil {
		return store.User{}, fmt.Errorf("hash password: %w", err)
	}

	now := s.now().UTC()
	user := store.User{
		ID:           util.NewID("usr"),
		Username:     strings.TrimSpace(req.Username),
		Email:        email,
		PasswordHash: string(hash),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		// lost a race with a concurrent registration
		if errors.Is(err, store.ErrConflict) {
			return store.User{}, ErrEmailExists
		}
		return store.User{}, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

type SignInRequest struct {
	Email    string
	Password string
}

// SignIn authenticates a user. Unknown emails and wrong passwords both
// return ErrInvalidCredentials after a bcrypt comparison.
func (s *Service) SignIn(ctx context.Context, req SignInRequest) (store.User, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" || req.Password == "" {
		return store.User{}, ErrInvalidCredentials
	}

	user, err := s.store.GetUserByEmail(ctx, email)
	if errors.Is(err, sql.ErrNoRows) {
		_ = bcrypt.CompareHashAndPassword(s.dummy(), []byte(req.Password))
		return store.User{}, ErrInvalidCredentials
	}
	if err != nil {
		return store.User{}, fmt.Errorf("lookup user: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return store.User{}, ErrInvalidCredentials
	}
	return user, nil
}

func (s *Service) dummy() []byte {
	s.dummyOnce.Do(func() {
		s.dummyHash, _ = bcrypt.GenerateFromPassword([]byte("inkwell-dummy-password"), s.cost)
	})
	return s.dummyHash
}
