// Package authpw provides email/password accounts.
package authpw

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"parabol/api/internal/store"
	"parabol/api/internal/util"
)

const minPasswordLength = 8

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidSignUp      = errors.New("invalid sign up")
)

// Service provides email/password authentication
type Service struct {
	store UserStore
	cost  int
	now   func() time.Time
}

// UserStore defines the storage interface for auth
type UserStore interface {
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	CreateUser(ctx context.Context, user store.User) error
}

func NewService(store UserStore) *Service {
	return &Service{
		store: store,
		cost:  bcrypt.DefaultCost,
		now:   time.Now,
	}
}

type SignUpRequest struct {
	Email         string
	Password      string
	PreferredName string
}

// SignUp creates a new user account.
func (s *Service) SignUp(ctx context.Context, req SignUpRequest) (store.User, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	name := strings.TrimSpace(req.PreferredName)
	if _, err := mail.ParseAddress(email); err != nil {
		return store.User{}, fmt.Errorf("%w: email is invalid", ErrInvalidSignUp)
	}
	if len(req.Password) < minPasswordLength {
		return store.User{}, fmt.Errorf("%w: password must be at least %d characters", ErrInvalidSignUp, minPasswordLength)
	}
	if name == "" {
		name = strings.SplitN(email, "@", 2)[0]
	}

	if _, err := s.store.GetUserByEmail(ctx, email); err == nil {
		return store.User{}, ErrEmailTaken
	} else if !errors.Is(err, sql.ErrNoRows) {
		return store.User{}, fmt.Errorf("lookup user: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.cost)
	if err != nil {
		return store.User{}, fmt.Errorf("hash password: %w", err)
	}

	now := s.now().UTC()
	user := store.User{
		ID:            util.NewID("user"),
		Email:         email,
		PreferredName: name,
		PasswordHash:  string(hash),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return store.User{}, ErrEmailTaken
		}
		return store.User{}, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

// SignIn checks a password. Unknown emails and wrong passwords look the same
// to the caller.
func (s *Service) SignIn(ctx context.Context, email, password string) (store.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return store.User{}, ErrInvalidCredentials
	}

	user, err := s.store.GetUserByEmail(ctx, email)
	if errors.Is(err, sql.ErrNoRows) {
		return store.User{}, ErrInvalidCredentials
	}
	if err != nil {
		return store.User{}, fmt.Errorf("lookup user: %w", err)
	}
	if user.PasswordHash == "" {
		return store.User{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return store.User{}, ErrInvalidCredentials
	}
	return user, nil
}
