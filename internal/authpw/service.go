// Package authpw provides username/password authentication for the
// identity adapter.
package authpw

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"projecthub/api/internal/guid"
	"projecthub/api/internal/store"
	"projecthub/api/internal/util"
)

// UserStore defines the storage interface for auth
type UserStore interface {
	GetUserByUsername(ctx context.Context, username string) (store.User, error)
	CreateUser(ctx context.Context, user store.User) error
}

// Service provides username/password authentication
type Service struct {
	store UserStore
}

func NewService(store UserStore) *Service {
	return &Service{store: store}
}

// SignUpRequest contains sign-up parameters
type SignUpRequest struct {
	Username    string
	Password    string
	DisplayName string
	Email       string
}

// SignUp creates a new user account. Usernames are canonicalized the same
// way project GUIDs are, so a username can back a project group directly.
func (s *Service) SignUp(ctx context.Context, req SignUpRequest) (store.User, error) {
	username := guid.Normalize(req.Username)
	if username == "" || req.Password == "" {
		return store.User{}, errors.New("username and password are required")
	}
	if len(req.Password) < 8 {
		return store.User{}, errors.New("password must be at least 8 characters")
	}

	if _, err := s.store.GetUserByUsername(ctx, username); err == nil {
		return store.User{}, errors.New("username already taken")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return store.User{}, fmt.Errorf("hash password: %w", err)
	}

	displayName := req.DisplayName
	if displayName == "" {
		displayName = req.Username
	}

	user := store.User{
		ID:                   util.NewID("u"),
		Username:             username,
		DisplayName:          displayName,
		Email:                req.Email,
		PasswordHash:         string(hash),
		TrustLevel:           0,
		NewTopicDurationSecs: 172800,
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		return store.User{}, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

// SignInRequest contains sign-in parameters
type SignInRequest struct {
	Username string
	Password string
}

// SignIn authenticates a user
func (s *Service) SignIn(ctx context.Context, req SignInRequest) (store.User, error) {
	username := guid.Normalize(req.Username)
	if username == "" || req.Password == "" {
		return store.User{}, errors.New("username and password are required")
	}

	user, err := s.store.GetUserByUsername(ctx, username)
	if err != nil {
		return store.User{}, errors.New("invalid username or password")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return store.User{}, errors.New("invalid username or password")
	}
	return user, nil
}
