package social

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/keepsake/backend/internal/apperr"
	"github.com/keepsake/backend/internal/models"
	"github.com/keepsake/backend/internal/policy"
	"github.com/keepsake/backend/internal/retry"
	"github.com/keepsake/backend/internal/validation"
)

// SignUp creates an account. The email address is the login identifier and
// the handle is the public name shown in the directory.
func (s *Service) SignUp(ctx context.Context, in validation.SignUpInput) (models.User, error) {
	if err := s.gate.Struct(in); err != nil {
		return models.User{}, err
	}
	email := validation.Email(in.Email)
	if !email.OK() {
		return models.User{}, email.Err()
	}
	password := validation.Password(in.Password)
	if !password.OK() {
		return models.User{}, password.Err()
	}
	handle := validation.Handle(in.Handle)
	if !handle.OK() {
		return models.User{}, handle.Err()
	}
	name := validation.DisplayName(in.DisplayName)
	if !name.OK() {
		return models.User{}, name.Err()
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(password.Value), bcrypt.DefaultCost)
	if err != nil {
		return models.User{}, apperr.Internal(err)
	}

	now := s.now()
	user := models.User{
		ID:           uuid.NewString(),
		Handle:       handle.Value,
		DisplayName:  name.Value,
		Email:        email.Value,
		PasswordHash: string(hashed),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	err = run(ctx, s, "users.create", func(ctx context.Context) error {
		return s.store.CreateUser(ctx, policy.User(user.ID), user)
	}, retry.WithShouldRetry(noDuplicateRetry))
	if err != nil {
		return models.User{}, err
	}
	s.search.Purge()
	return user, nil
}

// Authenticate checks an email and password pair. Unknown accounts and wrong
// passwords fail the same way.
func (s *Service) Authenticate(ctx context.Context, in validation.LoginInput) (models.User, error) {
	if err := s.gate.Struct(in); err != nil {
		return models.User{}, err
	}
	email := validation.Email(in.Email)
	if !email.OK() {
		return models.User{}, apperr.InvalidCredentials()
	}

	user, err := call(ctx, s, "users.lookup", func(ctx context.Context) (models.User, error) {
		return s.store.UserByEmail(ctx, email.Value)
	})
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			return models.User{}, apperr.InvalidCredentials()
		}
		return models.User{}, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(in.Password)); err != nil {
		if !errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			logFailure(ctx, "password hash comparison failed", err, "userId", user.ID)
		}
		return models.User{}, apperr.InvalidCredentials()
	}
	return user, nil
}

// Profile returns the public profile of id.
func (s *Service) Profile(ctx context.Context, uid, id string) (models.Profile, error) {
	c, err := caller(uid)
	if err != nil {
		return models.Profile{}, err
	}
	target := validation.UserID(id)
	if !target.OK() {
		return models.Profile{}, target.Err()
	}
	user, err := call(ctx, s, "users.read", func(ctx context.Context) (models.User, error) {
		return s.store.GetUser(ctx, c, target.Value)
	})
	if err != nil {
		return models.Profile{}, err
	}
	return user.Profile(), nil
}
