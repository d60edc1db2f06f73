package validation

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/keepsake/backend/internal/apperr"
	"github.com/keepsake/backend/internal/ratelimit"
)

// Gate combines payload validation with a rate-limit pre-check. Admit never
// consumes quota; callers Record after the remote operation succeeded.
type Gate struct {
	limiter  *ratelimit.Limiter
	validate *validator.Validate
}

// NewGate builds a gate over limiter.
func NewGate(limiter *ratelimit.Limiter) *Gate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	_ = v.RegisterValidation("handle", func(fl validator.FieldLevel) bool {
		return Handle(fl.Field().String()).OK()
	})
	return &Gate{limiter: limiter, validate: v}
}

// Struct validates a payload's tags and returns a validation error naming
// the first offending field.
func (g *Gate) Struct(payload any) error {
	err := g.validate.Struct(payload)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return apperr.Validation("The request is not valid.")
	}
	return apperr.Validation(fieldMessage(fieldErrs[0]))
}

// Admit checks p for userID without consuming quota.
func (g *Gate) Admit(userID string, p ratelimit.Policy) error {
	if g.limiter == nil {
		return nil
	}
	d := g.limiter.Check(userID, p)
	if d.Allowed {
		return nil
	}
	return apperr.RateLimited(p.Action, d.RetryAfter)
}

// Record consumes quota for p.
func (g *Gate) Record(userID string, p ratelimit.Policy) {
	if g.limiter == nil {
		return
	}
	g.limiter.Record(userID, p)
}

func fieldMessage(fe validator.FieldError) string {
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required.", field)
	case "max":
		if fe.Kind() == reflect.Slice {
			return fmt.Sprintf("%s can list at most %s entries.", field, fe.Param())
		}
		return fmt.Sprintf("%s can be at most %s characters.", field, fe.Param())
	case "min":
		if fe.Kind() == reflect.Slice {
			return fmt.Sprintf("%s must list at least %s entries.", field, fe.Param())
		}
		return fmt.Sprintf("%s must be at least %s characters.", field, fe.Param())
	case "email":
		return "That email address is not valid."
	case "handle":
		return Handle("").Error
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s.", field, fe.Param())
	default:
		return fmt.Sprintf("%s is not valid.", field)
	}
}

// Payloads accepted by the API.

type SignUpInput struct {
	Email       string `json:"email" validate:"required,email"`
	Password    string `json:"password" validate:"required,min=8,max=72"`
	Handle      string `json:"handle" validate:"required,handle"`
	DisplayName string `json:"displayName" validate:"max=60"`
}

type LoginInput struct {
	Email    string `json:"email" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type FriendRequestInput struct {
	ReceiverID string `json:"receiverId" validate:"required,max=64"`
}

type FolderInput struct {
	Name     string `json:"name" validate:"required,max=80"`
	IsPublic bool   `json:"isPublic"`
}

type VisibilityInput struct {
	IsPublic *bool `json:"isPublic" validate:"required"`
}

type InviteInput struct {
	InviteeIDs []string `json:"inviteeIds" validate:"required,min=1,max=20,dive,required,max=64"`
}

type ItemInput struct {
	Title string `json:"title" validate:"required,max=120"`
	Body  string `json:"body" validate:"max=10000"`
}

type MessageInput struct {
	RecipientID  string    `json:"recipientId" validate:"required,max=64"`
	Text         string    `json:"text" validate:"required"`
	ScheduledFor time.Time `json:"scheduledFor" validate:"required"`
}
