package handlers

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keepsake/backend/internal/middleware"
)

// Dependencies aggregates collaborators required by HTTP handlers.
type Dependencies struct {
	Logger             *slog.Logger
	Accounts           AccountService
	Sessions           SessionManager
	Tokens             middleware.TokenVerifier
	Friends            FriendService
	Folders            FolderService
	Messages           MessageService
	Directory          DirectoryService
	Store              Pinger
	IPLimiter          middleware.RateLimiter
	AuthLimiter        RateLimiter
	MaxAttachmentBytes int64
}

// NewRouter wires every endpoint onto a chi router.
func NewRouter(deps Dependencies) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	health := HealthHandler{Store: deps.Store}
	auth := AuthHandler{Accounts: deps.Accounts, Sessions: deps.Sessions, Limiter: deps.AuthLimiter}
	friends := FriendHandler{Friends: deps.Friends}
	folders := FolderHandler{Folders: deps.Folders, MaxAttachmentBytes: deps.MaxAttachmentBytes}
	messages := MessageHandler{Messages: deps.Messages}
	directory := DirectoryHandler{Directory: deps.Directory}

	r := chi.NewRouter()
	r.Use(middleware.RequestLogger(logger), middleware.Metrics)

	r.Get("/healthz", health.Handle)
	r.Get("/readyz", health.Ready)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.ThrottleByIP(deps.IPLimiter))

		r.Post("/auth/signup", auth.SignUp)
		r.Post("/auth/login", auth.Login)
		r.Post("/auth/refresh", auth.Refresh)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireUser(deps.Tokens))

			r.Post("/auth/logout", auth.Logout)

			r.Get("/users/search", directory.Search)
			r.Get("/users/{userID}", directory.Profile)

			r.Get("/friends", friends.List)
			r.Delete("/friends/{userID}", friends.Remove)
			r.Get("/friends/requests", friends.Requests)
			r.Post("/friends/requests", friends.Invite)
			r.Post("/friends/requests/{requestID}/{action}", friends.Respond)

			r.Get("/folders", folders.List)
			r.Post("/folders", folders.Create)
			r.Route("/folders/{folderID}", func(r chi.Router) {
				r.Get("/", folders.Get)
				r.Delete("/", folders.Delete)
				r.Post("/lock", folders.Lock)
				r.Post("/unlock", folders.Unlock)
				r.Post("/visibility", folders.Visibility)
				r.Delete("/contributors/{userID}", folders.RemoveContributor)
				r.Post("/invites", folders.Invite)
				r.Get("/items", folders.Items)
				r.Post("/items", folders.AddItem)
			})
			r.Delete("/items/{itemID}", folders.DeleteItem)
			r.Get("/folder-invites", folders.Invites)
			r.Post("/folder-invites/{inviteID}/{action}", folders.RespondInvite)

			r.Get("/messages", messages.List)
			r.Post("/messages", messages.Schedule)
			r.Get("/messages/{messageID}", messages.Get)
			r.Post("/messages/{messageID}/cancel", messages.Cancel)
		})
	})

	return r
}
