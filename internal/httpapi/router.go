package httpapi

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"polychat/backend/internal/auth"
	"polychat/backend/internal/config"
	"polychat/backend/internal/provider"
	"polychat/backend/internal/session"
)

// NewRouter wires the full API surface. The returned Handler is exposed so
// callers can wait for background work during shutdown.
func NewRouter(ctx context.Context, cfg config.Config, database *sql.DB) (http.Handler, Handler, error) {
	sessions := session.NewStore(database)
	verifier := auth.NewVerifier(cfg)
	clients := provider.NewClients(cfg, nil)

	files, err := newObjectStore(ctx, cfg)
	if err != nil {
		return nil, Handler{}, fmt.Errorf("create object store: %w", err)
	}

	h := NewHandler(cfg, database, sessions, verifier, clients, files)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token", "X-Test-Email", "X-Test-Google-Sub"},
		ExposedHeaders:   []string{"Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", h.Healthz)

	r.Route("/v1", func(v1 chi.Router) {
		v1.Route("/auth", func(authR chi.Router) {
			authR.Post("/google", h.AuthGoogle)
			authR.With(h.RequireSession).Get("/me", h.AuthMe)
			authR.With(h.RequireSession).Post("/logout", h.AuthLogout)
		})

		v1.Group(func(p chi.Router) {
			p.Use(h.RequireSession)
			p.Get("/models", h.ListModels)
			p.Get("/settings", h.GetSettings)
			p.Put("/settings", h.PutSettings)
			p.Post("/conversations", h.CreateConversation)
			p.Get("/conversations", h.ListConversations)
			p.Get("/conversations/{id}/messages", h.ListConversationMessages)
			p.Delete("/conversations/{id}", h.DeleteConversation)
			p.Post("/chat/messages", h.ChatMessages)
			p.Post("/files", h.UploadFile)
		})
	})

	return r, h, nil
}

func newObjectStore(ctx context.Context, cfg config.Config) (fileObjectStore, error) {
	if strings.TrimSpace(cfg.GCSBucket) != "" {
		return newGCSObjectStore(ctx, cfg.GCSBucket, cfg.GCSUploadPrefix)
	}
	return newLocalObjectStore(cfg.LocalUploadDir)
}
