package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func NewRouter(apiHandler *APIHandler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)       // Basic request logging
	r.Use(middleware.Recoverer)    // Recover from panics
	r.Use(middleware.StripSlashes) // Ensure consistent path handling

	// All API routes will be under /api
	r.Route("/api", func(r chi.Router) {
		r.Use(apiHandler.SessionMiddleware)

		// Public routes
		r.Get("/session", apiHandler.SessionHandler)
		r.Post("/login", apiHandler.LoginHandler)
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})

		// Session-authenticated routes
		r.Group(func(r chi.Router) {
			r.Use(apiHandler.RequireSession)

			r.Post("/logout", apiHandler.LogoutHandler)
			r.Post("/nickname", apiHandler.NicknameHandler)
			r.Post("/bot/{botID}", apiHandler.BotHandler)
		})
	})

	// Static front end
	r.Handle("/*", apiHandler.PagesHandler())

	return r
}
