package api

import (
	"net/http"
	"path"
	"strings"

	"gwi.com/bot-portal/internal/store"
)

const (
	loginPage    = "/login.html"
	nicknamePage = "/nickname.html"
	homePage     = "/"
)

// PagesHandler serves the static front end. HTML pages are gated on the
// session: login is public, the nickname page needs a session, everything
// else also needs a nickname.
func (h *APIHandler) PagesHandler() http.Handler {
	files := http.FileServer(http.Dir(h.staticDir))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page := path.Clean("/" + r.URL.Path)
		if page == "/" {
			page = "/index.html"
		}
		if !strings.HasSuffix(page, ".html") {
			files.ServeHTTP(w, r)
			return
		}

		session, err := h.loadSession(r)
		if err != nil {
			h.clearSessionCookie(w)
			session = nil
		}
		if target := pageRedirect(page, session); target != "" {
			http.Redirect(w, r, target, http.StatusFound)
			return
		}
		if page == "/index.html" {
			// FileServer answers /index.html with a redirect to ./
			r = r.Clone(r.Context())
			r.URL.Path = homePage
		}
		files.ServeHTTP(w, r)
	})
}

// pageRedirect returns where to send the browser instead of page, or "".
func pageRedirect(page string, session *store.Session) string {
	switch page {
	case loginPage:
		if session != nil && session.Nickname != "" {
			return homePage
		}
	case nicknamePage:
		if session == nil {
			return loginPage
		}
	default:
		if session == nil {
			return loginPage
		}
		if session.Nickname == "" {
			return nicknamePage
		}
	}
	return ""
}
