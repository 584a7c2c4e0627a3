package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"gwi.com/bot-portal/internal/auth"
	"gwi.com/bot-portal/internal/store"
)

const sessionCookieName = "bot_session"

type contextKey string

const sessionContextKey contextKey = "session"

// SessionMiddleware attaches the caller's session to the request context when
// the cookie is valid. A stale cookie is cleared; the request still proceeds.
func (h *APIHandler) SessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		session, err := h.loadSession(r)
		if err != nil {
			h.clearSessionCookie(w)
			next.ServeHTTP(w, r)
			return
		}
		if session != nil {
			r = r.WithContext(context.WithValue(r.Context(), sessionContextKey, session))
		}
		next.ServeHTTP(w, r)
	})
}

// RequireSession rejects requests without a session before any handler work.
func (h *APIHandler) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if sessionFrom(r) == nil {
			writeError(w, http.StatusUnauthorized, "Not authenticated", "")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func sessionFrom(r *http.Request) *store.Session {
	session, _ := r.Context().Value(sessionContextKey).(*store.Session)
	return session
}

// loadSession returns (nil, nil) when there is no cookie at all.
func (h *APIHandler) loadSession(r *http.Request) (*store.Session, error) {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil || cookie.Value == "" {
		return nil, nil
	}

	claims, err := auth.ValidateSessionToken(cookie.Value)
	if err != nil {
		return nil, err
	}

	session, err := h.accounts.Session(r.Context(), claims.SessionID)
	if err != nil {
		if !errors.Is(err, store.ErrSessionNotFound) {
			log.Printf("Error loading session %s: %v", claims.SessionID, err)
		}
		return nil, err
	}
	if session.UID != claims.Subject {
		return nil, errors.New("session does not belong to token subject")
	}
	return session, nil
}

func (h *APIHandler) setSessionCookie(w http.ResponseWriter, token string, expiresAt time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		Expires:  expiresAt,
		MaxAge:   int(time.Until(expiresAt).Seconds()),
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *APIHandler) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})
}
