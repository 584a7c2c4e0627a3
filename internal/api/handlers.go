package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gwi.com/bot-portal/internal/auth"
	"gwi.com/bot-portal/internal/config"
	"gwi.com/bot-portal/internal/core"
	"gwi.com/bot-portal/internal/extract"
	"gwi.com/bot-portal/internal/store"
)

// multipartMemory is how much of a multipart body is buffered in memory
// before the rest spills to disk.
const multipartMemory = 8 << 20

type APIHandler struct {
	accounts       *core.AccountService
	bots           *core.BotService
	staticDir      string
	uploadDir      string
	maxUploadBytes int64
	secureCookie   bool
}

func NewAPIHandler(accounts *core.AccountService, bots *core.BotService, cfg config.Config) *APIHandler {
	return &APIHandler{
		accounts:       accounts,
		bots:           bots,
		staticDir:      cfg.StaticDir,
		uploadDir:      cfg.UploadDir,
		maxUploadBytes: cfg.MaxUploadBytes,
		secureCookie:   cfg.IsProduction(),
	}
}

type SessionResponse struct {
	Authenticated bool   `json:"authenticated"`
	UID           string `json:"uid"`
	Nickname      string `json:"nickname"`
}

func (h *APIHandler) SessionHandler(w http.ResponseWriter, r *http.Request) {
	session := sessionFrom(r)
	if session == nil {
		writeJSON(w, http.StatusOK, SessionResponse{})
		return
	}
	writeJSON(w, http.StatusOK, SessionResponse{
		Authenticated: true,
		UID:           session.UID,
		Nickname:      session.Nickname,
	})
}

type LoginRequest struct {
	UID      string `json:"uid"`
	Password string `json:"password"`
}

type LoginResponse struct {
	OK            bool `json:"ok"`
	NeedsNickname bool `json:"needsNickname"`
}

func (h *APIHandler) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}

	req.UID = strings.TrimSpace(req.UID)
	if req.UID == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "uid and password are required", "")
		return
	}

	session, err := h.accounts.Login(r.Context(), req.UID, req.Password)
	if err != nil {
		if errors.Is(err, core.ErrInvalidCredentials) {
			log.Printf("Failed login for user %s", req.UID)
			writeError(w, http.StatusUnauthorized, "Invalid credentials", "")
			return
		}
		log.Printf("Error logging in user %s: %v", req.UID, err)
		writeError(w, http.StatusInternalServerError, "Login failed", "")
		return
	}

	token, err := auth.GenerateSessionToken(session.ID, session.UID, session.ExpiresAt)
	if err != nil {
		log.Printf("Error signing session for user %s: %v", req.UID, err)
		writeError(w, http.StatusInternalServerError, "Login failed", "")
		return
	}

	// Replacing a session, drop the old one.
	if previous := sessionFrom(r); previous != nil && previous.ID != session.ID {
		if err := h.accounts.Logout(r.Context(), previous.ID); err != nil {
			log.Printf("Error dropping previous session %s: %v", previous.ID, err)
		}
	}

	h.setSessionCookie(w, token, session.ExpiresAt)
	writeJSON(w, http.StatusOK, LoginResponse{OK: true, NeedsNickname: session.Nickname == ""})
}

func (h *APIHandler) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	session := sessionFrom(r)
	if err := h.accounts.Logout(r.Context(), session.ID); err != nil {
		log.Printf("Error deleting session %s: %v", session.ID, err)
	}
	h.clearSessionCookie(w)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type NicknameRequest struct {
	Nickname string `json:"nickname"`
}

type NicknameResponse struct {
	OK       bool   `json:"ok"`
	Nickname string `json:"nickname"`
}

func (h *APIHandler) NicknameHandler(w http.ResponseWriter, r *http.Request) {
	session := sessionFrom(r)

	var req NicknameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}
	if strings.TrimSpace(req.Nickname) == "" {
		writeError(w, http.StatusBadRequest, "nickname is required", "")
		return
	}

	nickname, err := h.accounts.SetNickname(r.Context(), session, req.Nickname)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			writeError(w, http.StatusNotFound, "User not found", "")
			return
		}
		log.Printf("Error setting nickname for user %s: %v", session.UID, err)
		writeError(w, http.StatusInternalServerError, "Failed to update nickname", "")
		return
	}
	writeJSON(w, http.StatusOK, NicknameResponse{OK: true, Nickname: nickname})
}

func (h *APIHandler) BotHandler(w http.ResponseWriter, r *http.Request) {
	botID := strings.ToLower(chi.URLParam(r, "botID"))

	if !h.bots.Configured(botID) {
		writeError(w, http.StatusNotImplemented, fmt.Sprintf("Bot %q is not configured", botID), "")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	err := r.ParseMultipartForm(multipartMemory)
	// Some multipart read paths flatten the MaxBytesError into a plain
	// message, so the text is matched as well.
	var tooLarge *http.MaxBytesError
	switch {
	case err == nil:
		defer r.MultipartForm.RemoveAll()
	case errors.As(err, &tooLarge), strings.Contains(err.Error(), "request body too large"):
		writeError(w, http.StatusRequestEntityTooLarge, "File too large", fmt.Sprintf("limit is %d bytes", h.maxUploadBytes))
		return
	case errors.Is(err, http.ErrNotMultipart):
		// Every field is optional, so a bodiless request is still valid.
	default:
		writeError(w, http.StatusBadRequest, "Invalid multipart body", err.Error())
		return
	}

	req := core.BotRequest{
		BotID:     botID,
		Text:      r.FormValue("text"),
		ChartType: r.FormValue("chartType"),
	}

	var (
		file   multipart.File
		header *multipart.FileHeader
	)
	if r.MultipartForm != nil {
		file, header, err = r.FormFile("file")
	} else {
		err = http.ErrMissingFile
	}
	switch {
	case errors.Is(err, http.ErrMissingFile):
	case err != nil:
		writeError(w, http.StatusBadRequest, "Invalid file upload", err.Error())
		return
	default:
		defer file.Close()
		path, err := h.saveUpload(file, header)
		if err != nil {
			log.Printf("Error saving upload %s: %v", header.Filename, err)
			writeError(w, http.StatusInternalServerError, "Failed to store upload", "")
			return
		}
		defer func() {
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				log.Printf("Error removing upload %s: %v", path, err)
			}
		}()
		req.File = &extract.File{
			Path:     path,
			Name:     header.Filename,
			MIMEType: header.Header.Get("Content-Type"),
		}
	}

	reply, err := h.bots.Dispatch(r.Context(), req)
	if err != nil {
		var upstream *core.UpstreamError
		switch {
		case errors.Is(err, core.ErrBotNotConfigured):
			writeError(w, http.StatusNotImplemented, fmt.Sprintf("Bot %q is not configured", botID), "")
		case errors.As(err, &upstream):
			writeError(w, upstream.Status, "Upstream API error", upstream.Body)
		default:
			log.Printf("Error handling bot %s request for user %s: %v", botID, sessionFrom(r).UID, err)
			writeError(w, http.StatusInternalServerError, "Bot request failed", err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

// saveUpload copies the upload to a randomly named file in the upload dir.
func (h *APIHandler) saveUpload(src multipart.File, header *multipart.FileHeader) (string, error) {
	name := uuid.NewString() + strings.ToLower(filepath.Ext(header.Filename))
	path := filepath.Join(h.uploadDir, name)

	dst, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(path)
		return "", err
	}
	if err := dst.Close(); err != nil {
		os.Remove(path)
		return "", err
	}
	return path, nil
}

type errorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg, details string) {
	writeJSON(w, status, errorResponse{Error: msg, Details: details})
}
