package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/generative-ai-go/genai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gwi.com/bot-portal/internal/auth"
	"gwi.com/bot-portal/internal/config"
	"gwi.com/bot-portal/internal/core"
	"gwi.com/bot-portal/internal/extract"
	"gwi.com/bot-portal/internal/store"
)

type fakeGenerator struct {
	bots        map[string]bool
	resp        *genai.GenerateContentResponse
	err         error
	calls       int
	instruction string
	parts       []genai.Part
}

func (f *fakeGenerator) Configured(botID string) bool { return f.bots[botID] }

func (f *fakeGenerator) GenerateContent(_ context.Context, _ string, instruction string, parts []genai.Part) (*genai.GenerateContentResponse, error) {
	f.calls++
	f.instruction = instruction
	f.parts = parts
	return f.resp, f.err
}

type testServer struct {
	handler   http.Handler
	gen       *fakeGenerator
	sessions  store.SessionStore
	usersPath string
	uploadDir string
	staticDir string
}

func newTestServer(t *testing.T, users ...store.User) *testServer {
	t.Helper()

	gen := &fakeGenerator{
		bots: map[string]bool{core.BotData: true, core.BotReport: true},
		resp: &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []genai.Part{genai.Text("answer")}},
		}}},
	}
	s := newTestServerWithGenerator(t, gen, users...)
	s.gen = gen
	return s
}

func newTestServerWithGenerator(t *testing.T, gen core.Generator, users ...store.User) *testServer {
	t.Helper()

	orig := config.AppConfig
	config.AppConfig.SessionSecret = "test-secret"
	t.Cleanup(func() { config.AppConfig = orig })

	dir := t.TempDir()
	usersPath := filepath.Join(dir, "users.json")
	raw, err := json.Marshal(map[string]any{"users": users})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(usersPath, raw, 0o600))

	creds, err := store.NewCredentialStore(usersPath)
	require.NoError(t, err)
	sessions, err := store.NewSQLiteStore(filepath.Join(dir, "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sessions.Close() })

	staticDir := filepath.Join(dir, "public")
	require.NoError(t, os.MkdirAll(filepath.Join(staticDir, "css"), 0o755))
	for name, body := range map[string]string{
		"index.html":    "<h1>home</h1>",
		"login.html":    "<h1>login</h1>",
		"nickname.html": "<h1>nickname</h1>",
		"data.html":     "<h1>data bot</h1>",
		"css/site.css":  "body{}",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(staticDir, name), []byte(body), 0o600))
	}

	uploadDir := filepath.Join(dir, "uploads")
	require.NoError(t, os.MkdirAll(uploadDir, 0o755))

	cfg := config.Config{StaticDir: staticDir, UploadDir: uploadDir, MaxUploadBytes: 1 << 20}
	accounts := core.NewAccountService(creds, sessions, time.Hour)
	bots := core.NewBotService(gen, extract.DefaultRegistry(), nil)
	h := NewAPIHandler(accounts, bots, cfg)

	return &testServer{
		handler:   NewRouter(h),
		sessions:  sessions,
		usersPath: usersPath,
		uploadDir: uploadDir,
		staticDir: staticDir,
	}
}

func (s *testServer) do(t *testing.T, req *http.Request, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func jsonRequest(method, path string, body any) *http.Request {
	raw, _ := json.Marshal(body)
	req := httptest.NewRequest(method, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func sessionCookie(t *testing.T, rec *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == sessionCookieName {
			return c
		}
	}
	t.Fatalf("no %s cookie in response", sessionCookieName)
	return nil
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (s *testServer) login(t *testing.T, uid, password string) *http.Cookie {
	t.Helper()
	rec := s.do(t, jsonRequest(http.MethodPost, "/api/login", LoginRequest{UID: uid, Password: password}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return sessionCookie(t, rec)
}

type formFile struct {
	field, name, contentType string
	data                     []byte
}

func multipartRequest(t *testing.T, path string, fields map[string]string, file *formFile) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if file != nil {
		h := make(map[string][]string)
		h["Content-Disposition"] = []string{`form-data; name="` + file.field + `"; filename="` + file.name + `"`}
		h["Content-Type"] = []string{file.contentType}
		part, err := mw.CreatePart(h)
		require.NoError(t, err)
		_, err = part.Write(file.data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestLogin_WrongPassword(t *testing.T) {
	s := newTestServer(t, store.User{UID: "a", Password: "right"})

	rec := s.do(t, jsonRequest(http.MethodPost, "/api/login", LoginRequest{UID: "a", Password: "wrong"}))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Invalid credentials", decode(t, rec)["error"])
	assert.Empty(t, rec.Result().Cookies())
}

func TestLogin_UnknownUserAmongMany(t *testing.T) {
	s := newTestServer(t,
		store.User{UID: "a", Password: "pa"},
		store.User{UID: "b", Password: "pb", Nickname: "Bee"},
		store.User{UID: "c", Password: "pc"},
	)

	for _, creds := range []LoginRequest{{UID: "d", Password: "pa"}, {UID: "a", Password: "pb"}, {UID: "A", Password: "pa"}} {
		rec := s.do(t, jsonRequest(http.MethodPost, "/api/login", creds))
		assert.Equal(t, http.StatusUnauthorized, rec.Code, creds)
	}
}

func TestLogin_SuccessNeedsNickname(t *testing.T) {
	s := newTestServer(t, store.User{UID: "a", Password: "right"})

	rec := s.do(t, jsonRequest(http.MethodPost, "/api/login", LoginRequest{UID: "a", Password: "right"}))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]any{"ok": true, "needsNickname": true}, decode(t, rec))

	c := sessionCookie(t, rec)
	assert.True(t, c.HttpOnly)
	assert.Equal(t, http.SameSiteLaxMode, c.SameSite)
	assert.False(t, c.Secure)
	assert.Positive(t, c.MaxAge)
}

func TestLogin_WithNickname(t *testing.T) {
	s := newTestServer(t, store.User{UID: "b", Password: "pb", Nickname: "Bee"})

	rec := s.do(t, jsonRequest(http.MethodPost, "/api/login", LoginRequest{UID: "b", Password: "pb"}))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decode(t, rec)["needsNickname"])
}

func TestLogin_Validation(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, jsonRequest(http.MethodPost, "/api/login", LoginRequest{UID: "a"}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, httptest.NewRequest(http.MethodPost, "/api/login", strings.NewReader("{")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSession_Unauthenticated(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, httptest.NewRequest(http.MethodGet, "/api/session", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decode(t, rec)["authenticated"])
}

func TestSession_TamperedCookieIsCleared(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, httptest.NewRequest(http.MethodGet, "/api/session", nil), &http.Cookie{Name: sessionCookieName, Value: "forged"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decode(t, rec)["authenticated"])
	assert.Equal(t, -1, sessionCookie(t, rec).MaxAge)
}

func TestNickname_RequiresSessionAndLeavesStoreUntouched(t *testing.T) {
	s := newTestServer(t, store.User{UID: "a", Password: "right"})
	before, err := os.ReadFile(s.usersPath)
	require.NoError(t, err)

	rec := s.do(t, jsonRequest(http.MethodPost, "/api/nickname", NicknameRequest{Nickname: "Ace"}))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	after, err := os.ReadFile(s.usersPath)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestNickname_RoundTrip(t *testing.T) {
	s := newTestServer(t, store.User{UID: "a", Password: "right"})
	cookie := s.login(t, "a", "right")

	rec := s.do(t, jsonRequest(http.MethodPost, "/api/nickname", NicknameRequest{Nickname: " Ace "}), cookie)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]any{"ok": true, "nickname": "Ace"}, decode(t, rec))

	rec = s.do(t, httptest.NewRequest(http.MethodGet, "/api/session", nil), cookie)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]any{"authenticated": true, "uid": "a", "nickname": "Ace"}, decode(t, rec))
}

func TestNickname_Validation(t *testing.T) {
	s := newTestServer(t, store.User{UID: "a", Password: "right"})
	cookie := s.login(t, "a", "right")

	rec := s.do(t, jsonRequest(http.MethodPost, "/api/nickname", NicknameRequest{Nickname: "   "}), cookie)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestNickname_UnknownUser(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	expires := time.Now().Add(time.Hour)
	require.NoError(t, s.sessions.CreateSession(ctx, &store.Session{ID: "orphan", UID: "ghost", CreatedAt: time.Now(), ExpiresAt: expires}))
	token, err := auth.GenerateSessionToken("orphan", "ghost", expires)
	require.NoError(t, err)

	rec := s.do(t, jsonRequest(http.MethodPost, "/api/nickname", NicknameRequest{Nickname: "Boo"}), &http.Cookie{Name: sessionCookieName, Value: token})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLogout(t *testing.T) {
	s := newTestServer(t, store.User{UID: "a", Password: "right"})
	cookie := s.login(t, "a", "right")

	rec := s.do(t, httptest.NewRequest(http.MethodPost, "/api/logout", nil), cookie)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]any{"ok": true}, decode(t, rec))
	assert.Equal(t, -1, sessionCookie(t, rec).MaxAge)

	// The old cookie no longer authenticates.
	rec = s.do(t, httptest.NewRequest(http.MethodGet, "/api/session", nil), cookie)
	assert.Equal(t, false, decode(t, rec)["authenticated"])

	rec = s.do(t, httptest.NewRequest(http.MethodPost, "/api/logout", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestBot_RequiresSession(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, multipartRequest(t, "/api/bot/data", map[string]string{"text": "hi"}, nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Zero(t, s.gen.calls)
}

func TestBot_UnconfiguredReturns501WithoutCall(t *testing.T) {
	s := newTestServer(t, store.User{UID: "a", Password: "right", Nickname: "Ace"})
	cookie := s.login(t, "a", "right")

	rec := s.do(t, multipartRequest(t, "/api/bot/image", map[string]string{"text": "draw"}, nil), cookie)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
	assert.Contains(t, decode(t, rec)["error"], "not configured")
	assert.Zero(t, s.gen.calls)
}

func TestBot_ModelWithoutKeyReturns501(t *testing.T) {
	cfg, err := config.FromEnv([]string{
		"SESSION_SECRET=x",
		"BOT_DATA_MODEL=gemini-2.0-flash",
	})
	require.NoError(t, err)
	require.Empty(t, cfg.Bots)

	llm, err := core.NewLLMService(context.Background(), cfg.Bots)
	require.NoError(t, err)
	t.Cleanup(llm.Close)

	s := newTestServerWithGenerator(t, llm, store.User{UID: "a", Password: "right", Nickname: "Ace"})
	cookie := s.login(t, "a", "right")

	rec := s.do(t, multipartRequest(t, "/api/bot/data", map[string]string{"text": "sum it"}, nil), cookie)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
	assert.Contains(t, decode(t, rec)["error"], "not configured")
}

func TestBot_DataWithChartTypeNoFile(t *testing.T) {
	s := newTestServer(t, store.User{UID: "a", Password: "right", Nickname: "Ace"})
	cookie := s.login(t, "a", "right")

	rec := s.do(t, multipartRequest(t, "/api/bot/data", map[string]string{"text": "sales by month", "chartType": "bar"}, nil), cookie)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := decode(t, rec)
	assert.Equal(t, "answer", body["text"])
	assert.Nil(t, body["image"])
	assert.Nil(t, body["fileUrl"])
	assert.NotNil(t, body["raw"])

	assert.Contains(t, s.gen.instruction, "Preferred chart type: bar.")
	for _, p := range s.gen.parts {
		if txt, ok := p.(genai.Text); ok {
			assert.NotContains(t, string(txt), core.FileContentMarker)
		}
	}
}

func TestBot_FileIsExtractedAndRemoved(t *testing.T) {
	s := newTestServer(t, store.User{UID: "a", Password: "right", Nickname: "Ace"})
	cookie := s.login(t, "a", "right")

	req := multipartRequest(t, "/api/bot/report", map[string]string{"text": "summarise"},
		&formFile{field: "file", name: "notes.txt", contentType: "text/plain", data: []byte("the numbers went up")})
	rec := s.do(t, req, cookie)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	require.Len(t, s.gen.parts, 2)
	assert.Equal(t, genai.Text(core.FileContentMarker+"\nthe numbers went up"), s.gen.parts[1])

	entries, err := os.ReadDir(s.uploadDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestBot_UpstreamErrorRelayedAndFileRemoved(t *testing.T) {
	s := newTestServer(t, store.User{UID: "a", Password: "right", Nickname: "Ace"})
	s.gen.err = &core.UpstreamError{Status: http.StatusTooManyRequests, Body: `{"error":"quota exceeded"}`}
	cookie := s.login(t, "a", "right")

	req := multipartRequest(t, "/api/bot/report", nil,
		&formFile{field: "file", name: "notes.txt", contentType: "text/plain", data: []byte("x")})
	rec := s.do(t, req, cookie)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	body := decode(t, rec)
	assert.Equal(t, "Upstream API error", body["error"])
	assert.Equal(t, `{"error":"quota exceeded"}`, body["details"])

	entries, err := os.ReadDir(s.uploadDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestBot_ExtractionFailureIs500(t *testing.T) {
	s := newTestServer(t, store.User{UID: "a", Password: "right", Nickname: "Ace"})
	cookie := s.login(t, "a", "right")

	req := multipartRequest(t, "/api/bot/report", nil,
		&formFile{field: "file", name: "broken.pdf", contentType: "application/pdf", data: []byte("not a pdf")})
	rec := s.do(t, req, cookie)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Zero(t, s.gen.calls)
}

func TestBot_TooLarge(t *testing.T) {
	s := newTestServer(t, store.User{UID: "a", Password: "right", Nickname: "Ace"})
	cookie := s.login(t, "a", "right")

	req := multipartRequest(t, "/api/bot/report", nil,
		&formFile{field: "file", name: "big.txt", contentType: "text/plain", data: bytes.Repeat([]byte("a"), 2<<20)})
	rec := s.do(t, req, cookie)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Zero(t, s.gen.calls)
}

func TestBot_EmptyBody(t *testing.T) {
	s := newTestServer(t, store.User{UID: "a", Password: "right", Nickname: "Ace"})
	cookie := s.login(t, "a", "right")

	rec := s.do(t, httptest.NewRequest(http.MethodPost, "/api/bot/data", nil), cookie)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, []genai.Part{genai.Text(core.NoInputPlaceholder)}, s.gen.parts)
}

func TestPages_Gating(t *testing.T) {
	s := newTestServer(t,
		store.User{UID: "new", Password: "pw"},
		store.User{UID: "old", Password: "pw", Nickname: "Old"},
	)
	fresh := s.login(t, "new", "pw")
	named := s.login(t, "old", "pw")

	tests := []struct {
		name     string
		path     string
		cookie   *http.Cookie
		wantCode int
		wantLoc  string
	}{
		{"anonymous login page", "/login.html", nil, http.StatusOK, ""},
		{"anonymous home", "/", nil, http.StatusFound, loginPage},
		{"anonymous bot page", "/data.html", nil, http.StatusFound, loginPage},
		{"anonymous nickname page", "/nickname.html", nil, http.StatusFound, loginPage},
		{"anonymous asset", "/css/site.css", nil, http.StatusOK, ""},
		{"no nickname bot page", "/data.html", fresh, http.StatusFound, nicknamePage},
		{"no nickname nickname page", "/nickname.html", fresh, http.StatusOK, ""},
		{"no nickname login page", "/login.html", fresh, http.StatusOK, ""},
		{"named bot page", "/data.html", named, http.StatusOK, ""},
		{"named home", "/", named, http.StatusOK, ""},
		{"named index page", "/index.html", named, http.StatusOK, ""},
		{"anonymous index page", "/index.html", nil, http.StatusFound, loginPage},
		{"named login page", "/login.html", named, http.StatusFound, homePage},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var cookies []*http.Cookie
			if tc.cookie != nil {
				cookies = append(cookies, tc.cookie)
			}
			rec := s.do(t, httptest.NewRequest(http.MethodGet, tc.path, nil), cookies...)
			assert.Equal(t, tc.wantCode, rec.Code)
			if tc.wantLoc != "" {
				assert.Equal(t, tc.wantLoc, rec.Header().Get("Location"))
			}
		})
	}
}

func TestPages_ServesContent(t *testing.T) {
	s := newTestServer(t, store.User{UID: "old", Password: "pw", Nickname: "Old"})
	cookie := s.login(t, "old", "pw")

	rec := s.do(t, httptest.NewRequest(http.MethodGet, "/data.html", nil), cookie)
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, "<h1>data bot</h1>", string(body))

	rec = s.do(t, httptest.NewRequest(http.MethodGet, "/index.html", nil), cookie)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "<h1>home</h1>", rec.Body.String())
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]any{"status": "ok"}, decode(t, rec))
}
