// Package httpapi exposes the credential and file services over a JSON HTTP
// API. Authenticated routes carry a bearer token; file paths are scoped to
// the owner so users cannot reach each other's records.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dmitrijs2005/filekeeper/internal/common"
	"github.com/dmitrijs2005/filekeeper/internal/logging"
	"github.com/dmitrijs2005/filekeeper/internal/server/files"
	"github.com/dmitrijs2005/filekeeper/internal/server/models"
	"github.com/dmitrijs2005/filekeeper/internal/server/users"
)

type ctxKey int

const userKey ctxKey = 0

type Server struct {
	address string
	users   *users.Service
	files   *files.Service
	logger  logging.Logger
}

func NewServer(address string, us *users.Service, fs *files.Service, l logging.Logger) *Server {
	return &Server{
		address: address,
		users:   us,
		files:   fs,
		logger:  l.With("module", "http_server"),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeCode(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"code": code})
}

func writeError(w http.ResponseWriter, logger logging.Logger, r *http.Request, err error) {
	if errors.Is(err, common.ErrorNotFound) {
		writeCode(w, http.StatusNotFound, "NOT_FOUND")
		return
	}
	logger.Error(r.Context(), "request failed", "path", r.URL.Path, "error", err.Error())
	writeCode(w, http.StatusInternalServerError, "INTERNAL_ERROR")
}

// Handler builds the router. Exposed separately from Run for tests.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Post("/api/register", s.handleRegister)
	r.Post("/api/login", s.handleLogin)

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)

		r.Get("/api/user", s.handleGetUser)
		r.Put("/api/user/username", s.handleChangeUsername)
		r.Put("/api/user/password", s.handleChangePassword)
		r.Delete("/api/user", s.handleRemoveUser)

		r.Route("/api/files", func(r chi.Router) {
			r.Post("/move", s.handleMoveFile)
			r.Put("/*", s.handleSaveFile)
			r.Get("/*", s.handleLoadFile)
			r.Delete("/*", s.handleDeleteFile)
		})
		r.Get("/api/list/*", s.handleListFolder)
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})

	return r
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.address,
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		s.logger.Info(ctx, "Stopping HTTP server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info(ctx, "Starting HTTP server", "address", s.address)

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get(common.AccessTokenHeaderName)
		token = strings.TrimPrefix(token, "Bearer ")
		if token == "" {
			writeCode(w, http.StatusUnauthorized, "UNAUTHORIZED")
			return
		}

		user, err := s.users.Authorize(r.Context(), token)
		if err != nil {
			writeError(w, s.logger, r, err)
			return
		}
		if user == nil {
			writeCode(w, http.StatusUnauthorized, "UNAUTHORIZED")
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, user)))
	})
}

func currentUser(r *http.Request) *models.User {
	user, _ := r.Context().Value(userKey).(*models.User)
	return user
}

// ownedPath scopes a request path to the caller. OwnerID is immutable, so
// renaming the account does not orphan the files.
func ownedPath(user *models.User, path string) string {
	return user.OwnerID + "/" + strings.Trim(path, "/")
}

type credentialsRequest struct {
	Username string         `json:"username"`
	Password string         `json:"password"`
	Meta     map[string]any `json:"meta,omitempty"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeCode(w, http.StatusBadRequest, "BAD_REQUEST")
		return
	}
	if req.Username == "" || req.Password == "" {
		writeCode(w, http.StatusBadRequest, "BAD_REQUEST")
		return
	}

	code, err := s.users.Register(r.Context(), req.Username, req.Password, req.Meta)
	if err != nil {
		writeError(w, s.logger, r, err)
		return
	}
	if code == users.CodeUserAlreadyExists {
		writeCode(w, http.StatusConflict, code)
		return
	}
	writeCode(w, http.StatusCreated, code)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeCode(w, http.StatusBadRequest, "BAD_REQUEST")
		return
	}

	token, code, err := s.users.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(w, s.logger, r, err)
		return
	}
	switch code {
	case users.CodeAttemptsExceeded:
		writeCode(w, http.StatusLocked, code)
	case users.CodeInvalidCredentials:
		writeCode(w, http.StatusUnauthorized, code)
	default:
		writeJSON(w, http.StatusOK, map[string]string{"token": token})
	}
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	writeJSON(w, http.StatusOK, map[string]any{
		"username": user.Username,
		"ownerId":  user.OwnerID,
		"admin":    user.Admin,
		"meta":     user.Meta,
	})
}

func (s *Server) handleChangeUsername(w http.ResponseWriter, r *http.Request) {
	var req struct {
		NewUsername string `json:"newUsername"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.NewUsername == "" {
		writeCode(w, http.StatusBadRequest, "BAD_REQUEST")
		return
	}

	code, err := s.users.ChangeUsername(r.Context(), currentUser(r).Username, req.NewUsername)
	if err != nil {
		writeError(w, s.logger, r, err)
		return
	}
	if code == users.CodeUserAlreadyExists {
		writeCode(w, http.StatusConflict, code)
		return
	}
	writeCode(w, http.StatusOK, code)
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Password == "" {
		writeCode(w, http.StatusBadRequest, "BAD_REQUEST")
		return
	}

	code, err := s.users.ChangePassword(r.Context(), currentUser(r).Username, req.Password)
	if err != nil {
		writeError(w, s.logger, r, err)
		return
	}
	writeCode(w, http.StatusOK, code)
}

func (s *Server) handleRemoveUser(w http.ResponseWriter, r *http.Request) {
	if err := s.users.RemoveUser(r.Context(), currentUser(r).Username); err != nil {
		writeError(w, s.logger, r, err)
		return
	}
	writeCode(w, http.StatusOK, "")
}

func (s *Server) handleSaveFile(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	path := chi.URLParam(r, "*")
	if strings.Trim(path, "/") == "" {
		writeCode(w, http.StatusBadRequest, "BAD_REQUEST")
		return
	}

	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeCode(w, http.StatusBadRequest, "BAD_REQUEST")
		return
	}

	if err := s.files.Save(r.Context(), user.Username, ownedPath(user, path), data, nil); err != nil {
		writeError(w, s.logger, r, err)
		return
	}
	writeCode(w, http.StatusCreated, "")
}

func (s *Server) handleLoadFile(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	path := chi.URLParam(r, "*")

	data, _, err := s.files.Load(r.Context(), ownedPath(user, path))
	if err != nil {
		writeError(w, s.logger, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	path := chi.URLParam(r, "*")

	if err := s.files.Delete(r.Context(), ownedPath(user, path)); err != nil {
		writeError(w, s.logger, r, err)
		return
	}
	writeCode(w, http.StatusOK, "")
}

func (s *Server) handleMoveFile(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	var req struct {
		OldPath string `json:"oldPath"`
		NewPath string `json:"newPath"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.OldPath == "" || req.NewPath == "" {
		writeCode(w, http.StatusBadRequest, "BAD_REQUEST")
		return
	}

	err := s.files.Move(r.Context(), ownedPath(user, req.OldPath), ownedPath(user, req.NewPath))
	if err != nil {
		writeError(w, s.logger, r, err)
		return
	}
	writeCode(w, http.StatusOK, "")
}

func (s *Server) handleListFolder(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	folder := chi.URLParam(r, "*")

	names, err := s.files.List(r.Context(), ownedPath(user, folder))
	if err != nil {
		writeError(w, s.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": names})
}
