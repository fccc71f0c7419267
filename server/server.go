// Package server exposes the HTTP upload and retrieval surface over
// the content store. The request-signing handshake that proves a
// caller controls a repository lives upstream; this layer only turns
// whatever credential the fronting deployment passes through into a
// Repository row.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/learnlog/learnlog/logstore"
	"github.com/learnlog/learnlog/model"
)

// maxUploadBytes bounds one upload body.
const maxUploadBytes = 64 << 20

// Authenticator resolves a request to the repository identity it is
// authorized for.
type Authenticator interface {
	Authenticate(r *http.Request) (*model.Repository, error)
}

// TokenAuthenticator matches a bearer token against the repository
// table. It is the trusted-front-proxy mode: the proxy has already
// verified the signing handshake and injects the repository token.
type TokenAuthenticator struct {
	DB *gorm.DB
}

func (a *TokenAuthenticator) Authenticate(r *http.Request) (*model.Repository, error) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == "" || token == r.Header.Get("Authorization") {
		return nil, errors.New("missing bearer token")
	}
	var repo model.Repository
	if err := a.DB.Where("token = ?", token).First(&repo).Error; err != nil {
		return nil, errors.New("unknown repository token")
	}
	return &repo, nil
}

// Server serves log uploads and retrievals.
type Server struct {
	db     *gorm.DB
	store  *logstore.Store
	auth   Authenticator
	logger zerolog.Logger
}

func New(db *gorm.DB, store *logstore.Store, auth Authenticator, logger zerolog.Logger) *Server {
	return &Server{db: db, store: store, auth: auth, logger: logger}
}

// Router wires the HTTP routes.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/logs", s.upload).Methods(http.MethodPost)
	r.HandleFunc("/logs", s.list).Methods(http.MethodGet)
	r.HandleFunc("/logs/{id:[0-9]+}", s.retrieve).Methods(http.MethodGet)
	r.HandleFunc("/logs/{id:[0-9]+}", s.remove).Methods(http.MethodDelete)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)
	return r
}

// Listen serves the router on addr until the listener fails.
func (s *Server) Listen(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.logger.Info().Str("addr", addr).Msg("Listening")
	return srv.ListenAndServe()
}

type logFileResponse struct {
	ID        uint64     `json:"id"`
	SHA256    string     `json:"sha256"`
	Name      string     `json:"name"`
	Kind      string     `json:"kind"`
	Date      *time.Time `json:"date,omitempty"`
	NumLines  uint       `json:"num_lines"`
	Processed bool       `json:"processed"`
}

func fileResponse(file *model.LogFile) logFileResponse {
	return logFileResponse{
		ID:        file.ID,
		SHA256:    file.SHA256,
		Name:      file.Name,
		Kind:      file.Kind.String(),
		Date:      file.Date,
		NumLines:  file.NumLines,
		Processed: file.Processed,
	}
}

func (s *Server) upload(w http.ResponseWriter, r *http.Request) {
	repo, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	filename := r.URL.Query().Get("filename")
	if filename == "" {
		filename = r.Header.Get("X-Log-Filename")
	}
	if filename == "" {
		http.Error(w, "missing filename", http.StatusBadRequest)
		return
	}

	var date *time.Time
	if raw := r.URL.Query().Get("date"); raw != "" {
		t, err := time.Parse("2006-01-02", raw)
		if err != nil {
			http.Error(w, "invalid date", http.StatusBadRequest)
			return
		}
		date = &t
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	data, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "upload too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	file, err := s.store.Ingest(r.Context(), data, filename, repo, date)
	if err != nil {
		if errors.Is(err, logstore.ErrEmptyUpload) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.logger.Error().Err(err).Str("filename", filename).Msg("Ingest failed")
		http.Error(w, "ingest failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(fileResponse(file))
}

func (s *Server) list(w http.ResponseWriter, r *http.Request) {
	repo, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	var files []model.LogFile
	err := s.db.Where("repository_id = ?", repo.ID).
		Order("date DESC, uploaded_at DESC").
		Find(&files).Error
	if err != nil {
		s.logger.Error().Err(err).Msg("Log file listing failed")
		http.Error(w, "listing failed", http.StatusInternalServerError)
		return
	}

	out := make([]logFileResponse, 0, len(files))
	for i := range files {
		out = append(out, fileResponse(&files[i]))
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

func (s *Server) retrieve(w http.ResponseWriter, r *http.Request) {
	repo, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	file, ok := s.ownedFile(w, r, repo)
	if !ok {
		return
	}

	body, err := s.store.Raw(file)
	if err != nil {
		s.logger.Error().Err(err).Uint64("log_file", file.ID).Msg("Blob open failed")
		http.Error(w, "retrieval failed", http.StatusInternalServerError)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Encoding", "gzip")
	io.Copy(w, body)
}

func (s *Server) remove(w http.ResponseWriter, r *http.Request) {
	repo, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	file, ok := s.ownedFile(w, r, repo)
	if !ok {
		return
	}

	if err := s.store.Delete(r.Context(), file); err != nil {
		s.logger.Error().Err(err).Uint64("log_file", file.ID).Msg("Delete failed")
		http.Error(w, "delete failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (*model.Repository, bool) {
	repo, err := s.auth.Authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return nil, false
	}
	return repo, true
}

// ownedFile loads the addressed file when it belongs to the caller.
// Files the caller does not own are indistinguishable from missing
// ones.
func (s *Server) ownedFile(w http.ResponseWriter, r *http.Request, repo *model.Repository) (*model.LogFile, bool) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return nil, false
	}

	var file model.LogFile
	err = s.db.Where("id = ? AND repository_id = ?", id, repo.ID).First(&file).Error
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return nil, false
	}
	return &file, true
}
