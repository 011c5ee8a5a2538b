package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"curator/api/internal/search"
	"curator/api/internal/store"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

type sessionKey struct{}

func sessionFrom(ctx context.Context) Session {
	session, _ := ctx.Value(sessionKey{}).(Session)
	return session
}

// Handler builds the API router. All routes live under /api; everything
// past login requires a bearer token.
func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(s.cors)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/ready", s.handleReady)
		r.Post("/session/login", s.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(s.requireSession)

			r.Get("/session", s.handleSession)
			r.Get("/entities", s.handleListEntities)
			r.Put("/entities/{name}", s.handleSaveEntity)
			r.Get("/entities/{name}/records", s.handleListRecords)
			r.Get("/entities/{name}/records/{id}", s.handleGetRecord)
			r.Delete("/entities/{name}/records/{id}", s.handleDeleteRecord)
			r.Get("/entities/{name}/records/{id}/editors", s.handleEditors)
			r.Get("/entities/{name}/edit", s.handleEditorWS)
			r.Get("/settings/languages", s.handleGetSettings)
			r.Put("/settings/languages", s.handleUpdateSettings)
			r.Get("/search", s.handleSearch)
			r.Post("/uploads", s.handleUpload)
			r.Get("/uploads/url", s.handleAttachmentURL)
		})
	})
	return r
}

func (s *HTTPServer) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		writer := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			middleware.GetReqID(r.Context()),
			r.Method,
			r.URL.Path,
			writer.Status(),
			time.Since(started).Milliseconds(),
		)
	})
}

func (s *HTTPServer) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := w.Header()
		header.Set("Access-Control-Allow-Origin", s.corsOrigin)
		header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
		header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *HTTPServer) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			// websocket clients cannot set headers, so the edit route
			// also accepts the token as a query parameter
			token = r.URL.Query().Get("token")
		}
		if token == "" {
			writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "Missing bearer token", nil)
			return
		}
		session, err := s.service.SessionFromToken(token)
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), sessionKey{}, session)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := map[string]any{"database": map[string]any{"status": "ok"}}
	if err := s.service.Ping(ctx); err != nil {
		status = http.StatusServiceUnavailable
		checks["database"] = map[string]any{"status": "error", "error": err.Error()}
	}
	writeJSON(w, status, map[string]any{"ok": status == http.StatusOK, "checks": checks})
}

func (s *HTTPServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	session, err := s.service.Login(r.Context(), body.Name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "LOGIN_FAILED", "Login failed", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":     session.Token,
		"userId":    session.UserID,
		"userName":  session.UserName,
		"expiresAt": session.ExpiresAt.Unix(),
	})
}

func (s *HTTPServer) handleSession(w http.ResponseWriter, r *http.Request) {
	session := sessionFrom(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"userId":        session.UserID,
		"userName":      session.UserName,
	})
}

func (s *HTTPServer) handleListEntities(w http.ResponseWriter, r *http.Request) {
	entities, err := s.service.Entities(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(entities))
	for _, entity := range entities {
		out = append(out, entityPayload(entity))
	}
	writeJSON(w, http.StatusOK, map[string]any{"entities": out})
}

func (s *HTTPServer) handleSaveEntity(w http.ResponseWriter, r *http.Request) {
	var body EntityInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	body.Name = chi.URLParam(r, "name")
	entity, err := s.service.SaveEntity(r.Context(), body)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entityPayload(entity))
}

func (s *HTTPServer) handleListRecords(w http.ResponseWriter, r *http.Request) {
	records, err := s.service.Records(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(records))
	for _, record := range records {
		out = append(out, recordSummary(record))
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": out})
}

func (s *HTTPServer) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	record, err := s.service.Record(r.Context(), chi.URLParam(r, "name"), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recordPayload(record))
}

func (s *HTTPServer) handleDeleteRecord(w http.ResponseWriter, r *http.Request) {
	err := s.service.DeleteRecord(r.Context(), chi.URLParam(r, "name"), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleEditors(w http.ResponseWriter, r *http.Request) {
	view, err := s.service.Editors(r.Context(), chi.URLParam(r, "name"), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *HTTPServer) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.service.Settings(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *HTTPServer) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var body store.Settings
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	settings, err := s.service.UpdateSettings(r.Context(), body)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	response := s.service.Search(search.Query{
		Text:         q.Get("q"),
		FilterEntity: q.Get("entity"),
		Limit:        limit,
		Offset:       offset,
	})
	writeJSON(w, http.StatusOK, response)
}

const maxUploadBytes = 32 << 20

func (s *HTTPServer) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_UPLOAD", "Could not parse upload", nil)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_UPLOAD", "Missing file field", nil)
		return
	}
	defer file.Close()

	key, err := s.service.Upload(r.Context(), header.Filename, header.Header.Get("Content-Type"), header.Size, file)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"key": key})
}

func (s *HTTPServer) handleAttachmentURL(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		writeError(w, http.StatusBadRequest, "INVALID_KEY", "Missing key parameter", nil)
		return
	}
	url, err := s.service.AttachmentURL(r.Context(), key)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"url": url})
}

func entityPayload(entity store.Entity) map[string]any {
	return map[string]any{
		"id":     entity.ID,
		"name":   entity.Name,
		"label":  entity.Label,
		"fields": json.RawMessage(entity.FieldSchema),
	}
}

func recordSummary(record store.Record) map[string]any {
	return map[string]any{
		"id":        record.ID,
		"title":     record.Title,
		"slug":      record.Slug,
		"updatedBy": record.UpdatedBy,
		"updatedAt": record.UpdatedAt,
	}
}

func recordPayload(record store.Record) map[string]any {
	payload := recordSummary(record)
	payload["data"] = record.Data
	payload["createdAt"] = record.CreatedAt
	return payload
}

func (s *HTTPServer) writeDomainError(w http.ResponseWriter, err error) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		writeError(w, domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details)
		return
	}
	log.Printf("app: internal error: %v", err)
	writeError(w, http.StatusInternalServerError, "INTERNAL", "Internal server error", nil)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(target); err != nil {
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}
