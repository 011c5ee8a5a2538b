// Package app ties the coordination core to its transports: it resolves
// entities and records for the HTTP API, mounts edit sessions over
// websockets, and keeps the search index fed from record lifecycle events.
package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"curator/api/internal/auth"
	"curator/api/internal/broadcast"
	"curator/api/internal/config"
	"curator/api/internal/editor"
	"curator/api/internal/multilang"
	"curator/api/internal/presence"
	"curator/api/internal/schema"
	"curator/api/internal/search"
	"curator/api/internal/store"
	"curator/api/internal/util"
)

// Session is an authenticated caller.
type Session struct {
	Token     string
	UserID    string
	UserName  string
	ExpiresAt time.Time
}

type dataStore interface {
	ListEntities(context.Context) ([]store.Entity, error)
	GetEntityByName(context.Context, string) (store.Entity, error)
	UpsertEntity(context.Context, store.Entity) error
	GetRecord(context.Context, string) (store.Record, error)
	ListRecords(context.Context, string) ([]store.Record, error)
	CreateRecord(context.Context, store.Record) (store.Record, error)
	UpdateRecord(context.Context, store.Record) (store.Record, error)
	DeleteRecord(context.Context, string) error
	GetSettings(context.Context) (store.Settings, error)
	SaveSettings(context.Context, store.Settings) error
	Ping(context.Context) error
}

type searchService interface {
	Search(search.Query) search.Response
	IndexRecord(search.RecordDocument)
	DeleteRecord(string)
}

type attachmentStore interface {
	Put(ctx context.Context, filename, contentType string, size int64, body io.Reader) (string, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
	PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error)
}

type Service struct {
	cfg      config.Config
	store    dataStore
	search   searchService
	presence *presence.Store
	broker   *broadcast.Broker
	blob     attachmentStore
}

// New wires the service. presence, broker, searchService, and blob may be
// nil; the corresponding features degrade instead of failing.
func New(cfg config.Config, dataStore *store.PostgresStore, searchService *search.Service, presenceStore *presence.Store, broker *broadcast.Broker, blob attachmentStore) *Service {
	s := &Service{
		cfg:      cfg,
		store:    dataStore,
		presence: presenceStore,
		broker:   broker,
		blob:     blob,
	}
	if searchService != nil {
		s.search = searchService
	}
	return s
}

// Login issues a signed identity token for a display name supplied by the
// host application. There are no passwords here; the embedding host has
// already authenticated its users.
func (s *Service) Login(ctx context.Context, name string) (Session, error) {
	userName := strings.TrimSpace(name)
	if userName == "" {
		userName = "User"
	}

	userID := util.NewID("usr")
	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), userID, userName, s.cfg.AccessTTL)
	if err != nil {
		return Session{}, fmt.Errorf("issue token: %w", err)
	}

	return Session{
		Token:     token,
		UserID:    userID,
		UserName:  userName,
		ExpiresAt: time.Now().Add(s.cfg.AccessTTL),
	}, nil
}

// SessionFromToken verifies a bearer token and rebuilds the session.
func (s *Service) SessionFromToken(token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, domainError(http.StatusUnauthorized, "INVALID_TOKEN", "Invalid or expired token", nil)
	}
	return Session{
		Token:    token,
		UserID:   claims.Subject,
		UserName: claims.Name,
	}, nil
}

type EntityInput struct {
	Name   string          `json:"name"`
	Label  string          `json:"label"`
	Fields json.RawMessage `json:"fields"`
}

func (s *Service) Entities(ctx context.Context) ([]store.Entity, error) {
	return s.store.ListEntities(ctx)
}

func (s *Service) EntityByName(ctx context.Context, name string) (store.Entity, error) {
	entity, err := s.store.GetEntityByName(ctx, name)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Entity{}, domainError(http.StatusNotFound, "ENTITY_NOT_FOUND", fmt.Sprintf("No entity named %q", name), nil)
	}
	return entity, err
}

// SaveEntity creates or replaces an entity definition. The field schema is
// parsed up front so a broken definition never reaches the form layer.
func (s *Service) SaveEntity(ctx context.Context, input EntityInput) (store.Entity, error) {
	name := strings.TrimSpace(strings.ToLower(input.Name))
	if name == "" {
		return store.Entity{}, domainError(http.StatusBadRequest, "INVALID_ENTITY", "Entity name is required", nil)
	}
	if _, err := schema.ParseFields(input.Fields); err != nil {
		return store.Entity{}, domainError(http.StatusBadRequest, "INVALID_SCHEMA", err.Error(), nil)
	}

	entity := store.Entity{
		Name:        name,
		Label:       strings.TrimSpace(input.Label),
		FieldSchema: input.Fields,
	}
	existing, err := s.store.GetEntityByName(ctx, name)
	switch {
	case err == nil:
		entity.ID = existing.ID
	case errors.Is(err, sql.ErrNoRows):
		entity.ID = util.NewID("ent")
	default:
		return store.Entity{}, err
	}

	if err := s.store.UpsertEntity(ctx, entity); err != nil {
		return store.Entity{}, err
	}
	return entity, nil
}

func (s *Service) Records(ctx context.Context, entityName string) ([]store.Record, error) {
	entity, err := s.EntityByName(ctx, entityName)
	if err != nil {
		return nil, err
	}
	return s.store.ListRecords(ctx, entity.ID)
}

func (s *Service) Record(ctx context.Context, entityName, id string) (store.Record, error) {
	entity, err := s.EntityByName(ctx, entityName)
	if err != nil {
		return store.Record{}, err
	}
	record, err := s.store.GetRecord(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Record{}, domainError(http.StatusNotFound, "RECORD_NOT_FOUND", "Record not found", nil)
	}
	if err != nil {
		return store.Record{}, err
	}
	if record.EntityID != entity.ID {
		return store.Record{}, domainError(http.StatusNotFound, "RECORD_NOT_FOUND", "Record not found", nil)
	}
	return record, nil
}

// DeleteRecord removes a record, evicts any open edit sessions on it,
// drops it from the search index, and releases its attachments.
func (s *Service) DeleteRecord(ctx context.Context, entityName, id string) error {
	entity, err := s.EntityByName(ctx, entityName)
	if err != nil {
		return err
	}
	record, err := s.store.GetRecord(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return domainError(http.StatusNotFound, "RECORD_NOT_FOUND", "Record not found", nil)
	}
	if err != nil {
		return err
	}
	if record.EntityID != entity.ID {
		return domainError(http.StatusNotFound, "RECORD_NOT_FOUND", "Record not found", nil)
	}
	if err := s.store.DeleteRecord(ctx, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domainError(http.StatusNotFound, "RECORD_NOT_FOUND", "Record not found", nil)
		}
		return err
	}
	s.deleteAttachments(ctx, entity, record)

	if s.broker != nil {
		payload, _ := json.Marshal(editor.LifecycleEvent{
			EntityName: entityName,
			RecordID:   record.ID,
			Title:      record.Title,
		})
		msg := broadcast.Message{Kind: broadcast.KindRecordDeleted, Payload: payload}
		// edit topic first so open sessions evict, then the lifecycle feed
		if err := s.broker.Publish(ctx, TopicForRecord(entityName, record.ID), msg); err != nil {
			log.Printf("app: publish delete on edit topic: %v", err)
		}
		if err := s.broker.Publish(ctx, editor.LifecycleTopic, msg); err != nil {
			log.Printf("app: publish delete lifecycle: %v", err)
		}
	}
	if s.search != nil {
		s.search.DeleteRecord(record.ID)
	}
	return nil
}

// deleteAttachments removes the objects referenced by a deleted record's
// file fields. Best effort: a failed delete only leaves an orphan behind.
func (s *Service) deleteAttachments(ctx context.Context, entity store.Entity, record store.Record) {
	if s.blob == nil {
		return
	}
	fields, err := schema.ParseFields(entity.FieldSchema)
	if err != nil {
		return
	}
	for _, key := range attachmentKeys(fields, record.Data) {
		if err := s.blob.Delete(ctx, key); err != nil {
			log.Printf("app: delete attachment %s: %v", key, err)
		}
	}
}

// attachmentKeys collects the object keys held by file fields, across
// every language tab when the data is language-wrapped.
func attachmentKeys(fields []schema.Field, data map[string]any) []string {
	var fileKeys []string
	for _, field := range fields {
		if field.Kind == schema.KindFile {
			fileKeys = append(fileKeys, field.Key)
		}
	}
	if len(fileKeys) == 0 || data == nil {
		return nil
	}
	tabs := []map[string]any{data}
	if multilang.IsWrapped(data) {
		tabs = tabs[:0]
		for key, value := range data {
			if key == multilang.PrimaryKey {
				continue
			}
			if tab, ok := value.(map[string]any); ok {
				tabs = append(tabs, tab)
			}
		}
	}
	var keys []string
	for _, tab := range tabs {
		for _, fileKey := range fileKeys {
			if value, ok := tab[fileKey].(string); ok && value != "" {
				keys = append(keys, value)
			}
		}
	}
	return keys
}

// Editors returns the live "who is editing" projection for a record.
func (s *Service) Editors(ctx context.Context, entityName, recordID string) (editor.EditorsView, error) {
	if s.presence == nil {
		return editor.EditorsView{Spectators: []editor.Identity{}}, nil
	}
	entries, err := s.presence.List(ctx, TopicForRecord(entityName, recordID))
	if err != nil {
		return editor.EditorsView{}, err
	}
	return editor.View(entries), nil
}

// Settings returns the persisted language settings, falling back to the
// configured defaults when none have been saved yet.
func (s *Service) Settings(ctx context.Context) (store.Settings, error) {
	settings, err := s.store.GetSettings(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Settings{
			PrimaryLanguage:  s.cfg.DefaultPrimaryLanguage,
			EnabledLanguages: s.cfg.DefaultEnabledLanguages,
			Multilingual:     false,
		}, nil
	}
	return settings, err
}

// UpdateSettings validates and persists the language setup. The primary
// language is always part of the enabled set.
func (s *Service) UpdateSettings(ctx context.Context, settings store.Settings) (store.Settings, error) {
	primary := normalizeLang(settings.PrimaryLanguage)
	if primary == "" {
		return store.Settings{}, domainError(http.StatusBadRequest, "INVALID_SETTINGS", "Primary language is required", nil)
	}

	enabled := make([]string, 0, len(settings.EnabledLanguages)+1)
	seen := map[string]bool{}
	for _, lang := range settings.EnabledLanguages {
		code := normalizeLang(lang)
		if code == "" || seen[code] {
			continue
		}
		seen[code] = true
		enabled = append(enabled, code)
	}
	if !seen[primary] {
		enabled = append([]string{primary}, enabled...)
	}

	out := store.Settings{
		PrimaryLanguage:  primary,
		EnabledLanguages: enabled,
		Multilingual:     settings.Multilingual,
	}
	if err := s.store.SaveSettings(ctx, out); err != nil {
		return store.Settings{}, err
	}
	return out, nil
}

// LanguageSettings snapshots the persisted settings in the form the merge
// engine consumes.
func (s *Service) LanguageSettings(ctx context.Context) (multilang.Settings, error) {
	settings, err := s.Settings(ctx)
	if err != nil {
		return multilang.Settings{}, err
	}
	return multilang.Settings{
		Primary:      settings.PrimaryLanguage,
		Enabled:      settings.EnabledLanguages,
		Multilingual: settings.Multilingual,
	}, nil
}

func (s *Service) Search(q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(q)
}

// Upload stores an attachment and returns its object key.
func (s *Service) Upload(ctx context.Context, filename, contentType string, size int64, body io.Reader) (string, error) {
	if s.blob == nil {
		return "", domainError(http.StatusServiceUnavailable, "UPLOADS_UNAVAILABLE", "Attachment storage is not configured", nil)
	}
	return s.blob.Put(ctx, filename, contentType, size, body)
}

// AttachmentURL returns a short-lived download URL for an object key.
func (s *Service) AttachmentURL(ctx context.Context, key string) (string, error) {
	if s.blob == nil {
		return "", domainError(http.StatusServiceUnavailable, "UPLOADS_UNAVAILABLE", "Attachment storage is not configured", nil)
	}
	return s.blob.PresignGet(ctx, key, 15*time.Minute)
}

// TopicForRecord names the editing topic of one record.
func TopicForRecord(entityName, recordID string) string {
	return "edit:" + entityName + ":" + recordID
}

// MountEditor opens an edit session for one participant on a record of the
// named entity. recordID may be empty for a brand-new record.
func (s *Service) MountEditor(ctx context.Context, session Session, entityName, recordID string) (*editor.Session, error) {
	entity, err := s.EntityByName(ctx, entityName)
	if err != nil {
		return nil, err
	}
	fields, err := schema.ParseFields(entity.FieldSchema)
	if err != nil {
		return nil, domainError(http.StatusConflict, "INVALID_SCHEMA", err.Error(), nil)
	}
	languages, err := s.LanguageSettings(ctx)
	if err != nil {
		return nil, err
	}

	deps := editor.Deps{Store: s.store, Attachments: s.blob}
	if s.presence != nil {
		deps.Presence = s.presence
	}
	if s.broker != nil {
		deps.Broker = s.broker
	}

	edit, err := editor.Mount(ctx, deps, editor.Config{
		Topic:    TopicForRecord(entityName, recordID),
		Entity:   entity,
		Fields:   fields,
		RecordID: recordID,
		Identity: editor.Identity{
			// connection-scoped: a second tab of the same user gets its own
			ParticipantID: uuid.NewString(),
			UserID:        session.UserID,
			UserName:      session.UserName,
		},
		Languages: languages,
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domainError(http.StatusNotFound, "RECORD_NOT_FOUND", "Record not found", nil)
		}
		return nil, err
	}
	return edit, nil
}

// WatchLifecycle keeps the search index fed from record lifecycle
// broadcasts. It blocks until ctx is cancelled.
func (s *Service) WatchLifecycle(ctx context.Context) {
	if s.broker == nil || s.search == nil {
		return
	}
	msgs, cancel, err := s.broker.Subscribe(ctx, editor.LifecycleTopic)
	if err != nil {
		log.Printf("app: lifecycle subscribe: %v", err)
		return
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			s.applyLifecycle(ctx, msg)
		}
	}
}

func (s *Service) applyLifecycle(ctx context.Context, msg broadcast.Message) {
	var event editor.LifecycleEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		log.Printf("app: bad lifecycle payload: %v", err)
		return
	}

	switch msg.Kind {
	case broadcast.KindRecordCreated, broadcast.KindRecordUpdated:
		record, err := s.store.GetRecord(ctx, event.RecordID)
		if err != nil {
			log.Printf("app: lifecycle load %s: %v", event.RecordID, err)
			return
		}
		s.search.IndexRecord(search.RecordDocument{
			ID:         record.ID,
			EntityID:   record.EntityID,
			EntityName: event.EntityName,
			Title:      record.Title,
			Slug:       record.Slug,
			Body:       search.FlattenData(record.Data),
		})
	case broadcast.KindRecordDeleted:
		s.search.DeleteRecord(event.RecordID)
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Bootstrap seeds a first entity and a couple of records so a fresh
// install has something to open.
func (s *Service) Bootstrap(ctx context.Context) error {
	entities, err := s.store.ListEntities(ctx)
	if err != nil {
		return err
	}
	if len(entities) > 0 {
		return nil
	}

	fields, _ := json.Marshal([]schema.Field{
		{Key: "body", Label: "Body", Kind: schema.KindTextarea, Required: true},
		{Key: "summary", Label: "Summary", Kind: schema.KindText},
		{Key: "published_on", Label: "Published on", Kind: schema.KindDate},
		{Key: "featured", Label: "Featured", Kind: schema.KindBoolean},
	})
	entity := store.Entity{
		ID:          util.NewID("ent"),
		Name:        "articles",
		Label:       "Articles",
		FieldSchema: fields,
	}
	if err := s.store.UpsertEntity(ctx, entity); err != nil {
		return err
	}

	seeds := []struct {
		Title string
		Body  string
	}{
		{Title: "Welcome", Body: "This space is managed collaboratively. Open a record to start editing."},
		{Title: "House Style", Body: "Short sentences. Active voice. One idea per paragraph."},
	}
	for _, seed := range seeds {
		_, err := s.store.CreateRecord(ctx, store.Record{
			ID:       util.NewID("rec"),
			EntityID: entity.ID,
			Title:    seed.Title,
			Slug:     editor.Slugify(seed.Title),
			Data:     map[string]any{"body": seed.Body},
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func normalizeLang(code string) string {
	return strings.ToLower(strings.TrimSpace(code))
}
