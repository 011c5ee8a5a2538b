package store

import (
	"encoding/json"
	"time"
)

// Entity is a host-defined content schema: a name plus an ordered list of
// field definitions stored as JSON.
type Entity struct {
	ID          string
	Name        string
	Label       string
	FieldSchema json.RawMessage
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Record is one row of an entity. Title and Slug are scalar columns used
// by listings and lookups; Data holds the schema-driven (and possibly
// language-wrapped) field values.
type Record struct {
	ID        string
	EntityID  string
	Title     string
	Slug      string
	Data      map[string]any
	UpdatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Settings is the globally configured language setup, persisted as a
// single settings row and snapshotted per edit session.
type Settings struct {
	PrimaryLanguage  string   `json:"primary_language"`
	EnabledLanguages []string `json:"enabled_languages"`
	Multilingual     bool     `json:"multilingual"`
}
