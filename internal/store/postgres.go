package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// ConflictError is a store rejection that maps onto a concrete field, e.g.
// a uniqueness violation on slug. It is surfaced like a validation error,
// never as a fatal failure.
type ConflictError struct {
	Field   string
	Message string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Message)
}

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) ListEntities(ctx context.Context) ([]Entity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, label, field_schema, created_at, updated_at
		FROM entities
		ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	defer rows.Close()

	var entities []Entity
	for rows.Next() {
		var entity Entity
		if err := rows.Scan(&entity.ID, &entity.Name, &entity.Label, &entity.FieldSchema, &entity.CreatedAt, &entity.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		entities = append(entities, entity)
	}
	return entities, rows.Err()
}

func (s *PostgresStore) GetEntityByName(ctx context.Context, name string) (Entity, error) {
	var entity Entity
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, label, field_schema, created_at, updated_at
		FROM entities WHERE name = $1
	`, name).Scan(&entity.ID, &entity.Name, &entity.Label, &entity.FieldSchema, &entity.CreatedAt, &entity.UpdatedAt)
	if err != nil {
		return Entity{}, err
	}
	return entity, nil
}

func (s *PostgresStore) UpsertEntity(ctx context.Context, entity Entity) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO entities (id, name, label, field_schema)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (name) DO UPDATE SET label=EXCLUDED.label, field_schema=EXCLUDED.field_schema, updated_at=NOW()
	`, entity.ID, entity.Name, entity.Label, entity.FieldSchema)
	if err != nil {
		return fmt.Errorf("upsert entity: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetRecord(ctx context.Context, id string) (Record, error) {
	var record Record
	var data []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, entity_id, title, slug, data, updated_by, created_at, updated_at
		FROM records WHERE id = $1
	`, id).Scan(&record.ID, &record.EntityID, &record.Title, &record.Slug, &data, &record.UpdatedBy, &record.CreatedAt, &record.UpdatedAt)
	if err != nil {
		return Record{}, err
	}
	if err := json.Unmarshal(data, &record.Data); err != nil {
		return Record{}, fmt.Errorf("unmarshal record data: %w", err)
	}
	return record, nil
}

func (s *PostgresStore) ListRecords(ctx context.Context, entityID string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entity_id, title, slug, data, updated_by, created_at, updated_at
		FROM records WHERE entity_id = $1
		ORDER BY updated_at DESC
	`, entityID)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var record Record
		var data []byte
		if err := rows.Scan(&record.ID, &record.EntityID, &record.Title, &record.Slug, &data, &record.UpdatedBy, &record.CreatedAt, &record.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		if err := json.Unmarshal(data, &record.Data); err != nil {
			return nil, fmt.Errorf("unmarshal record data: %w", err)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

func (s *PostgresStore) CreateRecord(ctx context.Context, record Record) (Record, error) {
	data, err := json.Marshal(record.Data)
	if err != nil {
		return Record{}, fmt.Errorf("marshal record data: %w", err)
	}
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO records (id, entity_id, title, slug, data, updated_by)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at
	`, record.ID, record.EntityID, record.Title, record.Slug, data, record.UpdatedBy).Scan(&record.CreatedAt, &record.UpdatedAt)
	if err != nil {
		return Record{}, wrapRecordError("create record", err)
	}
	return record, nil
}

func (s *PostgresStore) UpdateRecord(ctx context.Context, record Record) (Record, error) {
	data, err := json.Marshal(record.Data)
	if err != nil {
		return Record{}, fmt.Errorf("marshal record data: %w", err)
	}
	err = s.db.QueryRowContext(ctx, `
		UPDATE records
		SET title=$2, slug=$3, data=$4, updated_by=$5, updated_at=NOW()
		WHERE id=$1
		RETURNING created_at, updated_at
	`, record.ID, record.Title, record.Slug, data, record.UpdatedBy).Scan(&record.CreatedAt, &record.UpdatedAt)
	if err != nil {
		return Record{}, wrapRecordError("update record", err)
	}
	return record, nil
}

func (s *PostgresStore) DeleteRecord(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) GetSettings(ctx context.Context) (Settings, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = 'languages'`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return Settings{}, sql.ErrNoRows
	}
	if err != nil {
		return Settings{}, fmt.Errorf("read settings: %w", err)
	}
	var settings Settings
	if err := json.Unmarshal(raw, &settings); err != nil {
		return Settings{}, fmt.Errorf("unmarshal settings: %w", err)
	}
	return settings, nil
}

func (s *PostgresStore) SaveSettings(ctx context.Context, settings Settings) error {
	raw, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value)
		VALUES ('languages', $1)
		ON CONFLICT (key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()
	`, raw)
	if err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

// wrapRecordError turns a slug uniqueness violation into a ConflictError so
// the save pipeline can fold it onto the slug field instead of failing.
func wrapRecordError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return &ConflictError{Field: "slug", Message: "has already been taken"}
	}
	if errors.Is(err, sql.ErrNoRows) {
		return sql.ErrNoRows
	}
	return fmt.Errorf("%s: %w", op, err)
}
