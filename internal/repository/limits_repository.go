package repository

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var limitsJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// LimitsRepository - работа с таблицей risk_limits
//
// Документ лимитов хранится целиком одной jsonb-записью (всегда id=1):
// лимиты меняются редко и читаются как единое целое, построчная схема
// тут не нужна. Реализует интерфейс Persister хранилища лимитов.
type LimitsRepository struct {
	db *sql.DB
}

// NewLimitsRepository создает новый экземпляр репозитория
func NewLimitsRepository(db *sql.DB) *LimitsRepository {
	return &LimitsRepository{db: db}
}

// EnsureSchema создаёт таблицу лимитов, если её ещё нет
func (r *LimitsRepository) EnsureSchema() error {
	query := `
		CREATE TABLE IF NOT EXISTS risk_limits (
			id INTEGER PRIMARY KEY,
			doc JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`

	if _, err := r.db.Exec(query); err != nil {
		return fmt.Errorf("failed to create risk_limits table: %w", err)
	}
	return nil
}

// Load читает документ лимитов; (nil, nil) если записи ещё нет
func (r *LimitsRepository) Load() (map[string]interface{}, error) {
	query := `SELECT doc FROM risk_limits WHERE id = 1`

	var raw []byte
	err := r.db.QueryRow(query).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load risk limits: %w", err)
	}

	var doc map[string]interface{}
	if err := limitsJSON.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse risk limits document: %w", err)
	}
	return doc, nil
}

// Save записывает документ лимитов целиком (upsert по id=1)
func (r *LimitsRepository) Save(doc map[string]interface{}) error {
	raw, err := limitsJSON.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal risk limits: %w", err)
	}

	query := `
		INSERT INTO risk_limits (id, doc, updated_at)
		VALUES (1, $1, $2)
		ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc, updated_at = EXCLUDED.updated_at`

	if _, err := r.db.Exec(query, raw, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to save risk limits: %w", err)
	}
	return nil
}
