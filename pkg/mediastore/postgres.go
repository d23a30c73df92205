package mediastore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/onestarstream/onestar-vault/pkg/crypto/hybrid"
)

// Postgres is a Store backed by PostgreSQL. The media index owns richer
// tables; this store only touches the wrapped-key column the vault core
// needs.
type Postgres struct {
	db *sql.DB
}

// PostgresConfig holds database connection settings.
type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// NewPostgres connects, verifies the connection and ensures the schema.
func NewPostgres(config PostgresConfig) (*Postgres, error) {
	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.Host,
		config.Port,
		config.User,
		config.Password,
		config.DBName,
		config.SSLMode,
	)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	store := &Postgres{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (p *Postgres) initSchema() error {
	_, err := p.db.Exec(`
		CREATE TABLE IF NOT EXISTS media_records (
			record_id   TEXT PRIMARY KEY,
			user_id     TEXT NOT NULL,
			wrapped_key JSONB NOT NULL,
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS media_records_user_idx ON media_records (user_id);
	`)
	return err
}

// Put inserts or replaces a record.
func (p *Postgres) Put(ctx context.Context, userID, recordID string, wrapped *hybrid.Ciphertext) error {
	payload, err := json.Marshal(wrapped)
	if err != nil {
		return fmt.Errorf("failed to serialize wrapped key: %w", err)
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO media_records (record_id, user_id, wrapped_key, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (record_id)
		DO UPDATE SET wrapped_key = EXCLUDED.wrapped_key, updated_at = now()
	`, recordID, userID, payload)
	if err != nil {
		return fmt.Errorf("failed to upsert media record: %w", err)
	}
	return nil
}

// ListRecords implements Store.
func (p *Postgres) ListRecords(ctx context.Context, userID string) (Iterator, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT record_id, wrapped_key
		FROM media_records
		WHERE user_id = $1
		ORDER BY record_id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list media records: %w", err)
	}
	return &rowsIterator{rows: rows}, nil
}

// UpdateWrappedKey implements Store.
func (p *Postgres) UpdateWrappedKey(ctx context.Context, recordID string, wrapped *hybrid.Ciphertext) error {
	payload, err := json.Marshal(wrapped)
	if err != nil {
		return fmt.Errorf("failed to serialize wrapped key: %w", err)
	}

	result, err := p.db.ExecContext(ctx, `
		UPDATE media_records
		SET wrapped_key = $2, updated_at = now()
		WHERE record_id = $1
	`, recordID, payload)
	if err != nil {
		return fmt.Errorf("failed to update media record: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if affected == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// Close releases the connection pool.
func (p *Postgres) Close() error {
	return p.db.Close()
}

type rowsIterator struct {
	rows    *sql.Rows
	current *Record
	err     error
}

func (it *rowsIterator) Next() bool {
	if it.err != nil {
		return false
	}
	if !it.rows.Next() {
		it.err = it.rows.Err()
		return false
	}

	var recordID string
	var payload []byte
	if err := it.rows.Scan(&recordID, &payload); err != nil {
		it.err = err
		return false
	}

	wrapped := &hybrid.Ciphertext{}
	if err := json.Unmarshal(payload, wrapped); err != nil {
		it.err = fmt.Errorf("failed to parse wrapped key for %s: %w", recordID, err)
		return false
	}

	it.current = &Record{RecordID: recordID, WrappedKey: wrapped}
	return true
}

func (it *rowsIterator) Record() *Record {
	return it.current
}

func (it *rowsIterator) Err() error {
	return it.err
}

func (it *rowsIterator) Close() error {
	return it.rows.Close()
}
