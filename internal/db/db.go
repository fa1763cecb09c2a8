package db

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// NotifyChannel is the LISTEN channel the documents trigger publishes to.
// Payloads have the form "<kind>:<version>".
const NotifyChannel = "document_changes"

// Connect opens the database connection and runs migrations.
func Connect(ctx context.Context, dsn string, logger *zap.Logger) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}

	if err := Migrate(ctx, db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return db, nil
}

// Migrate applies the document schema. Every statement is idempotent.
func Migrate(ctx context.Context, db *sqlx.DB, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	for i, m := range migrations {
		if _, err := db.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	logger.Info("database migrations applied", zap.Int("statements", len(migrations)))
	return nil
}

var migrations = []string{
	`CREATE SEQUENCE IF NOT EXISTS document_version_seq;`,
	`CREATE TABLE IF NOT EXISTS documents (
            kind TEXT NOT NULL,
            id TEXT NOT NULL,
            body JSONB NOT NULL,
            owners TEXT[] NOT NULL DEFAULT '{}',
            conversation_id TEXT,
            sort_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            version BIGINT NOT NULL DEFAULT nextval('document_version_seq'),
            deleted BOOLEAN NOT NULL DEFAULT FALSE,
            PRIMARY KEY(kind, id)
        );`,
	`CREATE INDEX IF NOT EXISTS documents_kind_version_idx ON documents (kind, version);`,
	`CREATE INDEX IF NOT EXISTS documents_owners_idx ON documents USING GIN (owners);`,
	`CREATE INDEX IF NOT EXISTS documents_conversation_idx ON documents (conversation_id, sort_at) WHERE kind = 'message';`,
	`CREATE TABLE IF NOT EXISTS applied_writes (
            key TEXT PRIMARY KEY,
            mutation_id TEXT NOT NULL,
            applied_at TIMESTAMPTZ DEFAULT NOW()
        );`,
	`CREATE TABLE IF NOT EXISTS feed_horizon (
            id BOOLEAN PRIMARY KEY DEFAULT TRUE CHECK (id),
            version BIGINT NOT NULL
        );`,
	`INSERT INTO feed_horizon (id, version) VALUES (TRUE, 0) ON CONFLICT (id) DO NOTHING;`,
	`CREATE OR REPLACE FUNCTION documents_bump_version() RETURNS trigger AS $$
        BEGIN
            NEW.version := nextval('document_version_seq');
            RETURN NEW;
        END;
        $$ LANGUAGE plpgsql;`,
	`DROP TRIGGER IF EXISTS documents_version ON documents;`,
	`CREATE TRIGGER documents_version BEFORE UPDATE ON documents
        FOR EACH ROW EXECUTE FUNCTION documents_bump_version();`,
	`CREATE OR REPLACE FUNCTION documents_notify() RETURNS trigger AS $$
        BEGIN
            PERFORM pg_notify('` + NotifyChannel + `', NEW.kind || ':' || NEW.version);
            RETURN NEW;
        END;
        $$ LANGUAGE plpgsql;`,
	`DROP TRIGGER IF EXISTS documents_notify ON documents;`,
	`CREATE TRIGGER documents_notify AFTER INSERT OR UPDATE ON documents
        FOR EACH ROW EXECUTE FUNCTION documents_notify();`,
}
