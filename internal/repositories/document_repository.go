package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"chat-sync/internal/feed"
	"chat-sync/internal/models"
	"chat-sync/internal/mutation"
	"chat-sync/internal/syncerr"
)

// writeLock serializes writers so document versions become visible in
// increasing order and a version cursor never skips a late commit.
const writeLock int64 = 0x73796e63

// DocumentRepository abstracts document persistence.
type DocumentRepository interface {
	Snapshot(ctx context.Context, q feed.Query) ([]Document, int64, error)
	ChangesSince(ctx context.Context, q feed.Query, version int64) ([]Document, error)
	Put(ctx context.Context, ent models.Entity, owners []string) error
	Delete(ctx context.Context, ref models.Ref) error
	ApplyWrite(ctx context.Context, w mutation.RemoteWrite) error
	Purge(ctx context.Context, through int64) (int64, error)
}

// DocumentRepo is a sqlx implementation of DocumentRepository. It also
// implements mutation.Writer.
type DocumentRepo struct {
	db *sqlx.DB
}

// NewDocumentRepo constructs a DocumentRepo.
func NewDocumentRepo(db *sqlx.DB) *DocumentRepo {
	return &DocumentRepo{db: db}
}

var _ mutation.Writer = (*DocumentRepo)(nil)

// Snapshot returns the live documents matching q and the version they were
// read at.
func (r *DocumentRepo) Snapshot(ctx context.Context, q feed.Query) ([]Document, int64, error) {
	query, args, err := selectQuery(q, 0, true)
	if err != nil {
		return nil, 0, err
	}
	tx, err := r.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return nil, 0, mapError(err)
	}
	defer tx.Rollback()

	var head int64
	if err := tx.GetContext(ctx, &head, `SELECT COALESCE(MAX(version), 0) FROM documents`); err != nil {
		return nil, 0, mapError(err)
	}
	docs := make([]Document, 0)
	if err := tx.SelectContext(ctx, &docs, query, args...); err != nil {
		return nil, 0, mapError(err)
	}
	return docs, head, mapError(tx.Commit())
}

// ChangesSince returns rows matching q changed after version, oldest first.
// Versions below the purge horizon or ahead of the table cannot be resumed.
func (r *DocumentRepo) ChangesSince(ctx context.Context, q feed.Query, version int64) ([]Document, error) {
	query, args, err := selectQuery(q, version, false)
	if err != nil {
		return nil, err
	}
	var bounds struct {
		Horizon int64 `db:"horizon"`
		Head    int64 `db:"head"`
	}
	if err := r.db.GetContext(ctx, &bounds,
		`SELECT (SELECT version FROM feed_horizon) AS horizon, COALESCE(MAX(version), 0) AS head FROM documents`); err != nil {
		return nil, mapError(err)
	}
	if version < bounds.Horizon || version > bounds.Head {
		return nil, feed.ErrResumeExpired
	}

	docs := make([]Document, 0)
	if err := r.db.SelectContext(ctx, &docs, query, args...); err != nil {
		return nil, mapError(err)
	}
	return docs, nil
}

// Put inserts or replaces a full document.
func (r *DocumentRepo) Put(ctx context.Context, ent models.Entity, owners []string) error {
	doc, err := NewDocument(ent, owners)
	if err != nil {
		return err
	}
	return r.inWriteTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.NamedExecContext(ctx, `INSERT INTO documents (kind, id, body, owners, conversation_id, sort_at)
            VALUES (:kind, :id, :body, :owners, :conversation_id, :sort_at)
            ON CONFLICT (kind, id) DO UPDATE SET body = EXCLUDED.body, owners = EXCLUDED.owners,
                conversation_id = EXCLUDED.conversation_id, sort_at = EXCLUDED.sort_at, deleted = FALSE`, doc)
		return err
	})
}

// Delete marks a document removed. The row stays so feeds can replay the
// removal until it is purged.
func (r *DocumentRepo) Delete(ctx context.Context, ref models.Ref) error {
	return r.inWriteTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE documents SET deleted = TRUE WHERE kind=$1 AND id=$2 AND deleted = FALSE`, string(ref.Kind), ref.ID)
		return err
	})
}

// Apply implements mutation.Writer.
func (r *DocumentRepo) Apply(ctx context.Context, w mutation.RemoteWrite) error {
	return r.ApplyWrite(ctx, w)
}

// ApplyWrite applies w once per key. A repeated key commits nothing.
func (r *DocumentRepo) ApplyWrite(ctx context.Context, w mutation.RemoteWrite) error {
	return r.inWriteTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `INSERT INTO applied_writes (key, mutation_id) VALUES ($1, $2) ON CONFLICT (key) DO NOTHING`, w.Key, w.MutationID)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil || n == 0 {
			return err
		}

		doc, err := lockDocument(ctx, tx, w.Ref)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && doc.Deleted) {
			return syncerr.Validation(syncerr.ErrNotFound, w.Ref, "remote %s", w.Op)
		}
		if err != nil {
			return err
		}
		ent, err := doc.Entity()
		if err != nil {
			return err
		}
		next, parent, err := mutation.ApplyRemote(ent, w)
		if err != nil {
			return err
		}
		if err := updateBody(ctx, tx, next); err != nil {
			return err
		}
		if parent == nil {
			return nil
		}

		conv, err := lockDocument(ctx, tx, parent.Target)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && conv.Deleted) {
			return nil
		}
		if err != nil {
			return err
		}
		convEnt, err := conv.Entity()
		if err != nil {
			return err
		}
		return updateBody(ctx, tx, parent.Apply(convEnt))
	})
}

// Purge drops removed rows at or below through and moves the resume horizon
// there.
func (r *DocumentRepo) Purge(ctx context.Context, through int64) (int64, error) {
	var purged int64
	err := r.inWriteTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE deleted = TRUE AND version <= $1`, through)
		if err != nil {
			return err
		}
		if purged, err = res.RowsAffected(); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE feed_horizon SET version = GREATEST(version, $1)`, through)
		return err
	})
	return purged, err
}

func (r *DocumentRepo) inWriteTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return mapError(err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, writeLock); err != nil {
		return mapError(err)
	}
	if err := fn(tx); err != nil {
		return mapError(err)
	}
	if err := tx.Commit(); err != nil {
		return mapError(fmt.Errorf("commit: %w", err))
	}
	return nil
}

func lockDocument(ctx context.Context, tx *sqlx.Tx, ref models.Ref) (Document, error) {
	var doc Document
	err := tx.GetContext(ctx, &doc, `SELECT `+documentColumns+` FROM documents WHERE kind=$1 AND id=$2 FOR UPDATE`, string(ref.Kind), ref.ID)
	return doc, err
}

func updateBody(ctx context.Context, tx *sqlx.Tx, ent models.Entity) error {
	doc, err := NewDocument(ent, nil)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `UPDATE documents SET body = $3, sort_at = $4 WHERE kind=$1 AND id=$2`,
		string(doc.Kind), doc.ID, doc.Body, doc.SortAt)
	return err
}
