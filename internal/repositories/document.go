package repositories

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx/types"
	"github.com/lib/pq"

	"chat-sync/internal/feed"
	"chat-sync/internal/models"
	"chat-sync/internal/syncerr"
)

const documentColumns = `kind, id, body, owners, conversation_id, sort_at, version, deleted`

// Document is one row of the documents table.
type Document struct {
	Kind           models.Kind    `db:"kind"`
	ID             string         `db:"id"`
	Body           types.JSONText `db:"body"`
	Owners         pq.StringArray `db:"owners"`
	ConversationID sql.NullString `db:"conversation_id"`
	SortAt         time.Time      `db:"sort_at"`
	Version        int64          `db:"version"`
	Deleted        bool           `db:"deleted"`
}

// NewDocument encodes ent for storage. Conversations are always visible to
// their participants in addition to owners.
func NewDocument(ent models.Entity, owners []string) (Document, error) {
	body, err := json.Marshal(ent)
	if err != nil {
		return Document{}, fmt.Errorf("encode %s: %w", ent.EntityRef(), err)
	}
	ref := ent.EntityRef()
	doc := Document{Kind: ref.Kind, ID: ref.ID, Body: types.JSONText(body), SortAt: sortAt(ent)}
	switch e := ent.(type) {
	case *models.Conversation:
		owners = append(append([]string(nil), owners...), e.ParticipantIDs...)
	case *models.Message:
		doc.ConversationID = sql.NullString{String: e.ConversationID, Valid: true}
	}
	doc.Owners = pq.StringArray(models.NormalizeParticipants(owners))
	if doc.Owners == nil {
		doc.Owners = pq.StringArray{}
	}
	return doc, nil
}

func (d Document) Ref() models.Ref {
	return models.Ref{Kind: d.Kind, ID: d.ID}
}

func (d Document) Entity() (models.Entity, error) {
	return models.Decode(d.Kind, d.Body)
}

// Event turns the row into a feed event. Rows read for a snapshot are
// additions, later reads modifications.
func (d Document) Event(snapshot bool) (models.ChangeEvent, error) {
	if d.Deleted {
		return models.Removed(d.Ref()), nil
	}
	ent, err := d.Entity()
	if err != nil {
		return models.ChangeEvent{}, err
	}
	if snapshot {
		return models.Added(ent), nil
	}
	return models.Modified(ent), nil
}

func sortAt(ent models.Entity) time.Time {
	switch e := ent.(type) {
	case *models.Conversation:
		return e.UpdatedAt
	case *models.Message:
		return e.CreatedAt
	case *models.Notification:
		return e.CreatedAt
	}
	return time.Time{}
}

// selectQuery builds the SELECT for a snapshot of q, or for the changes of q
// after version when snapshot is false.
func selectQuery(q feed.Query, version int64, snapshot bool) (string, []any, error) {
	if err := q.Validate(); err != nil {
		return "", nil, fmt.Errorf("%w: %v", syncerr.ErrInvalidOperation, err)
	}
	args := []any{string(q.Collection)}
	where := []string{"kind = $1"}
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}

	switch q.Collection {
	case models.KindConversation:
		add("owners @> $%d", pq.Array([]string{q.Participant}))
	case models.KindNotification:
		add("owners @> $%d", pq.Array([]string{q.Owner}))
	case models.KindMessage:
		add("conversation_id = $%d", q.ConversationID)
	}

	var order string
	if snapshot {
		where = append(where, "deleted = FALSE")
		switch q.OrderBy {
		case "", "updatedAt", "createdAt":
		default:
			return "", nil, fmt.Errorf("%w: cannot order by %q", syncerr.ErrInvalidOperation, q.OrderBy)
		}
		dir := "ASC"
		if q.Desc {
			dir = "DESC"
		}
		order = "sort_at " + dir + ", id"
	} else {
		add("version > $%d", version)
		order = "version"
	}

	query := "SELECT " + documentColumns + " FROM documents WHERE " + strings.Join(where, " AND ") + " ORDER BY " + order
	if snapshot && q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}
	return query, args, nil
}

// mapError translates driver errors into the sync error taxonomy.
func mapError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "42501" {
		return fmt.Errorf("%w: %s", syncerr.ErrPermissionDenied, pqErr.Message)
	}
	return err
}
