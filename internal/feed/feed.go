// Package feed subscribes to remote change feeds and hands ordered batches to
// the reconciler, reconnecting with backoff until unsubscribed.
package feed

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"chat-sync/internal/models"
)

// ErrResumeExpired is returned by Source.Open when the backend can no longer
// resume from the given token. The subscriber then reopens from a snapshot.
var ErrResumeExpired = errors.New("resume token expired")

// Query describes which documents a subscription follows.
type Query struct {
	Collection     models.Kind
	Participant    string
	Owner          string
	ConversationID string
	OrderBy        string
	Desc           bool
	// Limit caps snapshots; zero means unbounded.
	Limit int
}

// ConversationsFor follows the conversations userID participates in.
func ConversationsFor(userID string) Query {
	return Query{Collection: models.KindConversation, Participant: userID, OrderBy: "updatedAt", Desc: true}
}

// NotificationsFor follows the newest limit notifications owned by userID.
func NotificationsFor(userID string, limit int) Query {
	return Query{Collection: models.KindNotification, Owner: userID, OrderBy: "createdAt", Desc: true, Limit: limit}
}

// MessagesIn follows the messages of one conversation.
func MessagesIn(conversationID string) Query {
	return Query{Collection: models.KindMessage, ConversationID: conversationID, OrderBy: "createdAt"}
}

func (q Query) String() string {
	var b strings.Builder
	b.WriteString(string(q.Collection))
	if q.Participant != "" {
		fmt.Fprintf(&b, " participant=%s", q.Participant)
	}
	if q.Owner != "" {
		fmt.Fprintf(&b, " owner=%s", q.Owner)
	}
	if q.ConversationID != "" {
		fmt.Fprintf(&b, " conversation=%s", q.ConversationID)
	}
	if q.OrderBy != "" {
		dir := "asc"
		if q.Desc {
			dir = "desc"
		}
		fmt.Fprintf(&b, " order=%s:%s", q.OrderBy, dir)
	}
	if q.Limit > 0 {
		fmt.Fprintf(&b, " limit=%d", q.Limit)
	}
	return b.String()
}

// Validate rejects queries no backend can serve.
func (q Query) Validate() error {
	switch q.Collection {
	case models.KindConversation:
		if q.Participant == "" {
			return errors.New("conversation feed requires a participant")
		}
	case models.KindNotification:
		if q.Owner == "" {
			return errors.New("notification feed requires an owner")
		}
	case models.KindMessage:
		if q.ConversationID == "" {
			return errors.New("message feed requires a conversation")
		}
	default:
		return fmt.Errorf("unknown collection %q", q.Collection)
	}
	if q.Limit < 0 {
		return fmt.Errorf("negative limit %d", q.Limit)
	}
	return nil
}

// Batch is one delivery from a stream, in backend commit order. A snapshot
// batch carries the full current result set of the query.
type Batch struct {
	Events   []models.ChangeEvent
	Snapshot bool
}

// Stream is an open change feed.
type Stream interface {
	Next(ctx context.Context) (Batch, error)
	// ResumeToken identifies the position after the last returned batch.
	ResumeToken() []byte
	Close() error
}

// Source opens streams. A nil resume token starts with a snapshot batch.
type Source interface {
	Open(ctx context.Context, q Query, resume []byte) (Stream, error)
}
