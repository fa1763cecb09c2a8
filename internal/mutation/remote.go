package mutation

import (
	"chat-sync/internal/models"
	"chat-sync/internal/syncerr"
)

// ApplyRemote is the backend side of a remote write: it returns the new
// state of ent and, for a message read that decrements its conversation, the
// mutation to apply to the parent conversation. Backends call it inside
// their write transaction so every driver shares one set of semantics.
func ApplyRemote(ent models.Entity, w RemoteWrite) (models.Entity, *Mutation, error) {
	out := ent.Clone()
	switch e := out.(type) {
	case *models.Conversation:
		if w.Op == OpDelete {
			break
		}
		m := Mutation{Target: w.Ref, Op: w.Op, Value: w.Value, Count: w.Delta, Through: w.Through, UserID: w.UserID, Key: w.Key}
		return m.Apply(e), nil, nil
	case *models.Message:
		switch w.Op {
		case OpDelete:
			e.Redact()
			return e, nil, nil
		case OpMarkRead, OpMarkAllRead:
			if e.IsReadBy(w.UserID) {
				return e, nil, nil
			}
			e.MarkReadBy(w.UserID)
			if w.Delta <= 0 {
				return e, nil, nil
			}
			parent := &Mutation{
				Target:  models.Ref{Kind: models.KindConversation, ID: e.ConversationID},
				Op:      OpMarkRead,
				Count:   w.Delta,
				Through: w.Through,
				UserID:  w.UserID,
				Key:     w.Key,
			}
			return e, parent, nil
		}
	case *models.Notification:
		if w.Op.Class() == ClassRead {
			e.IsRead = true
			return e, nil, nil
		}
	}
	return nil, nil, syncerr.Validation(syncerr.ErrInvalidOperation, w.Ref, "remote %s", w.Op)
}
