package models

// ChangeKind is the kind of a change-feed event.
type ChangeKind string

const (
	ChangeAdded    ChangeKind = "added"
	ChangeModified ChangeKind = "modified"
	ChangeRemoved  ChangeKind = "removed"
)

// ChangeEvent is one entry of a change-feed batch.
type ChangeEvent struct {
	Kind ChangeKind
	Ref  Ref
	// Entity is nil for removals.
	Entity Entity
	// Fields lists the JSON field paths present in a partial update. An empty
	// list means Entity is a full document.
	Fields []string
}

// Added builds an added event for a full document.
func Added(e Entity) ChangeEvent {
	return ChangeEvent{Kind: ChangeAdded, Ref: e.EntityRef(), Entity: e}
}

// Modified builds a modified event, partial when fields are given.
func Modified(e Entity, fields ...string) ChangeEvent {
	return ChangeEvent{Kind: ChangeModified, Ref: e.EntityRef(), Entity: e, Fields: fields}
}

// Removed builds a removal event.
func Removed(ref Ref) ChangeEvent {
	return ChangeEvent{Kind: ChangeRemoved, Ref: ref}
}
