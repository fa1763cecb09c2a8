package mutation

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-sync/internal/models"
	"chat-sync/internal/syncerr"
)

func convRef(id string) models.Ref { return models.Ref{Kind: models.KindConversation, ID: id} }
func msgRef(id string) models.Ref  { return models.Ref{Kind: models.KindMessage, ID: id} }

func TestApplyConversationMarkReadIsRelative(t *testing.T) {
	through := time.Unix(100, 0)
	c := &models.Conversation{ID: "c1", Counters: models.Counters{Unread: 3, Mentions: 3}}
	m := &Mutation{Target: convRef("c1"), Op: OpMarkRead, Count: 1, Through: through, UserID: "u1"}

	out := m.Apply(c).(*models.Conversation)
	assert.Equal(t, 2, out.Counters.Unread)
	assert.Equal(t, 2, out.Counters.Mentions)
	assert.Equal(t, through, out.ReadAt)
	assert.Equal(t, 3, c.Counters.Unread, "input is not modified")

	m.Count = 10
	assert.Equal(t, 0, m.Apply(c).(*models.Conversation).Counters.Unread)
}

func TestApplyFlagsAndIgnoredRefs(t *testing.T) {
	c := &models.Conversation{ID: "c1"}
	pin := &Mutation{Target: convRef("c1"), Op: OpPin, Value: true}
	assert.True(t, pin.Apply(c).(*models.Conversation).Flags.Pinned)

	other := &models.Conversation{ID: "c2"}
	assert.Same(t, other, pin.Apply(other))
}

func TestApplyMessageOps(t *testing.T) {
	msg := &models.Message{ID: "m1", Body: "hi"}
	read := &Mutation{Target: msgRef("m1"), Op: OpMarkRead, UserID: "u1"}
	assert.True(t, read.Apply(msg).(*models.Message).IsReadBy("u1"))

	del := &Mutation{Target: msgRef("m1"), Op: OpDelete}
	out := del.Apply(msg).(*models.Message)
	assert.True(t, out.Deleted)
	assert.Empty(t, out.Body)
}

func TestReflected(t *testing.T) {
	through := time.Unix(100, 0)
	m := &Mutation{ID: "a", Target: convRef("c1"), Op: OpMarkRead, Count: 1, Through: through}

	assert.False(t, m.Reflected(&models.Conversation{ID: "c1", ReadAt: through.Add(time.Second)}),
		"a later watermark from another read does not carry this decrement")
	assert.True(t, m.Reflected(&models.Conversation{ID: "c1", ReadKeys: []string{"a:conversation/c1"}}))

	pin := &Mutation{Target: convRef("c1"), Op: OpPin, Value: true}
	assert.True(t, pin.Reflected(&models.Conversation{ID: "c1", Flags: models.Flags{Pinned: true}}))
	assert.False(t, pin.Reflected(&models.Conversation{ID: "c1"}))

	n := &Mutation{Target: models.Ref{Kind: models.KindNotification, ID: "n1"}, Op: OpMarkRead}
	assert.True(t, n.Reflected(&models.Notification{ID: "n1", IsRead: true}))
}

func TestRebaseSkipsReflected(t *testing.T) {
	through := time.Unix(100, 0)
	m := &Mutation{ID: "a", Target: convRef("c1"), Op: OpMarkRead, Count: 1, Through: through}
	server := &models.Conversation{ID: "c1", Counters: models.Counters{Unread: 1}, ReadAt: through, ReadKeys: []string{m.ReadKey()}}
	pin := &Mutation{Target: convRef("c1"), Op: OpPin, Value: true}

	out := Rebase(server, []*Mutation{m, pin}).(*models.Conversation)
	assert.Equal(t, 1, out.Counters.Unread, "decrement already applied by the server")
	assert.True(t, out.Flags.Pinned)
}

func TestValidate(t *testing.T) {
	c := &models.Conversation{ID: "c1"}

	err := Validate(&Mutation{Target: convRef("c1"), Op: OpPin}, nil, false)
	assert.ErrorIs(t, err, syncerr.ErrNotFound)

	err = Validate(&Mutation{Target: convRef("c1"), Op: OpPin}, c, true)
	assert.ErrorIs(t, err, syncerr.ErrTombstoned)

	err = Validate(&Mutation{Target: convRef("c1"), Op: OpDelete}, c, false)
	assert.ErrorIs(t, err, syncerr.ErrInvalidOperation)

	err = Validate(&Mutation{Target: msgRef("m1"), Op: OpPin}, &models.Message{ID: "m1"}, false)
	assert.ErrorIs(t, err, syncerr.ErrInvalidOperation)

	err = Validate(&Mutation{Target: convRef("c1"), Op: OpMarkRead, Count: 1}, c, false)
	assert.ErrorIs(t, err, syncerr.ErrInvalidOperation, "read requires a user")

	require.NoError(t, Validate(&Mutation{Target: convRef("c1"), Op: OpMarkRead, Count: 1, UserID: "u1"}, c, false))
}

func TestWritesMarkAllReadSkipsReadItems(t *testing.T) {
	m := &Mutation{
		ID:      "mut",
		Target:  convRef("c1"),
		Op:      OpMarkAllRead,
		UserID:  "u1",
		Related: []models.Ref{msgRef("m1"), msgRef("m2")},
	}
	related := map[models.Ref]models.Entity{
		msgRef("m1"): &models.Message{ID: "m1"},
		msgRef("m2"): &models.Message{ID: "m2", ReadBy: []string{"u1"}},
	}
	target := &models.Conversation{ID: "c1", Counters: models.Counters{Unread: 1}}

	writes := Writes(m, target, related)
	require.Len(t, writes, 2)
	assert.Equal(t, msgRef("m1"), writes[0].Ref)
	assert.Equal(t, "mut:message/m1", writes[0].Key)
	assert.Equal(t, convRef("c1"), writes[1].Ref)

	target.Counters.Unread = 0
	assert.Len(t, Writes(m, target, related), 1)
}

func TestWritesCarryDelta(t *testing.T) {
	m := &Mutation{ID: "mut", Target: convRef("c1"), Op: OpMarkRead, Count: 2, UserID: "u1"}
	writes := Writes(m, &models.Conversation{ID: "c1"}, nil)
	require.Len(t, writes, 1)
	assert.Equal(t, 2, writes[0].Delta)
	assert.Equal(t, OpMarkRead, writes[0].Op)
}

func TestMessageReadKeyMatchesItsWrite(t *testing.T) {
	m := &Mutation{
		ID:             "b",
		Target:         msgRef("m1"),
		Op:             OpMarkRead,
		Count:          1,
		UserID:         "u1",
		ConversationID: "c1",
		Related:        []models.Ref{convRef("c1")},
	}
	writes := Writes(m, &models.Message{ID: "m1"}, nil)
	require.Len(t, writes, 1)
	assert.Equal(t, m.ReadKey(), writes[0].Key)

	// The backend records the message write key on the parent conversation.
	_, parent, err := ApplyRemote(&models.Message{ID: "m1", ConversationID: "c1"}, writes[0])
	require.NoError(t, err)
	require.NotNil(t, parent)
	conv := parent.Apply(&models.Conversation{ID: "c1", Counters: models.Counters{Unread: 2}}).(*models.Conversation)
	assert.Equal(t, 1, conv.Counters.Unread)
	assert.True(t, m.Reflected(conv))

	again := parent.Apply(conv).(*models.Conversation)
	assert.Equal(t, 1, again.Counters.Unread, "a key is applied once")
}

func TestRebaseAppliesOnlyMissingParts(t *testing.T) {
	q := NewQueue()
	q.Enqueue(&Mutation{ID: "a", Target: convRef("c1"), Op: OpMarkRead, Count: 1, UserID: "u1"})
	res := q.Enqueue(&Mutation{ID: "b", Target: convRef("c1"), Op: OpMarkRead, Count: 1, UserID: "u1"})
	require.Equal(t, Extended, res.Outcome)
	m := res.Mutation
	parts := m.ReadParts()
	require.Len(t, parts, 2)

	local := Rebase(&models.Conversation{ID: "c1", Counters: models.Counters{Unread: 3}}, []*Mutation{m}).(*models.Conversation)
	assert.Equal(t, 1, local.Counters.Unread)

	firstOnly := &models.Conversation{ID: "c1", Counters: models.Counters{Unread: 2}, ReadKeys: []string{parts[0].Key}}
	assert.False(t, m.Reflected(firstOnly))
	local = Rebase(firstOnly, []*Mutation{m}).(*models.Conversation)
	assert.Equal(t, 1, local.Counters.Unread)

	both := &models.Conversation{ID: "c1", Counters: models.Counters{Unread: 1}, ReadKeys: []string{parts[0].Key, parts[1].Key}}
	assert.True(t, m.Reflected(both))
}

func TestRecordReadKeyIsBounded(t *testing.T) {
	c := &models.Conversation{ID: "c1"}
	for i := 0; i < models.ReadKeyWindow+5; i++ {
		c.RecordReadKey(fmt.Sprintf("k%d", i))
	}
	assert.Len(t, c.ReadKeys, models.ReadKeyWindow)
	assert.False(t, c.HasReadKey("k0"))
	assert.True(t, c.HasReadKey(fmt.Sprintf("k%d", models.ReadKeyWindow+4)))
}
