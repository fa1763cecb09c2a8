// Package projector derives the ordered lists the UI renders from the store
// and the presence tracker. Projections never write to either.
package projector

import (
	"fmt"
	"sort"

	"chat-sync/internal/models"
	"chat-sync/internal/presence"
	"chat-sync/internal/store"
)

type ConversationSort string

const (
	// SortRecent puts pinned conversations first, each group by updatedAt desc.
	SortRecent        ConversationSort = "recent"
	SortUnreadFirst   ConversationSort = "unread_first"
	SortChronological ConversationSort = "chronological"
)

type ConversationMode string

const (
	ConversationsAll       ConversationMode = "all"
	ConversationsUnread    ConversationMode = "unread"
	ConversationsFavorites ConversationMode = "favorites"
	ConversationsArchived  ConversationMode = "archived"
)

// ConversationFilter narrows and orders the conversation list. The zero
// value lists every non-archived conversation by recency.
type ConversationFilter struct {
	Mode            ConversationMode
	Sort            ConversationSort
	Kind            models.ConversationKind
	IncludeArchived bool
}

func (f ConversationFilter) Validate() error {
	switch f.Mode {
	case "", ConversationsAll, ConversationsUnread, ConversationsFavorites, ConversationsArchived:
	default:
		return fmt.Errorf("unknown conversation filter %q", f.Mode)
	}
	switch f.Sort {
	case "", SortRecent, SortUnreadFirst, SortChronological:
	default:
		return fmt.Errorf("unknown conversation sort %q", f.Sort)
	}
	switch f.Kind {
	case "", models.ConversationDirect, models.ConversationGroup, models.ConversationBroadcast:
	default:
		return fmt.Errorf("unknown conversation kind %q", f.Kind)
	}
	return nil
}

type NotificationMode string

const (
	NotificationsAll       NotificationMode = "all"
	NotificationsUnread    NotificationMode = "unread"
	NotificationsImportant NotificationMode = "important"
)

type NotificationSort string

const (
	NotificationsChronological NotificationSort = "chronological"
	NotificationsUnreadFirst   NotificationSort = "unread_first"
)

// NotificationFilter narrows the notification list before sorting.
type NotificationFilter struct {
	Mode  NotificationMode
	Type  models.NotificationType
	Sort  NotificationSort
	Limit int
}

func (f NotificationFilter) Validate() error {
	switch f.Mode {
	case "", NotificationsAll, NotificationsUnread, NotificationsImportant:
	default:
		return fmt.Errorf("unknown notification filter %q", f.Mode)
	}
	switch f.Sort {
	case "", NotificationsChronological, NotificationsUnreadFirst:
	default:
		return fmt.Errorf("unknown notification sort %q", f.Sort)
	}
	if f.Limit < 0 {
		return fmt.Errorf("negative limit %d", f.Limit)
	}
	return nil
}

// ConversationView is one row of the conversation list.
type ConversationView struct {
	Conversation *models.Conversation   `json:"conversation"`
	Peers        []models.PresenceEntry `json:"peers"`
	Typing       []string               `json:"typing"`
}

// Projector reads the store and tracker on behalf of userID.
type Projector struct {
	store    *store.Store
	presence *presence.Tracker
	userID   string
}

func New(st *store.Store, tracker *presence.Tracker, userID string) *Projector {
	return &Projector{store: st, presence: tracker, userID: userID}
}

// ProjectConversationList returns a snapshot of the conversations matching f.
func (p *Projector) ProjectConversationList(f ConversationFilter) []ConversationView {
	all, pinnedIDs := p.store.ConversationList()
	convs := make([]*models.Conversation, 0, len(all))
	for _, c := range all {
		if matchConversation(c, f) {
			convs = append(convs, c)
		}
	}
	pinned := make(map[string]bool, len(pinnedIDs))
	for _, id := range pinnedIDs {
		pinned[id] = true
	}
	sortConversations(convs, f.Sort, pinned)

	out := make([]ConversationView, 0, len(convs))
	for _, c := range convs {
		out = append(out, p.view(c))
	}
	return out
}

func (p *Projector) view(c *models.Conversation) ConversationView {
	v := ConversationView{Conversation: c, Peers: make([]models.PresenceEntry, 0), Typing: make([]string, 0)}
	if p.presence == nil {
		return v
	}
	for _, id := range c.ParticipantIDs {
		if id == p.userID {
			continue
		}
		v.Peers = append(v.Peers, p.presence.GetPresence(id))
	}
	v.Typing = p.presence.TypingIn(c.ID, p.userID)
	return v
}

func matchConversation(c *models.Conversation, f ConversationFilter) bool {
	if f.Mode == ConversationsArchived {
		if !c.Flags.Archived {
			return false
		}
	} else if c.Flags.Archived && !f.IncludeArchived {
		return false
	}
	if f.Kind != "" && c.Kind != f.Kind {
		return false
	}
	switch f.Mode {
	case ConversationsUnread:
		return c.Counters.Unread > 0
	case ConversationsFavorites:
		return c.Flags.Favorite
	}
	return true
}

func sortConversations(convs []*models.Conversation, by ConversationSort, pinned map[string]bool) {
	recent := func(a, b *models.Conversation) bool {
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.After(b.UpdatedAt)
		}
		return a.ID < b.ID
	}
	sort.SliceStable(convs, func(i, j int) bool {
		a, b := convs[i], convs[j]
		switch by {
		case SortChronological:
		case SortUnreadFirst:
			if ua, ub := a.Counters.Unread > 0, b.Counters.Unread > 0; ua != ub {
				return ua
			}
		default:
			if pa, pb := pinned[a.ID], pinned[b.ID]; pa != pb {
				return pa
			}
		}
		return recent(a, b)
	})
}

// ProjectNotificationList returns a snapshot of the notifications matching f,
// newest first.
func (p *Projector) ProjectNotificationList(f NotificationFilter) []*models.Notification {
	out := make([]*models.Notification, 0)
	for _, ent := range p.store.All(models.KindNotification) {
		n := ent.(*models.Notification)
		switch f.Mode {
		case NotificationsUnread:
			if n.IsRead {
				continue
			}
		case NotificationsImportant:
			if n.Priority != models.PriorityHigh {
				continue
			}
		}
		if f.Type != "" && n.Type != f.Type {
			continue
		}
		out = append(out, n)
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if f.Sort == NotificationsUnreadFirst && a.IsRead != b.IsRead {
			return !a.IsRead
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// ProjectMessages returns the messages of a conversation oldest first.
// Deleted messages stay in place with a redacted body.
func (p *Projector) ProjectMessages(conversationID string) []*models.Message {
	return p.store.Messages(conversationID)
}
