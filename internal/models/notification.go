package models

import "time"

// NotificationType is the category of a notification.
type NotificationType string

const (
	NotificationOffer       NotificationType = "offer"
	NotificationPayment     NotificationType = "payment"
	NotificationJob         NotificationType = "job"
	NotificationMessage     NotificationType = "message"
	NotificationAchievement NotificationType = "achievement"
	NotificationSystem      NotificationType = "system"
	NotificationPromotion   NotificationType = "promotion"
)

// Priority of a notification.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Notification represents a server-produced notification for the current user.
type Notification struct {
	ID        string           `json:"id" bson:"_id"`
	Type      NotificationType `json:"type" bson:"type"`
	Title     string           `json:"title" bson:"title"`
	Body      string           `json:"body" bson:"body"`
	CreatedAt time.Time        `json:"createdAt" bson:"createdAt"`
	IsRead    bool             `json:"isRead" bson:"isRead"`
	Priority  Priority         `json:"priority" bson:"priority"`
	// TargetRoute is an opaque deep-link handed to the router on activation.
	TargetRoute string         `json:"targetRoute,omitempty" bson:"targetRoute,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty" bson:"metadata,omitempty"`
}

func (n *Notification) EntityRef() Ref {
	return Ref{Kind: KindNotification, ID: n.ID}
}

func (n *Notification) Clone() Entity {
	out := *n
	out.Metadata = cloneMap(n.Metadata)
	return &out
}
