package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"chat-sync/internal/models"
)

type seedDoc struct {
	ent    models.Entity
	owners []string
}

// demoDocuments is a small inbox for userID: one unread direct chat, a muted
// group and a few notifications.
func demoDocuments(userID string, now time.Time) []seedDoc {
	peer := "demo-peer"
	direct := &models.Conversation{
		ID:             "demo-direct",
		Kind:           models.ConversationDirect,
		ParticipantIDs: []string{userID, peer},
		LastMessage:    &models.LastMessage{Text: "are we still on for friday?", SenderID: peer, SentAt: now.Add(-time.Minute), Type: models.MessageText},
		Counters:       models.Counters{Unread: 2},
		UpdatedAt:      now.Add(-time.Minute),
	}
	group := &models.Conversation{
		ID:             "demo-group",
		Kind:           models.ConversationGroup,
		ParticipantIDs: []string{userID, peer, "demo-third"},
		LastMessage:    &models.LastMessage{Text: "welcome!", SenderID: "demo-third", SentAt: now.Add(-time.Hour), Type: models.MessageText},
		Counters:       models.Counters{Unread: 1, Mentions: 1},
		Flags:          models.Flags{Muted: true},
		UpdatedAt:      now.Add(-time.Hour),
	}
	docs := []seedDoc{
		{ent: direct},
		{ent: group},
		{ent: &models.Message{ID: "demo-m1", ConversationID: direct.ID, SenderID: userID, Body: "hey", Type: models.MessageText, CreatedAt: now.Add(-3 * time.Minute), ReadBy: []string{userID, peer}}},
		{ent: &models.Message{ID: "demo-m2", ConversationID: direct.ID, SenderID: peer, Body: "hi!", Type: models.MessageText, CreatedAt: now.Add(-2 * time.Minute)}},
		{ent: &models.Message{ID: "demo-m3", ConversationID: direct.ID, SenderID: peer, Body: "are we still on for friday?", Type: models.MessageText, CreatedAt: now.Add(-time.Minute)}},
		{ent: &models.Message{ID: "demo-m4", ConversationID: group.ID, SenderID: "demo-third", Body: "welcome!", Type: models.MessageText, CreatedAt: now.Add(-time.Hour)}},
		{ent: &models.Notification{ID: "demo-n1", Type: models.NotificationPayment, Title: "Payment received", Body: "You received 20.00", Priority: models.PriorityHigh, CreatedAt: now.Add(-10 * time.Minute)}, owners: []string{userID}},
		{ent: &models.Notification{ID: "demo-n2", Type: models.NotificationPromotion, Title: "Weekend offer", Priority: models.PriorityLow, CreatedAt: now.Add(-2 * time.Hour)}, owners: []string{userID}},
		{ent: &models.Notification{ID: "demo-n3", Type: models.NotificationSystem, Title: "Password changed", Priority: models.PriorityMedium, IsRead: true, CreatedAt: now.Add(-24 * time.Hour)}, owners: []string{userID}},
	}
	return docs
}

func seed(ctx context.Context, be *backend, userID string, now time.Time) error {
	for _, d := range demoDocuments(userID, now) {
		if err := be.put(ctx, d.ent, d.owners); err != nil {
			return fmt.Errorf("seed %s: %w", d.ent.EntityRef(), err)
		}
	}
	return nil
}

func seedCommand() *cli.Command {
	return &cli.Command{
		Name:  "seed",
		Usage: "Write a demo inbox for a user into the remote database",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "user", Usage: "user id owning the demo inbox"},
		},
		Action: func(c *cli.Context) error {
			cfg, logger, err := loadConfig(c)
			if err != nil {
				return err
			}
			defer logger.Sync()
			user := c.String("user")
			if user == "" {
				user = cfg.Sync.UserID
			}
			if user == "" {
				return errors.New("--user or sync.user_id is required")
			}
			be, err := openBackend(c.Context, cfg, logger)
			if err != nil {
				return err
			}
			defer be.close()
			return seed(c.Context, be, user, time.Now().UTC())
		},
	}
}
