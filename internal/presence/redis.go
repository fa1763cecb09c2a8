package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"chat-sync/internal/models"
)

const DefaultChannel = "presence"

// Conn is the part of the Redis client the relay uses. *redis.Client
// implements it.
type Conn interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	MGet(ctx context.Context, keys ...string) *redis.SliceCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
}

// Relay carries presence updates between clients over Redis pub/sub and keeps
// the last status of each user under an expiring key.
type Relay struct {
	cli     Conn
	channel string
	tracker *Tracker
	logger  *zap.Logger
}

func NewRelay(cli Conn, channel string, tracker *Tracker, logger *zap.Logger) *Relay {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{cli: cli, channel: channel, tracker: tracker, logger: logger}
}

func (r *Relay) key(userID string) string {
	return fmt.Sprintf("presence:%s", userID)
}

// Run feeds relayed updates into the tracker until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	sub := r.cli.Subscribe(ctx, r.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("presence subscribe %s: %w", r.channel, err)
	}
	r.logger.Info("presence relay subscribed", zap.String("channel", r.channel))
	return r.consume(ctx, sub.Channel())
}

func (r *Relay) consume(ctx context.Context, ch <-chan *redis.Message) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			u, err := DecodeUpdate(msg.Payload)
			if err != nil {
				r.logger.Warn("presence update dropped", zap.Error(err))
				continue
			}
			if err := r.tracker.Apply(u); err != nil {
				r.logger.Warn("presence update rejected", zap.String("user_id", u.UserID), zap.Error(err))
			}
		}
	}
}

// Publish records u locally, stores the status and broadcasts it.
func (r *Relay) Publish(ctx context.Context, u models.PresenceUpdate) error {
	if err := r.tracker.Apply(u); err != nil {
		return err
	}
	body, err := json.Marshal(u)
	if err != nil {
		return err
	}
	if u.Status != "" {
		if err := r.cli.Set(ctx, r.key(u.UserID), string(u.Status), r.tracker.StatusTTL()).Err(); err != nil {
			return fmt.Errorf("presence store %s: %w", u.UserID, err)
		}
	}
	if err := r.cli.Publish(ctx, r.channel, body).Err(); err != nil {
		return fmt.Errorf("presence publish: %w", err)
	}
	return nil
}

// Load seeds the tracker with stored statuses of userIDs, e.g. the peers of
// the conversations being displayed.
func (r *Relay) Load(ctx context.Context, userIDs []string) error {
	if len(userIDs) == 0 {
		return nil
	}
	keys := make([]string, len(userIDs))
	for i, id := range userIDs {
		keys[i] = r.key(id)
	}
	vals, err := r.cli.MGet(ctx, keys...).Result()
	if err != nil {
		return fmt.Errorf("presence load: %w", err)
	}
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		status := models.PresenceStatus(s)
		if !status.Valid() {
			continue
		}
		_ = r.tracker.SetPresence(userIDs[i], status)
	}
	return nil
}

// Ping checks the connection, with a short timeout.
func (r *Relay) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return r.cli.Ping(ctx).Err()
}

// DecodeUpdate parses a relayed payload.
func DecodeUpdate(payload string) (models.PresenceUpdate, error) {
	var u models.PresenceUpdate
	if err := json.Unmarshal([]byte(payload), &u); err != nil {
		return u, fmt.Errorf("decode presence update: %w", err)
	}
	if u.UserID == "" {
		return u, fmt.Errorf("decode presence update: missing userId")
	}
	return u, nil
}
