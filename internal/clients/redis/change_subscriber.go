package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/coursebridge/completion-backend/internal/logger"
)

// ChangeEvent is a completion-change notification published by the
// completion-tracking service.
type ChangeEvent struct {
	UserID    uuid.UUID `json:"user_id"`
	CourseKey string    `json:"course_key"`
	BlockKey  string    `json:"block_key,omitempty"`
	Force     bool      `json:"force,omitempty"`
}

// ChangeSubscriber turns published change events into staleness marks.
type ChangeSubscriber struct {
	log     *logger.Logger
	rdb     *goredis.Client
	channel string
}

func NewChangeSubscriber(log *logger.Logger, rdb *goredis.Client) *ChangeSubscriber {
	if rdb == nil {
		return nil
	}
	ch := strings.TrimSpace(os.Getenv("REDIS_COMPLETION_CHANNEL"))
	if ch == "" {
		ch = "completion.events"
	}
	return &ChangeSubscriber{
		log:     log.With("client", "RedisChangeSubscriber"),
		rdb:     rdb,
		channel: ch,
	}
}

// Start subscribes and forwards decoded events until ctx is cancelled.
// Malformed messages are logged and dropped, never fatal.
func (s *ChangeSubscriber) Start(ctx context.Context, onEvent func(ctx context.Context, ev ChangeEvent)) error {
	if s == nil || s.rdb == nil {
		return fmt.Errorf("redis change subscriber not initialized")
	}
	if onEvent == nil {
		return fmt.Errorf("onEvent callback required")
	}

	sub := s.rdb.Subscribe(ctx, s.channel)
	// ensures subscription actually started
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}

	go func() {
		defer sub.Close()
		chn := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-chn:
				if !ok {
					return
				}
				var ev ChangeEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					s.log.Warn("Dropping malformed change event", "error", err)
					continue
				}
				if ev.UserID == uuid.Nil || ev.CourseKey == "" {
					s.log.Warn("Dropping incomplete change event", "payload", msg.Payload)
					continue
				}
				onEvent(ctx, ev)
			}
		}
	}()
	s.log.Info("Subscribed to completion change events", "channel", s.channel)
	return nil
}
