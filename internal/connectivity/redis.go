package connectivity

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/jmehdipour/treesync/internal/logger"
)

// RedisSource listens on a pub/sub channel for "online" / "offline" messages
// published by the host environment.
type RedisSource struct {
	client  *redis.Client
	channel string
	log     *zap.Logger
}

func NewRedisSource(client *redis.Client, channel string, log *zap.Logger) *RedisSource {
	return &RedisSource{client: client, channel: channel, log: logger.OrNop(log)}
}

func (s *RedisSource) Run(ctx context.Context, report func(online bool)) error {
	sub := s.client.Subscribe(ctx, s.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", s.channel, err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			online, valid := ParseSignal(msg.Payload)
			if !valid {
				s.log.Warn("ignoring connectivity message", zap.String("payload", msg.Payload))
				continue
			}
			report(online)
		}
	}
}

// ParseSignal accepts online/offline, up/down, true/false and 1/0.
func ParseSignal(payload string) (online, ok bool) {
	switch strings.ToLower(strings.TrimSpace(payload)) {
	case "online", "up", "true", "1":
		return true, true
	case "offline", "down", "false", "0":
		return false, true
	default:
		return false, false
	}
}
