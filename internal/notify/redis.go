package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// redisTimeout bounds every Redis call so a slow broker can never stall a
// session callback.
const redisTimeout = 800 * time.Millisecond

// RedisSink publishes notices to <prefix>:events and mirrors per-session
// state into <prefix>:session:<id> hashes for external consumers. Failures
// are logged and swallowed; Redis is a best-effort mirror, never a
// dependency of the pipeline itself.
type RedisSink struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

func NewRedisSink(client *redis.Client, prefix string, logger *slog.Logger) *RedisSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisSink{
		client: client,
		prefix: prefix,
		logger: logger.With("component", "redis"),
	}
}

func (rs *RedisSink) Notify(n Notice) {
	payload, err := json.Marshal(n)
	if err != nil {
		rs.logger.Error("failed to encode notice", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()

	if err := rs.client.Publish(ctx, rs.prefix+":events", payload).Err(); err != nil {
		rs.logger.Warn("failed to publish notice", "error", err)
	}
}

// SetSessionState mirrors the orchestrator state for one session.
func (rs *RedisSink) SetSessionState(sessionID, state, language string) {
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()

	key := rs.prefix + ":session:" + sessionID
	err := rs.client.HSet(ctx, key,
		"state", state,
		"language", language,
		"updated_at", time.Now().Format(time.RFC3339),
	).Err()
	if err != nil {
		rs.logger.Warn("failed to mirror session state", "session_id", sessionID, "error", err)
	}
}

// PublishTranscript announces a completed transcript on <prefix>:transcripts.
func (rs *RedisSink) PublishTranscript(sessionID, text string) {
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()

	payload, err := json.Marshal(map[string]string{
		"session_id": sessionID,
		"text":       text,
	})
	if err != nil {
		rs.logger.Error("failed to encode transcript", "error", err)
		return
	}
	if err := rs.client.Publish(ctx, rs.prefix+":transcripts", payload).Err(); err != nil {
		rs.logger.Warn("failed to publish transcript", "session_id", sessionID, "error", err)
	}
}
