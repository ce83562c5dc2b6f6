package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// LogStorage пишет события в структурированный лог. Хранилище по умолчанию.
type LogStorage struct {
	logger *zap.Logger
}

func NewLogStorage(logger *zap.Logger) *LogStorage {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogStorage{logger: logger.With(zap.String("mod", "audit"))}
}

func (s *LogStorage) WriteBatch(_ context.Context, events []Event) error {
	for _, e := range events {
		s.logger.Info("audit",
			zap.String("kind", string(e.Kind)),
			zap.String("run_id", e.RunID),
			zap.String("trace_id", e.TraceID),
			zap.Int("statement", e.StatementIndex),
			zap.String("tool", e.Tool),
			zap.String("decision", e.Decision),
			zap.Strings("violated", e.ViolatedPolicies),
			zap.String("status", e.Status),
			zap.String("mode", e.Mode),
			zap.String("error", e.Error),
			zap.Int64("duration_ms", e.DurationMs),
		)
	}
	return nil
}

// RedisStreamStorage выгружает события в Redis Stream для внешнего слоя представления.
// Одна пачка — один pipeline из XADD.
type RedisStreamStorage struct {
	rdb    *redis.Client
	stream string
	maxLen int64
}

func NewRedisStreamStorage(rdb *redis.Client, stream string, maxLen int64) *RedisStreamStorage {
	return &RedisStreamStorage{rdb: rdb, stream: stream, maxLen: maxLen}
}

func (s *RedisStreamStorage) WriteBatch(ctx context.Context, events []Event) error {
	pipe := s.rdb.Pipeline()
	for _, e := range events {
		payload, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal audit event %s: %w", e.ID, err)
		}
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: s.stream,
			MaxLen: s.maxLen,
			Approx: true,
			Values: map[string]any{
				"id":     e.ID,
				"kind":   string(e.Kind),
				"run_id": e.RunID,
				"event":  string(payload),
			},
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("xadd %d events to %s: %w", len(events), s.stream, err)
	}
	return nil
}

// MultiStorage пишет в несколько хранилищ; ошибка одного не мешает остальным.
type MultiStorage []StorageInterface

func (m MultiStorage) WriteBatch(ctx context.Context, events []Event) error {
	var first error
	for _, s := range m {
		if err := s.WriteBatch(ctx, events); err != nil && first == nil {
			first = err
		}
	}
	return first
}
