package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-flowguard/internal/infra"
)

// KillSwitchPolicy — имя, под которым отключённый инструмент попадает в журнал.
const KillSwitchPolicy = "kill_switch"

const seedLockTTL = 30 * time.Second

// KillSwitch — операторское отключение инструментов. Проверка в Hot Path только из RAM;
// Redis (если есть) хранит общее множество и рассылает сигналы между инстансами.
type KillSwitch struct {
	mu       sync.RWMutex
	disabled map[string]struct{}
	rdb      *redis.Client
	logger   *zap.Logger
}

func NewKillSwitch(rdb *redis.Client, logger *zap.Logger) *KillSwitch {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KillSwitch{
		disabled: make(map[string]struct{}),
		rdb:      rdb,
		logger:   logger.With(zap.String("mod", "killswitch")),
	}
}

// Init загружает текущее состояние при старте. seed — инструменты, выключенные в конфиге.
func (k *KillSwitch) Init(ctx context.Context, seed []string) error {
	if k.rdb == nil {
		k.apply(seed, true)
		return nil
	}
	k.apply(seed, true)
	if err := k.seedShared(ctx, seed); err != nil {
		return fmt.Errorf("seed disabled tools: %w", err)
	}
	return k.sync(ctx)
}

// seedShared заливает seed в общее множество, только если оно пустое.
// Заливает один инстанс: остальные не получат блокировку и просто прочитают результат в sync.
func (k *KillSwitch) seedShared(ctx context.Context, seed []string) error {
	if len(seed) == 0 {
		return nil
	}
	locked, err := k.rdb.SetNX(ctx, infra.RedisKeyLockWarmupDisabled, "seeding", seedLockTTL).Result()
	if err != nil {
		k.logger.Warn("seed lock unavailable, using shared state as is", zap.Error(err))
		return nil
	}
	if !locked {
		return nil
	}

	n, err := k.rdb.SCard(ctx, infra.RedisKeyDisabledTools).Result()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	members := make([]any, len(seed))
	for i, t := range seed {
		members[i] = t
	}
	k.logger.Info("shared disabled-tools set is empty, seeding from config", zap.Strings("tools", seed))
	return k.rdb.SAdd(ctx, infra.RedisKeyDisabledTools, members...).Err()
}

func (k *KillSwitch) sync(ctx context.Context) error {
	tools, err := k.rdb.SMembers(ctx, infra.RedisKeyDisabledTools).Result()
	if err != nil {
		return fmt.Errorf("load disabled tools: %w", err)
	}
	// Redis — источник истины: заменяем локальное множество целиком
	k.mu.Lock()
	defer k.mu.Unlock()
	k.disabled = make(map[string]struct{}, len(tools))
	for _, t := range tools {
		k.disabled[t] = struct{}{}
	}
	return nil
}

// StartListener подписывается на сигналы оператора. Блокируется до отмены ctx.
func (k *KillSwitch) StartListener(ctx context.Context) {
	if k.rdb == nil {
		return
	}
	k.logger.Info("kill-switch listener started", zap.String("chan", infra.RedisChanToolKillSwitch))
	ListenStateResilient(ctx, k.rdb, k.logger, infra.RedisChanToolKillSwitch,
		func() error { return k.sync(ctx) },
		func(tool string, on bool) {
			k.logger.Warn("kill-switch signal", zap.String("tool", tool), zap.Bool("disabled", on))
			k.apply([]string{tool}, on)
		},
	)
}

func (k *KillSwitch) Disable(tool string) { k.apply([]string{tool}, true) }

func (k *KillSwitch) Enable(tool string) { k.apply([]string{tool}, false) }

func (k *KillSwitch) apply(tools []string, disabled bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	for _, t := range tools {
		if disabled {
			k.disabled[t] = struct{}{}
		} else {
			delete(k.disabled, t)
		}
	}
}

// IsDisabled — максимально быстрый метод для проверки в Hot Path.
func (k *KillSwitch) IsDisabled(tool string) bool {
	if k == nil {
		return false
	}
	k.mu.RLock()
	defer k.mu.RUnlock()
	_, ok := k.disabled[tool]
	return ok
}

func (k *KillSwitch) Disabled() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]string, 0, len(k.disabled))
	for t := range k.disabled {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
