package audit

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type memoryStorage struct {
	mu      sync.Mutex
	batches [][]Event
	err     error
}

func (m *memoryStorage) WriteBatch(_ context.Context, events []Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches = append(m.batches, append([]Event(nil), events...))
	return m.err
}

func (m *memoryStorage) events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, b := range m.batches {
		out = append(out, b...)
	}
	return out
}

func TestAgentFS_DrainsOnStop(t *testing.T) {
	repo := &memoryStorage{}
	fs := NewAgentFS(repo, zaptest.NewLogger(t), Options{FlushInterval: time.Hour})
	fs.Start()

	for i := 0; i < 250; i++ {
		fs.Log(Event{Kind: KindCall, StatementIndex: i})
	}
	fs.Stop()

	got := repo.events()
	require.Len(t, got, 250)
	for i, e := range got {
		assert.Equal(t, i, e.StatementIndex, "порядок событий сохраняется")
		assert.False(t, e.Timestamp.IsZero())
	}
	// 100 + 100 по размеру, 50 на финальном flush
	assert.Len(t, repo.batches, 3)
}

func TestAgentFS_FlushesByTimer(t *testing.T) {
	repo := &memoryStorage{}
	fs := NewAgentFS(repo, zaptest.NewLogger(t), Options{FlushInterval: 10 * time.Millisecond})
	fs.Start()
	defer fs.Stop()

	fs.Log(Event{Kind: KindRun, Status: "completed"})
	assert.Eventually(t, func() bool { return len(repo.events()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestAgentFS_DropsAfterStop(t *testing.T) {
	repo := &memoryStorage{}
	fs := NewAgentFS(repo, zaptest.NewLogger(t), Options{})
	fs.Start()
	fs.Stop()
	fs.Stop() // повторный Stop безопасен

	fs.Log(Event{ID: "late"})
	assert.Empty(t, repo.events())
}

func TestAgentFS_LoadShedding(t *testing.T) {
	repo := &memoryStorage{}
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "fill"})
	fs := NewAgentFS(repo, zaptest.NewLogger(t), Options{BufferSize: 2, BufferFill: gauge})

	// Воркер не запущен: третье событие не помещается и не блокирует вызывающего
	fs.Log(Event{ID: "1"})
	fs.Log(Event{ID: "2"})
	fs.Log(Event{ID: "3"})
	assert.Equal(t, 2.0, testutil.ToFloat64(gauge))

	fs.Start()
	fs.Stop()
	assert.Len(t, repo.events(), 2)
}

func TestAgentFS_StorageErrorDoesNotStopWorker(t *testing.T) {
	repo := &memoryStorage{err: errors.New("storage down")}
	fs := NewAgentFS(repo, zaptest.NewLogger(t), Options{BatchSize: 1})
	fs.Start()
	fs.Log(Event{ID: "a"})
	fs.Log(Event{ID: "b"})
	fs.Stop()
	assert.Len(t, repo.events(), 2)
}

func TestMultiStorage_ReturnsFirstError(t *testing.T) {
	ok := &memoryStorage{}
	bad := &memoryStorage{err: errors.New("boom")}
	err := MultiStorage{bad, ok}.WriteBatch(context.Background(), []Event{{ID: "x"}})
	assert.EqualError(t, err, "boom")
	assert.Len(t, ok.events(), 1, "второе хранилище всё равно получило пачку")
}

func TestLogStorage(t *testing.T) {
	s := NewLogStorage(zaptest.NewLogger(t))
	assert.NoError(t, s.WriteBatch(context.Background(), []Event{{Kind: KindCall, Tool: "send_email"}}))
}

func TestRedisStreamStorage(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()

	ctx := context.Background()
	stream := "flowguard:test:audit:" + time.Now().Format("150405.000000")
	defer rdb.Del(ctx, stream)

	s := NewRedisStreamStorage(rdb, stream, 1000)
	require.NoError(t, s.WriteBatch(ctx, []Event{
		{ID: "e1", Kind: KindCall, RunID: "r1", Tool: "search_document"},
		{ID: "e2", Kind: KindRun, RunID: "r1", Status: "completed"},
	}))

	msgs, err := rdb.XRange(ctx, stream, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "e1", msgs[0].Values["id"])
	assert.Equal(t, "run", msgs[1].Values["kind"])
}
