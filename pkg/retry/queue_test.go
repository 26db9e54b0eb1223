package retry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"convodb/pkg/models"
	"convodb/pkg/store"
	"convodb/pkg/store/keys"
	"convodb/pkg/store/pebblestore"
)

type flakyUpserter struct {
	mu       sync.Mutex
	failures int // remaining failures before success
	calls    int
	applied  []models.ConversationSummary
}

func (f *flakyUpserter) Upsert(_ context.Context, s models.ConversationSummary) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures != 0 {
		if f.failures > 0 {
			f.failures--
		}
		return errors.New("index unavailable")
	}
	f.applied = append(f.applied, s)
	return nil
}

func (f *flakyUpserter) snapshot() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls, len(f.applied)
}

func fastOpts() Options {
	return Options{
		Capacity:       16,
		Workers:        2,
		RPS:            1000,
		Burst:          100,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		MaxAttempts:    5,
		PollInterval:   10 * time.Millisecond,
	}
}

func memBackend(t *testing.T) (store.Backend, vfs.FS) {
	t.Helper()
	fs := vfs.NewMem()
	b, err := pebblestore.Open(pebblestore.Options{Path: "db", FS: fs})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b, fs
}

func persisted(t *testing.T, b store.Backend) int {
	t.Helper()
	rows, err := b.Table(keys.TableRetries).Scan(context.Background(), keys.RetryPartition, store.ScanOptions{})
	require.NoError(t, err)
	return len(rows)
}

func summary(user string) models.ConversationSummary {
	return models.ConversationSummary{UserID: user, ConversationID: "c1", LastActivity: 10}
}

func TestRetrySucceedsAfterFailures(t *testing.T) {
	b, _ := memBackend(t)
	up := &flakyUpserter{failures: 2}
	q := New(b, up, fastOpts())
	q.Start()
	defer q.Close(context.Background())

	require.NoError(t, q.Enqueue(context.Background(), summary("u1"), errors.New("timeout")))

	assert.Eventually(t, func() bool {
		_, applied := up.snapshot()
		return applied == 1
	}, 2*time.Second, 5*time.Millisecond)
	calls, _ := up.snapshot()
	assert.Equal(t, 3, calls)
	assert.Eventually(t, func() bool { return q.Pending() == 0 && persisted(t, b) == 0 }, time.Second, 5*time.Millisecond)
}

func TestRetryAbandonsAfterMaxAttempts(t *testing.T) {
	b, _ := memBackend(t)
	up := &flakyUpserter{failures: -1}
	opts := fastOpts()
	opts.MaxAttempts = 3
	q := New(b, up, opts)
	q.Start()
	defer q.Close(context.Background())

	require.NoError(t, q.Enqueue(context.Background(), summary("u1"), nil))
	assert.Eventually(t, func() bool { return q.Pending() == 0 }, 2*time.Second, 5*time.Millisecond)
	calls, applied := up.snapshot()
	assert.Equal(t, 3, calls)
	assert.Zero(t, applied)
	assert.Zero(t, persisted(t, b))
}

func TestPersistedTasksRecoveredOnRestart(t *testing.T) {
	b, _ := memBackend(t)
	first := New(b, &flakyUpserter{}, fastOpts())
	require.NoError(t, first.Enqueue(context.Background(), summary("u1"), nil))
	require.NoError(t, first.Enqueue(context.Background(), summary("u2"), nil))
	// never started: nothing applied, both rows survive close
	require.NoError(t, first.Close(context.Background()))
	assert.Equal(t, 2, persisted(t, b))

	up := &flakyUpserter{}
	second := New(b, up, fastOpts())
	second.Start()
	defer second.Close(context.Background())
	assert.Eventually(t, func() bool {
		_, applied := up.snapshot()
		return applied == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return persisted(t, b) == 0 }, time.Second, 5*time.Millisecond)
}

func TestOverflowIsPickedUpByPoller(t *testing.T) {
	b, _ := memBackend(t)
	up := &flakyUpserter{}
	opts := fastOpts()
	opts.Capacity = 1
	q := New(b, up, opts)
	for _, u := range []string{"u1", "u2", "u3"} {
		require.NoError(t, q.Enqueue(context.Background(), summary(u), nil))
	}
	assert.Equal(t, 1, q.Pending())
	q.Start()
	defer q.Close(context.Background())

	assert.Eventually(t, func() bool {
		_, applied := up.snapshot()
		return applied == 3
	}, 2*time.Second, 5*time.Millisecond)
}

func TestMemoryQueueFullAndClosed(t *testing.T) {
	opts := fastOpts()
	opts.Capacity = 1
	q := New(nil, &flakyUpserter{}, opts)
	require.NoError(t, q.Enqueue(context.Background(), summary("u1"), nil))
	err := q.Enqueue(context.Background(), summary("u2"), nil)
	assert.ErrorIs(t, err, ErrQueueFull)

	require.NoError(t, q.Close(context.Background()))
	err = q.Enqueue(context.Background(), summary("u3"), nil)
	assert.ErrorIs(t, err, ErrQueueClosed)
	assert.Equal(t, uint64(2), q.Dropped())
}

func TestDelayGrowsAndCaps(t *testing.T) {
	q := New(nil, &flakyUpserter{}, Options{InitialBackoff: 100 * time.Millisecond, MaxBackoff: time.Second})
	d1 := q.delay(1)
	assert.InDelta(t, float64(100*time.Millisecond), float64(d1), float64(25*time.Millisecond))
	d3 := q.delay(3)
	assert.InDelta(t, float64(400*time.Millisecond), float64(d3), float64(100*time.Millisecond))
	d10 := q.delay(10)
	assert.LessOrEqual(t, d10, 1200*time.Millisecond)
}
