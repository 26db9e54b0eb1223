package coordinator

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"convodb/pkg/convindex"
	"convodb/pkg/messagelog"
	"convodb/pkg/models"
	"convodb/pkg/retry"
	"convodb/pkg/store"
	"convodb/pkg/store/pebblestore"
	"convodb/pkg/timeutil"
)

type fakeLog struct {
	err     error
	onWrite func()
	calls   int
}

func (f *fakeLog) Append(_ context.Context, conv, sender, body string) (*models.Message, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if f.onWrite != nil {
		f.onWrite()
	}
	return &models.Message{ConversationID: conv, MessageID: "01MSG", SenderID: sender, Body: body, Timestamp: 1234}, nil
}

type fakeIndex struct {
	mu      sync.Mutex
	fail    map[string]error
	hang    map[string]time.Duration
	written []models.ConversationSummary
	ctxErrs []error
}

func (f *fakeIndex) Upsert(ctx context.Context, s models.ConversationSummary) error {
	f.mu.Lock()
	d := f.hang[s.UserID]
	f.mu.Unlock()
	if d > 0 {
		time.Sleep(d) // ignores ctx on purpose
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ctxErrs = append(f.ctxErrs, ctx.Err())
	if err := f.fail[s.UserID]; err != nil {
		return err
	}
	f.written = append(f.written, s)
	return nil
}

func (f *fakeIndex) users() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, s := range f.written {
		out = append(out, s.UserID)
	}
	return out
}

type fakeRetry struct {
	mu    sync.Mutex
	tasks []models.ConversationSummary
}

func (f *fakeRetry) Enqueue(_ context.Context, s models.ConversationSummary, _ error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, s)
	return nil
}

func TestSendCompletes(t *testing.T) {
	idx := &fakeIndex{}
	rq := &fakeRetry{}
	c := New(&fakeLog{}, idx, rq, Options{})

	r, err := c.SendMessage(context.Background(), SendRequest{
		ConversationID: "c1",
		SenderID:       "alice",
		ParticipantIDs: []string{"bob", "alice", "carol", "bob"},
		Body:           "hi",
	})
	require.NoError(t, err)
	assert.Equal(t, models.StateCompleted, r.State)
	assert.False(t, r.Degraded)
	assert.Equal(t, 3, r.IndexedCount)
	assert.Equal(t, "01MSG", r.MessageID)
	assert.ElementsMatch(t, []string{"alice", "bob", "carol"}, idx.users())
	assert.Empty(t, rq.tasks)
	assert.NoError(t, Warning(r))

	for _, s := range idx.written {
		assert.Equal(t, int64(1234), s.LastActivity)
		assert.Equal(t, []string{"alice", "bob", "carol"}, s.ParticipantIDs)
		assert.Equal(t, "hi", s.LastMessagePreview)
	}
}

func TestSendWithoutParticipantsIndexesSender(t *testing.T) {
	idx := &fakeIndex{}
	c := New(&fakeLog{}, idx, &fakeRetry{}, Options{})
	r, err := c.SendMessage(context.Background(), SendRequest{ConversationID: "c1", SenderID: "alice", Body: "x"})
	require.NoError(t, err)
	assert.Equal(t, 1, r.IndexedCount)
	assert.Equal(t, []string{"alice"}, idx.users())
}

func TestLogFailureWritesNothing(t *testing.T) {
	idx := &fakeIndex{}
	rq := &fakeRetry{}
	cause := store.WriteUnavailable(errors.New("quorum lost"), "insert")
	c := New(&fakeLog{err: cause}, idx, rq, Options{})

	r, err := c.SendMessage(context.Background(), SendRequest{ConversationID: "c1", SenderID: "a", ParticipantIDs: []string{"b"}})
	assert.Nil(t, r)
	assert.True(t, errors.Is(err, ErrSendFailed))
	assert.True(t, errors.Is(err, store.ErrWriteUnavailable))
	assert.Empty(t, idx.users())
	assert.Empty(t, rq.tasks)
}

func TestPartialFanoutIsDegradedAndRetried(t *testing.T) {
	idx := &fakeIndex{fail: map[string]error{"carol": errors.New("node down")}}
	rq := &fakeRetry{}
	c := New(&fakeLog{}, idx, rq, Options{})

	r, err := c.SendMessage(context.Background(), SendRequest{ConversationID: "c1", SenderID: "alice", ParticipantIDs: []string{"bob", "carol"}})
	require.NoError(t, err)
	assert.Equal(t, models.StatePartiallyIndexed, r.State)
	assert.True(t, r.Degraded)
	assert.Equal(t, []string{"carol"}, r.FailedParticipants)
	assert.Equal(t, 2, r.IndexedCount)
	require.Len(t, rq.tasks, 1)
	assert.Equal(t, "carol", rq.tasks[0].UserID)
	assert.Equal(t, int64(1234), rq.tasks[0].LastActivity)
	assert.True(t, errors.Is(Warning(r), ErrPartiallyIndexed))
}

func TestSlowParticipantIsBoundedByTimeout(t *testing.T) {
	idx := &fakeIndex{hang: map[string]time.Duration{"bob": 500 * time.Millisecond}}
	rq := &fakeRetry{}
	c := New(&fakeLog{}, idx, rq, Options{FanoutTimeout: 20 * time.Millisecond})

	start := time.Now()
	r, err := c.SendMessage(context.Background(), SendRequest{ConversationID: "c1", SenderID: "alice", ParticipantIDs: []string{"bob"}})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 400*time.Millisecond)
	assert.Equal(t, []string{"bob"}, r.FailedParticipants)
	require.Len(t, rq.tasks, 1)
}

func TestCallerCancellationAfterAppendDoesNotAbortFanout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	idx := &fakeIndex{}
	c := New(&fakeLog{onWrite: cancel}, idx, &fakeRetry{}, Options{})

	r, err := c.SendMessage(ctx, SendRequest{ConversationID: "c1", SenderID: "alice", ParticipantIDs: []string{"bob"}})
	require.NoError(t, err)
	assert.Equal(t, models.StateCompleted, r.State)
	for _, e := range idx.ctxErrs {
		assert.NoError(t, e)
	}
}

func TestInvalidRequests(t *testing.T) {
	log := &fakeLog{}
	c := New(log, &fakeIndex{}, nil, Options{MaxBodyBytes: 4})
	for _, req := range []SendRequest{
		{SenderID: "a"},
		{ConversationID: "c"},
		{ConversationID: "c", SenderID: "a", ParticipantIDs: []string{"x:y"}},
		{ConversationID: "c", SenderID: "a", Body: "too long"},
		{ConversationID: "c", SenderID: "a", Body: "\xff"},
	} {
		_, err := c.SendMessage(context.Background(), req)
		assert.True(t, errors.Is(err, ErrInvalidRequest), "%+v", req)
	}
	assert.Zero(t, log.calls)
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "short", Preview("short", 100))
	long := strings.Repeat("a", 150)
	assert.Len(t, Preview(long, 100), 100)
	assert.Equal(t, "héll", Preview("héllo", 4))
	assert.Equal(t, "日本", Preview("日本語", 2))
}

func TestParticipants(t *testing.T) {
	assert.Equal(t, []string{"s"}, Participants("s", nil))
	assert.Equal(t, []string{"s", "a", "b"}, Participants("s", []string{"a", "s", "b", "a"}))
}

// End to end over pebble: a send is visible in the log and in every
// participant's inbox, and a second send moves the conversation to the top.
func TestSendOverPebble(t *testing.T) {
	b, err := pebblestore.Open(pebblestore.Options{Path: "db", FS: vfs.NewMem()})
	require.NoError(t, err)
	defer b.Close()

	clock := timeutil.NewManualClock(1_000)
	log := messagelog.New(b, messagelog.Options{Consistency: store.ConsistencyQuorum, Clock: clock})
	idx := convindex.New(b, convindex.Options{})
	rq := retry.New(b, idx, retry.Options{InitialBackoff: time.Millisecond})
	rq.Start()
	defer rq.Close(context.Background())
	c := New(log, idx, rq, Options{})
	ctx := context.Background()

	_, err = c.SendMessage(ctx, SendRequest{ConversationID: "c1", SenderID: "alice", ParticipantIDs: []string{"bob"}, Body: "first"})
	require.NoError(t, err)
	clock.Advance(time.Millisecond)
	_, err = c.SendMessage(ctx, SendRequest{ConversationID: "c2", SenderID: "bob", ParticipantIDs: []string{"alice"}, Body: "other"})
	require.NoError(t, err)
	clock.Advance(time.Millisecond)
	r, err := c.SendMessage(ctx, SendRequest{ConversationID: "c1", SenderID: "bob", ParticipantIDs: []string{"alice"}, Body: "again"})
	require.NoError(t, err)
	assert.Equal(t, models.StateCompleted, r.State)

	for _, u := range []string{"alice", "bob"} {
		page, err := idx.FetchConversations(ctx, u, 10)
		require.NoError(t, err)
		require.Len(t, page.Conversations, 2, u)
		assert.Equal(t, "c1", page.Conversations[0].ConversationID)
		assert.Equal(t, "again", page.Conversations[0].LastMessagePreview)
		assert.Equal(t, r.Timestamp, page.Conversations[0].LastActivity)
	}

	msgs, err := log.FetchRecent(ctx, "c1", 10)
	require.NoError(t, err)
	require.Len(t, msgs.Messages, 2)
	assert.Equal(t, r.MessageID, msgs.Messages[0].MessageID)
}

// gatedIndex fails writes for blocked users until they are let through.
type gatedIndex struct {
	*convindex.Index
	mu       sync.Mutex
	blocked  map[string]bool
	attempts map[string]int
}

func (g *gatedIndex) Upsert(ctx context.Context, s models.ConversationSummary) error {
	g.mu.Lock()
	g.attempts[s.UserID]++
	down := g.blocked[s.UserID]
	g.mu.Unlock()
	if down {
		return store.WriteUnavailable(errors.New("replica down"), "upsert %s", s.UserID)
	}
	return g.Index.Upsert(ctx, s)
}

func (g *gatedIndex) unblock(user string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.blocked, user)
}

func (g *gatedIndex) tries(user string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.attempts[user]
}

func TestPartialFanoutConvergesAfterRetry(t *testing.T) {
	b, err := pebblestore.Open(pebblestore.Options{Path: "db", FS: vfs.NewMem()})
	require.NoError(t, err)
	defer b.Close()

	ctx := context.Background()
	log := messagelog.New(b, messagelog.Options{Clock: timeutil.NewManualClock(5_000)})
	idx := convindex.New(b, convindex.Options{})
	gated := &gatedIndex{Index: idx, blocked: map[string]bool{"carol": true}, attempts: map[string]int{}}
	rq := retry.New(b, gated, retry.Options{
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		MaxAttempts:    1000,
	})
	rq.Start()
	defer rq.Close(ctx)
	c := New(log, gated, rq, Options{})

	r, err := c.SendMessage(ctx, SendRequest{
		ConversationID: "c1",
		SenderID:       "alice",
		ParticipantIDs: []string{"bob", "carol"},
		Body:           "hello all",
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatePartiallyIndexed, r.State)
	assert.True(t, r.Degraded)
	assert.Equal(t, []string{"carol"}, r.FailedParticipants)
	assert.Equal(t, 2, r.IndexedCount)
	assert.True(t, errors.Is(Warning(r), ErrPartiallyIndexed))

	inbox := func(user string) []models.ConversationSummary {
		page, err := idx.FetchConversations(ctx, user, 10)
		require.NoError(t, err)
		return page.Conversations
	}
	for _, u := range []string{"alice", "bob"} {
		got := inbox(u)
		require.Len(t, got, 1, u)
		assert.Equal(t, "c1", got[0].ConversationID)
		assert.Equal(t, r.Timestamp, got[0].LastActivity)
	}

	// carol stays stale while her writes keep failing, retries included
	assert.Eventually(t, func() bool { return gated.tries("carol") >= 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, inbox("carol"))

	gated.unblock("carol")
	assert.Eventually(t, func() bool {
		page, err := idx.FetchConversations(ctx, "carol", 10)
		return err == nil && len(page.Conversations) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return rq.Pending() == 0 }, 2*time.Second, 5*time.Millisecond)

	var want *models.ConversationSummary
	for _, u := range []string{"alice", "bob", "carol"} {
		got := inbox(u)
		require.Len(t, got, 1, u)
		assert.Equal(t, r.Timestamp, got[0].LastActivity, u)
		assert.Equal(t, r.MessageID, got[0].LastMessageID, u)
		if want == nil {
			want = &got[0]
			continue
		}
		assert.Equal(t, want.ParticipantIDs, got[0].ParticipantIDs, u)
		assert.Equal(t, want.LastMessagePreview, got[0].LastMessagePreview, u)
	}
	assert.Equal(t, "hello all", want.LastMessagePreview)
}
