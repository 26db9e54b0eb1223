package convindex

import (
	"context"
	"fmt"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"convodb/pkg/models"
	"convodb/pkg/store"
	"convodb/pkg/store/keys"
	"convodb/pkg/store/pebblestore"
	"convodb/pkg/store/redisstore"
)

func newIndex(t *testing.T, batch int) (*Index, store.Backend) {
	t.Helper()
	b, err := pebblestore.Open(pebblestore.Options{Path: "db", FS: vfs.NewMem()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return New(b, Options{BatchSize: batch}), b
}

func upsert(t *testing.T, ix *Index, user, conv string, ts int64, preview string) {
	t.Helper()
	require.NoError(t, ix.Upsert(context.Background(), models.ConversationSummary{
		UserID:             user,
		ConversationID:     conv,
		LastActivity:       ts,
		ParticipantIDs:     []string{user, "bob"},
		LastMessagePreview: preview,
	}))
}

func ids(page *models.ConversationPage) []string {
	out := make([]string, 0, len(page.Conversations))
	for _, c := range page.Conversations {
		out = append(out, c.ConversationID)
	}
	return out
}

func TestFetchConversationsKeepsNewestRow(t *testing.T) {
	ix, _ := newIndex(t, 0)
	upsert(t, ix, "u1", "c1", 100, "first")
	upsert(t, ix, "u1", "c2", 150, "other")
	upsert(t, ix, "u1", "c1", 200, "second")

	page, err := ix.FetchConversations(context.Background(), "u1", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "c2"}, ids(page))
	assert.Equal(t, int64(200), page.Conversations[0].LastActivity)
	assert.Equal(t, "second", page.Conversations[0].LastMessagePreview)
	assert.Equal(t, []string{"u1", "bob"}, page.Conversations[0].ParticipantIDs)
	assert.Equal(t, "u1", page.Conversations[0].UserID)
	assert.False(t, page.HasMore)
}

func TestOutOfOrderUpsertsStillResolveToGreatestActivity(t *testing.T) {
	ix, _ := newIndex(t, 0)
	upsert(t, ix, "u1", "c1", 300, "newest")
	upsert(t, ix, "u1", "c1", 100, "late-arriving older")

	page, err := ix.FetchConversations(context.Background(), "u1", 5)
	require.NoError(t, err)
	require.Len(t, page.Conversations, 1)
	assert.Equal(t, "newest", page.Conversations[0].LastMessagePreview)
}

// A hot conversation's superseded rows can fill many scan batches before the
// next distinct conversation appears; the reader must keep going.
func TestDedupScansPastSupersededBatches(t *testing.T) {
	ix, _ := newIndex(t, 4)
	upsert(t, ix, "u1", "quiet", 1, "q")
	for ts := int64(10); ts < 60; ts++ {
		upsert(t, ix, "u1", "hot", ts, fmt.Sprint(ts))
	}

	page, err := ix.FetchConversations(context.Background(), "u1", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"hot", "quiet"}, ids(page))
	assert.Equal(t, "59", page.Conversations[0].LastMessagePreview)
}

func TestLimitAndCursorPaging(t *testing.T) {
	ix, _ := newIndex(t, 2)
	for i := 0; i < 6; i++ {
		upsert(t, ix, "u1", fmt.Sprintf("c%d", i), int64(100+i), "")
	}
	// c5 and c4 get older rows below the first page's cursor
	upsert(t, ix, "u1", "c5", 50, "")
	upsert(t, ix, "u1", "c4", 40, "")

	ctx := context.Background()
	page, err := ix.FetchConversations(ctx, "u1", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"c5", "c4"}, ids(page))
	assert.True(t, page.HasMore)
	require.NotNil(t, page.NextCursor)

	var all []string
	all = append(all, ids(page)...)
	for page.HasMore {
		page, err = ix.List(ctx, "u1", page.NextCursor, 2)
		require.NoError(t, err)
		all = append(all, ids(page)...)
	}
	assert.Equal(t, []string{"c5", "c4", "c3", "c2", "c1", "c0"}, all)
}

func TestExactLimitHasNoMore(t *testing.T) {
	ix, _ := newIndex(t, 0)
	upsert(t, ix, "u1", "a", 1, "")
	upsert(t, ix, "u1", "b", 2, "")
	page, err := ix.FetchConversations(context.Background(), "u1", 2)
	require.NoError(t, err)
	assert.Len(t, page.Conversations, 2)
	assert.False(t, page.HasMore)
	assert.Nil(t, page.NextCursor)
}

func TestUpsertIsIdempotent(t *testing.T) {
	ix, b := newIndex(t, 0)
	for i := 0; i < 3; i++ {
		upsert(t, ix, "u1", "c1", 10, "same")
	}
	rows, err := b.Table(keys.TableUserConversations).Scan(context.Background(), "u1", store.ScanOptions{})
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestGetConversation(t *testing.T) {
	ix, _ := newIndex(t, 2)
	upsert(t, ix, "u1", "c1", 10, "old")
	upsert(t, ix, "u1", "c2", 20, "")
	upsert(t, ix, "u1", "c3", 30, "")
	upsert(t, ix, "u1", "c1", 15, "new")

	s, err := ix.GetConversation(context.Background(), "u1", "c1")
	require.NoError(t, err)
	assert.Equal(t, "new", s.LastMessagePreview)
	assert.Equal(t, int64(15), s.LastActivity)

	_, err = ix.GetConversation(context.Background(), "u1", "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestCompactRemovesOnlySupersededRows(t *testing.T) {
	ix, b := newIndex(t, 0)
	ctx := context.Background()
	upsert(t, ix, "u1", "c1", 1, "")
	upsert(t, ix, "u1", "c1", 2, "")
	upsert(t, ix, "u1", "c1", 3, "latest")
	upsert(t, ix, "u1", "c2", 2, "")

	st, err := ix.Compact(ctx, "u1", true)
	require.NoError(t, err)
	assert.Equal(t, CompactStats{Scanned: 4, Superseded: 2}, st)

	st, err = ix.Compact(ctx, "u1", false)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Deleted)

	rows, err := b.Table(keys.TableUserConversations).Scan(ctx, "u1", store.ScanOptions{})
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	page, err := ix.FetchConversations(ctx, "u1", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "c2"}, ids(page))
	assert.Equal(t, "latest", page.Conversations[0].LastMessagePreview)

	var users []string
	require.NoError(t, ix.Users(ctx, func(u string) error {
		users = append(users, u)
		return nil
	}))
	assert.Equal(t, []string{"u1"}, users)
}

func TestInvalidArguments(t *testing.T) {
	ix, _ := newIndex(t, 0)
	ctx := context.Background()
	assert.True(t, errors.Is(ix.Upsert(ctx, models.ConversationSummary{ConversationID: "c"}), ErrInvalidArgument))
	_, err := ix.FetchConversations(ctx, "u1", 0)
	assert.True(t, errors.Is(err, ErrInvalidArgument))
	_, err = ix.FetchConversations(ctx, "a:b", 1)
	assert.True(t, errors.Is(err, ErrInvalidArgument))
}

func TestSameMillisecondReplayKeepsLaterMessage(t *testing.T) {
	backends := map[string]func(t *testing.T) store.Backend{
		"pebble": func(t *testing.T) store.Backend {
			_, b := newIndex(t, 0)
			return b
		},
		"redis": func(t *testing.T) store.Backend {
			mr := miniredis.RunT(t)
			b, err := redisstore.Open(context.Background(), redisstore.Options{URL: "redis://" + mr.Addr()})
			require.NoError(t, err)
			t.Cleanup(func() { _ = b.Close() })
			return b
		},
	}
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			ix := New(open(t), Options{})
			ctx := context.Background()
			write := func(id, preview string) {
				require.NoError(t, ix.Upsert(ctx, models.ConversationSummary{
					UserID: "carol", ConversationID: "c1", LastActivity: 100,
					ParticipantIDs: []string{"alice", "carol"}, LastMessagePreview: preview, LastMessageID: id,
				}))
			}
			latest := func() models.ConversationSummary {
				page, err := ix.FetchConversations(ctx, "carol", 10)
				require.NoError(t, err)
				require.Len(t, page.Conversations, 1)
				return page.Conversations[0]
			}

			write("01B", "later")
			write("01A", "earlier") // replayed after the later message landed
			got := latest()
			assert.Equal(t, "later", got.LastMessagePreview)
			assert.Equal(t, "01B", got.LastMessageID)

			write("01B", "later") // same message again
			write("01C", "newest")
			got = latest()
			assert.Equal(t, "newest", got.LastMessagePreview)
			assert.Equal(t, "01C", got.LastMessageID)

			// an older millisecond never reaches the row at 100
			require.NoError(t, ix.Upsert(ctx, models.ConversationSummary{
				UserID: "carol", ConversationID: "c1", LastActivity: 99, LastMessagePreview: "old", LastMessageID: "01Z",
			}))
			assert.Equal(t, "newest", latest().LastMessagePreview)
		})
	}
}
