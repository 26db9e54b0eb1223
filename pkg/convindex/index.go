// Package convindex keeps one inbox partition per user. Every upsert inserts
// a fresh row at (last_activity, conversation_id) and never removes the row
// it supersedes, so readers deduplicate by conversation id, keeping the newest
// row. Compact reclaims superseded rows in the background.
package convindex

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"

	"convodb/pkg/logger"
	"convodb/pkg/metrics"
	"convodb/pkg/models"
	"convodb/pkg/store"
	"convodb/pkg/store/keys"
	"convodb/pkg/telemetry"
)

var (
	ErrInvalidArgument = errors.New("convindex: invalid argument")
	ErrNotFound        = errors.New("convindex: conversation not found")
)

const (
	defaultBatch = 32
	maxBatch     = 1024
)

type Options struct {
	Consistency store.Consistency
	// BatchSize is the minimum number of rows fetched per scan round trip.
	BatchSize int
}

type Index struct {
	tbl   store.Table
	cl    store.Consistency
	batch int
}

func New(backend store.Backend, opts Options) *Index {
	batch := opts.BatchSize
	if batch <= 0 {
		batch = defaultBatch
	}
	return &Index{tbl: backend.Table(keys.TableUserConversations), cl: opts.Consistency, batch: batch}
}

type indexRow struct {
	ParticipantIDs []string `json:"p"`
	Preview        string   `json:"m"`
	MessageID      string   `json:"i,omitempty"`
}

// Upsert records the conversation's latest activity in the user's inbox.
// Replaying the same summary writes the same row again, so it is idempotent.
// Two messages of one conversation in the same millisecond share a row; the
// row keeps the greater message id, so a late replay of the earlier message
// does not overwrite the later one. The check and the write are not atomic:
// two first attempts racing in the same millisecond can still leave the
// earlier preview.
func (ix *Index) Upsert(ctx context.Context, s models.ConversationSummary) error {
	if err := keys.ValidateID("user", s.UserID); err != nil {
		return errors.Mark(err, ErrInvalidArgument)
	}
	if err := keys.ValidateID("conversation", s.ConversationID); err != nil {
		return errors.Mark(err, ErrInvalidArgument)
	}
	if s.LastActivity < 0 {
		return errors.Wrap(ErrInvalidArgument, "negative last_activity")
	}
	value, err := json.Marshal(indexRow{ParticipantIDs: s.ParticipantIDs, Preview: s.LastMessagePreview, MessageID: s.LastMessageID})
	if err != nil {
		return errors.Wrap(err, "encode index row")
	}
	clustering := keys.GenConversationClustering(s.LastActivity, s.ConversationID)
	if s.LastMessageID != "" {
		cur, err := ix.rowAt(ctx, s.UserID, clustering)
		if err != nil {
			return err
		}
		if cur != nil && cur.MessageID > s.LastMessageID {
			logger.Debug("index_upsert_superseded", "user_id", s.UserID, "conversation_id", s.ConversationID,
				"message_id", s.LastMessageID, "kept", cur.MessageID)
			return nil
		}
	}
	if err := ix.tbl.Insert(ctx, s.UserID, clustering, value, ix.cl); err != nil {
		metrics.StoreWriteFailures.WithLabelValues(keys.TableUserConversations).Inc()
		return err
	}
	return nil
}

// rowAt reads the row stored at exactly clustering, or nil.
func (ix *Index) rowAt(ctx context.Context, userID string, clustering []byte) (*indexRow, error) {
	// \x01 sorts above the clustering itself on every backend
	upper := append(bytes.Clone(clustering), 0x01)
	rows, err := ix.tbl.Scan(ctx, userID, store.ScanOptions{Before: upper, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 || !bytes.Equal(rows[0].Clustering, clustering) {
		return nil, nil
	}
	var v indexRow
	if err := json.Unmarshal(rows[0].Value, &v); err != nil {
		return nil, errors.Wrap(err, "decode index row")
	}
	return &v, nil
}

// FetchConversations lists the user's conversations, most recently active
// first, with one entry per conversation.
func (ix *Index) FetchConversations(ctx context.Context, userID string, limit int) (*models.ConversationPage, error) {
	return ix.List(ctx, userID, nil, limit)
}

// List is FetchConversations resumable from a cursor taken from a previous
// page. Conversations already returned above the cursor are not repeated even
// if older rows of theirs sit below it.
func (ix *Index) List(ctx context.Context, userID string, cursor *models.ConversationCursor, limit int) (*models.ConversationPage, error) {
	tr := telemetry.Track("convindex.list")
	defer tr.Finish()

	if err := keys.ValidateID("user", userID); err != nil {
		return nil, errors.Mark(err, ErrInvalidArgument)
	}
	if limit <= 0 {
		return nil, errors.Wrapf(ErrInvalidArgument, "limit must be positive, got %d", limit)
	}
	var bound []byte
	if cursor != nil {
		bound = keys.GenConversationBound(cursor.LastActivity, cursor.ConversationID)
	}

	page := &models.ConversationPage{Conversations: make([]models.ConversationSummary, 0, limit)}
	seen := make(map[string]struct{})
	masked := 0
	// one extra distinct conversation tells us whether another page exists
	want := limit + 1
	batch := min(max(limit*2, ix.batch), maxBatch)

	err := ix.walk(ctx, userID, batch, func(r store.Row) (bool, error) {
		parts, err := keys.ParseClustering(r.Clustering)
		if err != nil {
			logger.Warn("index_row_corrupt", "user_id", userID, "key", string(r.Clustering), "error", err)
			return true, nil
		}
		if _, dup := seen[parts.ID]; dup {
			masked++
			return true, nil
		}
		seen[parts.ID] = struct{}{}
		if bound != nil && bytes.Compare(r.Clustering, bound) >= 0 {
			// delivered on an earlier page
			return true, nil
		}
		s, err := decode(userID, parts, r.Value)
		if err != nil {
			logger.Warn("index_row_corrupt", "user_id", userID, "key", string(r.Clustering), "error", err)
			return true, nil
		}
		page.Conversations = append(page.Conversations, s)
		return len(page.Conversations) < want, nil
	})
	if err != nil {
		return nil, err
	}
	tr.Mark("scanned")

	if masked > 0 {
		metrics.DuplicatesMasked.Add(float64(masked))
		logger.Debug("index_duplicates_masked", "user_id", userID, "count", masked)
	}
	if len(page.Conversations) > limit {
		page.Conversations = page.Conversations[:limit]
		page.HasMore = true
		next := page.Conversations[limit-1].Cursor()
		page.NextCursor = &next
	}
	return page, nil
}

// GetConversation returns the newest summary of one conversation in the
// user's inbox.
func (ix *Index) GetConversation(ctx context.Context, userID, conversationID string) (*models.ConversationSummary, error) {
	if err := keys.ValidateID("user", userID); err != nil {
		return nil, errors.Mark(err, ErrInvalidArgument)
	}
	if err := keys.ValidateID("conversation", conversationID); err != nil {
		return nil, errors.Mark(err, ErrInvalidArgument)
	}
	var found *models.ConversationSummary
	err := ix.walk(ctx, userID, ix.batch, func(r store.Row) (bool, error) {
		parts, err := keys.ParseClustering(r.Clustering)
		if err != nil || parts.ID != conversationID {
			return true, nil
		}
		s, err := decode(userID, parts, r.Value)
		if err != nil {
			return false, err
		}
		found = &s
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, errors.Wrapf(ErrNotFound, "user %s conversation %s", userID, conversationID)
	}
	return found, nil
}

// CompactStats describes one user's compaction pass.
type CompactStats struct {
	Scanned    int
	Superseded int
	Deleted    int
}

// Compact deletes rows superseded by a newer row of the same conversation.
// With dryRun set it only counts them.
func (ix *Index) Compact(ctx context.Context, userID string, dryRun bool) (CompactStats, error) {
	var st CompactStats
	seen := make(map[string]struct{})
	var stale [][]byte
	err := ix.walk(ctx, userID, maxBatch, func(r store.Row) (bool, error) {
		st.Scanned++
		parts, err := keys.ParseClustering(r.Clustering)
		if err != nil {
			return true, nil
		}
		if _, dup := seen[parts.ID]; dup {
			stale = append(stale, r.Clustering)
			return true, nil
		}
		seen[parts.ID] = struct{}{}
		return true, nil
	})
	if err != nil {
		return st, err
	}
	st.Superseded = len(stale)
	if dryRun {
		return st, nil
	}
	for _, c := range stale {
		if err := ix.tbl.Delete(ctx, userID, c, ix.cl); err != nil {
			return st, err
		}
		st.Deleted++
	}
	return st, nil
}

// Users calls fn for every user with at least one inbox row.
func (ix *Index) Users(ctx context.Context, fn func(userID string) error) error {
	return ix.tbl.Partitions(ctx, fn)
}

// walk scans the partition newest-first in batches until visit returns false
// or rows run out.
func (ix *Index) walk(ctx context.Context, userID string, batch int, visit func(store.Row) (bool, error)) error {
	var before []byte
	for {
		rows, err := ix.tbl.Scan(ctx, userID, store.ScanOptions{Before: before, Limit: batch})
		if err != nil {
			return err
		}
		for _, r := range rows {
			more, err := visit(r)
			if err != nil {
				return err
			}
			if !more {
				return nil
			}
		}
		if len(rows) < batch {
			return nil
		}
		before = rows[len(rows)-1].Clustering
	}
}

func decode(userID string, parts *keys.ClusteringParts, value []byte) (models.ConversationSummary, error) {
	var v indexRow
	if err := json.Unmarshal(value, &v); err != nil {
		return models.ConversationSummary{}, errors.Wrap(err, "decode index row")
	}
	return models.ConversationSummary{
		UserID:             userID,
		ConversationID:     parts.ID,
		LastActivity:       parts.TS,
		ParticipantIDs:     v.ParticipantIDs,
		LastMessagePreview: v.Preview,
		LastMessageID:      v.MessageID,
	}, nil
}
