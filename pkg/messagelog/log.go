// Package messagelog is the append-only, per-conversation message history.
// Rows live in the messages table, partitioned by conversation and clustered
// by (timestamp, message id) so the newest message is read first.
package messagelog

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"

	"convodb/pkg/logger"
	"convodb/pkg/metrics"
	"convodb/pkg/models"
	"convodb/pkg/store"
	"convodb/pkg/store/keys"
	"convodb/pkg/telemetry"
	"convodb/pkg/timeutil"
)

var ErrInvalidArgument = errors.New("messagelog: invalid argument")

type Options struct {
	// Consistency for appends; reads always take the latest local view.
	Consistency store.Consistency
	Clock       timeutil.Clock
	IDs         *keys.IDGenerator
}

type Log struct {
	tbl   store.Table
	cl    store.Consistency
	clock timeutil.Clock
	ids   *keys.IDGenerator
}

func New(backend store.Backend, opts Options) *Log {
	clock := opts.Clock
	if clock == nil {
		clock = timeutil.NewSystemClock()
	}
	ids := opts.IDs
	if ids == nil {
		ids = keys.NewIDGenerator()
	}
	return &Log{
		tbl:   backend.Table(keys.TableMessages),
		cl:    opts.Consistency,
		clock: clock,
		ids:   ids,
	}
}

// row is the stored value; the key already carries timestamp and id.
type row struct {
	SenderID string `json:"s"`
	Body     string `json:"b"`
}

// Append durably records one message and returns it with its assigned id and
// timestamp. Failures are classified as store.ErrWriteUnavailable.
func (l *Log) Append(ctx context.Context, conversationID, senderID, body string) (*models.Message, error) {
	tr := telemetry.Track("messagelog.append")
	defer tr.Finish()

	if err := keys.ValidateID("conversation", conversationID); err != nil {
		return nil, errors.Mark(err, ErrInvalidArgument)
	}
	if err := keys.ValidateID("sender", senderID); err != nil {
		return nil, errors.Mark(err, ErrInvalidArgument)
	}

	ts := l.clock.NowMillis()
	id, err := l.ids.Next(ts)
	if err != nil {
		return nil, store.WriteUnavailable(err, "assign message id")
	}
	value, err := json.Marshal(row{SenderID: senderID, Body: body})
	if err != nil {
		return nil, errors.Wrap(err, "encode message")
	}
	tr.Mark("encoded")

	if err := l.tbl.Insert(ctx, conversationID, keys.GenMessageClustering(ts, id), value, l.cl); err != nil {
		metrics.StoreWriteFailures.WithLabelValues(keys.TableMessages).Inc()
		logger.Error("message_append_failed", "conversation_id", conversationID, "error", err)
		return nil, err
	}
	metrics.MessagesAppended.Inc()
	logger.Debug("message_appended", "conversation_id", conversationID, "message_id", id, "ts", ts)
	return &models.Message{
		ConversationID: conversationID,
		MessageID:      id,
		SenderID:       senderID,
		Body:           body,
		Timestamp:      ts,
	}, nil
}

// FetchRecent returns up to limit of the newest messages, newest first.
func (l *Log) FetchRecent(ctx context.Context, conversationID string, limit int) (*models.MessagePage, error) {
	return l.fetch(ctx, conversationID, nil, limit)
}

// FetchBefore returns up to limit messages strictly older than cursor in
// (timestamp, message id) order. Chaining NextCursor visits every message
// exactly once, including messages that share a millisecond.
func (l *Log) FetchBefore(ctx context.Context, conversationID string, cursor models.MessageCursor, limit int) (*models.MessagePage, error) {
	return l.fetch(ctx, conversationID, &cursor, limit)
}

func (l *Log) fetch(ctx context.Context, conversationID string, cursor *models.MessageCursor, limit int) (*models.MessagePage, error) {
	tr := telemetry.Track("messagelog.fetch")
	defer tr.Finish()

	if err := keys.ValidateID("conversation", conversationID); err != nil {
		return nil, errors.Mark(err, ErrInvalidArgument)
	}
	if limit <= 0 {
		return nil, errors.Wrapf(ErrInvalidArgument, "limit must be positive, got %d", limit)
	}
	opts := store.ScanOptions{Limit: limit + 1}
	if cursor != nil {
		if cursor.Timestamp < 0 {
			return nil, errors.Wrap(ErrInvalidArgument, "negative cursor timestamp")
		}
		opts.Before = keys.GenMessageBound(cursor.Timestamp, cursor.MessageID)
	}

	rows, err := l.tbl.Scan(ctx, conversationID, opts)
	if err != nil {
		return nil, err
	}
	tr.Mark("scanned")

	page := &models.MessagePage{Messages: make([]models.Message, 0, min(len(rows), limit))}
	if len(rows) > limit {
		page.HasMore = true
		rows = rows[:limit]
	}
	for _, r := range rows {
		m, err := decode(conversationID, r)
		if err != nil {
			logger.Warn("message_row_corrupt", "conversation_id", conversationID, "key", string(r.Clustering), "error", err)
			continue
		}
		page.Messages = append(page.Messages, m)
	}
	if page.HasMore && len(rows) > 0 {
		last, err := keys.ParseClustering(rows[len(rows)-1].Clustering)
		if err == nil {
			page.NextCursor = &models.MessageCursor{Timestamp: last.TS, MessageID: last.ID}
		}
	}
	return page, nil
}

func decode(conversationID string, r store.Row) (models.Message, error) {
	parts, err := keys.ParseClustering(r.Clustering)
	if err != nil {
		return models.Message{}, err
	}
	var v row
	if err := json.Unmarshal(r.Value, &v); err != nil {
		return models.Message{}, errors.Wrap(err, "decode message")
	}
	return models.Message{
		ConversationID: conversationID,
		MessageID:      parts.ID,
		SenderID:       v.SenderID,
		Body:           v.Body,
		Timestamp:      parts.TS,
	}, nil
}
