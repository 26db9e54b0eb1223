// Package coordinator orchestrates a send: the message is appended to the log
// first, then one inbox row per participant is written concurrently. The log
// is the source of truth; index writes that fail are handed to the retry
// queue and never undo the send.
package coordinator

import (
	"context"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"convodb/pkg/logger"
	"convodb/pkg/metrics"
	"convodb/pkg/models"
	"convodb/pkg/store/keys"
	"convodb/pkg/telemetry"
)

var (
	// ErrSendFailed means the message was not appended; nothing was written.
	ErrSendFailed = errors.New("send failed")
	// ErrPartiallyIndexed is a warning: the message is durable but some
	// participants' inbox entries are pending retry.
	ErrPartiallyIndexed = errors.New("message sent, inbox update pending for some participants")
	ErrInvalidRequest   = errors.New("invalid send request")
)

// MessageAppender is the message log as seen by the coordinator.
type MessageAppender interface {
	Append(ctx context.Context, conversationID, senderID, body string) (*models.Message, error)
}

// IndexWriter is the conversation index as seen by the coordinator.
type IndexWriter interface {
	Upsert(ctx context.Context, s models.ConversationSummary) error
}

// RetryEnqueuer accepts index writes to replay later.
type RetryEnqueuer interface {
	Enqueue(ctx context.Context, s models.ConversationSummary, cause error) error
}

type Options struct {
	FanoutTimeout     time.Duration
	FanoutConcurrency int
	PreviewLength     int
	MaxBodyBytes      int
}

type Coordinator struct {
	log   MessageAppender
	index IndexWriter
	retry RetryEnqueuer
	opts  Options
}

func New(log MessageAppender, index IndexWriter, retry RetryEnqueuer, opts Options) *Coordinator {
	if opts.FanoutTimeout <= 0 {
		opts.FanoutTimeout = 2 * time.Second
	}
	if opts.FanoutConcurrency <= 0 {
		opts.FanoutConcurrency = 16
	}
	if opts.PreviewLength <= 0 {
		opts.PreviewLength = 100
	}
	return &Coordinator{log: log, index: index, retry: retry, opts: opts}
}

type SendRequest struct {
	ConversationID string
	SenderID       string
	ParticipantIDs []string
	Body           string
}

// SendMessage appends the message and fans it out to every participant's
// inbox. A returned receipt always means the message is durable; check
// receipt.Degraded (or Warning) for deferred inbox updates. An error wrapping
// ErrSendFailed means nothing was written.
func (c *Coordinator) SendMessage(ctx context.Context, req SendRequest) (*models.MessageReceipt, error) {
	tr := telemetry.Track("coordinator.send")
	defer tr.Finish()

	state := models.StateStarted
	advance := func(next models.SendState) {
		logger.Debug("send_state", "conversation_id", req.ConversationID, "from", state.String(), "to", next.String())
		state = next
	}
	if err := c.validate(req); err != nil {
		return nil, err
	}
	participants := Participants(req.SenderID, req.ParticipantIDs)

	msg, err := c.log.Append(ctx, req.ConversationID, req.SenderID, req.Body)
	if err != nil {
		advance(models.StateFailed)
		metrics.Sends.WithLabelValues(state.String()).Inc()
		logger.Warn("send_failed", "conversation_id", req.ConversationID, "sender_id", req.SenderID, "error", err)
		return nil, errors.Mark(errors.Wrap(err, "append message"), ErrSendFailed)
	}
	advance(models.StateLogAppended)
	tr.Mark("append")

	summary := models.ConversationSummary{
		ConversationID:     req.ConversationID,
		LastActivity:       msg.Timestamp,
		ParticipantIDs:     participants,
		LastMessagePreview: Preview(req.Body, c.opts.PreviewLength),
		LastMessageID:      msg.MessageID,
	}

	// The send is committed once the log append succeeds; fanout continues
	// even if the caller goes away.
	fanoutCtx := context.WithoutCancel(ctx)
	advance(models.StateIndexFanoutInFlight)
	failed := c.fanout(fanoutCtx, summary, participants)
	tr.Mark("fanout")

	receipt := &models.MessageReceipt{
		ConversationID: msg.ConversationID,
		MessageID:      msg.MessageID,
		Timestamp:      msg.Timestamp,
		IndexedCount:   len(participants) - len(failed),
	}
	if len(failed) == 0 {
		advance(models.StateCompleted)
	} else {
		advance(models.StatePartiallyIndexed)
		receipt.Degraded = true
		receipt.FailedParticipants = failed
		logger.Warn("send_partially_indexed", "conversation_id", msg.ConversationID,
			"message_id", msg.MessageID, "failed", len(failed), "participants", len(participants))
	}
	receipt.State = state
	metrics.Sends.WithLabelValues(state.String()).Inc()
	return receipt, nil
}

// Warning returns ErrPartiallyIndexed for a degraded receipt, nil otherwise.
func Warning(r *models.MessageReceipt) error {
	if r == nil || !r.Degraded {
		return nil
	}
	return errors.WithDetailf(ErrPartiallyIndexed, "%d participant(s) pending", len(r.FailedParticipants))
}

func (c *Coordinator) validate(req SendRequest) error {
	if err := keys.ValidateID("conversation", req.ConversationID); err != nil {
		return errors.Mark(err, ErrInvalidRequest)
	}
	if err := keys.ValidateID("sender", req.SenderID); err != nil {
		return errors.Mark(err, ErrInvalidRequest)
	}
	for _, p := range req.ParticipantIDs {
		if err := keys.ValidateID("participant", p); err != nil {
			return errors.Mark(err, ErrInvalidRequest)
		}
	}
	if c.opts.MaxBodyBytes > 0 && len(req.Body) > c.opts.MaxBodyBytes {
		return errors.Wrapf(ErrInvalidRequest, "body exceeds %d bytes", c.opts.MaxBodyBytes)
	}
	if !utf8.ValidString(req.Body) {
		return errors.Wrap(ErrInvalidRequest, "body is not valid UTF-8")
	}
	return nil
}

// fanout writes one inbox row per participant, each bounded by the fanout
// timeout, and returns the participants whose write did not land. Those are
// queued for retry.
func (c *Coordinator) fanout(ctx context.Context, base models.ConversationSummary, participants []string) []string {
	var (
		mu     sync.Mutex
		failed []string
	)
	g := new(errgroup.Group)
	g.SetLimit(c.opts.FanoutConcurrency)
	for _, uid := range participants {
		s := base
		s.UserID = uid
		g.Go(func() error {
			wctx, cancel := context.WithTimeout(ctx, c.opts.FanoutTimeout)
			err := c.upsertWithin(wctx, s)
			timedOut := errors.Is(wctx.Err(), context.DeadlineExceeded)
			cancel()
			if err == nil {
				metrics.FanoutWrites.WithLabelValues("ok").Inc()
				return nil
			}
			if timedOut {
				metrics.FanoutWrites.WithLabelValues("timeout").Inc()
			} else {
				metrics.FanoutWrites.WithLabelValues("failed").Inc()
			}
			logger.Warn("fanout_write_failed", "user_id", uid, "conversation_id", s.ConversationID, "timed_out", timedOut, "error", err)
			if c.retry != nil {
				if qerr := c.retry.Enqueue(ctx, s, err); qerr != nil {
					logger.Error("fanout_retry_enqueue_failed", "user_id", uid, "conversation_id", s.ConversationID, "error", qerr)
				}
			}
			mu.Lock()
			failed = append(failed, uid)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	sort.Strings(failed)
	return failed
}

// upsertWithin returns when the write finishes or ctx expires, whichever is
// first. A write that lands after the deadline is replayed harmlessly.
func (c *Coordinator) upsertWithin(ctx context.Context, s models.ConversationSummary) error {
	done := make(chan error, 1)
	go func() { done <- c.index.Upsert(ctx, s) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Participants dedups ids, always includes the sender, and keeps first-seen
// order.
func Participants(senderID string, ids []string) []string {
	out := make([]string, 0, len(ids)+1)
	seen := make(map[string]struct{}, len(ids)+1)
	for _, id := range append([]string{senderID}, ids...) {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// Preview truncates body to at most n runes.
func Preview(body string, n int) string {
	if utf8.RuneCountInString(body) <= n {
		return body
	}
	i := 0
	for pos := range body {
		if i == n {
			return body[:pos]
		}
		i++
	}
	return body
}
