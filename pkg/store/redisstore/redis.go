// Package redisstore keeps each partition in one sorted set. Every member has
// score 0 and is "<clustering>\x00<value>", so lexicographic member order is
// clustering order and ZRANGEBYLEX serves bounded scans.
package redisstore

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"

	"convodb/pkg/logger"
	"convodb/pkg/store"
)

const (
	sep      = ":"
	valueSep = "\x00"
)

type Options struct {
	URL string
	// Replicas is the number of replicas WAIT counts for quorum and all
	// writes. Zero means a standalone server where every level maps to one.
	Replicas int
	Timeout  time.Duration
}

type Backend struct {
	client   *redis.Client
	replicas int
	timeout  time.Duration
	// pin hands out a dedicated connection for writes that WAIT for replicas.
	pin func() session
}

// session is the part of a dedicated connection a replicated write uses.
// WAIT only counts writes sent on its own connection, so both must share one.
type session interface {
	TxPipelined(ctx context.Context, fn func(redis.Pipeliner) error) ([]redis.Cmder, error)
	Wait(ctx context.Context, numSlaves int, timeout time.Duration) *redis.IntCmd
	Close() error
}

var _ store.Backend = (*Backend)(nil)

func Open(ctx context.Context, opts Options) (*Backend, error) {
	ro, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, errors.Wrapf(err, "parse redis url")
	}
	b := New(redis.NewClient(ro), opts)
	if err := b.Ping(ctx); err != nil {
		_ = b.Close()
		return nil, err
	}
	logger.Info("redis_opened", "addr", ro.Addr, "db", ro.DB, "replicas", opts.Replicas)
	return b, nil
}

// New wraps an existing client.
func New(client *redis.Client, opts Options) *Backend {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	b := &Backend{client: client, replicas: opts.Replicas, timeout: timeout}
	b.pin = func() session { return client.Conn() }
	return b
}

func (b *Backend) Table(name string) store.Table {
	return &table{b: b, name: name}
}

func (b *Backend) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return store.ReadUnavailable(err, "ping")
	}
	return nil
}

func (b *Backend) Close() error {
	err := b.client.Close()
	if errors.Is(err, redis.ErrClosed) {
		return nil
	}
	return err
}

// acks returns how many replicas must confirm a write at cl.
func (b *Backend) acks(cl store.Consistency) int {
	if b.replicas <= 0 {
		return 0
	}
	switch cl {
	case store.ConsistencyAll:
		return b.replicas
	case store.ConsistencyQuorum:
		// majority of replicas+1 copies, the primary being one of them
		return (b.replicas + 1) / 2
	default:
		return 0
	}
}

// write applies fn atomically and, above ConsistencyOne, waits on the same
// connection until enough replicas have acknowledged it.
func (b *Backend) write(ctx context.Context, cl store.Consistency, fn func(redis.Pipeliner)) error {
	tx := func(pipe redis.Pipeliner) error {
		fn(pipe)
		return nil
	}
	need := b.acks(cl)
	if need == 0 {
		_, err := b.client.TxPipelined(ctx, tx)
		return err
	}
	conn := b.pin()
	defer conn.Close()
	if _, err := conn.TxPipelined(ctx, tx); err != nil {
		return err
	}
	got, err := conn.Wait(ctx, need, b.timeout).Result()
	if err != nil {
		return errors.Wrap(err, "wait for replicas")
	}
	if int(got) < need {
		return errors.Newf("replicated to %d of %d required replicas", got, need)
	}
	return nil
}

type table struct {
	b    *Backend
	name string
}

func (t *table) key(partition string) string {
	return t.name + sep + partition
}

func member(clustering, value []byte) string {
	return string(clustering) + valueSep + string(value)
}

func splitMember(m string) store.Row {
	i := strings.IndexByte(m, 0)
	if i < 0 {
		return store.Row{Clustering: []byte(m)}
	}
	return store.Row{Clustering: []byte(m[:i]), Value: []byte(m[i+1:])}
}

// exactRange matches every member whose clustering is exactly c.
func exactRange(c []byte) (min, max string) {
	return "[" + string(c) + valueSep, "(" + string(c) + "\x01"
}

func (t *table) Insert(ctx context.Context, partition string, clustering, value []byte, cl store.Consistency) error {
	if err := store.ValidatePartition(partition); err != nil {
		return err
	}
	if len(clustering) == 0 || strings.Contains(string(clustering), valueSep) {
		return errors.Wrap(store.ErrInvalidKey, "invalid clustering key")
	}
	key := t.key(partition)
	min, max := exactRange(clustering)
	err := t.b.write(ctx, cl, func(pipe redis.Pipeliner) {
		pipe.ZRemRangeByLex(ctx, key, min, max)
		pipe.ZAdd(ctx, key, redis.Z{Score: 0, Member: member(clustering, value)})
	})
	if err != nil {
		logger.Error("redis_insert_failed", "table", t.name, "partition", partition, "consistency", cl.String(), "error", err)
		return store.WriteUnavailable(err, "insert %s/%s at %s", t.name, partition, cl)
	}
	return nil
}

func (t *table) Delete(ctx context.Context, partition string, clustering []byte, cl store.Consistency) error {
	if err := store.ValidatePartition(partition); err != nil {
		return err
	}
	key := t.key(partition)
	min, max := exactRange(clustering)
	err := t.b.write(ctx, cl, func(pipe redis.Pipeliner) {
		pipe.ZRemRangeByLex(ctx, key, min, max)
	})
	if err != nil {
		return store.WriteUnavailable(err, "delete %s/%s at %s", t.name, partition, cl)
	}
	return nil
}

func (t *table) Scan(ctx context.Context, partition string, opts store.ScanOptions) ([]store.Row, error) {
	if err := store.ValidatePartition(partition); err != nil {
		return nil, err
	}
	by := &redis.ZRangeBy{Min: "-", Max: "+"}
	if opts.Before != nil {
		by.Max = "(" + string(opts.Before)
	}
	if opts.After != nil {
		// skips every member whose clustering equals After
		by.Min = "[" + string(opts.After) + "\x01"
	}
	if opts.Limit > 0 {
		by.Count = int64(opts.Limit)
	}

	var (
		members []string
		err     error
	)
	if opts.Ascending {
		members, err = t.b.client.ZRangeByLex(ctx, t.key(partition), by).Result()
	} else {
		members, err = t.b.client.ZRevRangeByLex(ctx, t.key(partition), by).Result()
	}
	if err != nil {
		return nil, store.ReadUnavailable(err, "scan %s/%s", t.name, partition)
	}
	rows := make([]store.Row, 0, len(members))
	for _, m := range members {
		rows = append(rows, splitMember(m))
	}
	return rows, nil
}

func (t *table) Partitions(ctx context.Context, fn func(partition string) error) error {
	prefix := t.name + sep
	var (
		cursor uint64
		parts  = make(map[string]struct{})
	)
	for {
		keys, next, err := t.b.client.Scan(ctx, cursor, prefix+"*", 256).Result()
		if err != nil {
			return store.ReadUnavailable(err, "partitions %s", t.name)
		}
		for _, k := range keys {
			p := strings.TrimPrefix(k, prefix)
			if p != "" && !strings.Contains(p, sep) {
				parts[p] = struct{}{}
			}
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	sorted := make([]string, 0, len(parts))
	for p := range parts {
		sorted = append(sorted, p)
	}
	sort.Strings(sorted)
	for _, p := range sorted {
		if err := fn(p); err != nil {
			return err
		}
	}
	return nil
}
