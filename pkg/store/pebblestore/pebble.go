// Package pebblestore maps the wide-column contract onto a single Pebble
// keyspace: <table>:<partition>:<clustering> -> value.
package pebblestore

import (
	"bytes"
	"context"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/dustin/go-humanize"

	"convodb/pkg/logger"
	"convodb/pkg/store"
)

const sep = ':'

type Options struct {
	Path string
	// FS overrides the filesystem; tests pass vfs.NewMem().
	FS vfs.FS
	// DisableWAL trades durability for throughput; only ConsistencyOne
	// writes are accepted when set.
	DisableWAL bool
}

type Backend struct {
	db          *pebble.DB
	walDisabled bool
	closed      atomic.Bool
}

var _ store.Backend = (*Backend)(nil)

func Open(opts Options) (*Backend, error) {
	po := &pebble.Options{DisableWAL: opts.DisableWAL}
	if opts.FS != nil {
		po.FS = opts.FS
	}
	db, err := pebble.Open(opts.Path, po)
	if err != nil {
		logger.Error("pebble_open_failed", "path", opts.Path, "error", err)
		return nil, errors.Wrapf(err, "open pebble at %s", opts.Path)
	}
	if opts.DisableWAL {
		logger.Warn("pebble_wal_disabled", "durability", "only consistency=one writes will be accepted")
	}
	b := &Backend{db: db, walDisabled: opts.DisableWAL}
	logger.Info("pebble_opened", "path", opts.Path, "disk_usage", humanize.IBytes(b.DiskUsage()))
	return b, nil
}

func (b *Backend) Table(name string) store.Table {
	return &table{b: b, name: name}
}

func (b *Backend) Ping(ctx context.Context) error {
	if b.closed.Load() {
		return store.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	_, closer, err := b.db.Get([]byte("__ping__"))
	if err == nil {
		closer.Close()
		return nil
	}
	if errors.Is(err, pebble.ErrNotFound) {
		return nil
	}
	return store.ReadUnavailable(err, "ping")
}

// Flush forces memtables to disk.
func (b *Backend) Flush() error {
	if b.closed.Load() {
		return store.ErrClosed
	}
	return b.db.Flush()
}

func (b *Backend) DiskUsage() uint64 {
	if b.closed.Load() {
		return 0
	}
	return b.db.Metrics().DiskSpaceUsage()
}

func (b *Backend) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	return b.db.Close()
}

func (b *Backend) writeOpt(cl store.Consistency) (*pebble.WriteOptions, error) {
	if cl == store.ConsistencyOne {
		return pebble.NoSync, nil
	}
	if b.walDisabled {
		return nil, errors.Newf("consistency %s requires the pebble WAL", cl)
	}
	return pebble.Sync, nil
}

type table struct {
	b    *Backend
	name string
}

func (t *table) partitionPrefix(partition string) []byte {
	k := make([]byte, 0, len(t.name)+len(partition)+2)
	k = append(k, t.name...)
	k = append(k, sep)
	k = append(k, partition...)
	return append(k, sep)
}

func (t *table) key(partition string, clustering []byte) []byte {
	return append(t.partitionPrefix(partition), clustering...)
}

// prefixEnd returns the smallest key greater than every key with prefix p,
// where p ends in sep.
func prefixEnd(p []byte) []byte {
	end := bytes.Clone(p)
	end[len(end)-1] = sep + 1
	return end
}

func (t *table) Insert(ctx context.Context, partition string, clustering, value []byte, cl store.Consistency) error {
	if err := store.ValidatePartition(partition); err != nil {
		return err
	}
	if len(clustering) == 0 {
		return errors.Wrap(store.ErrInvalidKey, "empty clustering key")
	}
	if t.b.closed.Load() {
		return store.WriteUnavailable(store.ErrClosed, "insert %s/%s", t.name, partition)
	}
	if err := ctx.Err(); err != nil {
		return store.WriteUnavailable(err, "insert %s/%s", t.name, partition)
	}
	wo, err := t.b.writeOpt(cl)
	if err != nil {
		return store.WriteUnavailable(err, "insert %s/%s", t.name, partition)
	}
	if err := t.b.db.Set(t.key(partition, clustering), value, wo); err != nil {
		logger.Error("pebble_insert_failed", "table", t.name, "partition", partition, "error", err)
		return store.WriteUnavailable(err, "insert %s/%s", t.name, partition)
	}
	return nil
}

func (t *table) Delete(ctx context.Context, partition string, clustering []byte, cl store.Consistency) error {
	if err := store.ValidatePartition(partition); err != nil {
		return err
	}
	if t.b.closed.Load() {
		return store.WriteUnavailable(store.ErrClosed, "delete %s/%s", t.name, partition)
	}
	if err := ctx.Err(); err != nil {
		return store.WriteUnavailable(err, "delete %s/%s", t.name, partition)
	}
	wo, err := t.b.writeOpt(cl)
	if err != nil {
		return store.WriteUnavailable(err, "delete %s/%s", t.name, partition)
	}
	if err := t.b.db.Delete(t.key(partition, clustering), wo); err != nil {
		return store.WriteUnavailable(err, "delete %s/%s", t.name, partition)
	}
	return nil
}

func (t *table) Scan(ctx context.Context, partition string, opts store.ScanOptions) ([]store.Row, error) {
	if err := store.ValidatePartition(partition); err != nil {
		return nil, err
	}
	if t.b.closed.Load() {
		return nil, store.ReadUnavailable(store.ErrClosed, "scan %s/%s", t.name, partition)
	}
	prefix := t.partitionPrefix(partition)
	lower := prefix
	if opts.After != nil {
		// smallest key strictly greater than prefix+After
		lower = append(t.key(partition, opts.After), 0)
	}
	upper := prefixEnd(prefix)
	if opts.Before != nil {
		upper = t.key(partition, opts.Before)
	}
	if bytes.Compare(lower, upper) >= 0 {
		return nil, nil
	}

	iter, err := t.b.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, store.ReadUnavailable(err, "scan %s/%s", t.name, partition)
	}
	defer iter.Close()

	var rows []store.Row
	var valid bool
	step := iter.Prev
	if opts.Ascending {
		step = iter.Next
		valid = iter.First()
	} else {
		valid = iter.Last()
	}
	for ; valid; valid = step() {
		if err := ctx.Err(); err != nil {
			return nil, store.ReadUnavailable(err, "scan %s/%s", t.name, partition)
		}
		rows = append(rows, store.Row{
			Clustering: bytes.Clone(iter.Key()[len(prefix):]),
			Value:      bytes.Clone(iter.Value()),
		})
		if opts.Limit > 0 && len(rows) >= opts.Limit {
			break
		}
	}
	if err := iter.Error(); err != nil {
		return nil, store.ReadUnavailable(err, "scan %s/%s", t.name, partition)
	}
	return rows, nil
}

func (t *table) Partitions(ctx context.Context, fn func(partition string) error) error {
	if t.b.closed.Load() {
		return store.ReadUnavailable(store.ErrClosed, "partitions %s", t.name)
	}
	tablePrefix := append([]byte(t.name), sep)
	iter, err := t.b.db.NewIter(&pebble.IterOptions{LowerBound: tablePrefix, UpperBound: prefixEnd(tablePrefix)})
	if err != nil {
		return store.ReadUnavailable(err, "partitions %s", t.name)
	}
	defer iter.Close()

	for valid := iter.First(); valid; {
		if err := ctx.Err(); err != nil {
			return err
		}
		rest := iter.Key()[len(tablePrefix):]
		i := bytes.IndexByte(rest, sep)
		if i <= 0 {
			valid = iter.Next()
			continue
		}
		partition := string(rest[:i])
		if err := fn(partition); err != nil {
			return err
		}
		valid = iter.SeekGE(prefixEnd(t.partitionPrefix(partition)))
	}
	return iter.Error()
}
