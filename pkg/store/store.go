// Package store defines the wide-column contract the message log, the
// conversation index and the retry queue are written against. A table holds
// partitions; within a partition rows are ordered by an opaque clustering key
// and scanned newest-first by default.
package store

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"
)

var (
	// ErrWriteUnavailable marks any write the backend could not persist at
	// the requested consistency level.
	ErrWriteUnavailable = errors.New("store: write unavailable")
	ErrReadUnavailable  = errors.New("store: read unavailable")
	ErrInvalidKey       = errors.New("store: invalid key")
	ErrClosed           = errors.New("store: closed")
)

// Consistency is the durability a write must reach before it is acknowledged.
type Consistency int

const (
	ConsistencyOne Consistency = iota
	ConsistencyQuorum
	ConsistencyAll
)

func (c Consistency) String() string {
	switch c {
	case ConsistencyOne:
		return "one"
	case ConsistencyQuorum:
		return "quorum"
	case ConsistencyAll:
		return "all"
	default:
		return "unknown"
	}
}

// ParseConsistency accepts one, quorum or all (case-insensitive).
func ParseConsistency(s string) (Consistency, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "one":
		return ConsistencyOne, nil
	case "quorum":
		return ConsistencyQuorum, nil
	case "all":
		return ConsistencyAll, nil
	}
	return ConsistencyOne, errors.Newf("unknown consistency level %q", s)
}

type Row struct {
	Clustering []byte
	Value      []byte
}

// ScanOptions bounds a partition scan. Before and After are exclusive; nil
// means unbounded on that side. Limit <= 0 returns every row in range.
type ScanOptions struct {
	Before    []byte
	After     []byte
	Limit     int
	Ascending bool
}

type Table interface {
	Insert(ctx context.Context, partition string, clustering, value []byte, cl Consistency) error
	Scan(ctx context.Context, partition string, opts ScanOptions) ([]Row, error)
	// Delete is reserved for housekeeping: compaction and retry bookkeeping.
	Delete(ctx context.Context, partition string, clustering []byte, cl Consistency) error
	// Partitions calls fn once per non-empty partition, in key order.
	Partitions(ctx context.Context, fn func(partition string) error) error
}

type Backend interface {
	Table(name string) Table
	Ping(ctx context.Context) error
	Close() error
}

// ValidatePartition rejects ids that would break the key layout.
func ValidatePartition(partition string) error {
	if partition == "" {
		return errors.Wrap(ErrInvalidKey, "empty partition")
	}
	if strings.ContainsAny(partition, ":\x00") {
		return errors.Wrapf(ErrInvalidKey, "partition %q contains a reserved character", partition)
	}
	return nil
}

// WriteUnavailable classifies err as ErrWriteUnavailable, keeping the cause.
func WriteUnavailable(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.Wrapf(err, format, args...), ErrWriteUnavailable)
}

func ReadUnavailable(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.Wrapf(err, format, args...), ErrReadUnavailable)
}
