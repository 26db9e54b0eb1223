// Package storetest holds the conformance checks every store.Backend must
// pass.
package storetest

import (
	"context"
	"fmt"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"convodb/pkg/store"
)

// Run exercises ordering, bounds, overwrite, delete and partition listing.
func Run(t *testing.T, open func(t *testing.T) store.Backend) {
	t.Run("descending scan with bounds", func(t *testing.T) {
		b := open(t)
		tbl := b.Table("events")
		ctx := context.Background()
		for i := 0; i < 10; i++ {
			require.NoError(t, tbl.Insert(ctx, "p1", ck(i), []byte(fmt.Sprint(i)), store.ConsistencyOne))
		}
		require.NoError(t, tbl.Insert(ctx, "p2", ck(100), []byte("other"), store.ConsistencyOne))

		rows, err := tbl.Scan(ctx, "p1", store.ScanOptions{})
		require.NoError(t, err)
		require.Len(t, rows, 10)
		assert.Equal(t, ck(9), rows[0].Clustering)
		assert.Equal(t, ck(0), rows[9].Clustering)

		rows, err = tbl.Scan(ctx, "p1", store.ScanOptions{Before: ck(5), Limit: 3})
		require.NoError(t, err)
		require.Len(t, rows, 3)
		assert.Equal(t, []byte("4"), rows[0].Value)
		assert.Equal(t, []byte("2"), rows[2].Value)

		rows, err = tbl.Scan(ctx, "p1", store.ScanOptions{After: ck(6)})
		require.NoError(t, err)
		require.Len(t, rows, 3)
		assert.Equal(t, ck(9), rows[0].Clustering)
		assert.Equal(t, ck(7), rows[2].Clustering)

		rows, err = tbl.Scan(ctx, "p1", store.ScanOptions{After: ck(2), Before: ck(5), Ascending: true})
		require.NoError(t, err)
		require.Len(t, rows, 2)
		assert.Equal(t, ck(3), rows[0].Clustering)
		assert.Equal(t, ck(4), rows[1].Clustering)

		rows, err = tbl.Scan(ctx, "p1", store.ScanOptions{After: ck(5), Before: ck(5)})
		require.NoError(t, err)
		assert.Empty(t, rows)

		rows, err = tbl.Scan(ctx, "missing", store.ScanOptions{})
		require.NoError(t, err)
		assert.Empty(t, rows)
	})

	t.Run("prefix bound excludes longer keys", func(t *testing.T) {
		b := open(t)
		tbl := b.Table("events")
		ctx := context.Background()
		require.NoError(t, tbl.Insert(ctx, "p", []byte("0005:a"), []byte("a"), store.ConsistencyOne))
		require.NoError(t, tbl.Insert(ctx, "p", []byte("0005:b"), []byte("b"), store.ConsistencyOne))
		require.NoError(t, tbl.Insert(ctx, "p", []byte("0004:z"), []byte("z"), store.ConsistencyOne))

		rows, err := tbl.Scan(ctx, "p", store.ScanOptions{Before: []byte("0005")})
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, []byte("z"), rows[0].Value)

		rows, err = tbl.Scan(ctx, "p", store.ScanOptions{Before: []byte("0005:b")})
		require.NoError(t, err)
		require.Len(t, rows, 2)
		assert.Equal(t, []byte("a"), rows[0].Value)
	})

	t.Run("same clustering overwrites", func(t *testing.T) {
		b := open(t)
		tbl := b.Table("events")
		ctx := context.Background()
		require.NoError(t, tbl.Insert(ctx, "p", ck(1), []byte("first"), store.ConsistencyOne))
		require.NoError(t, tbl.Insert(ctx, "p", ck(1), []byte("second"), store.ConsistencyOne))
		rows, err := tbl.Scan(ctx, "p", store.ScanOptions{})
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, []byte("second"), rows[0].Value)
	})

	t.Run("delete and partitions", func(t *testing.T) {
		b := open(t)
		tbl := b.Table("events")
		other := b.Table("eventsx")
		ctx := context.Background()
		for _, p := range []string{"b", "a", "c"} {
			require.NoError(t, tbl.Insert(ctx, p, ck(1), []byte(p), store.ConsistencyOne))
			require.NoError(t, tbl.Insert(ctx, p, ck(2), []byte(p), store.ConsistencyOne))
		}
		require.NoError(t, other.Insert(ctx, "zz", ck(1), nil, store.ConsistencyOne))

		require.NoError(t, tbl.Delete(ctx, "c", ck(1), store.ConsistencyOne))
		require.NoError(t, tbl.Delete(ctx, "c", ck(2), store.ConsistencyOne))
		rows, err := tbl.Scan(ctx, "c", store.ScanOptions{})
		require.NoError(t, err)
		assert.Empty(t, rows)

		var seen []string
		require.NoError(t, tbl.Partitions(ctx, func(p string) error {
			seen = append(seen, p)
			return nil
		}))
		assert.Equal(t, []string{"a", "b"}, seen)
	})

	t.Run("invalid partition", func(t *testing.T) {
		b := open(t)
		tbl := b.Table("events")
		err := tbl.Insert(context.Background(), "a:b", ck(1), nil, store.ConsistencyOne)
		assert.True(t, errors.Is(err, store.ErrInvalidKey))
		_, err = tbl.Scan(context.Background(), "", store.ScanOptions{})
		assert.True(t, errors.Is(err, store.ErrInvalidKey))
	})

	t.Run("closed backend rejects writes", func(t *testing.T) {
		b := open(t)
		require.NoError(t, b.Ping(context.Background()))
		require.NoError(t, b.Close())
		err := b.Table("events").Insert(context.Background(), "p", ck(1), nil, store.ConsistencyQuorum)
		assert.True(t, errors.Is(err, store.ErrWriteUnavailable))
	})
}

func ck(i int) []byte { return []byte(fmt.Sprintf("%06d", i)) }
