package keys

import (
	"bytes"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPadTSOrdersLexically(t *testing.T) {
	a := PadTS(999)
	b := PadTS(1000)
	assert.Len(t, a, TSPadWidth)
	assert.Less(t, a, b)
}

func TestMessageClusteringRoundTrip(t *testing.T) {
	k := GenMessageClustering(1700000000123, "01HZX")
	p, err := ParseClustering(k)
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000123), p.TS)
	assert.Equal(t, "01HZX", p.ID)

	_, err = ParseClustering([]byte("nope"))
	assert.Error(t, err)
	_, err = ParseClustering([]byte("123:abc"))
	assert.Error(t, err)
}

func TestMessageBoundExclusion(t *testing.T) {
	rowA := GenMessageClustering(100, "A")
	rowB := GenMessageClustering(100, "B")
	older := GenMessageClustering(99, "Z")

	tsOnly := GenMessageBound(100, "")
	assert.True(t, bytes.Compare(rowA, tsOnly) > 0)
	assert.True(t, bytes.Compare(rowB, tsOnly) > 0)
	assert.True(t, bytes.Compare(older, tsOnly) < 0)

	exact := GenMessageBound(100, "B")
	assert.True(t, bytes.Compare(rowA, exact) < 0)
	assert.Equal(t, 0, bytes.Compare(rowB, exact))
}

func TestIDGeneratorMonotonicWithinMillisecond(t *testing.T) {
	g := NewIDGenerator()
	ids := make([]string, 0, 200)
	for i := 0; i < 200; i++ {
		id, err := g.Next(1700000000000)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	assert.True(t, sort.StringsAreSorted(ids))
	seen := map[string]struct{}{}
	for _, id := range ids {
		seen[id] = struct{}{}
	}
	assert.Len(t, seen, len(ids))

	later, err := g.Next(1700000000001)
	require.NoError(t, err)
	assert.Greater(t, later, ids[len(ids)-1])

	_, err = g.Next(-1)
	assert.Error(t, err)
}

func TestValidateID(t *testing.T) {
	assert.NoError(t, ValidateID("user", "u-1"))
	assert.Error(t, ValidateID("user", ""))
	assert.Error(t, ValidateID("user", "a:b"))
	assert.Error(t, ValidateID("user", string(make([]byte, 200))))
}
