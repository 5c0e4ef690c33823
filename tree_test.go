package sbtree

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ryogrid/sbtree/collab/memcollab"
)

func newTestTree(t *testing.T, bonsai bool) *Tree {
	t.Helper()
	cfg := DefaultConfig()
	cfg.MaxBonsaiBucketSizeInBytes = 512

	tr := NewTree(TreeOptions{
		Cache:    memcollab.NewPageCache(cfg.PageSizeBytes()),
		AOM:      memcollab.NewAtomicOperationsManager(),
		WAL:      memcollab.NewWAL(),
		KeySer:   memcollab.BytesKeySerializer{},
		ValueSer: memcollab.FixedValueSerializer{Size: 8},
		File:     "f",
		Bonsai:   bonsai,
		Config:   cfg,
	})
	require.NoError(t, tr.Create(context.Background()))
	return tr
}

func i64Value(v int64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(v))
	return buf
}

func TestTreePutGetRemoveStandard(t *testing.T) {
	ctx := context.Background()
	tr := newTestTree(t, false)

	require.NoError(t, tr.Put(ctx, []byte("apple"), i64Value(1)))
	require.NoError(t, tr.Put(ctx, []byte("banana"), i64Value(2)))
	require.NoError(t, tr.Put(ctx, []byte("cherry"), i64Value(3)))

	v, ok, err := tr.Get(ctx, []byte("banana"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, i64Value(2), v)

	found, err := tr.Remove(ctx, []byte("banana"))
	require.NoError(t, err)
	require.True(t, found)

	_, ok, err = tr.Get(ctx, []byte("banana"))
	require.NoError(t, err)
	require.False(t, ok)

	found, err = tr.Remove(ctx, []byte("banana"))
	require.NoError(t, err)
	require.False(t, found)
}

func TestTreePutGetBonsaiFixedLengthValues(t *testing.T) {
	ctx := context.Background()
	tr := newTestTree(t, true)

	require.NoError(t, tr.Put(ctx, []byte("k1"), i64Value(10)))
	v, ok, err := tr.Get(ctx, []byte("k1"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, i64Value(10), v)
}

func TestTreeFirstLastKeyAndScans(t *testing.T) {
	ctx := context.Background()
	tr := newTestTree(t, false)

	keys := []string{"a", "c", "e", "g", "i"}
	for i, k := range keys {
		require.NoError(t, tr.Put(ctx, []byte(k), i64Value(int64(i))))
	}

	first, ok, err := tr.FirstKey(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("a"), first)

	last, ok, err := tr.LastKey(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("i"), last)

	var ascending []string
	err = tr.ScanMajor(ctx, []byte("a"), true, false, func(key, _ []byte) (bool, error) {
		ascending = append(ascending, string(key))
		return true, nil
	})
	require.NoError(t, err)
	require.Equal(t, keys, ascending)

	var descending []string
	err = tr.ScanMinor(ctx, []byte("i"), true, func(key, _ []byte) (bool, error) {
		descending = append(descending, string(key))
		return true, nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"i", "g", "e", "c", "a"}, descending)

	err = tr.ScanMajor(ctx, []byte("a"), true, true, func(_, _ []byte) (bool, error) { return true, nil })
	require.Error(t, err)

	var between []string
	err = tr.ScanBetween(ctx, []byte("c"), []byte("g"), true, true, func(key, _ []byte) (bool, error) {
		between = append(between, string(key))
		return true, nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"c", "e", "g"}, between)
}

func TestTreeClear(t *testing.T) {
	ctx := context.Background()
	tr := newTestTree(t, false)

	require.NoError(t, tr.Put(ctx, []byte("x"), i64Value(1)))
	require.NoError(t, tr.Put(ctx, []byte("y"), i64Value(2)))

	require.NoError(t, tr.Clear(ctx))

	_, ok, err := tr.Get(ctx, []byte("x"))
	require.NoError(t, err)
	require.False(t, ok)

	_, ok, err = tr.FirstKey(ctx)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestTreeRealBagSize(t *testing.T) {
	ctx := context.Background()
	tr := newTestTree(t, false)

	require.NoError(t, tr.Put(ctx, []byte("a"), i64Value(5)))
	require.NoError(t, tr.Put(ctx, []byte("b"), i64Value(7)))

	total, err := tr.RealBagSize(ctx, map[string]Change{
		"a": {Delta: 2},
		"c": {Delta: 10},
	})
	require.NoError(t, err)
	require.Equal(t, int64(5+2+7+10), total)
}
