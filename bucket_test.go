package sbtree

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBucketAddFindGetLeaf(t *testing.T) {
	region := make([]byte, 512)
	b := NewBucket(region, false)
	b.SetLeaf(true)

	ok, err := b.AddLeafEntry(0, []byte("bbb"), []byte("v-bbb"))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = b.AddLeafEntry(0, []byte("aaa"), []byte("v-aaa"))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = b.AddLeafEntry(2, []byte("ccc"), []byte("v-ccc"))
	require.NoError(t, err)
	require.True(t, ok)

	require.Equal(t, int32(3), b.SlotCount())
	require.Equal(t, []byte("aaa"), b.Key(0))
	require.Equal(t, []byte("bbb"), b.Key(1))
	require.Equal(t, []byte("ccc"), b.Key(2))

	idx := b.Find([]byte("bbb"), bytes.Compare)
	require.Equal(t, int32(1), idx)

	idx = b.Find([]byte("bba"), bytes.Compare)
	require.Equal(t, int32(-2), idx) // insertion point 1, encoded as -(1+1)

	e := b.GetEntry(1)
	require.Equal(t, []byte("v-bbb"), e.Value)
}

func TestBucketRemoveCompactsRegion(t *testing.T) {
	region := make([]byte, 512)
	b := NewBucket(region, false)
	b.SetLeaf(true)
	for _, k := range []string{"a", "b", "c"} {
		ok, err := b.AddLeafEntry(b.SlotCount(), []byte(k), []byte("v-"+k))
		require.NoError(t, err)
		require.True(t, ok)
	}

	rawKey, rawValue := b.Remove(1)
	require.Equal(t, []byte("b"), rawKey)
	require.Equal(t, []byte("v-b"), rawValue)
	require.Equal(t, int32(2), b.SlotCount())
	require.Equal(t, []byte("a"), b.Key(0))
	require.Equal(t, []byte("c"), b.Key(1))
}

func TestBucketShrinkAndAddAll(t *testing.T) {
	region := make([]byte, 512)
	b := NewBucket(region, false)
	b.SetLeaf(true)
	for _, k := range []string{"a", "b", "c", "d"} {
		_, err := b.AddLeafEntry(b.SlotCount(), []byte(k), []byte("v-"+k))
		require.NoError(t, err)
	}

	removed := b.Shrink(2)
	require.Len(t, removed, 2)
	require.Equal(t, []byte("c"), removed[0].Key)
	require.Equal(t, []byte("d"), removed[1].Key)
	require.Equal(t, int32(2), b.SlotCount())

	b2 := NewBucket(make([]byte, 512), false)
	b2.SetLeaf(true)
	b2.AddAll(removed)
	require.Equal(t, int32(2), b2.SlotCount())
	require.Equal(t, []byte("c"), b2.Key(0))
}

func TestBucketSiblingsAndTreeSize(t *testing.T) {
	region := make([]byte, 256)
	b := NewBucket(region, false)
	b.SetLeaf(true)

	old := b.SetLeftSibling(Pointer{PageIndex: 7})
	require.True(t, old.IsNull())
	require.Equal(t, int64(7), b.LeftSibling().PageIndex)

	oldSize := b.SetTreeSize(42)
	require.Equal(t, int64(0), oldSize)
	require.Equal(t, int64(42), b.TreeSize())
}

func TestBonsaiPointerRoundTrip(t *testing.T) {
	region := make([]byte, 256)
	b := NewBucket(region, true)
	b.SetLeaf(false)

	p := Pointer{PageIndex: 3, PageOffset: 128, Version: 9}
	old := b.SetRightSibling(p)
	require.True(t, old.IsNull())
	got := b.RightSibling()
	require.True(t, got.Equal(p))
}

func TestEncodeDecodeLeafValue(t *testing.T) {
	blob := EncodeLeafValue(false, []byte("payload"))
	isLink, raw := DecodeLeafValue(blob)
	require.False(t, isLink)
	require.Equal(t, []byte("payload"), raw)
}
