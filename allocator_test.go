package sbtree

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ryogrid/sbtree/collab"
	"github.com/ryogrid/sbtree/collab/memcollab"
)

const testBonsaiBucketSize = 512

func newTestAllocator(t *testing.T) (*Allocator, *memcollab.PageCache, *memcollab.AtomicOperationsManager) {
	t.Helper()
	cache := memcollab.NewPageCache(4096)
	aom := memcollab.NewAtomicOperationsManager()
	alloc := NewAllocator(cache, "f", 4096, testBonsaiBucketSize)
	return alloc, cache, aom
}

func initSystemBucket(ctx context.Context, t *testing.T, cache *memcollab.PageCache) {
	t.Helper()
	entry, err := cache.AllocatePage(ctx, "f")
	require.NoError(t, err)
	require.Equal(t, int64(0), entry.PageIndex())
	NewSystemBucket(entry.Bytes()).Init()
	entry.MarkDirty()
	cache.ReleaseFromWrite(entry, nil)
}

func TestAllocatorHighWaterBump(t *testing.T) {
	ctx := context.Background()
	alloc, cache, aom := newTestAllocator(t)
	initSystemBucket(ctx, t, cache)

	op, err := aom.Start(ctx, true)
	require.NoError(t, err)

	first, _, err := alloc.Allocate(ctx, op)
	require.NoError(t, err)
	require.Equal(t, Pointer{PageIndex: 1, PageOffset: 0}, first)

	second, _, err := alloc.Allocate(ctx, op)
	require.NoError(t, err)
	require.Equal(t, Pointer{PageIndex: 1, PageOffset: testBonsaiBucketSize}, second)
}

func TestAllocatorRecycleThenReuse(t *testing.T) {
	ctx := context.Background()
	alloc, cache, aom := newTestAllocator(t)
	initSystemBucket(ctx, t, cache)

	op, err := aom.Start(ctx, true)
	require.NoError(t, err)

	ptrA, _, err := alloc.Allocate(ctx, op)
	require.NoError(t, err)
	ptrB, _, err := alloc.Allocate(ctx, op)
	require.NoError(t, err)

	bucketLoader := func(ctx context.Context, ptr Pointer) (collab.PageEntry, *Bucket, func(), error) {
		entry, err := cache.LoadForWrite(ctx, "f", ptr.PageIndex)
		if err != nil {
			return nil, nil, nil, err
		}
		region := entry.Bytes()[ptr.PageOffset : ptr.PageOffset+testBonsaiBucketSize]
		bk := LoadBucket(region, true)
		bk.SetLeaf(true)
		return entry, bk, func() { cache.ReleaseFromWrite(entry, op) }, nil
	}

	err = alloc.RecycleSubtrees(ctx, op, []Pointer{ptrA, ptrB}, BucketLoader(bucketLoader))
	require.NoError(t, err)

	ptrC, _, err := alloc.Allocate(ctx, op)
	require.NoError(t, err)
	require.True(t, ptrC.Equal(ptrB) || ptrC.Equal(ptrA))

	ptrD, _, err := alloc.Allocate(ctx, op)
	require.NoError(t, err)
	require.True(t, ptrD.Equal(ptrA) || ptrD.Equal(ptrB))
	require.NotEqual(t, ptrC, ptrD)
}
