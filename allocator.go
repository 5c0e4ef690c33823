package sbtree

import (
	"context"

	"github.com/ryogrid/sbtree/collab"
)

// Allocator is the bonsai sub-page allocator (spec §4.2): it hands out
// fixed-size bucket regions inside larger pages, from either the
// per-file free list or the high-water "next free space" pointer, and
// recycles regions by pushing bucket pointers onto the free list.
type Allocator struct {
	cache     collab.PageCache
	file      string
	pageSize  int32
	maxBucket int32
}

func NewAllocator(cache collab.PageCache, file string, pageSize, maxBucket int32) *Allocator {
	return &Allocator{cache: cache, file: file, pageSize: pageSize, maxBucket: maxBucket}
}

// bucketRegion slices out the maxBucket-sized window for ptr from a full
// page's bytes.
func (a *Allocator) bucketRegion(pageBytes []byte, ptr Pointer) []byte {
	return pageBytes[ptr.PageOffset : ptr.PageOffset+a.maxBucket]
}

func (a *Allocator) loadSystem(ctx context.Context, write bool) (collab.PageEntry, *SystemBucket, error) {
	var (
		e   collab.PageEntry
		err error
	)
	if write {
		e, err = a.cache.LoadForWrite(ctx, a.file, 0)
	} else {
		e, err = a.cache.LoadForRead(ctx, a.file, 0)
	}
	if err != nil {
		return nil, nil, err
	}
	return e, NewSystemBucket(e.Bytes()), nil
}

// Allocate implements spec §4.2 allocate(): pop the free list if
// non-empty, else bump the high-water pointer, else add a page.
// Returns the new bucket's pointer and its (already-loaded) page entry,
// so the caller can carve a fresh Bucket view without a second fetch.
func (a *Allocator) Allocate(ctx context.Context, op collab.AtomicOperation) (Pointer, collab.PageEntry, error) {
	sysEntry, sys, err := a.loadSystem(ctx, true)
	if err != nil {
		return Pointer{}, nil, err
	}
	defer a.cache.ReleaseFromWrite(sysEntry, op)

	if sys.FreeListLength() > 0 {
		head := sys.FreeListHead()
		pageEntry, err := a.cache.LoadForWrite(ctx, a.file, head.PageIndex)
		if err != nil {
			return Pointer{}, nil, err
		}
		region := a.bucketRegion(pageEntry.Bytes(), head)
		reused := LoadBucket(region, true)
		next := reused.FreeListPointer()

		oldLen := sys.SetFreeListLength(sys.FreeListLength() - 1)
		sys.SetFreeListHead(next)
		op.AppendPageOp(collab.PageOperation{Kind: collab.OpSetSystemFreeListLength, File: a.file, PrevInt64: int64(oldLen)})
		op.AppendPageOp(collab.PageOperation{Kind: collab.OpSetSystemFreeListHead, File: a.file, PrevPointer: [2]int64{head.PageIndex, int64(head.PageOffset)}})
		sysEntry.MarkDirty()
		return head, pageEntry, nil
	}

	freeSpace := sys.FreeSpacePointer()
	if freeSpace.PageOffset+a.maxBucket <= a.pageSize {
		pageEntry, err := a.cache.LoadForWrite(ctx, a.file, freeSpace.PageIndex)
		if err != nil {
			return Pointer{}, nil, err
		}
		advanced := Pointer{PageIndex: freeSpace.PageIndex, PageOffset: freeSpace.PageOffset + a.maxBucket}
		sys.SetFreeSpacePointer(advanced)
		op.AppendPageOp(collab.PageOperation{Kind: collab.OpSetSystemFreeSpacePointer, File: a.file, PrevPointer: [2]int64{freeSpace.PageIndex, int64(freeSpace.PageOffset)}})
		sysEntry.MarkDirty()
		return freeSpace, pageEntry, nil
	}

	newPageEntry, err := a.cache.AllocatePage(ctx, a.file)
	if err != nil {
		return Pointer{}, nil, err
	}
	ptr := Pointer{PageIndex: newPageEntry.PageIndex(), PageOffset: 0}
	sys.SetFreeSpacePointer(Pointer{PageIndex: newPageEntry.PageIndex(), PageOffset: a.maxBucket})
	op.AppendPageOp(collab.PageOperation{Kind: collab.OpSetSystemFreeSpacePointer, File: a.file, PrevPointer: [2]int64{freeSpace.PageIndex, int64(freeSpace.PageOffset)}})
	sysEntry.MarkDirty()
	return ptr, newPageEntry, nil
}

// BucketLoader is supplied by the tree engine so the allocator's BFS
// over a subtree's buckets doesn't need to know about Tree internals.
type BucketLoader func(ctx context.Context, ptr Pointer) (entry collab.PageEntry, bucket *Bucket, release func(), err error)

// RecycleSubtrees implements spec §4.2 recycle_subtrees(roots): BFS over
// the given subtree roots, marking every visited bucket DELETED and
// threading its free_list_pointer, then splicing the resulting chain
// onto the existing free list head.
func (a *Allocator) RecycleSubtrees(ctx context.Context, op collab.AtomicOperation, roots []Pointer, load BucketLoader) error {
	var visited []Pointer
	queue := append([]Pointer(nil), roots...)
	for len(queue) > 0 {
		ptr := queue[0]
		queue = queue[1:]
		if ptr.IsNull() {
			continue
		}
		entry, bucket, release, err := load(ctx, ptr)
		if err != nil {
			return err
		}
		if !bucket.IsLeaf() {
			n := bucket.SlotCount()
			for i := int32(0); i < n; i++ {
				e := bucket.GetEntry(i)
				if i == 0 {
					queue = append(queue, e.Left)
				}
				queue = append(queue, e.Right)
			}
		}
		visited = append(visited, ptr)
		oldFlags := bucket.SetDeleted()
		op.AppendPageOp(collab.PageOperation{Kind: collab.OpSetDeleted, File: a.file, PageIndex: ptr.PageIndex, PageOffset: ptr.PageOffset, PrevInt64: int64(oldFlags)})
		entry.MarkDirty()
		release()
	}

	if len(visited) == 0 {
		return nil
	}

	sysEntry, sys, err := a.loadSystem(ctx, true)
	if err != nil {
		return err
	}
	defer a.cache.ReleaseFromWrite(sysEntry, op)

	// thread visited buckets into a list in reverse visitation order,
	// then splice the previous head onto its tail (spec §4.2: "the
	// previous head is linked onto the existing free-list head").
	head := sys.FreeListHead()
	for i := len(visited) - 1; i >= 0; i-- {
		ptr := visited[i]
		entry, bucket, release, err := load(ctx, ptr)
		if err != nil {
			return err
		}
		old := bucket.SetFreeListPointer(head)
		op.AppendPageOp(collab.PageOperation{Kind: collab.OpSetFreeListPointer, File: a.file, PageIndex: ptr.PageIndex, PageOffset: ptr.PageOffset, PrevPointer: [2]int64{old.PageIndex, int64(old.PageOffset)}})
		entry.MarkDirty()
		release()
		head = ptr
	}

	prevHead := sys.FreeListHead()
	oldLen := sys.FreeListLength()
	sys.SetFreeListHead(head)
	sys.SetFreeListLength(oldLen + int32(len(visited)))
	op.AppendPageOp(collab.PageOperation{Kind: collab.OpSetSystemFreeListHead, File: a.file, PrevPointer: [2]int64{prevHead.PageIndex, int64(prevHead.PageOffset)}})
	op.AppendPageOp(collab.PageOperation{Kind: collab.OpSetSystemFreeListLength, File: a.file, PrevInt64: int64(oldLen)})
	sysEntry.MarkDirty()
	return nil
}
