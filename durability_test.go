package sbtree

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/ryogrid/sbtree/collab"
	"github.com/ryogrid/sbtree/collab/memcollab"
	"github.com/ryogrid/sbtree/errs"
)

func TestDurabilityRollsBackUpdateValue(t *testing.T) {
	ctx := context.Background()
	cache := memcollab.NewPageCache(512)
	aom := memcollab.NewAtomicOperationsManager()
	wal := memcollab.NewWAL()
	dur := NewDurability(cache, aom, wal, "f", false, 512)

	entry, err := cache.AllocatePage(ctx, "f")
	require.NoError(t, err)
	b := NewBucket(entry.Bytes(), false)
	b.SetLeaf(true)
	_, err = b.AddLeafEntry(0, []byte("k"), []byte("v1......"))
	require.NoError(t, err)
	entry.MarkDirty()
	cache.ReleaseFromWrite(entry, nil)

	before := cache.Snapshot("f", 0)

	op, err := dur.Begin(ctx, true)
	require.NoError(t, err)

	wEntry, err := cache.LoadForWrite(ctx, "f", 0)
	require.NoError(t, err)
	wb := LoadBucket(wEntry.Bytes(), false)
	prev := wb.UpdateValue(0, []byte("v2......"))
	require.NoError(t, dur.Log(op, collab.PageOperation{Kind: collab.OpUpdateValue, PageIndex: 0, SlotIndex: 0, PrevBytes2: prev}))
	wEntry.MarkDirty()
	cache.ReleaseFromWrite(wEntry, op)

	require.NoError(t, dur.Abort(ctx, op, errs.IO))

	after := cache.Snapshot("f", 0)
	// Byte-exact equality matters here (spec P7: rollback must restore the
	// identical prior image, not just an equivalent decoded value), so
	// diff the raw page bytes rather than comparing via require.Equal's
	// reflect-based check.
	if diff := cmp.Diff(before, after); diff != "" {
		t.Fatalf("page image mismatch after rollback (-before +after):\n%s", diff)
	}
}

// TestDurabilityRollsBackLeafInsert guards against a non-splitting leaf
// insert being logged as a per-slot undo: Bucket.Remove only compacts
// live entries, it never restores the entry-area bytes vacated below
// the old free pointer or the slot cell that drops out of the
// directory, so a slot-index-only undo leaves stale bytes behind even
// though the slot count/search results look right. The insert path
// must snapshot the whole region up front and restore it verbatim, the
// same way split/shrink already do.
func TestDurabilityRollsBackLeafInsert(t *testing.T) {
	ctx := context.Background()
	cache := memcollab.NewPageCache(512)
	aom := memcollab.NewAtomicOperationsManager()
	wal := memcollab.NewWAL()
	dur := NewDurability(cache, aom, wal, "f", false, 512)

	entry, err := cache.AllocatePage(ctx, "f")
	require.NoError(t, err)
	b := NewBucket(entry.Bytes(), false)
	b.SetLeaf(true)
	_, err = b.AddLeafEntry(0, []byte("a"), []byte("v-a....."))
	require.NoError(t, err)
	entry.MarkDirty()
	cache.ReleaseFromWrite(entry, nil)

	before := cache.Snapshot("f", 0)

	op, err := dur.Begin(ctx, true)
	require.NoError(t, err)

	wEntry, err := cache.LoadForWrite(ctx, "f", 0)
	require.NoError(t, err)
	wb := LoadBucket(wEntry.Bytes(), false)
	snapshot := append([]byte(nil), wb.Bytes()...)
	ok, err := wb.AddLeafEntry(1, []byte("b"), []byte("v-b....."))
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, dur.Log(op, collab.PageOperation{Kind: collab.OpAddAll, PageIndex: 0, PrevBytes: snapshot}))
	wEntry.MarkDirty()
	cache.ReleaseFromWrite(wEntry, op)

	require.NoError(t, dur.Abort(ctx, op, errs.IO))

	after := cache.Snapshot("f", 0)
	if diff := cmp.Diff(before, after); diff != "" {
		t.Fatalf("page image mismatch after insert-then-abort (-before +after):\n%s", diff)
	}

	restored := LoadBucket(after, false)
	require.Equal(t, int32(1), restored.SlotCount())
	require.Equal(t, []byte("a"), restored.Key(0))
}
