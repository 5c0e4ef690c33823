package sbtree

import (
	"context"

	"github.com/ryogrid/sbtree/collab"
)

// Durability wires every mutating tree operation through the external
// atomic-operations manager and WAL (spec §4.4): it hands out one
// AtomicOperation per logical Put/Remove/Create, records every bucket
// mutation as a PageOperation before-image as it happens, and on
// failure replays those before-images in reverse to undo a partial
// mutation (byte-exact for region snapshots and field-level records; a
// removed leaf entry is re-inserted with AddLeafEntry, which restores
// its slot and contents but not its former byte position), mirroring
// the teacher's own begin/commit/rollback
// wrapping around bltree.go's B-link-tree operations
// (ryogrid/bltree-go-for-embedding), generalized from its Go channel +
// dummy-buffer-manager plumbing to the collab interfaces.
type Durability struct {
	cache      collab.PageCache
	aom        collab.AtomicOperationsManager
	wal        collab.WAL
	file       string
	bonsai     bool
	regionSize int32 // bucket region size: bonsai sub-page size, or full page size for standard
}

func NewDurability(cache collab.PageCache, aom collab.AtomicOperationsManager, wal collab.WAL, file string, bonsai bool, regionSize int32) *Durability {
	return &Durability{cache: cache, aom: aom, wal: wal, file: file, bonsai: bonsai, regionSize: regionSize}
}

// Begin starts one atomic operation. rollbackOnException records spec
// §4.4 step 1's per-entry-point tag (true for put/remove/clear, false
// for create/delete) for the atomic-operations manager's own
// bookkeeping; this module always attempts to replay whatever was
// logged on failure regardless of the tag, since an empty undo trail
// is already a no-op.
func (d *Durability) Begin(ctx context.Context, rollbackOnException bool) (collab.AtomicOperation, error) {
	return d.aom.Start(ctx, rollbackOnException)
}

// Log records one bucket mutation's before-image against both the
// in-flight operation's undo trail and the WAL.
func (d *Durability) Log(op collab.AtomicOperation, rec collab.PageOperation) error {
	rec.File = d.file
	op.AppendPageOp(rec)
	return d.wal.AppendPageOperation(rec)
}

// Commit appends the tree-level component record and ends the
// operation successfully.
func (d *Durability) Commit(ctx context.Context, op collab.AtomicOperation, comp collab.ComponentOperation) error {
	if err := d.wal.AppendComponentOperation(comp); err != nil {
		return err
	}
	return d.aom.End(ctx, op, false, nil)
}

// Abort undoes every page mutation recorded on op, in reverse order,
// then ends the operation as failed. cause is passed through to the
// atomic-operations manager for its own bookkeeping/logging.
func (d *Durability) Abort(ctx context.Context, op collab.AtomicOperation, cause error) error {
	if err := d.rollback(ctx, op); err != nil {
		return err
	}
	return d.aom.End(ctx, op, true, cause)
}

// loadRegion pins rec's page for write and returns the bucket-sized
// window the record refers to: the whole page for the standard
// variant, or the maxBucket-sized sub-region at rec.PageOffset for
// bonsai.
func (d *Durability) loadRegion(ctx context.Context, rec collab.PageOperation) (collab.PageEntry, []byte, error) {
	entry, err := d.cache.LoadForWrite(ctx, d.file, rec.PageIndex)
	if err != nil {
		return nil, nil, err
	}
	if !d.bonsai {
		return entry, entry.Bytes(), nil
	}
	return entry, entry.Bytes()[rec.PageOffset : rec.PageOffset+d.regionSize], nil
}

func ptrFrom(hi, lo int64) Pointer {
	return Pointer{PageIndex: hi, PageOffset: int32(lo)}
}

// rollback replays op's PageOps in reverse, restoring each bucket (or
// the system bucket) to its recorded before-image.
func (d *Durability) rollback(ctx context.Context, op collab.AtomicOperation) error {
	recs := op.PageOps()
	for i := len(recs) - 1; i >= 0; i-- {
		rec := recs[i]
		if err := d.undoOne(ctx, op, rec); err != nil {
			return err
		}
	}
	return nil
}

func (d *Durability) undoOne(ctx context.Context, op collab.AtomicOperation, rec collab.PageOperation) error {
	switch rec.Kind {
	case collab.OpSetSystemFreeListHead, collab.OpSetSystemFreeListLength, collab.OpSetSystemFreeSpacePointer:
		entry, err := d.cache.LoadForWrite(ctx, d.file, 0)
		if err != nil {
			return err
		}
		sys := NewSystemBucket(entry.Bytes())
		switch rec.Kind {
		case collab.OpSetSystemFreeListHead:
			sys.SetFreeListHead(ptrFrom(rec.PrevPointer[0], rec.PrevPointer[1]))
		case collab.OpSetSystemFreeListLength:
			sys.SetFreeListLength(int32(rec.PrevInt64))
		case collab.OpSetSystemFreeSpacePointer:
			sys.SetFreeSpacePointer(ptrFrom(rec.PrevPointer[0], rec.PrevPointer[1]))
		}
		entry.MarkDirty()
		d.cache.ReleaseFromWrite(entry, op)
		return nil
	}

	entry, region, err := d.loadRegion(ctx, rec)
	if err != nil {
		return err
	}
	bucket := LoadBucket(region, d.bonsai)

	switch rec.Kind {
	case collab.OpAddAll, collab.OpShrink:
		copy(region, rec.PrevBytes)
	case collab.OpRemove:
		if _, err := bucket.AddLeafEntry(rec.SlotIndex, rec.PrevBytes, rec.PrevBytes2); err != nil {
			return err
		}
	case collab.OpUpdateValue:
		bucket.UpdateValue(rec.SlotIndex, rec.PrevBytes2)
	case collab.OpSetLeftSibling:
		bucket.SetLeftSibling(ptrFrom(rec.PrevPointer[0], rec.PrevPointer[1]))
	case collab.OpSetRightSibling:
		bucket.SetRightSibling(ptrFrom(rec.PrevPointer[0], rec.PrevPointer[1]))
	case collab.OpSetTreeSize:
		bucket.SetTreeSize(rec.PrevInt64)
	case collab.OpSetDeleted:
		bucket.SetFlagsRaw(uint8(rec.PrevInt64))
	case collab.OpSetFreeListPointer:
		bucket.SetFreeListPointer(ptrFrom(rec.PrevPointer[0], rec.PrevPointer[1]))
	case collab.OpSetValueFreeListFirstIndex:
		bucket.SetValuesFreeListFirst(rec.PrevInt64)
	}

	entry.MarkDirty()
	d.cache.ReleaseFromWrite(entry, op)
	return nil
}
