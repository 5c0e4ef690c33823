package sbtree

import "github.com/ryogrid/sbtree/errs"

// room reports whether an entry of encSize bytes still fits once the slot
// directory grows by one more 4-byte offset (I1).
func (b *Bucket) room(encSize int32) bool {
	newFree := b.FreePointer() - encSize
	needed := b.headerSize() + (b.SlotCount()+1)*slotSize
	return newFree >= needed
}

// insertEntryBytes writes e's encoding at the low end of the current
// entry area and returns its new offset, without touching the slot
// directory. Caller is responsible for threading the offset into the
// slot array (I2: entries stay contiguous in [free_pointer, region_end)).
func (b *Bucket) insertEntryBytes(e Entry) int32 {
	size := b.entryEncodedSize(e)
	newFree := b.FreePointer() - size
	b.encodeEntry(b.data[newFree:newFree+size], e)
	b.SetFreePointer(newFree)
	return newFree
}

// insertSlot shifts slots [i, size) right by one and installs off at i.
func (b *Bucket) insertSlot(i int32, off int32) {
	n := b.SlotCount()
	for j := n; j > i; j-- {
		b.setSlotEntryOffset(j, b.slotEntryOffset(j-1))
	}
	b.setSlotEntryOffset(i, off)
	b.setSlotCount(n + 1)
}

// AddLeafEntry inserts (raw_key, raw_value) at logical index i. Returns
// false (REGION_FULL, never surfaced to callers — spec §7) if there is
// no room; the tree engine reacts to false by triggering a split.
func (b *Bucket) AddLeafEntry(i int32, rawKey, rawValue []byte) (bool, error) {
	if !b.IsLeaf() {
		return false, errs.Wrap(errs.StateViolation, "AddLeafEntry on internal bucket")
	}
	e := Entry{Key: rawKey, Value: rawValue, Leaf: true}
	size := b.entryEncodedSize(e)
	if size+4 > MaxEntrySize {
		return false, errs.Wrap(errs.EntryTooLarge, "leaf entry exceeds MaxEntrySize")
	}
	if !b.room(size) {
		return false, nil
	}
	off := b.insertEntryBytes(e)
	b.insertSlot(i, off)
	return true, nil
}

// AddEntry inserts a leaf or internal entry at index i. When
// updateNeighbors is set and the bucket is internal, the preceding and
// following entries' child pointers are patched to agree with the new
// entry at the boundary (I4).
func (b *Bucket) AddEntry(i int32, e Entry, updateNeighbors bool) bool {
	size := b.entryEncodedSize(e)
	if !b.room(size) {
		return false
	}
	off := b.insertEntryBytes(e)
	b.insertSlot(i, off)

	if updateNeighbors && !b.IsLeaf() {
		n := b.SlotCount()
		if i > 0 {
			prev := b.GetEntry(i - 1)
			prev.Right = e.Left
			b.rewriteEntryInPlace(i-1, prev)
		}
		if i+1 < n {
			next := b.GetEntry(i + 1)
			next.Left = e.Right
			b.rewriteEntryInPlace(i+1, next)
		}
	}
	return true
}

// rewriteEntryInPlace re-encodes an internal entry whose size cannot
// change (only its Left/Right pointers were patched), writing directly
// at its existing offset.
func (b *Bucket) rewriteEntryInPlace(i int32, e Entry) {
	off := b.slotEntryOffset(i)
	size := b.entryEncodedSize(e)
	b.encodeEntry(b.data[off:off+size], e)
}

// Remove deletes leaf slot i, shifting the entry bytes stored between
// the free pointer and the removed entry up (toward the region end) by
// its size and rewriting the slot offsets that pointed into the shifted
// region, per spec §4.1. Returns the raw key/value that
// were removed so the caller can log them for undo.
func (b *Bucket) Remove(i int32) (rawKey, rawValue []byte) {
	if !b.IsLeaf() {
		panic("Remove called on internal bucket")
	}
	e := b.GetEntry(i)
	rawKey, rawValue = e.Key, e.Value

	start, end := b.entryByteRange(i)
	removedSize := end - start
	free := b.FreePointer()

	// slide [free, start) up by removedSize so the freed gap closes
	// and entries stay contiguous (I2).
	moveData(b.data, free+removedSize, free, start-free)
	b.SetFreePointer(free + removedSize)

	// every slot whose offset fell in [free, start) moved up by
	// removedSize; the removed slot's own offset is dropped.
	n := b.SlotCount()
	for j := int32(0); j < n; j++ {
		if j == i {
			continue
		}
		o := b.slotEntryOffset(j)
		if o >= free && o < start {
			b.setSlotEntryOffset(j, o+removedSize)
		}
	}
	// compact the slot array itself.
	for j := i; j < n-1; j++ {
		b.setSlotEntryOffset(j, b.slotEntryOffset(j+1))
	}
	b.setSlotCount(n - 1)
	return rawKey, rawValue
}

// UpdateValue overwrites leaf slot i's value in place; spec assumes the
// new raw value has the same encoded length as the old one. Returns the
// previous raw value for the page-op before-image.
func (b *Bucket) UpdateValue(i int32, rawValue []byte) (oldRawValue []byte) {
	e := b.GetEntry(i)
	oldRawValue = e.Value
	e.Value = rawValue
	start, _ := b.entryByteRange(i)
	size := b.entryEncodedSize(e)
	b.encodeEntry(b.data[start:start+size], e)
	return oldRawValue
}

// Shrink keeps the first newSize entries, rewriting the region compactly
// and returning the removed raw entries in their original order (for the
// caller to log before discarding them, spec §4.1 `shrink`).
func (b *Bucket) Shrink(newSize int32) []Entry {
	n := b.SlotCount()
	removed := make([]Entry, 0, n-newSize)
	for i := newSize; i < n; i++ {
		removed = append(removed, b.GetEntry(i))
	}
	kept := make([]Entry, newSize)
	for i := int32(0); i < newSize; i++ {
		kept[i] = b.GetEntry(i)
	}
	b.rebuild(kept)
	return removed
}

// AddAll bulk-appends entries into an empty region and sets size,
// used when filling a freshly split bucket (spec §4.1 `add_all`).
func (b *Bucket) AddAll(entries []Entry) {
	b.rebuild(entries)
}

// rebuild re-packs the entry area and slot directory from scratch given
// entries in ascending logical order. Used by Shrink/AddAll, where a
// full compaction is simpler and no less correct than incremental
// shifting.
func (b *Bucket) rebuild(entries []Entry) {
	free := b.regionEnd()
	offsets := make([]int32, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		size := b.entryEncodedSize(entries[i])
		free -= size
		b.encodeEntry(b.data[free:free+size], entries[i])
		offsets[i] = free
	}
	b.SetFreePointer(free)
	b.setSlotCount(int32(len(entries)))
	for i, off := range offsets {
		b.setSlotEntryOffset(int32(i), off)
	}
}

// ClearSlot zeroes slot i's directory entry; it does not compact the
// entry area. The tree engine does not call it.
func (b *Bucket) ClearSlot(i int32) {
	b.setSlotEntryOffset(i, 0)
}
