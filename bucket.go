package sbtree

import (
	"encoding/binary"

	"github.com/ryogrid/sbtree/errs"
)

// MaxEntrySize is the fixed per-entry ceiling from spec §6.
const MaxEntrySize = 24_576_000

// Flag bits, spec §3.
const (
	flagLeaf    uint8 = 0x1
	flagDeleted uint8 = 0x2
)

// slotSize is the width of one slot-directory entry (a little-endian i32
// byte offset into the entry area).
const slotSize = 4

// Header layouts. The bonsai layout matches spec §6's on-disk diagram
// exactly; the standard layout keeps the same field order but narrows
// every bucket pointer from the bonsai (i64,i32,i32) triple to a plain
// i64, and swaps the bonsai free_list_ptr field for the standard
// variant's values_free_list_first (spec §3).
const (
	offFreePointer = 0x00 // i32, both variants
	offSize        = 0x04 // i32, both variants
	offFlags       = 0x08 // i8, both variants

	bonsaiOffFreeListPtr = 0x09 // (i64,i32,i32), 16 bytes
	bonsaiOffLeftSib     = 0x19 // (i64,i32,i32)
	bonsaiOffRightSib    = 0x29 // (i64,i32,i32)
	bonsaiOffTreeSize    = 0x39 // i64
	bonsaiOffKeySer      = 0x41 // i8
	bonsaiOffValSer      = 0x42 // i8
	bonsaiHeaderSize     = 0x43

	standardOffValuesFreeList = 0x09 // i64, 8 bytes
	standardOffLeftSib        = 0x11 // i64
	standardOffRightSib       = 0x19 // i64
	standardOffTreeSize       = 0x21 // i64
	standardOffKeySer         = 0x29 // i8
	standardOffValSer         = 0x2A // i8
	standardHeaderSize        = 0x2B
)

// Comparator orders two raw key byte strings the way the owning tree's
// key serializer would order the decoded keys. bytes.Compare is the
// default used by DefaultComparator.
type Comparator func(a, b []byte) int

// Entry is the decoded form of one slot. Leaf entries carry Value (in
// the standard variant that value is the [is_link:u8][value_bytes] blob
// built by EncodeLeafValue); internal entries carry Left/Right child
// pointers. Key and Value are owned copies when returned from the
// decoding accessors; binary search compares borrowed key slices from
// rawKeyAt instead, per the §9 design note.
type Entry struct {
	Key   []byte
	Leaf  bool
	Value []byte
	Left  Pointer
	Right Pointer
}

// EncodeLeafValue/DecodeLeafValue implement the standard leaf's
// [is_link:u8][value_bytes] framing from spec §4.1. This is kept as a
// helper the tree engine applies before/after calling Bucket leaf APIs
// rather than as part of Bucket's own codec, so Bucket treats the value
// as an opaque blob (§9 design note: raw-byte vs decoded APIs).
func EncodeLeafValue(isLink bool, raw []byte) []byte {
	out := make([]byte, 1+len(raw))
	if isLink {
		out[0] = 1
	}
	copy(out[1:], raw)
	return out
}

func DecodeLeafValue(blob []byte) (isLink bool, raw []byte) {
	return blob[0] == 1, blob[1:]
}

// Bucket is a slotted region: a header, a slot directory growing up from
// the header, and an entry area growing down from the region end. One
// Bucket wraps exactly one page (standard variant) or one sub-page
// region inside a larger page (bonsai variant).
type Bucket struct {
	data   []byte
	bonsai bool
}

// NewBucket wraps region (a fresh, zeroed byte slice) as an empty bucket
// with NULL left and right siblings.
func NewBucket(region []byte, bonsai bool) *Bucket {
	b := &Bucket{data: region, bonsai: bonsai}
	b.SetFreePointer(int32(len(region)))
	b.SetLeftSibling(Null())
	b.SetRightSibling(Null())
	return b
}

// LoadBucket wraps an existing region without touching its contents.
func LoadBucket(region []byte, bonsai bool) *Bucket {
	return &Bucket{data: region, bonsai: bonsai}
}

// Bytes returns the bucket's backing region, for whole-region
// before-image snapshots ahead of a split/shrink/rebuild (durability
// adapter, spec §4.4).
func (b *Bucket) Bytes() []byte { return b.data }

func (b *Bucket) headerSize() int32 {
	if b.bonsai {
		return bonsaiHeaderSize
	}
	return standardHeaderSize
}

// regionEnd is the exclusive upper bound of the entry area (I1).
func (b *Bucket) regionEnd() int32 { return int32(len(b.data)) }

// --- header accessors ---

func (b *Bucket) FreePointer() int32 { return int32(binary.LittleEndian.Uint32(b.data[offFreePointer:])) }
func (b *Bucket) SetFreePointer(v int32) {
	binary.LittleEndian.PutUint32(b.data[offFreePointer:], uint32(v))
}

// SlotCount is spec's `size`: the number of live slots.
func (b *Bucket) SlotCount() int32 { return int32(binary.LittleEndian.Uint32(b.data[offSize:])) }
func (b *Bucket) setSlotCount(v int32) {
	binary.LittleEndian.PutUint32(b.data[offSize:], uint32(v))
}

func (b *Bucket) flags() uint8 { return b.data[offFlags] }
func (b *Bucket) setFlags(v uint8) { b.data[offFlags] = v }

func (b *Bucket) IsLeaf() bool    { return b.flags()&flagLeaf != 0 }
func (b *Bucket) IsDeleted() bool { return b.flags()&flagDeleted != 0 }

// SetLeaf sets or clears the LEAF flag bit, returning the previous flags
// byte for the durability adapter's before-image (page op SetDeleted
// reuses the same representation for the DELETED bit).
func (b *Bucket) SetLeaf(leaf bool) (old uint8) {
	old = b.flags()
	if leaf {
		b.setFlags(old | flagLeaf)
	} else {
		b.setFlags(old &^ flagLeaf)
	}
	return old
}

// SetDeleted marks the bucket DELETED (bonsai only) and returns the
// previous flags byte.
func (b *Bucket) SetDeleted() (old uint8) {
	old = b.flags()
	b.setFlags(old | flagDeleted)
	return old
}

// SetFlagsRaw restores the flags byte verbatim, used by the durability
// adapter to undo SetDeleted/SetLeaf on rollback.
func (b *Bucket) SetFlagsRaw(v uint8) { b.setFlags(v) }

func (b *Bucket) readPointer(off int32) Pointer {
	if b.bonsai {
		pi := int64(binary.LittleEndian.Uint64(b.data[off:]))
		po := int32(binary.LittleEndian.Uint32(b.data[off+8:]))
		v := int32(binary.LittleEndian.Uint32(b.data[off+12:]))
		return Pointer{PageIndex: pi, PageOffset: po, Version: v}
	}
	pi := int64(binary.LittleEndian.Uint64(b.data[off:]))
	return Pointer{PageIndex: pi}
}

func (b *Bucket) writePointer(off int32, p Pointer) {
	binary.LittleEndian.PutUint64(b.data[off:], uint64(p.PageIndex))
	if b.bonsai {
		binary.LittleEndian.PutUint32(b.data[off+8:], uint32(p.PageOffset))
		binary.LittleEndian.PutUint32(b.data[off+12:], uint32(p.Version))
	}
}

// pointerWidth is the on-disk size of one bucket pointer.
func (b *Bucket) pointerWidth() int32 {
	if b.bonsai {
		return 16
	}
	return 8
}

func (b *Bucket) freeListOff() int32 {
	if b.bonsai {
		return bonsaiOffFreeListPtr
	}
	return standardOffValuesFreeList
}
func (b *Bucket) leftSibOff() int32 {
	if b.bonsai {
		return bonsaiOffLeftSib
	}
	return standardOffLeftSib
}
func (b *Bucket) rightSibOff() int32 {
	if b.bonsai {
		return bonsaiOffRightSib
	}
	return standardOffRightSib
}
func (b *Bucket) treeSizeOff() int32 {
	if b.bonsai {
		return bonsaiOffTreeSize
	}
	return standardOffTreeSize
}

// FreeListPointer is the bonsai per-file free-list thread; meaningless
// (but still stored/logged) on a standard bucket, where the same slot
// holds ValuesFreeListFirst instead.
func (b *Bucket) FreeListPointer() Pointer { return b.readPointer(b.freeListOff()) }
func (b *Bucket) SetFreeListPointer(p Pointer) (old Pointer) {
	old = b.FreeListPointer()
	b.writePointer(b.freeListOff(), p)
	return old
}

// ValuesFreeListFirst is the standard-only external-value free-list head;
// opaque to this package, stored and logged only (spec §3).
func (b *Bucket) ValuesFreeListFirst() int64 {
	return int64(binary.LittleEndian.Uint64(b.data[standardOffValuesFreeList:]))
}
func (b *Bucket) SetValuesFreeListFirst(v int64) (old int64) {
	old = b.ValuesFreeListFirst()
	binary.LittleEndian.PutUint64(b.data[standardOffValuesFreeList:], uint64(v))
	return old
}

func (b *Bucket) LeftSibling() Pointer { return b.readPointer(b.leftSibOff()) }
func (b *Bucket) SetLeftSibling(p Pointer) (old Pointer) {
	old = b.LeftSibling()
	b.writePointer(b.leftSibOff(), p)
	return old
}

func (b *Bucket) RightSibling() Pointer { return b.readPointer(b.rightSibOff()) }
func (b *Bucket) SetRightSibling(p Pointer) (old Pointer) {
	old = b.RightSibling()
	b.writePointer(b.rightSibOff(), p)
	return old
}

// TreeSize is only meaningful in the root bucket (I6).
func (b *Bucket) TreeSize() int64 {
	return int64(binary.LittleEndian.Uint64(b.data[b.treeSizeOff():]))
}
func (b *Bucket) SetTreeSize(v int64) (old int64) {
	old = b.TreeSize()
	binary.LittleEndian.PutUint64(b.data[b.treeSizeOff():], uint64(v))
	return old
}

func (b *Bucket) keySerOff() int32 {
	if b.bonsai {
		return bonsaiOffKeySer
	}
	return standardOffKeySer
}
func (b *Bucket) valSerOff() int32 {
	if b.bonsai {
		return bonsaiOffValSer
	}
	return standardOffValSer
}

// KeySerializerID / ValueSerializerID are recorded for backward
// compatibility and otherwise ignored on read (spec §9 open question).
func (b *Bucket) KeySerializerID() int8   { return int8(b.data[b.keySerOff()]) }
func (b *Bucket) ValueSerializerID() int8 { return int8(b.data[b.valSerOff()]) }
func (b *Bucket) SetSerializerIDs(key, value int8) {
	b.data[b.keySerOff()] = byte(key)
	b.data[b.valSerOff()] = byte(value)
}

// --- slot directory ---

func (b *Bucket) slotOffset(i int32) int32 { return b.headerSize() + i*slotSize }

func (b *Bucket) slotEntryOffset(i int32) int32 {
	return int32(binary.LittleEndian.Uint32(b.data[b.slotOffset(i):]))
}

func (b *Bucket) setSlotEntryOffset(i int32, off int32) {
	binary.LittleEndian.PutUint32(b.data[b.slotOffset(i):], uint32(off))
}

// --- entry area encode/decode ---

// entryEncodedSize returns the number of bytes e occupies in the entry
// area for this bucket's variant, including the length-prefix framing
// the slotted region uses so a raw entry can be relocated by move_data
// without re-invoking a key/value serializer (§9 design note: one
// encoded entry type, decode on demand).
func (b *Bucket) entryEncodedSize(e Entry) int32 {
	if e.Leaf {
		if b.bonsai {
			return 4 + int32(len(e.Key)) + int32(len(e.Value))
		}
		return 4 + int32(len(e.Key)) + 4 + int32(len(e.Value))
	}
	return b.pointerWidth()*2 + 4 + int32(len(e.Key))
}

func (b *Bucket) encodeEntry(dst []byte, e Entry) {
	if e.Leaf {
		binary.LittleEndian.PutUint32(dst, uint32(len(e.Key)))
		n := 4
		n += copy(dst[n:], e.Key)
		if !b.bonsai {
			binary.LittleEndian.PutUint32(dst[n:], uint32(len(e.Value)))
			n += 4
		}
		copy(dst[n:], e.Value)
		return
	}
	w := b.pointerWidth()
	tmp := &Bucket{data: dst, bonsai: b.bonsai}
	tmp.writePointer(0, e.Left)
	tmp.writePointer(w, e.Right)
	binary.LittleEndian.PutUint32(dst[2*w:], uint32(len(e.Key)))
	copy(dst[2*w+4:], e.Key)
}

// decodeEntry decodes the entry starting at raw[0:]. raw must end
// exactly at the end of the entry (GetEntry slices it to the range
// entryByteRange reports), because a bonsai leaf value has no length
// field and is taken to be everything after the key.
func (b *Bucket) decodeEntry(raw []byte, leaf bool) Entry {
	if leaf {
		keyLen := binary.LittleEndian.Uint32(raw)
		n := 4
		key := append([]byte(nil), raw[n:n+int(keyLen)]...)
		n += int(keyLen)
		e := Entry{Key: key, Leaf: true}
		if !b.bonsai {
			valLen := binary.LittleEndian.Uint32(raw[n:])
			n += 4
			e.Value = append([]byte(nil), raw[n:n+int(valLen)]...)
		} else {
			// bonsai values are fixed length; the caller has already
			// bounded raw to this entry's exact byte range.
			e.Value = append([]byte(nil), raw[n:]...)
		}
		return e
	}
	w := b.pointerWidth()
	tmp := &Bucket{data: raw, bonsai: b.bonsai}
	e := Entry{Leaf: false}
	e.Left = tmp.readPointer(0)
	e.Right = tmp.readPointer(w)
	keyLen := binary.LittleEndian.Uint32(raw[2*w:])
	e.Key = append([]byte(nil), raw[2*w+4:2*w+4+int(keyLen)]...)
	return e
}

// rawKeyAt returns the key bytes for slot i without decoding the value,
// used by binary search (Find) and by Key.
func (b *Bucket) rawKeyAt(i int32) []byte {
	off := b.slotEntryOffset(i)
	if b.IsLeaf() {
		keyLen := binary.LittleEndian.Uint32(b.data[off:])
		return b.data[off+4 : off+4+int32(keyLen)]
	}
	w := b.pointerWidth()
	keyLen := binary.LittleEndian.Uint32(b.data[off+2*w:])
	return b.data[off+2*w+4 : off+2*w+4+int32(keyLen)]
}

// Key returns a decoded copy of slot i's key.
func (b *Bucket) Key(i int32) []byte { return append([]byte(nil), b.rawKeyAt(i)...) }

// entryByteRange returns [start,end) of the slot's encoded bytes. For
// the last-occupied offset in the entry area, end is the bucket's
// current high-water mark (the previous entry's start, or region end).
func (b *Bucket) entryByteRange(i int32) (int32, int32) {
	start := b.slotEntryOffset(i)
	end := b.regionEnd()
	// the entry immediately "above" (i.e. with the next larger offset,
	// since entries grow down) bounds this one from above.
	best := end
	n := b.SlotCount()
	for j := int32(0); j < n; j++ {
		o := b.slotEntryOffset(j)
		if o > start && o < best {
			best = o
		}
	}
	return start, best
}

// GetEntry decodes slot i fully.
func (b *Bucket) GetEntry(i int32) Entry {
	start, end := b.entryByteRange(i)
	return b.decodeEntry(b.data[start:end], b.IsLeaf())
}

// GetRawValue returns the raw (still length-framed-free) value bytes for
// leaf slot i, for WAL logging of before-images without full decode.
func (b *Bucket) GetRawValue(i int32) []byte {
	return b.GetEntry(i).Value
}

// Find is the canonical ascending lower-bound binary search (spec §4.1):
// returns the index if key is present, else -(insertion_point+1).
func (b *Bucket) Find(key []byte, cmp Comparator) int32 {
	low, high := int32(0), b.SlotCount()-1
	for low <= high {
		mid := int32(uint32(low+high) >> 1)
		c := cmp(b.rawKeyAt(mid), key)
		if c == 0 {
			return mid
		} else if c < 0 {
			low = mid + 1
		} else {
			high = mid - 1
		}
	}
	return -(low + 1)
}

// moveData is the in-page primitive every slot shift and byte move goes
// through; safe against overlapping src/dst ranges (spec §4.1).
func moveData(data []byte, dst, src, length int32) {
	if length <= 0 {
		return
	}
	copy(data[dst:dst+length], data[src:src+length])
}
