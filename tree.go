package sbtree

import (
	"bytes"
	"context"
	"encoding/binary"

	"github.com/ryogrid/sbtree/collab"
	"github.com/ryogrid/sbtree/errs"
)

// BucketSearchResult is find_bucket's result (spec §4.3): item_index is
// the leaf bucket's own Find result (non-negative on an exact match,
// else the encoded insertion point), path is every bucket pointer
// visited from the root down to (and including) the leaf.
type BucketSearchResult struct {
	ItemIndex int32
	Path      []Pointer
}

// ScanFunc receives one (decoded key, decoded value) pair during a
// range scan; returning false stops the scan early.
type ScanFunc func(key, value []byte) (bool, error)

// Change is the opaque additive modifier applied by RealBagSize (spec
// §4.3 "Real bag size").
type Change struct{ Delta int64 }

// TreeOptions wires a Tree to its external collaborators (spec §6);
// everything here is supplied by the embedder, never constructed by
// this package outside of tests.
type TreeOptions struct {
	Cache      collab.PageCache
	AOM        collab.AtomicOperationsManager
	WAL        collab.WAL
	KeySer     collab.KeySerializer
	ValueSer   collab.ValueSerializer
	Encryption collab.EncryptionCodec // optional, standard variant only
	Comparator Comparator             // optional, defaults to bytes.Compare
	File       string
	Bonsai     bool
	Config     *Config
}

// Tree is the tree engine (spec §4.3): root management, search,
// insert-with-split, remove, range scans, and whole-tree clear/delete,
// every mutation flowing through a Durability adapter.
type Tree struct {
	cache  collab.PageCache
	aom    collab.AtomicOperationsManager
	wal    collab.WAL
	keySer collab.KeySerializer
	valSer collab.ValueSerializer
	enc    collab.EncryptionCodec
	dur    *Durability
	alloc  *Allocator // nil for the standard variant

	file       string
	bonsai     bool
	pageSize   int32
	regionSize int32
	cmp        Comparator

	root Pointer
}

func NewTree(opts TreeOptions) *Tree {
	cmp := opts.Comparator
	if cmp == nil {
		cmp = bytes.Compare
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = DefaultConfig()
	}
	regionSize := cfg.PageSizeBytes()
	if opts.Bonsai {
		regionSize = cfg.BonsaiBucketSize()
	}
	t := &Tree{
		cache:      opts.Cache,
		aom:        opts.AOM,
		wal:        opts.WAL,
		keySer:     opts.KeySer,
		valSer:     opts.ValueSer,
		enc:        opts.Encryption,
		file:       opts.File,
		bonsai:     opts.Bonsai,
		pageSize:   cfg.PageSizeBytes(),
		regionSize: regionSize,
		cmp:        cmp,
	}
	t.dur = NewDurability(t.cache, t.aom, t.wal, t.file, t.bonsai, regionSize)
	if opts.Bonsai {
		t.alloc = NewAllocator(t.cache, t.file, t.pageSize, regionSize)
	}
	return t
}

// Create initializes a brand new tree: the system bucket and the first
// sub-page (bonsai) or the first page (standard), both as an empty
// root leaf. rollback_on_exception is false for create (spec §4.4).
func (t *Tree) Create(ctx context.Context) error {
	op, err := t.dur.Begin(ctx, false)
	if err != nil {
		return err
	}

	if t.bonsai {
		sysEntry, err := t.cache.LoadForWrite(ctx, t.file, 0)
		if err != nil {
			_ = t.dur.Abort(ctx, op, err)
			return err
		}
		NewSystemBucket(sysEntry.Bytes()).Init()
		sysEntry.MarkDirty()
		t.cache.ReleaseFromWrite(sysEntry, op)

		rootPtr, rootEntry, err := t.alloc.Allocate(ctx, op)
		if err != nil {
			_ = t.dur.Abort(ctx, op, err)
			return err
		}
		if rootPtr.PageIndex != 1 || rootPtr.PageOffset != 0 {
			err := errs.Wrap(errs.StateViolation, "bonsai root did not land at the reserved first sub-page")
			_ = t.dur.Abort(ctx, op, err)
			return err
		}
		rb := NewBucket(t.regionFor(rootEntry, rootPtr), true)
		rb.SetLeaf(true)
		rb.SetLeftSibling(Null())
		rb.SetRightSibling(Null())
		rootEntry.MarkDirty()
		t.cache.ReleaseFromWrite(rootEntry, op)
		t.root = rootPtr
	} else {
		rootEntry, err := t.cache.AllocatePage(ctx, t.file)
		if err != nil {
			_ = t.dur.Abort(ctx, op, err)
			return err
		}
		t.root = Pointer{PageIndex: rootEntry.PageIndex()}
		rb := NewBucket(rootEntry.Bytes(), false)
		rb.SetLeaf(true)
		rb.SetLeftSibling(Null())
		rb.SetRightSibling(Null())
		rootEntry.MarkDirty()
		t.cache.ReleaseFromWrite(rootEntry, op)
	}

	return t.dur.Commit(ctx, op, collab.ComponentOperation{Kind: collab.ComponentCreate, ID: op.ID()})
}

// Load reopens an existing tree file. Both variants place the root at
// a deterministic location (standard: page 0; bonsai: the first
// sub-page the allocator ever hands out, immediately after the system
// bucket's Init), so no separate root-pointer registry is needed.
func (t *Tree) Load(ctx context.Context) error {
	if t.bonsai {
		t.root = Pointer{PageIndex: 1, PageOffset: 0}
	} else {
		t.root = Pointer{PageIndex: 0}
	}
	return nil
}

// --- region/bucket helpers ---

func (t *Tree) regionFor(entry collab.PageEntry, ptr Pointer) []byte {
	if t.bonsai {
		return entry.Bytes()[ptr.PageOffset : ptr.PageOffset+t.regionSize]
	}
	return entry.Bytes()
}

func (t *Tree) bucketView(entry collab.PageEntry, ptr Pointer) *Bucket {
	return LoadBucket(t.regionFor(entry, ptr), t.bonsai)
}

// allocateRegion hands out a fresh bucket region (bonsai sub-page or
// standard page) without touching its contents, so the caller can
// snapshot the pre-mutation bytes before building a Bucket view over
// it (spec P7: every touched page's before-image must be recoverable,
// including freshly (re)used ones).
func (t *Tree) allocateRegion(ctx context.Context, op collab.AtomicOperation) (Pointer, collab.PageEntry, []byte, error) {
	if t.bonsai {
		ptr, entry, err := t.alloc.Allocate(ctx, op)
		if err != nil {
			return Pointer{}, nil, nil, err
		}
		return ptr, entry, t.regionFor(entry, ptr), nil
	}
	entry, err := t.cache.AllocatePage(ctx, t.file)
	if err != nil {
		return Pointer{}, nil, nil, err
	}
	return Pointer{PageIndex: entry.PageIndex()}, entry, entry.Bytes(), nil
}

func (t *Tree) bucketLoader(op collab.AtomicOperation) BucketLoader {
	return func(ctx context.Context, ptr Pointer) (collab.PageEntry, *Bucket, func(), error) {
		entry, err := t.cache.LoadForWrite(ctx, t.file, ptr.PageIndex)
		if err != nil {
			return nil, nil, nil, err
		}
		bucket := t.bucketView(entry, ptr)
		return entry, bucket, func() { t.cache.ReleaseFromWrite(entry, op) }, nil
	}
}

// --- key/value codec helpers ---

// encodeKey serializes a domain key through the external key
// serializer and, for the standard variant, optionally through an
// encryption codec, framed as [encrypted_len:i32][ciphertext] (spec
// §4.1). Ordering after encryption is whatever the configured codec
// preserves; this module does not itself guarantee order-preservation
// (see DESIGN.md).
func (t *Tree) encodeKey(key []byte) ([]byte, error) {
	size := t.keySer.ObjectSize(key)
	buf := make([]byte, size)
	t.keySer.Serialize(key, buf, 0)
	if t.enc == nil || t.bonsai {
		return buf, nil
	}
	cipher, err := t.enc.Encrypt(buf)
	if err != nil {
		return nil, errs.Wrap(errs.IO, "encrypt key: "+err.Error())
	}
	out := make([]byte, 4+len(cipher))
	binary.LittleEndian.PutUint32(out, uint32(len(cipher)))
	copy(out[4:], cipher)
	return out, nil
}

func (t *Tree) decodeKey(raw []byte) ([]byte, error) {
	if t.enc == nil || t.bonsai {
		return t.keySer.DeserializeFromBuffer(raw), nil
	}
	n := binary.LittleEndian.Uint32(raw)
	cipher := raw[4 : 4+n]
	plain, err := t.enc.Decrypt(cipher)
	if err != nil {
		return nil, errs.Wrap(errs.IO, "decrypt key: "+err.Error())
	}
	return t.keySer.DeserializeFromBuffer(plain), nil
}

func (t *Tree) encodeValue(value []byte) []byte {
	size := t.valSer.ObjectSize(value)
	buf := make([]byte, size)
	t.valSer.Serialize(value, buf, 0)
	return buf
}

func (t *Tree) decodeValue(raw []byte) []byte {
	return t.valSer.DeserializeFromBuffer(raw)
}

// encodeLeafStorage wraps a serialized value in the standard variant's
// [is_link:u8][value_bytes] framing (always is_link=0: external value
// links are an out-of-scope collaborator concept, spec §9); bonsai
// values are stored as-is since they are fixed length.
func (t *Tree) encodeLeafStorage(rawValue []byte) []byte {
	if t.bonsai {
		return rawValue
	}
	return EncodeLeafValue(false, rawValue)
}

// leafRawValue unwraps a leaf entry's stored value back to the
// serializer-facing raw bytes.
func (t *Tree) leafRawValue(e Entry) ([]byte, error) {
	if t.bonsai {
		return e.Value, nil
	}
	isLink, raw := DecodeLeafValue(e.Value)
	if isLink {
		return nil, errs.Wrap(errs.Unsupported, "external value links are not implemented")
	}
	return raw, nil
}

// --- search ---

// findBucket implements spec §4.3 find_bucket.
func (t *Tree) findBucket(ctx context.Context, rawKey []byte) (BucketSearchResult, error) {
	path := []Pointer{t.root}
	ptr := t.root
	for {
		entry, err := t.cache.LoadForRead(ctx, t.file, ptr.PageIndex)
		if err != nil {
			return BucketSearchResult{}, err
		}
		bucket := t.bucketView(entry, ptr)
		idx := bucket.Find(rawKey, t.cmp)
		if bucket.IsLeaf() {
			t.cache.ReleaseFromRead(entry)
			return BucketSearchResult{ItemIndex: idx, Path: path}, nil
		}
		var child Pointer
		if idx >= 0 {
			child = bucket.GetEntry(idx).Right
		} else {
			ins := -idx - 1
			if ins >= bucket.SlotCount() {
				child = bucket.GetEntry(bucket.SlotCount() - 1).Right
			} else {
				child = bucket.GetEntry(ins).Left
			}
		}
		t.cache.ReleaseFromRead(entry)
		path = append(path, child)
		ptr = child
	}
}

// Get implements spec §4.3 Get.
func (t *Tree) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	if err := t.aom.AcquireReadLock(ctx, t.file); err != nil {
		return nil, false, err
	}
	defer t.aom.ReleaseReadLock(ctx, t.file)

	rawKey, err := t.encodeKey(key)
	if err != nil {
		return nil, false, err
	}
	res, err := t.findBucket(ctx, rawKey)
	if err != nil {
		return nil, false, err
	}
	if res.ItemIndex < 0 {
		return nil, false, nil
	}

	leafPtr := res.Path[len(res.Path)-1]
	entry, err := t.cache.LoadForRead(ctx, t.file, leafPtr.PageIndex)
	if err != nil {
		return nil, false, err
	}
	bucket := t.bucketView(entry, leafPtr)
	e := bucket.GetEntry(res.ItemIndex)
	raw, err := t.leafRawValue(e)
	t.cache.ReleaseFromRead(entry)
	if err != nil {
		return nil, false, err
	}
	return t.decodeValue(raw), true, nil
}

// --- put / split ---

// Put implements spec §4.3 Put.
func (t *Tree) Put(ctx context.Context, key, value []byte) error {
	if t.bonsai && !t.valSer.IsFixedLength() {
		return errs.Wrap(errs.Unsupported, "bonsai requires a fixed-length value serializer")
	}
	rawKey, err := t.encodeKey(key)
	if err != nil {
		return err
	}
	rawValue := t.encodeValue(value)
	storedValue := t.encodeLeafStorage(rawValue)

	op, err := t.dur.Begin(ctx, true)
	if err != nil {
		return err
	}

	prevRaw, _, err := t.put(ctx, op, rawKey, storedValue, rawValue)
	if err != nil {
		_ = t.dur.Abort(ctx, op, err)
		return err
	}
	comp := collab.ComponentOperation{Kind: collab.ComponentPut, ID: op.ID(), RawKey: rawKey, RawNewValue: rawValue, RawPrevValue: prevRaw}
	return t.dur.Commit(ctx, op, comp)
}

func (t *Tree) put(ctx context.Context, op collab.AtomicOperation, rawKey, storedValue, rawValue []byte) ([]byte, bool, error) {
	res, err := t.findBucket(ctx, rawKey)
	if err != nil {
		return nil, false, err
	}

	if res.ItemIndex >= 0 {
		leafPtr := res.Path[len(res.Path)-1]
		entry, err := t.cache.LoadForWrite(ctx, t.file, leafPtr.PageIndex)
		if err != nil {
			return nil, false, err
		}
		bucket := t.bucketView(entry, leafPtr)
		oldEntry := bucket.GetEntry(res.ItemIndex)
		oldRaw, err := t.leafRawValue(oldEntry)
		if err != nil {
			t.cache.ReleaseFromWrite(entry, op)
			return nil, false, err
		}
		prevBlob := bucket.UpdateValue(res.ItemIndex, storedValue)
		if err := t.dur.Log(op, collab.PageOperation{Kind: collab.OpUpdateValue, PageIndex: leafPtr.PageIndex, PageOffset: leafPtr.PageOffset, SlotIndex: res.ItemIndex, PrevBytes2: prevBlob}); err != nil {
			t.cache.ReleaseFromWrite(entry, op)
			return nil, false, err
		}
		entry.MarkDirty()
		t.cache.ReleaseFromWrite(entry, op)
		return oldRaw, false, nil
	}

	insertionIndex := -(res.ItemIndex) - 1
	path := res.Path
	for {
		leafPtr := path[len(path)-1]
		entry, err := t.cache.LoadForWrite(ctx, t.file, leafPtr.PageIndex)
		if err != nil {
			return nil, false, err
		}
		bucket := t.bucketView(entry, leafPtr)
		snapshot := append([]byte(nil), bucket.Bytes()...)
		ok, err := bucket.AddLeafEntry(insertionIndex, rawKey, storedValue)
		if err != nil {
			t.cache.ReleaseFromWrite(entry, op)
			return nil, false, err
		}
		if ok {
			// Whole-region snapshot, not a per-slot undo: Remove only
			// compacts live entries, it doesn't restore the entry bytes
			// vacated below the old free pointer or the dropped slot
			// cell, so a slot-index undo would leave stale bytes behind
			// (spec P7 requires exact byte-image equality on rollback).
			if err := t.dur.Log(op, collab.PageOperation{Kind: collab.OpAddAll, PageIndex: leafPtr.PageIndex, PageOffset: leafPtr.PageOffset, PrevBytes: snapshot}); err != nil {
				t.cache.ReleaseFromWrite(entry, op)
				return nil, false, err
			}
			entry.MarkDirty()
			t.cache.ReleaseFromWrite(entry, op)
			break
		}
		t.cache.ReleaseFromWrite(entry, op)
		newRes, err := t.splitBucket(ctx, op, path, insertionIndex, rawKey)
		if err != nil {
			return nil, false, err
		}
		path = newRes.Path
		insertionIndex = newRes.ItemIndex
	}

	rootEntry, err := t.cache.LoadForWrite(ctx, t.file, t.root.PageIndex)
	if err != nil {
		return nil, false, err
	}
	rootBucket := t.bucketView(rootEntry, t.root)
	oldSize := rootBucket.SetTreeSize(rootBucket.TreeSize() + 1)
	if err := t.dur.Log(op, collab.PageOperation{Kind: collab.OpSetTreeSize, PageIndex: t.root.PageIndex, PageOffset: t.root.PageOffset, PrevInt64: oldSize}); err != nil {
		t.cache.ReleaseFromWrite(rootEntry, op)
		return nil, false, err
	}
	rootEntry.MarkDirty()
	t.cache.ReleaseFromWrite(rootEntry, op)

	return nil, true, nil
}

// splitBucket implements spec §4.3 split_bucket, both the non-root and
// root-split shapes. It returns where key_to_insert now belongs,
// expressed as a path rooted the same way findBucket's is: ancestor
// pointers are reused verbatim from the caller's path (a split never
// changes an existing bucket's pointer identity, only its content or
// hands out brand-new sibling pointers), so the prefix above the split
// bucket stays valid even if an ancestor was itself split while
// inserting the separation key into the parent.
func (t *Tree) splitBucket(ctx context.Context, op collab.AtomicOperation, path []Pointer, keyIndex int32, keyToInsert []byte) (BucketSearchResult, error) {
	bucketPtr := path[len(path)-1]
	isRootSplit := len(path) == 1

	entry, err := t.cache.LoadForWrite(ctx, t.file, bucketPtr.PageIndex)
	if err != nil {
		return BucketSearchResult{}, err
	}
	bucket := t.bucketView(entry, bucketPtr)
	leaf := bucket.IsLeaf()
	bucketSize := bucket.SlotCount()
	indexToSplit := bucketSize >> 1
	separationKey := bucket.Key(indexToSplit)

	splitFrom := indexToSplit
	if !leaf {
		splitFrom = indexToSplit + 1
	}
	rightEntries := make([]Entry, 0, bucketSize-splitFrom)
	for i := splitFrom; i < bucketSize; i++ {
		rightEntries = append(rightEntries, bucket.GetEntry(i))
	}

	if !isRootSplit {
		newPtr, newEntry, newRegion, err := t.allocateRegion(ctx, op)
		if err != nil {
			t.cache.ReleaseFromWrite(entry, op)
			return BucketSearchResult{}, err
		}
		newSnapshot := append([]byte(nil), newRegion...)
		newBucket := NewBucket(newRegion, t.bonsai)
		newBucket.SetLeaf(leaf)
		newBucket.AddAll(rightEntries)

		var oldRightSibling Pointer
		if leaf {
			oldRightSibling = bucket.RightSibling()
			newBucket.SetLeftSibling(bucketPtr)
			newBucket.SetRightSibling(oldRightSibling)
		}
		if err := t.dur.Log(op, collab.PageOperation{Kind: collab.OpAddAll, PageIndex: newPtr.PageIndex, PageOffset: newPtr.PageOffset, PrevBytes: newSnapshot}); err != nil {
			t.cache.ReleaseFromWrite(entry, op)
			t.cache.ReleaseFromWrite(newEntry, op)
			return BucketSearchResult{}, err
		}
		newEntry.MarkDirty()

		oldSnapshot := append([]byte(nil), bucket.Bytes()...)
		bucket.Shrink(indexToSplit)
		if leaf {
			bucket.SetRightSibling(newPtr)
		}
		if err := t.dur.Log(op, collab.PageOperation{Kind: collab.OpShrink, PageIndex: bucketPtr.PageIndex, PageOffset: bucketPtr.PageOffset, PrevBytes: oldSnapshot}); err != nil {
			t.cache.ReleaseFromWrite(entry, op)
			t.cache.ReleaseFromWrite(newEntry, op)
			return BucketSearchResult{}, err
		}
		entry.MarkDirty()
		t.cache.ReleaseFromWrite(entry, op)
		t.cache.ReleaseFromWrite(newEntry, op)

		if leaf && !oldRightSibling.IsNull() {
			orEntry, err := t.cache.LoadForWrite(ctx, t.file, oldRightSibling.PageIndex)
			if err != nil {
				return BucketSearchResult{}, err
			}
			orBucket := t.bucketView(orEntry, oldRightSibling)
			prevLeft := orBucket.SetLeftSibling(newPtr)
			if err := t.dur.Log(op, collab.PageOperation{Kind: collab.OpSetLeftSibling, PageIndex: oldRightSibling.PageIndex, PageOffset: oldRightSibling.PageOffset, PrevPointer: [2]int64{prevLeft.PageIndex, int64(prevLeft.PageOffset)}}); err != nil {
				t.cache.ReleaseFromWrite(orEntry, op)
				return BucketSearchResult{}, err
			}
			orEntry.MarkDirty()
			t.cache.ReleaseFromWrite(orEntry, op)
		}

		parentPath := path[:len(path)-1]
		parentEntry := Entry{Key: separationKey, Leaf: false, Left: bucketPtr, Right: newPtr}
		if err := t.insertIntoParent(ctx, op, parentPath, parentEntry); err != nil {
			return BucketSearchResult{}, err
		}

		resultPath := append(append([]Pointer{}, parentPath...), bucketPtr)
		if t.cmp(keyToInsert, separationKey) < 0 {
			return BucketSearchResult{ItemIndex: keyIndex, Path: resultPath}, nil
		}
		newItemIndex := keyIndex - indexToSplit
		if !leaf {
			newItemIndex--
		}
		resultPath = append(append([]Pointer{}, parentPath...), newPtr)
		return BucketSearchResult{ItemIndex: newItemIndex, Path: resultPath}, nil
	}

	// Root split: preserve tree_size, allocate two fresh buckets for
	// the two halves, convert the root in place to a one-entry
	// internal bucket.
	leftEntries := make([]Entry, indexToSplit)
	for i := int32(0); i < indexToSplit; i++ {
		leftEntries[i] = bucket.GetEntry(i)
	}
	preservedTreeSize := bucket.TreeSize()

	leftPtr, leftEntryHandle, leftRegion, err := t.allocateRegion(ctx, op)
	if err != nil {
		t.cache.ReleaseFromWrite(entry, op)
		return BucketSearchResult{}, err
	}
	leftSnapshot := append([]byte(nil), leftRegion...)
	leftBucket := NewBucket(leftRegion, t.bonsai)
	leftBucket.SetLeaf(leaf)
	leftBucket.AddAll(leftEntries)

	rightPtr, rightEntryHandle, rightRegion, err := t.allocateRegion(ctx, op)
	if err != nil {
		t.cache.ReleaseFromWrite(entry, op)
		t.cache.ReleaseFromWrite(leftEntryHandle, op)
		return BucketSearchResult{}, err
	}
	rightSnapshot := append([]byte(nil), rightRegion...)
	rightBucket := NewBucket(rightRegion, t.bonsai)
	rightBucket.SetLeaf(leaf)
	rightBucket.AddAll(rightEntries)

	if leaf {
		leftBucket.SetLeftSibling(Null())
		leftBucket.SetRightSibling(rightPtr)
		rightBucket.SetLeftSibling(leftPtr)
		rightBucket.SetRightSibling(Null())
	}

	if err := t.dur.Log(op, collab.PageOperation{Kind: collab.OpAddAll, PageIndex: leftPtr.PageIndex, PageOffset: leftPtr.PageOffset, PrevBytes: leftSnapshot}); err != nil {
		return BucketSearchResult{}, err
	}
	if err := t.dur.Log(op, collab.PageOperation{Kind: collab.OpAddAll, PageIndex: rightPtr.PageIndex, PageOffset: rightPtr.PageOffset, PrevBytes: rightSnapshot}); err != nil {
		return BucketSearchResult{}, err
	}
	leftEntryHandle.MarkDirty()
	rightEntryHandle.MarkDirty()
	t.cache.ReleaseFromWrite(leftEntryHandle, op)
	t.cache.ReleaseFromWrite(rightEntryHandle, op)

	rootSnapshot := append([]byte(nil), bucket.Bytes()...)
	bucket.rebuild([]Entry{{Key: separationKey, Leaf: false, Left: leftPtr, Right: rightPtr}})
	bucket.SetLeaf(false)
	bucket.SetTreeSize(preservedTreeSize)
	bucket.SetLeftSibling(Null())
	bucket.SetRightSibling(Null())
	if err := t.dur.Log(op, collab.PageOperation{Kind: collab.OpAddAll, PageIndex: bucketPtr.PageIndex, PageOffset: bucketPtr.PageOffset, PrevBytes: rootSnapshot}); err != nil {
		t.cache.ReleaseFromWrite(entry, op)
		return BucketSearchResult{}, err
	}
	entry.MarkDirty()
	t.cache.ReleaseFromWrite(entry, op)

	if t.cmp(keyToInsert, separationKey) < 0 {
		return BucketSearchResult{ItemIndex: keyIndex, Path: []Pointer{bucketPtr, leftPtr}}, nil
	}
	newItemIndex := keyIndex - indexToSplit
	if !leaf {
		newItemIndex--
	}
	return BucketSearchResult{ItemIndex: newItemIndex, Path: []Pointer{bucketPtr, rightPtr}}, nil
}

// insertIntoParent inserts a freshly created separation-key entry into
// the bucket at the tail of parentPath, recursively splitting the
// parent (and its ancestors) when it has no room (spec §4.3).
func (t *Tree) insertIntoParent(ctx context.Context, op collab.AtomicOperation, parentPath []Pointer, e Entry) error {
	if len(parentPath) == 0 {
		return errs.Wrap(errs.StateViolation, "insertIntoParent called with an empty path")
	}
	ptr := parentPath[len(parentPath)-1]
	for {
		entry, err := t.cache.LoadForWrite(ctx, t.file, ptr.PageIndex)
		if err != nil {
			return err
		}
		bucket := t.bucketView(entry, ptr)
		snapshot := append([]byte(nil), bucket.Bytes()...)
		idx := bucket.Find(e.Key, t.cmp)
		insertAt := idx
		if idx < 0 {
			insertAt = -idx - 1
		}
		// updateNeighbors can rewrite the entries either side of insertAt
		// in place, so (like the leaf insert above) this takes a
		// whole-region before-image rather than a per-slot one.
		ok := bucket.AddEntry(insertAt, e, true)
		if ok {
			if err := t.dur.Log(op, collab.PageOperation{Kind: collab.OpAddAll, PageIndex: ptr.PageIndex, PageOffset: ptr.PageOffset, PrevBytes: snapshot}); err != nil {
				t.cache.ReleaseFromWrite(entry, op)
				return err
			}
			entry.MarkDirty()
			t.cache.ReleaseFromWrite(entry, op)
			return nil
		}
		t.cache.ReleaseFromWrite(entry, op)
		newRes, err := t.splitBucket(ctx, op, parentPath, insertAt, e.Key)
		if err != nil {
			return err
		}
		parentPath = newRes.Path
		ptr = parentPath[len(parentPath)-1]
	}
}

// --- remove ---

// Remove implements spec §4.3 Remove.
func (t *Tree) Remove(ctx context.Context, key []byte) (bool, error) {
	rawKey, err := t.encodeKey(key)
	if err != nil {
		return false, err
	}
	op, err := t.dur.Begin(ctx, true)
	if err != nil {
		return false, err
	}

	found, removedRaw, err := t.remove(ctx, op, rawKey)
	if err != nil {
		_ = t.dur.Abort(ctx, op, err)
		return false, err
	}
	if !found {
		return false, t.aom.End(ctx, op, false, nil)
	}
	comp := collab.ComponentOperation{Kind: collab.ComponentRemove, ID: op.ID(), RawKey: rawKey, RawPrevValue: removedRaw}
	if err := t.dur.Commit(ctx, op, comp); err != nil {
		return false, err
	}
	return true, nil
}

func (t *Tree) remove(ctx context.Context, op collab.AtomicOperation, rawKey []byte) (bool, []byte, error) {
	res, err := t.findBucket(ctx, rawKey)
	if err != nil {
		return false, nil, err
	}
	if res.ItemIndex < 0 {
		return false, nil, nil
	}

	leafPtr := res.Path[len(res.Path)-1]
	entry, err := t.cache.LoadForWrite(ctx, t.file, leafPtr.PageIndex)
	if err != nil {
		return false, nil, err
	}
	bucket := t.bucketView(entry, leafPtr)
	if !bucket.IsLeaf() {
		t.cache.ReleaseFromWrite(entry, op)
		return false, nil, errs.Wrap(errs.StateViolation, "remove target resolved to a non-leaf bucket")
	}
	removedRawKey, removedRawValue := bucket.Remove(res.ItemIndex)
	if err := t.dur.Log(op, collab.PageOperation{Kind: collab.OpRemove, PageIndex: leafPtr.PageIndex, PageOffset: leafPtr.PageOffset, SlotIndex: res.ItemIndex, PrevBytes: removedRawKey, PrevBytes2: removedRawValue}); err != nil {
		t.cache.ReleaseFromWrite(entry, op)
		return false, nil, err
	}
	entry.MarkDirty()
	t.cache.ReleaseFromWrite(entry, op)

	rootEntry, err := t.cache.LoadForWrite(ctx, t.file, t.root.PageIndex)
	if err != nil {
		return false, nil, err
	}
	rootBucket := t.bucketView(rootEntry, t.root)
	oldSize := rootBucket.SetTreeSize(rootBucket.TreeSize() - 1)
	if err := t.dur.Log(op, collab.PageOperation{Kind: collab.OpSetTreeSize, PageIndex: t.root.PageIndex, PageOffset: t.root.PageOffset, PrevInt64: oldSize}); err != nil {
		t.cache.ReleaseFromWrite(rootEntry, op)
		return false, nil, err
	}
	rootEntry.MarkDirty()
	t.cache.ReleaseFromWrite(rootEntry, op)

	removedRaw, err := t.leafRawValue(Entry{Value: removedRawValue})
	if err != nil {
		return false, nil, err
	}
	return true, removedRaw, nil
}

// --- first / last key ---

type traversalFrame struct {
	ptr          Pointer
	slotCount    int32
	nextChildIdx int32
}

// FirstKey implements spec §4.3's depth-first-with-backtracking
// first-key descent.
func (t *Tree) FirstKey(ctx context.Context) ([]byte, bool, error) {
	if err := t.aom.AcquireReadLock(ctx, t.file); err != nil {
		return nil, false, err
	}
	defer t.aom.ReleaseReadLock(ctx, t.file)

	var stack []traversalFrame
	cur := t.root
	for {
		entry, err := t.cache.LoadForRead(ctx, t.file, cur.PageIndex)
		if err != nil {
			return nil, false, err
		}
		bucket := t.bucketView(entry, cur)
		if bucket.IsLeaf() {
			if bucket.SlotCount() > 0 {
				raw := bucket.Key(0)
				t.cache.ReleaseFromRead(entry)
				key, err := t.decodeKey(raw)
				return key, true, err
			}
			t.cache.ReleaseFromRead(entry)

			next, ok, err := t.backtrackForward(ctx, &stack)
			if err != nil {
				return nil, false, err
			}
			if !ok {
				return nil, false, nil
			}
			cur = next
			continue
		}
		stack = append(stack, traversalFrame{ptr: cur, slotCount: bucket.SlotCount(), nextChildIdx: 0})
		child := bucket.GetEntry(0).Left
		t.cache.ReleaseFromRead(entry)
		cur = child
	}
}

func (t *Tree) backtrackForward(ctx context.Context, stack *[]traversalFrame) (Pointer, bool, error) {
	s := *stack
	for {
		if len(s) == 0 {
			*stack = s
			return Pointer{}, false, nil
		}
		top := &s[len(s)-1]
		top.nextChildIdx++
		if top.nextChildIdx >= top.slotCount+1 {
			s = s[:len(s)-1]
			continue
		}
		entry, err := t.cache.LoadForRead(ctx, t.file, top.ptr.PageIndex)
		if err != nil {
			*stack = s
			return Pointer{}, false, err
		}
		bucket := t.bucketView(entry, top.ptr)
		var child Pointer
		if top.nextChildIdx == 0 {
			child = bucket.GetEntry(0).Left
		} else {
			child = bucket.GetEntry(top.nextChildIdx - 1).Right
		}
		t.cache.ReleaseFromRead(entry)
		*stack = s
		return child, true, nil
	}
}

// LastKey implements spec §4.3's last-key descent, symmetric to
// FirstKey (right child of the last entry, backtracking through
// progressively earlier left children).
func (t *Tree) LastKey(ctx context.Context) ([]byte, bool, error) {
	if err := t.aom.AcquireReadLock(ctx, t.file); err != nil {
		return nil, false, err
	}
	defer t.aom.ReleaseReadLock(ctx, t.file)

	var stack []traversalFrame
	cur := t.root
	for {
		entry, err := t.cache.LoadForRead(ctx, t.file, cur.PageIndex)
		if err != nil {
			return nil, false, err
		}
		bucket := t.bucketView(entry, cur)
		if bucket.IsLeaf() {
			n := bucket.SlotCount()
			if n > 0 {
				raw := bucket.Key(n - 1)
				t.cache.ReleaseFromRead(entry)
				key, err := t.decodeKey(raw)
				return key, true, err
			}
			t.cache.ReleaseFromRead(entry)

			next, ok, err := t.backtrackBackward(ctx, &stack)
			if err != nil {
				return nil, false, err
			}
			if !ok {
				return nil, false, nil
			}
			cur = next
			continue
		}
		n := bucket.SlotCount()
		stack = append(stack, traversalFrame{ptr: cur, slotCount: n, nextChildIdx: n})
		child := bucket.GetEntry(n - 1).Right
		t.cache.ReleaseFromRead(entry)
		cur = child
	}
}

func (t *Tree) backtrackBackward(ctx context.Context, stack *[]traversalFrame) (Pointer, bool, error) {
	s := *stack
	for {
		if len(s) == 0 {
			*stack = s
			return Pointer{}, false, nil
		}
		top := &s[len(s)-1]
		top.nextChildIdx--
		if top.nextChildIdx < 0 {
			s = s[:len(s)-1]
			continue
		}
		entry, err := t.cache.LoadForRead(ctx, t.file, top.ptr.PageIndex)
		if err != nil {
			*stack = s
			return Pointer{}, false, err
		}
		bucket := t.bucketView(entry, top.ptr)
		var child Pointer
		if top.nextChildIdx == 0 {
			child = bucket.GetEntry(0).Left
		} else {
			child = bucket.GetEntry(top.nextChildIdx - 1).Right
		}
		t.cache.ReleaseFromRead(entry)
		*stack = s
		return child, true, nil
	}
}

// --- range scans ---

// ScanMinor implements spec §4.3's minor scan (≤key or <key), visiting
// keys in descending order via left_sibling.
func (t *Tree) ScanMinor(ctx context.Context, key []byte, inclusive bool, fn ScanFunc) error {
	if err := t.aom.AcquireReadLock(ctx, t.file); err != nil {
		return err
	}
	defer t.aom.ReleaseReadLock(ctx, t.file)

	rawKey, err := t.encodeKey(key)
	if err != nil {
		return err
	}
	res, err := t.findBucket(ctx, rawKey)
	if err != nil {
		return err
	}
	ptr := res.Path[len(res.Path)-1]
	idx := res.ItemIndex
	var firstStart int32
	if idx >= 0 {
		if inclusive {
			firstStart = idx
		} else {
			firstStart = idx - 1
		}
	} else {
		firstStart = -idx - 2
	}

	first := true
	for !ptr.IsNull() {
		entry, err := t.cache.LoadForRead(ctx, t.file, ptr.PageIndex)
		if err != nil {
			return err
		}
		bucket := t.bucketView(entry, ptr)
		start := firstStart
		if !first {
			start = bucket.SlotCount() - 1
		}
		first = false
		for i := start; i >= 0; i-- {
			if cont, err := t.emit(bucket, i, fn); err != nil || !cont {
				t.cache.ReleaseFromRead(entry)
				return err
			}
		}
		left := bucket.LeftSibling()
		t.cache.ReleaseFromRead(entry)
		ptr = left
	}
	return nil
}

// ScanMajor implements spec §4.3's major scan (≥key or >key), visiting
// keys in ascending order via right_sibling. descending scans are
// rejected with UNSUPPORTED (spec §4.3, §7).
func (t *Tree) ScanMajor(ctx context.Context, key []byte, inclusive, descending bool, fn ScanFunc) error {
	if descending {
		return errs.Wrap(errs.Unsupported, "descending major scan")
	}
	if err := t.aom.AcquireReadLock(ctx, t.file); err != nil {
		return err
	}
	defer t.aom.ReleaseReadLock(ctx, t.file)

	rawKey, err := t.encodeKey(key)
	if err != nil {
		return err
	}
	res, err := t.findBucket(ctx, rawKey)
	if err != nil {
		return err
	}
	return t.scanMajorFrom(ctx, res, inclusive, fn)
}

func (t *Tree) scanMajorFrom(ctx context.Context, res BucketSearchResult, inclusive bool, fn ScanFunc) error {
	ptr := res.Path[len(res.Path)-1]
	idx := res.ItemIndex
	var firstStart int32
	if idx >= 0 {
		if inclusive {
			firstStart = idx
		} else {
			firstStart = idx + 1
		}
	} else {
		firstStart = -idx - 1
	}

	first := true
	for !ptr.IsNull() {
		entry, err := t.cache.LoadForRead(ctx, t.file, ptr.PageIndex)
		if err != nil {
			return err
		}
		bucket := t.bucketView(entry, ptr)
		start := firstStart
		if !first {
			start = 0
		}
		first = false
		n := bucket.SlotCount()
		for i := start; i < n; i++ {
			if cont, err := t.emit(bucket, i, fn); err != nil || !cont {
				t.cache.ReleaseFromRead(entry)
				return err
			}
		}
		right := bucket.RightSibling()
		t.cache.ReleaseFromRead(entry)
		ptr = right
	}
	return nil
}

// ScanBetween implements spec §4.3's between scan: locate the start
// like a major scan and the end like a minor scan, then iterate
// buckets forward via right_sibling.
func (t *Tree) ScanBetween(ctx context.Context, lo, hi []byte, loInclusive, hiInclusive bool, fn ScanFunc) error {
	if err := t.aom.AcquireReadLock(ctx, t.file); err != nil {
		return err
	}
	defer t.aom.ReleaseReadLock(ctx, t.file)

	rawLo, err := t.encodeKey(lo)
	if err != nil {
		return err
	}
	rawHi, err := t.encodeKey(hi)
	if err != nil {
		return err
	}
	resLo, err := t.findBucket(ctx, rawLo)
	if err != nil {
		return err
	}
	resHi, err := t.findBucket(ctx, rawHi)
	if err != nil {
		return err
	}

	startPtr := resLo.Path[len(resLo.Path)-1]
	idxLo := resLo.ItemIndex
	var startIdx int32
	if idxLo >= 0 {
		if loInclusive {
			startIdx = idxLo
		} else {
			startIdx = idxLo + 1
		}
	} else {
		startIdx = -idxLo - 1
	}

	endPtr := resHi.Path[len(resHi.Path)-1]
	idxHi := resHi.ItemIndex
	var endIdx int32
	if idxHi >= 0 {
		if hiInclusive {
			endIdx = idxHi
		} else {
			endIdx = idxHi - 1
		}
	} else {
		endIdx = -idxHi - 2
	}

	ptr := startPtr
	for !ptr.IsNull() {
		entry, err := t.cache.LoadForRead(ctx, t.file, ptr.PageIndex)
		if err != nil {
			return err
		}
		bucket := t.bucketView(entry, ptr)
		loopEnd := bucket.SlotCount() - 1
		atEnd := ptr.Equal(endPtr)
		if atEnd {
			loopEnd = endIdx
		}
		for i := startIdx; i <= loopEnd; i++ {
			if cont, err := t.emit(bucket, i, fn); err != nil || !cont {
				t.cache.ReleaseFromRead(entry)
				return err
			}
		}
		if atEnd {
			t.cache.ReleaseFromRead(entry)
			break
		}
		right := bucket.RightSibling()
		t.cache.ReleaseFromRead(entry)
		ptr = right
		startIdx = 0
	}
	return nil
}

// emit decodes slot i and invokes fn with domain-level key/value.
func (t *Tree) emit(bucket *Bucket, i int32, fn ScanFunc) (bool, error) {
	e := bucket.GetEntry(i)
	rawVal, err := t.leafRawValue(e)
	if err != nil {
		return false, err
	}
	key, err := t.decodeKey(e.Key)
	if err != nil {
		return false, err
	}
	return fn(key, t.decodeValue(rawVal))
}

// --- clear / delete ---

// Clear implements spec §4.3 Clear: recycle every non-root bucket onto
// the free list (bonsai; the standard variant leaves non-root pages
// untouched), reset the root to an empty leaf, tree_size = 0.
func (t *Tree) Clear(ctx context.Context) error {
	op, err := t.dur.Begin(ctx, true)
	if err != nil {
		return err
	}

	rootEntry, err := t.cache.LoadForWrite(ctx, t.file, t.root.PageIndex)
	if err != nil {
		_ = t.dur.Abort(ctx, op, err)
		return err
	}
	rootRegion := t.regionFor(rootEntry, t.root)
	rootBucket := LoadBucket(rootRegion, t.bonsai)

	var children []Pointer
	if !rootBucket.IsLeaf() {
		n := rootBucket.SlotCount()
		for i := int32(0); i < n; i++ {
			e := rootBucket.GetEntry(i)
			if i == 0 {
				children = append(children, e.Left)
			}
			children = append(children, e.Right)
		}
	}

	snapshot := append([]byte(nil), rootBucket.Bytes()...)
	clear(rootRegion)
	rb := NewBucket(rootRegion, t.bonsai)
	rb.SetLeaf(true)
	rb.SetLeftSibling(Null())
	rb.SetRightSibling(Null())
	if err := t.dur.Log(op, collab.PageOperation{Kind: collab.OpAddAll, PageIndex: t.root.PageIndex, PageOffset: t.root.PageOffset, PrevBytes: snapshot}); err != nil {
		t.cache.ReleaseFromWrite(rootEntry, op)
		_ = t.dur.Abort(ctx, op, err)
		return err
	}
	rootEntry.MarkDirty()
	t.cache.ReleaseFromWrite(rootEntry, op)

	if t.bonsai && len(children) > 0 {
		if err := t.alloc.RecycleSubtrees(ctx, op, children, t.bucketLoader(op)); err != nil {
			_ = t.dur.Abort(ctx, op, err)
			return err
		}
	}

	return t.dur.Commit(ctx, op, collab.ComponentOperation{Kind: collab.ComponentCreate, ID: op.ID()})
}

// Delete implements spec §4.3 Delete: recycle every bucket including
// the root. For the standard variant, which has no free-list
// mechanism, it begins and ends an atomic operation without changing
// any page; reclaiming the file's pages is the embedder's
// responsibility.
func (t *Tree) Delete(ctx context.Context) error {
	op, err := t.dur.Begin(ctx, false)
	if err != nil {
		return err
	}
	if t.bonsai {
		if err := t.alloc.RecycleSubtrees(ctx, op, []Pointer{t.root}, t.bucketLoader(op)); err != nil {
			_ = t.dur.Abort(ctx, op, err)
			return err
		}
	}
	return t.aom.End(ctx, op, false, nil)
}

// --- real bag size ---

// RealBagSize implements spec §4.3's RID-bag helper: major-scan every
// entry from firstKey() inclusive, interpreting each fixed 8-byte
// little-endian value as a base count, adding any matching caller
// Change, then adding unmatched changes against a base of 0.
func (t *Tree) RealBagSize(ctx context.Context, changes map[string]Change) (int64, error) {
	first, ok, err := t.FirstKey(ctx)
	if err != nil {
		return 0, err
	}
	if !ok {
		var total int64
		for _, c := range changes {
			total += c.Delta
		}
		return total, nil
	}

	matched := make(map[string]bool, len(changes))
	var total int64
	err = t.ScanMajor(ctx, first, true, false, func(key, value []byte) (bool, error) {
		if len(value) != 8 {
			return false, errs.Wrap(errs.StateViolation, "real bag size requires fixed 8-byte i64 values")
		}
		base := int64(binary.LittleEndian.Uint64(value))
		k := string(key)
		if c, ok := changes[k]; ok {
			base += c.Delta
			matched[k] = true
		}
		total += base
		return true, nil
	})
	if err != nil {
		return 0, err
	}
	for k, c := range changes {
		if !matched[k] {
			total += c.Delta
		}
	}
	return total, nil
}
