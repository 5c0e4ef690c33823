// Package collab defines the external collaborator contracts named in
// spec §6. Everything here is out of scope for this module's own
// implementation (the page cache, the WAL, the atomic-operations
// manager, and the key/value serializers are owned by the embedding
// storage subsystem) — these are narrow interfaces the tree engine
// programs against, mirroring how the teacher repo
// (ryogrid/bltree-go-for-embedding) isolates its own buffer manager
// behind interfaces.ParentBufMgr / interfaces.ParentPage so the B-tree
// core never assumes a concrete page-pool implementation.
package collab

import "context"

// PageEntry is one pinned page's mutable byte image plus its identity.
// Standard buckets use the whole Bytes() region; bonsai buckets carve a
// fixed-size sub-region out of it at a given offset.
type PageEntry interface {
	PageIndex() int64
	Bytes() []byte
	MarkDirty()
}

// PageCache is the read/pin/release collaborator (spec §6). Every entry
// obtained from LoadForRead/LoadForWrite must be released exactly once
// on every control-flow exit, including exceptional ones.
type PageCache interface {
	LoadForRead(ctx context.Context, file string, page int64) (PageEntry, error)
	LoadForWrite(ctx context.Context, file string, page int64) (PageEntry, error)
	ReleaseFromRead(entry PageEntry)
	ReleaseFromWrite(entry PageEntry, op AtomicOperation)
	// AllocatePage appends a brand new, zeroed page and returns it
	// pinned for write.
	AllocatePage(ctx context.Context, file string) (PageEntry, error)
}

// AtomicOperation is the unit of durability: every bucket mutation
// performed between Start and End is undone on rollback (spec §3).
type AtomicOperation interface {
	ID() string
	RollbackOnException() bool
	// AppendPageOp records one fine-grained before-image (spec §4.4).
	AppendPageOp(op PageOperation)
	// PageOps returns everything recorded so far, in append order, for
	// a manual rollback driven by the durability adapter.
	PageOps() []PageOperation
}

// AtomicOperationsManager is the begin/end collaborator (spec §4.4, §6).
type AtomicOperationsManager interface {
	Start(ctx context.Context, rollbackOnException bool) (AtomicOperation, error)
	End(ctx context.Context, op AtomicOperation, rollback bool, cause error) error
	AcquireReadLock(ctx context.Context, component string) error
	ReleaseReadLock(ctx context.Context, component string)
}

// PageOperationKind enumerates the bucket-mutation subtypes from spec §4.4.
type PageOperationKind uint8

const (
	// OpAddAll also covers a single-entry insert: inserting always takes
	// a whole-region before-image rather than a per-slot one, since
	// undoing a slot-level insert would need to restore both the
	// vacated entry bytes below the free pointer and the dropped slot
	// cell, which a per-slot record can't carry losslessly.
	OpAddAll PageOperationKind = iota
	OpRemove
	OpShrink
	OpUpdateValue
	OpSetLeftSibling
	OpSetRightSibling
	OpSetTreeSize
	OpSetDeleted
	OpSetFreeListPointer
	OpSetValueFreeListFirstIndex
	OpSetSystemFreeListHead
	OpSetSystemFreeListLength
	OpSetSystemFreeSpacePointer
)

// PageOperation is a fine-grained WAL record capturing one bucket
// mutation's before-image, enough to reconstruct the exact prior byte
// image on undo (spec §4.4, glossary).
type PageOperation struct {
	Kind        PageOperationKind
	File        string
	PageIndex   int64
	PageOffset  int32
	SlotIndex   int32
	PrevBytes   []byte // generic previous raw bytes (value/key/entry/flags/pointer)
	PrevBytes2  []byte // second previous value, used by UpdateValue's prev_raw_value
	PrevInt64   int64  // previous scalar (tree_size, sibling pointer page index, ...)
	PrevPointer [2]int64
}

// ComponentOperationKind enumerates the tree-level WAL records (spec §4.4).
type ComponentOperationKind uint8

const (
	ComponentCreate ComponentOperationKind = iota
	ComponentPut
	ComponentRemove
)

// ComponentOperation is a coarse, tree-level WAL record re-playable
// during recovery (spec §4.4, glossary).
type ComponentOperation struct {
	Kind       ComponentOperationKind
	ID         string
	RawKey     []byte
	RawNewValue  []byte
	RawPrevValue []byte
}

// WAL accepts both page-operation and component-operation records
// (spec §6).
type WAL interface {
	AppendPageOperation(op PageOperation) error
	AppendComponentOperation(op ComponentOperation) error
}

// KeySerializer is the collaborator contract from spec §6.
type KeySerializer interface {
	ObjectSize(key []byte) int32
	Serialize(key []byte, buf []byte, off int32)
	DeserializeFromBuffer(buf []byte) []byte
	ObjectSizeInBuffer(buf []byte, pos int32) int32
}

// ValueSerializer is the collaborator contract from spec §6. Bonsai
// requires IsFixedLength() == true (spec §6).
type ValueSerializer interface {
	ObjectSize(value []byte) int32
	Serialize(value []byte, buf []byte, off int32)
	DeserializeFromBuffer(buf []byte) []byte
	ObjectSizeInBuffer(buf []byte, pos int32) int32
	IsFixedLength() bool
	FixedLength() int32
}

// EncryptionCodec is the optional, standard-only collaborator (spec §6).
type EncryptionCodec interface {
	Encrypt(plain []byte) ([]byte, error)
	Decrypt(cipher []byte) ([]byte, error)
}
