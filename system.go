package sbtree

import "encoding/binary"

// System bucket layout (bonsai only, spec §4.2): a fixed-position view
// of page 0, offset 0 of the tree's file, distinct from an ordinary
// slotted Bucket (it carries allocator metadata, not keyed entries).
const (
	sysOffFreeListHead    = 0  // Pointer, 16 bytes
	sysOffFreeListLength  = 16 // i32
	sysOffFreeSpacePtr    = 20 // Pointer, 16 bytes
	systemBucketSize      = 36
)

// SystemBucket is a typed view over page 0 (spec §9 design note: model
// as a typed view rather than global state, constructed per-file on
// open).
type SystemBucket struct {
	data []byte // at least systemBucketSize bytes, backed by page 0
}

func NewSystemBucket(page0 []byte) *SystemBucket {
	return &SystemBucket{data: page0}
}

func (s *SystemBucket) readPointer(off int32) Pointer {
	pi := int64(binary.LittleEndian.Uint64(s.data[off:]))
	po := int32(binary.LittleEndian.Uint32(s.data[off+8:]))
	v := int32(binary.LittleEndian.Uint32(s.data[off+12:]))
	return Pointer{PageIndex: pi, PageOffset: po, Version: v}
}

func (s *SystemBucket) writePointer(off int32, p Pointer) {
	binary.LittleEndian.PutUint64(s.data[off:], uint64(p.PageIndex))
	binary.LittleEndian.PutUint32(s.data[off+8:], uint32(p.PageOffset))
	binary.LittleEndian.PutUint32(s.data[off+12:], uint32(p.Version))
}

func (s *SystemBucket) FreeListHead() Pointer { return s.readPointer(sysOffFreeListHead) }
func (s *SystemBucket) SetFreeListHead(p Pointer) (old Pointer) {
	old = s.FreeListHead()
	s.writePointer(sysOffFreeListHead, p)
	return old
}

func (s *SystemBucket) FreeListLength() int32 {
	return int32(binary.LittleEndian.Uint32(s.data[sysOffFreeListLength:]))
}
func (s *SystemBucket) SetFreeListLength(v int32) (old int32) {
	old = s.FreeListLength()
	binary.LittleEndian.PutUint32(s.data[sysOffFreeListLength:], uint32(v))
	return old
}

func (s *SystemBucket) FreeSpacePointer() Pointer { return s.readPointer(sysOffFreeSpacePtr) }
func (s *SystemBucket) SetFreeSpacePointer(p Pointer) (old Pointer) {
	old = s.FreeSpacePointer()
	s.writePointer(sysOffFreeSpacePtr, p)
	return old
}

// Init resets a freshly allocated page 0 to an empty allocator state:
// no free list, next sub-page carved at offset 0.
func (s *SystemBucket) Init() {
	s.SetFreeListHead(Null())
	s.SetFreeListLength(0)
	s.SetFreeSpacePointer(Pointer{PageIndex: 1, PageOffset: 0})
}
