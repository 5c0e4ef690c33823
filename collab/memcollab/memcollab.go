// Package memcollab is an in-memory reference implementation of the
// collab interfaces, used by this module's own tests — never by the
// tree engine itself. It
// mirrors the teacher's own ParentBufMgrDummy/ParentPageDummy pattern
// (ryogrid/bltree-go-for-embedding): a pool-free, map-backed stand-in
// for the real page cache/WAL/atomic-operations manager an embedder
// would supply.
package memcollab

import (
	"context"
	"sync"

	"github.com/dsnet/golib/memfile"
	"github.com/google/uuid"

	"github.com/ryogrid/sbtree/collab"
)

// PageCache is a map-of-files in-memory page cache. Each
// file's bytes live in a *memfile.File so the backing store behaves
// like a real random-access file (ReadAt/WriteAt) without touching disk,
// which keeps unit tests fast and lets them snapshot exact byte images
// for the rollback property (spec P7).
type PageCache struct {
	mu       sync.Mutex
	pageSize int32
	files    map[string]*memfile.File
	lens     map[string]int64 // bytes currently allocated per file
}

// NewPageCache builds an in-memory cache of pages sized pageSize bytes.
func NewPageCache(pageSize int32) *PageCache {
	return &PageCache{
		pageSize: pageSize,
		files:    make(map[string]*memfile.File),
		lens:     make(map[string]int64),
	}
}

func (c *PageCache) file(name string) *memfile.File {
	f, ok := c.files[name]
	if !ok {
		f = memfile.New(nil)
		c.files[name] = f
	}
	return f
}

type entry struct {
	cache *PageCache
	file  string
	page  int64
	buf   []byte
	dirty bool
}

func (e *entry) PageIndex() int64 { return e.page }
func (e *entry) Bytes() []byte    { return e.buf }
func (e *entry) MarkDirty()       { e.dirty = true }

func (c *PageCache) read(name string, page int64) []byte {
	f := c.file(name)
	buf := make([]byte, c.pageSize)
	off := page * int64(c.pageSize)
	_, _ = f.ReadAt(buf, off)
	return buf
}

func (c *PageCache) write(name string, page int64, buf []byte) {
	f := c.file(name)
	off := page * int64(c.pageSize)
	_, _ = f.WriteAt(buf, off)
}

func (c *PageCache) LoadForRead(_ context.Context, file string, page int64) (collab.PageEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &entry{cache: c, file: file, page: page, buf: c.read(file, page)}, nil
}

func (c *PageCache) LoadForWrite(_ context.Context, file string, page int64) (collab.PageEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &entry{cache: c, file: file, page: page, buf: c.read(file, page)}, nil
}

func (c *PageCache) ReleaseFromRead(e collab.PageEntry) {
	// read-only: nothing to flush.
}

func (c *PageCache) ReleaseFromWrite(e collab.PageEntry, _ collab.AtomicOperation) {
	ce := e.(*entry)
	if !ce.dirty {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.write(ce.file, ce.page, ce.buf)
}

func (c *PageCache) AllocatePage(_ context.Context, file string) (collab.PageEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pageNo := c.lens[file] / int64(c.pageSize)
	c.lens[file] += int64(c.pageSize)
	buf := make([]byte, c.pageSize)
	c.write(file, pageNo, buf)
	return &entry{cache: c, file: file, page: pageNo, buf: buf, dirty: true}, nil
}

// Snapshot returns a copy of a page's current on-disk bytes, for P7
// byte-image-equality assertions in tests.
func (c *PageCache) Snapshot(file string, page int64) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.read(file, page)...)
}

// atomicOp is the in-memory AtomicOperation.
type atomicOp struct {
	id                   string
	rollbackOnException  bool
	ops                  []collab.PageOperation
}

func (a *atomicOp) ID() string                   { return a.id }
func (a *atomicOp) RollbackOnException() bool    { return a.rollbackOnException }
func (a *atomicOp) AppendPageOp(op collab.PageOperation) { a.ops = append(a.ops, op) }
func (a *atomicOp) PageOps() []collab.PageOperation      { return a.ops }

// AtomicOperationsManager is a single-writer, in-memory implementation:
// Start begins a new logical operation id and End just discards
// bookkeeping (rollback itself is driven by the durability adapter
// replaying PageOps against the page cache, spec §4.4).
type AtomicOperationsManager struct {
	mu    sync.Mutex
	locks map[string]int
}

func NewAtomicOperationsManager() *AtomicOperationsManager {
	return &AtomicOperationsManager{locks: make(map[string]int)}
}

func (m *AtomicOperationsManager) Start(_ context.Context, rollbackOnException bool) (collab.AtomicOperation, error) {
	return &atomicOp{id: uuid.NewString(), rollbackOnException: rollbackOnException}, nil
}

func (m *AtomicOperationsManager) End(_ context.Context, _ collab.AtomicOperation, _ bool, _ error) error {
	return nil
}

func (m *AtomicOperationsManager) AcquireReadLock(_ context.Context, component string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locks[component]++
	return nil
}

func (m *AtomicOperationsManager) ReleaseReadLock(_ context.Context, component string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locks[component]--
}

// WAL is an in-memory record sink, inspectable by tests.
type WAL struct {
	mu         sync.Mutex
	PageOps    []collab.PageOperation
	Components []collab.ComponentOperation
}

func NewWAL() *WAL { return &WAL{} }

func (w *WAL) AppendPageOperation(op collab.PageOperation) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.PageOps = append(w.PageOps, op)
	return nil
}

func (w *WAL) AppendComponentOperation(op collab.ComponentOperation) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.Components = append(w.Components, op)
	return nil
}

// FixedValueSerializer is a trivial fixed-length value serializer
// (8-byte little-endian values, as used by the scenario fixtures in
// spec §8), satisfying collab.ValueSerializer for the bonsai variant.
type FixedValueSerializer struct{ Size int32 }

func (s FixedValueSerializer) ObjectSize(value []byte) int32            { return s.Size }
func (s FixedValueSerializer) Serialize(value, buf []byte, off int32)   { copy(buf[off:], value) }
func (s FixedValueSerializer) DeserializeFromBuffer(buf []byte) []byte  { return append([]byte(nil), buf[:s.Size]...) }
func (s FixedValueSerializer) ObjectSizeInBuffer(_ []byte, _ int32) int32 { return s.Size }
func (s FixedValueSerializer) IsFixedLength() bool                     { return true }
func (s FixedValueSerializer) FixedLength() int32                      { return s.Size }

// BytesKeySerializer treats keys as opaque byte strings with no framing
// of their own (the Bucket codec stores the key length);
// ObjectSizeInBuffer reports every byte from pos to the end of buf.
type BytesKeySerializer struct{}

func (BytesKeySerializer) ObjectSize(key []byte) int32 { return int32(len(key)) }
func (BytesKeySerializer) Serialize(key, buf []byte, off int32) { copy(buf[off:], key) }
func (BytesKeySerializer) DeserializeFromBuffer(buf []byte) []byte {
	return append([]byte(nil), buf...)
}
func (BytesKeySerializer) ObjectSizeInBuffer(buf []byte, pos int32) int32 {
	return int32(len(buf)) - pos
}
