package sbtree

// Pointer addresses a bucket. In the standard variant a bucket is a whole
// page, so PageOffset and Version are always zero and only PageIndex is
// persisted (as a single i64, spec §3). In the bonsai variant PageOffset
// addresses a sub-page region within PageIndex and Version is the
// binary_version field of the on-disk triple. Version is stored and read
// back as given; the allocator does not assign versions (the pointers it
// hands out carry zero) and no code uses it to detect stale pointers.
type Pointer struct {
	PageIndex  int64
	PageOffset int32
	Version    int32
}

// Null returns the NULL pointer (page_index < 0, spec §3).
func Null() Pointer { return Pointer{PageIndex: -1} }

// SystemPointer is the sentinel bonsai pointer (0, 0, version) addressing
// the per-file system bucket.
func SystemPointer(version int32) Pointer {
	return Pointer{PageIndex: 0, PageOffset: 0, Version: version}
}

// IsNull reports whether p is the NULL pointer.
func (p Pointer) IsNull() bool { return p.PageIndex < 0 }

// Equal reports pointer equality. Version only participates in bonsai
// comparisons; callers that don't care about staleness detection can
// ignore it by zeroing both sides first.
func (p Pointer) Equal(o Pointer) bool {
	return p.PageIndex == o.PageIndex && p.PageOffset == o.PageOffset && p.Version == o.Version
}
