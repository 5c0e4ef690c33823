//go:build !linux

// Package diskcollab: portable fallback for platforms where O_DIRECT
// page-aligned I/O (via github.com/ncw/directio, Linux-only) isn't
// available. Behaves identically from the caller's point of view, just
// without the alignment requirement.
package diskcollab

import "os"

// PageFile wraps one backing file for page-aligned I/O.
type PageFile struct {
	f        *os.File
	pageSize int
}

// Open opens (creating if necessary) a page file at path.
func Open(path string, pageSize int) (*PageFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	return &PageFile{f: f, pageSize: pageSize}, nil
}

// ReadPage reads page index idx.
func (p *PageFile) ReadPage(idx int64) ([]byte, error) {
	buf := make([]byte, p.pageSize)
	_, err := p.f.ReadAt(buf, idx*int64(p.pageSize))
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// WritePage writes buf at page index idx.
func (p *PageFile) WritePage(idx int64, buf []byte) error {
	_, err := p.f.WriteAt(buf, idx*int64(p.pageSize))
	return err
}

// Close closes the backing file.
func (p *PageFile) Close() error { return p.f.Close() }
