//go:build linux

// Package diskcollab is a test-only, file-backed PageEntry source
// demonstrating how a real page cache beneath this engine would avoid
// double-buffering: pages are read/written through os.File handles
// opened with O_DIRECT via github.com/ncw/directio, using
// directio-aligned buffers (spec §6, page cache is an external
// collaborator — this is reference plumbing for collab.PageCache, not
// part of the tree engine).
package diskcollab

import (
	"os"

	"github.com/ncw/directio"
)

// PageFile wraps one O_DIRECT-opened backing file for page-aligned I/O.
type PageFile struct {
	f        *os.File
	pageSize int
}

// Open opens (creating if necessary) a page file at path, whose page
// size must be a multiple of directio.AlignSize for O_DIRECT reads to
// succeed.
func Open(path string, pageSize int) (*PageFile, error) {
	f, err := directio.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	return &PageFile{f: f, pageSize: pageSize}, nil
}

// ReadPage reads page index idx into a freshly allocated, directio-aligned
// block.
func (p *PageFile) ReadPage(idx int64) ([]byte, error) {
	buf := directio.AlignedBlock(p.pageSize)
	_, err := p.f.ReadAt(buf, idx*int64(p.pageSize))
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// WritePage writes buf (which must be directio.AlignedBlock-sized) at
// page index idx.
func (p *PageFile) WritePage(idx int64, buf []byte) error {
	_, err := p.f.WriteAt(buf, idx*int64(p.pageSize))
	return err
}

// Close closes the backing file.
func (p *PageFile) Close() error { return p.f.Close() }
