package sbtree

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSystemBucketInit(t *testing.T) {
	page := make([]byte, 4096)
	s := NewSystemBucket(page)
	s.Init()

	require.True(t, s.FreeListHead().IsNull())
	require.Equal(t, int32(0), s.FreeListLength())
	require.Equal(t, Pointer{PageIndex: 1, PageOffset: 0}, s.FreeSpacePointer())
}

func TestSystemBucketFreeListMutation(t *testing.T) {
	page := make([]byte, 4096)
	s := NewSystemBucket(page)
	s.Init()

	old := s.SetFreeListHead(Pointer{PageIndex: 2, PageOffset: 64})
	require.True(t, old.IsNull())

	oldLen := s.SetFreeListLength(3)
	require.Equal(t, int32(0), oldLen)
	require.Equal(t, int32(3), s.FreeListLength())

	oldPtr := s.SetFreeSpacePointer(Pointer{PageIndex: 5, PageOffset: 0})
	require.Equal(t, Pointer{PageIndex: 1, PageOffset: 0}, oldPtr)
}
