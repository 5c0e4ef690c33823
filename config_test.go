package sbtree

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	c := DefaultConfig()
	require.Equal(t, int32(65536), c.PageSizeBytes())
	require.Equal(t, int32(8192), c.BonsaiBucketSize())
	require.GreaterOrEqual(t, c.PageSizeBytes(), c.BonsaiBucketSize(), "a bonsai bucket must fit within one page")
}

func TestLoadConfigOverridesBonsaiSize(t *testing.T) {
	doc := []byte(`{
		// a HuJSON config: comments and trailing commas are fine
		"disk_cache_page_size": 8,
		"max_bonsai_bucket_size_in_bytes": 2048,
	}`)
	c, err := LoadConfig(doc)
	require.NoError(t, err)
	require.Equal(t, int32(8192), c.PageSizeBytes())
	require.Equal(t, int32(2048), c.BonsaiBucketSize())
}

func TestLoadConfigRejectsMalformedDocument(t *testing.T) {
	_, err := LoadConfig([]byte(`{not json`))
	require.Error(t, err)
}
