package sbtree

import (
	"encoding/json"

	"github.com/tailscale/hujson"

	"github.com/ryogrid/sbtree/errs"
)

// Config holds the tunables named in spec §6. It is deliberately small:
// everything else (which collaborators to use, which file) is supplied
// directly to NewTree by the embedder.
type Config struct {
	// DiskCachePageSizeKB is the base page size of the underlying page
	// cache, in KB (spec §6 disk_cache_page_size).
	DiskCachePageSizeKB int32 `json:"disk_cache_page_size"`

	// SbtreeBonsaiBucketSize is the default bonsai sub-page region size
	// in bytes (spec §6 sbtree_bonsai_bucket_size).
	SbtreeBonsaiBucketSize int32 `json:"sbtree_bonsai_bucket_size"`

	// MaxBonsaiBucketSizeInBytes overrides SbtreeBonsaiBucketSize when
	// positive; it is accepted both from config and as an explicit
	// constructor override (spec §6 max_bonsai_bucket_size_in_bytes).
	MaxBonsaiBucketSizeInBytes int32 `json:"max_bonsai_bucket_size_in_bytes"`
}

// DefaultConfig matches the scenario fixtures in spec §8 (S3's "bonsai
// default region ~8 KB"). The page size must be large enough to hold
// at least one bonsai bucket (a 64 KB page for an ~8 KB bucket, same
// ratio OrientDB ships), or a bonsai tree can never place its root.
func DefaultConfig() *Config {
	return &Config{
		DiskCachePageSizeKB:        64,
		SbtreeBonsaiBucketSize:     8192,
		MaxBonsaiBucketSizeInBytes: 0,
	}
}

// PageSizeBytes is DiskCachePageSizeKB converted to bytes.
func (c *Config) PageSizeBytes() int32 { return c.DiskCachePageSizeKB * 1024 }

// BonsaiBucketSize resolves the effective bonsai region size, honoring
// the MaxBonsaiBucketSizeInBytes override.
func (c *Config) BonsaiBucketSize() int32 {
	if c.MaxBonsaiBucketSizeInBytes > 0 {
		return c.MaxBonsaiBucketSizeInBytes
	}
	return c.SbtreeBonsaiBucketSize
}

// LoadConfig parses a HuJSON (human JSON, tolerant of comments and
// trailing commas) config document, the format the teacher's own
// config loader accepts.
func LoadConfig(data []byte) (*Config, error) {
	std, err := hujson.Standardize(data)
	if err != nil {
		return nil, errs.Wrap(errs.StateViolation, "parse config: "+err.Error())
	}
	cfg := DefaultConfig()
	if err := json.Unmarshal(std, cfg); err != nil {
		return nil, errs.Wrap(errs.StateViolation, "decode config: "+err.Error())
	}
	return cfg, nil
}
