// Package cmn provides common low-level types and utilities for all Nexus modules.
/*
 * Copyright (c) 2025, Nexi Lab. All rights reserved.
 */
package cmn

import (
	"time"

	"github.com/c2h5oh/datasize"
)

type (
	// Config is the full Nexus configuration, one struct per section.
	Config struct {
		DataDir       string         `json:"data_dir" mapstructure:"data_dir"`
		Zones         []string       `json:"zone_ids" mapstructure:"zone_ids"`
		ReadOnlyNS    []string       `json:"readonly_namespaces" mapstructure:"readonly_namespaces"`
		CAS           CASConf        `json:"cas" mapstructure:"cas"`
		MetadataCache MetaCacheConf  `json:"metadata_cache" mapstructure:"metadata_cache"`
		Permission    PermissionConf `json:"permission" mapstructure:"permission"`
		Agent         AgentConf      `json:"agent" mapstructure:"agent"`
		Log           LogConf        `json:"log" mapstructure:"log"`
	}

	CASConf struct {
		ChunkThreshold   datasize.ByteSize `json:"chunk_threshold_bytes" mapstructure:"chunk_threshold_bytes"`
		ChunkTarget      datasize.ByteSize `json:"chunk_target_bytes" mapstructure:"chunk_target_bytes"`
		BloomCapacity    uint              `json:"bloom_capacity" mapstructure:"bloom_capacity"`
		BloomFPRate      float64           `json:"bloom_fp_rate" mapstructure:"bloom_fp_rate"`
		BatchReadWorkers int               `json:"batch_read_workers" mapstructure:"batch_read_workers"`
	}

	MetaCacheConf struct {
		TTL  time.Duration `json:"ttl_seconds" mapstructure:"ttl_seconds"`
		Size int           `json:"size" mapstructure:"size"`
	}

	PermissionConf struct {
		Enforce          bool          `json:"enforce" mapstructure:"enforce"`
		AdminBypass      bool          `json:"admin_bypass" mapstructure:"admin_bypass"`
		AdminBypassPaths []string      `json:"admin_bypass_paths" mapstructure:"admin_bypass_paths"`
		TigerCacheSize   int           `json:"tiger_cache_size" mapstructure:"tiger_cache_size"`
		TigerCacheTTL    time.Duration `json:"tiger_cache_ttl_seconds" mapstructure:"tiger_cache_ttl_seconds"`
		MaxDepth         int           `json:"max_depth" mapstructure:"max_depth"`
	}

	AgentConf struct {
		HeartbeatFlushInterval time.Duration `json:"heartbeat_flush_interval_seconds" mapstructure:"heartbeat_flush_interval_seconds"`
	}

	LogConf struct {
		Level  string `json:"level" mapstructure:"level"`
		Format string `json:"format" mapstructure:"format"`
	}
)

// DefaultConfig returns a Config with every knob at its default.
func DefaultConfig() *Config {
	return &Config{
		Zones:      []string{"default"},
		ReadOnlyNS: []string{"/system", "/archives"},
		CAS: CASConf{
			ChunkThreshold:   16 * datasize.MB,
			ChunkTarget:      1 * datasize.MB,
			BloomCapacity:    100_000,
			BloomFPRate:      0.01,
			BatchReadWorkers: 8,
		},
		MetadataCache: MetaCacheConf{TTL: 300 * time.Second, Size: 4096},
		Permission: PermissionConf{
			Enforce:        true,
			TigerCacheSize: 10_000,
			TigerCacheTTL:  300 * time.Second,
			MaxDepth:       10,
		},
		Agent: AgentConf{HeartbeatFlushInterval: time.Second},
		Log:   LogConf{Level: "info", Format: "text"},
	}
}

// Validate checks invariants that would otherwise surface as runtime faults.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return NewErrValidation("data_dir is required")
	}
	if c.CAS.ChunkTarget == 0 || c.CAS.ChunkThreshold < c.CAS.ChunkTarget {
		return NewErrValidation("chunk_threshold_bytes (%d) must be >= chunk_target_bytes (%d) > 0",
			c.CAS.ChunkThreshold, c.CAS.ChunkTarget)
	}
	if c.CAS.BloomFPRate <= 0 || c.CAS.BloomFPRate >= 1 {
		return NewErrValidation("cas.bloom.fp_rate %f out of (0,1)", c.CAS.BloomFPRate)
	}
	if c.CAS.BatchReadWorkers <= 0 {
		return NewErrValidation("batch_read_workers must be positive")
	}
	if c.MetadataCache.Size <= 0 {
		return NewErrValidation("metadata_cache.size must be positive")
	}
	if len(c.Zones) == 0 {
		return NewErrValidation("at least one zone_id is required")
	}
	if c.Permission.MaxDepth <= 0 {
		return NewErrValidation("permission.max_depth must be positive")
	}
	return nil
}
