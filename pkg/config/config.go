// Package config loads and validates the storage engine configuration.
package config

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// validate is a singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Config carries every tunable of a column-family store. Zero values are
// filled from Default before validation, so partial YAML files work.
type Config struct {
	// Identity
	Keyspace string `yaml:"keyspace" validate:"required,min=1,max=48"`
	Table    string `yaml:"table" validate:"required,min=1,max=48"`
	DataDir  string `yaml:"data_dir" validate:"required"`

	// Partitioning
	Partitioner string `yaml:"partitioner" validate:"required"`

	// Memtable
	MemtableThresholdBytes int64   `yaml:"memtable_threshold_bytes" validate:"min=1048576"`
	MemtableFlushWriters   int     `yaml:"memtable_flush_writers" validate:"min=1,max=8"`
	MemtableFlushQueueSize int     `yaml:"memtable_flush_queue_size" validate:"min=1,max=64"`
	InitialLiveRatio       float64 `yaml:"initial_live_ratio" validate:"min=1,max=64"`

	// SSTable format
	BloomFilterFPChance  float64 `yaml:"bloom_filter_fp_chance" validate:"gt=0,lt=1"`
	IndexIntervalKeys    int     `yaml:"index_interval_keys" validate:"min=1,max=4096"`
	ColumnIndexSizeBytes int     `yaml:"column_index_size_bytes" validate:"min=1024"`
	CompressChunkBytes   int     `yaml:"compress_chunk_bytes" validate:"omitempty,min=1024,max=1048576"`
	Compress             bool    `yaml:"compress"`

	// Compaction
	MaxSSTableSizeBytes          int64 `yaml:"max_sstable_size_bytes" validate:"min=1048576"`
	InMemoryCompactionLimitBytes int64 `yaml:"in_memory_compaction_limit_bytes" validate:"min=65536"`
	ConcurrentCompactors         int   `yaml:"concurrent_compactors" validate:"min=1,max=64"`
	GCGraceSeconds               int32 `yaml:"gc_grace_seconds" validate:"min=0"`

	// Caches
	KeyCacheCapacity int `yaml:"key_cache_capacity" validate:"min=0"`
	RowCacheCapacity int `yaml:"row_cache_capacity" validate:"min=0"`

	// Batchlog tables skip rows that a tombstone has emptied out at flush.
	Batchlog bool `yaml:"batchlog"`
}

// Default returns the configuration used when a field is absent.
func Default() Config {
	return Config{
		Keyspace:                     "system",
		Table:                        "data",
		DataDir:                      "data",
		Partitioner:                  "tablestore.Murmur3Partitioner",
		MemtableThresholdBytes:       64 << 20,
		MemtableFlushWriters:         2,
		MemtableFlushQueueSize:       4,
		InitialLiveRatio:             10.0,
		BloomFilterFPChance:          0.01,
		IndexIntervalKeys:            128,
		ColumnIndexSizeBytes:         64 << 10,
		CompressChunkBytes:           64 << 10,
		Compress:                     true,
		MaxSSTableSizeBytes:          5 << 20,
		InMemoryCompactionLimitBytes: 64 << 20,
		ConcurrentCompactors:         2,
		GCGraceSeconds:               864000,
		KeyCacheCapacity:             16384,
		RowCacheCapacity:             0,
	}
}

// Load reads a YAML file, overlays it on the defaults and validates the
// result.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks field constraints and cross-field consistency.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return formatValidationError(err)
	}
	if c.Compress && c.CompressChunkBytes == 0 {
		return fmt.Errorf("CompressChunkBytes: required when compression is enabled")
	}
	// The in-memory path must be able to hold a full leveled table.
	if c.InMemoryCompactionLimitBytes < c.MaxSSTableSizeBytes/8 {
		return fmt.Errorf("InMemoryCompactionLimitBytes: must be at least an eighth of MaxSSTableSizeBytes")
	}
	return nil
}

// LevelBaseBytes is the size target of L1; each further level is ten times
// its predecessor.
func (c *Config) LevelBaseBytes() int64 {
	return 5 * c.MaxSSTableSizeBytes
}

// formatValidationError converts the first struct-tag violation into a
// user-facing message.
func formatValidationError(err error) error {
	if err == nil {
		return nil
	}

	validationErrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}

	for _, e := range validationErrs {
		field := e.Field()
		tag := e.Tag()
		param := e.Param()

		switch tag {
		case "required":
			return fmt.Errorf("%s: field is required", field)
		case "min":
			return fmt.Errorf("%s: must be at least %s", field, param)
		case "max":
			return fmt.Errorf("%s: must not exceed %s", field, param)
		case "gt":
			return fmt.Errorf("%s: must be greater than %s", field, param)
		case "lt":
			return fmt.Errorf("%s: must be less than %s", field, param)
		default:
			return fmt.Errorf("%s: failed validation rule '%s'", field, tag)
		}
	}
	return err
}
