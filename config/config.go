package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cyverse/imagecache-common/utils"
	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

const (
	// CacheNone disables a cache
	CacheNone string = "none"

	// DefaultEnvPrefix is the prefix of environment variables overriding configuration
	DefaultEnvPrefix string = "IMAGECACHE"
)

var (
	derivativeCacheNames = []string{CacheNone, "filesystem", "heap", "redis", "s3", "jdbc", "irods"}
	sourceCacheNames     = []string{CacheNone, "filesystem"}
)

// Config is configuration of the image cache
type Config struct {
	// DerivativeCache is the backend of derivative images and infos: none, filesystem, heap, redis, s3, jdbc, irods
	DerivativeCache string `yaml:"derivative_cache" env:"DERIVATIVE_CACHE"`
	// SourceCache is the backend of source image files: none, filesystem
	SourceCache string `yaml:"source_cache" env:"SOURCE_CACHE"`

	// TTLSeconds is the time to live of entries, 0 never expires
	TTLSeconds int64 `yaml:"ttl_seconds" env:"TTL_SECONDS"`
	// WorkerIntervalSeconds is the interval of sweeps and clean ups
	WorkerIntervalSeconds int64 `yaml:"worker_interval_seconds" env:"WORKER_INTERVAL_SECONDS"`
	// WorkerCount is the number of background workers
	WorkerCount int `yaml:"worker_count" env:"WORKER_COUNT"`
	// PurgeGraceSeconds is how long a global purge waits for in-flight writes
	PurgeGraceSeconds int64 `yaml:"purge_grace_seconds" env:"PURGE_GRACE_SECONDS"`

	Filesystem FilesystemConfig `yaml:"filesystem" env:"FILESYSTEM"`
	Heap       HeapConfig       `yaml:"heap" env:"HEAP"`
	Redis      RedisConfig      `yaml:"redis" env:"REDIS"`
	S3         S3Config         `yaml:"s3" env:"S3"`
	JDBC       JDBCConfig       `yaml:"jdbc" env:"JDBC"`
	IRODS      IRODSConfig      `yaml:"irods" env:"IRODS"`
	InfoCache  InfoCacheConfig  `yaml:"info_cache" env:"INFO_CACHE"`
	Log        LogConfig        `yaml:"log" env:"LOG"`
}

// FilesystemConfig is configuration of the filesystem derivative and source caches
type FilesystemConfig struct {
	Path                string `yaml:"path" env:"PATH"`
	DirectoryDepth      int    `yaml:"directory_depth" env:"DIRECTORY_DEPTH"`
	DirectoryNameLength int    `yaml:"directory_name_length" env:"DIRECTORY_NAME_LENGTH"`
}

// HeapConfig is configuration of the heap derivative cache
type HeapConfig struct {
	// TargetSize is a byte size with K/M/G/T/P suffixes, re-read on every eviction run
	TargetSize string `yaml:"target_size" env:"TARGET_SIZE"`
	Persist    bool   `yaml:"persist" env:"PERSIST"`
	Path       string `yaml:"path" env:"PATH"`
}

// RedisConfig is configuration of the chunked key-value derivative cache
type RedisConfig struct {
	Address       string `yaml:"address" env:"ADDRESS"`
	Password      string `yaml:"password" env:"PASSWORD"`
	DB            int    `yaml:"db" env:"DB"`
	KeyPrefix     string `yaml:"key_prefix" env:"KEY_PREFIX"`
	MaxChunkBytes int    `yaml:"max_chunk_bytes" env:"MAX_CHUNK_BYTES"`
	MaxChunks     int    `yaml:"max_chunks" env:"MAX_CHUNKS"`
}

// S3Config is configuration of the object store derivative cache
type S3Config struct {
	Endpoint           string `yaml:"endpoint" env:"ENDPOINT"`
	AccessKey          string `yaml:"access_key" env:"ACCESS_KEY"`
	SecretKey          string `yaml:"secret_key" env:"SECRET_KEY"`
	Bucket             string `yaml:"bucket" env:"BUCKET"`
	Region             string `yaml:"region" env:"REGION"`
	UseSSL             bool   `yaml:"use_ssl" env:"USE_SSL"`
	KeyPrefix          string `yaml:"key_prefix" env:"KEY_PREFIX"`
	MultipartThreshold int64  `yaml:"multipart_threshold" env:"MULTIPART_THRESHOLD"`
	PartSize           int    `yaml:"part_size" env:"PART_SIZE"`
}

// JDBCConfig is configuration of the relational derivative cache
type JDBCConfig struct {
	// Dialect is one of postgres, mysql, sqlite
	Dialect    string `yaml:"dialect" env:"DIALECT"`
	DSN        string `yaml:"dsn" env:"DSN"`
	ImageTable string `yaml:"image_table" env:"IMAGE_TABLE"`
	InfoTable  string `yaml:"info_table" env:"INFO_TABLE"`
}

// IRODSConfig is configuration of the data grid derivative cache
type IRODSConfig struct {
	Host     string `yaml:"host" env:"HOST"`
	Port     int    `yaml:"port" env:"PORT"`
	Zone     string `yaml:"zone" env:"ZONE"`
	User     string `yaml:"user" env:"USER"`
	Password string `yaml:"password" env:"PASSWORD"`
	Resource string `yaml:"resource" env:"RESOURCE"`
	RootPath string `yaml:"root_path" env:"ROOT_PATH"`
}

// InfoCacheConfig is configuration of the in-process info cache
type InfoCacheConfig struct {
	Enabled           bool    `yaml:"enabled" env:"ENABLED"`
	MemoryFraction    float64 `yaml:"memory_fraction" env:"MEMORY_FRACTION"`
	FallbackMemory    string  `yaml:"fallback_memory" env:"FALLBACK_MEMORY"`
	ExpectedEntrySize int64   `yaml:"expected_entry_size" env:"EXPECTED_ENTRY_SIZE"`
}

// LogConfig is configuration of logging
type LogConfig struct {
	Level string `yaml:"level" env:"LEVEL"`
}

// NewDefaultConfig returns a configuration with default values
func NewDefaultConfig() *Config {
	workDir := filepath.Join(os.TempDir(), "imagecache")

	return &Config{
		DerivativeCache:       CacheNone,
		SourceCache:           CacheNone,
		TTLSeconds:            0,
		WorkerIntervalSeconds: 24 * 60 * 60,
		WorkerCount:           4,
		PurgeGraceSeconds:     30,

		Filesystem: FilesystemConfig{
			Path:                workDir,
			DirectoryDepth:      3,
			DirectoryNameLength: 2,
		},
		Heap: HeapConfig{
			TargetSize: "2G",
			Persist:    false,
			Path:       filepath.Join(workDir, "heap.bin"),
		},
		Redis: RedisConfig{
			Address:       "localhost:6379",
			KeyPrefix:     "imagecache",
			MaxChunkBytes: 396 * 1024,
			MaxChunks:     10,
		},
		S3: S3Config{
			Region:             "us-east-1",
			UseSSL:             true,
			MultipartThreshold: 32 * 1024 * 1024,
			PartSize:           5 * 1024 * 1024,
		},
		JDBC: JDBCConfig{
			Dialect:    "sqlite",
			ImageTable: "derivative_images",
			InfoTable:  "infos",
		},
		IRODS: IRODSConfig{
			Port: 1247,
		},
		InfoCache: InfoCacheConfig{
			Enabled:           true,
			MemoryFraction:    0.05,
			FallbackMemory:    "1G",
			ExpectedEntrySize: 2 * 1024,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// GetTTL returns the time to live of entries
func (config *Config) GetTTL() time.Duration {
	return time.Duration(config.TTLSeconds) * time.Second
}

// GetWorkerInterval returns the interval of background sweeps
func (config *Config) GetWorkerInterval() time.Duration {
	return time.Duration(config.WorkerIntervalSeconds) * time.Second
}

// GetPurgeGrace returns how long a global purge waits for in-flight writes
func (config *Config) GetPurgeGrace() time.Duration {
	return time.Duration(config.PurgeGraceSeconds) * time.Second
}

// GetLogLevel returns the logrus level, info if the level is not valid
func (config *Config) GetLogLevel() log.Level {
	level, err := log.ParseLevel(config.Log.Level)
	if err != nil {
		return log.InfoLevel
	}
	return level
}

// GetInfoCacheFallbackMemory returns the fallback memory budget of the info cache in bytes
func (config *Config) GetInfoCacheFallbackMemory() int64 {
	size, err := utils.ParseByteSize(config.InfoCache.FallbackMemory)
	if err != nil {
		return 0
	}
	return size
}

func contains(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

// Validate validates configuration
func (config *Config) Validate() error {
	config.DerivativeCache = strings.ToLower(strings.TrimSpace(config.DerivativeCache))
	config.SourceCache = strings.ToLower(strings.TrimSpace(config.SourceCache))

	if len(config.DerivativeCache) == 0 {
		config.DerivativeCache = CacheNone
	}

	if len(config.SourceCache) == 0 {
		config.SourceCache = CacheNone
	}

	if !contains(derivativeCacheNames, config.DerivativeCache) {
		return xerrors.Errorf("unknown derivative cache %q, must be one of %s", config.DerivativeCache, strings.Join(derivativeCacheNames, ", "))
	}

	if !contains(sourceCacheNames, config.SourceCache) {
		return xerrors.Errorf("unknown source cache %q, must be one of %s", config.SourceCache, strings.Join(sourceCacheNames, ", "))
	}

	if config.TTLSeconds < 0 {
		return xerrors.Errorf("ttl must not be negative")
	}

	if config.WorkerIntervalSeconds <= 0 {
		return xerrors.Errorf("worker interval must be positive")
	}

	if config.WorkerCount <= 0 {
		return xerrors.Errorf("worker count must be positive")
	}

	if config.PurgeGraceSeconds < 0 {
		return xerrors.Errorf("purge grace must not be negative")
	}

	if config.DerivativeCache == "filesystem" || config.SourceCache == "filesystem" {
		if len(config.Filesystem.Path) == 0 {
			return xerrors.Errorf("filesystem cache path is not given")
		}

		if config.Filesystem.DirectoryDepth < 0 || config.Filesystem.DirectoryNameLength < 0 {
			return xerrors.Errorf("filesystem directory depth and name length must not be negative")
		}

		// fan-out levels are cut from a 32 character md5 hex
		if config.Filesystem.DirectoryDepth*config.Filesystem.DirectoryNameLength > 32 {
			return xerrors.Errorf("filesystem directory depth %d with name length %d exceeds the hash length", config.Filesystem.DirectoryDepth, config.Filesystem.DirectoryNameLength)
		}
	}

	switch config.DerivativeCache {
	case "heap":
		_, err := utils.ParseByteSize(config.Heap.TargetSize)
		if err != nil {
			return xerrors.Errorf("invalid heap target size %q: %w", config.Heap.TargetSize, err)
		}

		if config.Heap.Persist && len(config.Heap.Path) == 0 {
			return xerrors.Errorf("heap persistence path is not given")
		}
	case "redis":
		if len(config.Redis.Address) == 0 {
			return xerrors.Errorf("redis address is not given")
		}

		if config.Redis.MaxChunkBytes <= 0 || config.Redis.MaxChunks <= 0 {
			return xerrors.Errorf("redis chunk size and count must be positive")
		}
	case "s3":
		if len(config.S3.Endpoint) == 0 {
			return xerrors.Errorf("s3 endpoint is not given")
		}

		if len(config.S3.Bucket) == 0 {
			return xerrors.Errorf("s3 bucket is not given")
		}
	case "jdbc":
		if len(config.JDBC.DSN) == 0 {
			return xerrors.Errorf("jdbc dsn is not given")
		}
	case "irods":
		if len(config.IRODS.Host) == 0 || len(config.IRODS.Zone) == 0 || len(config.IRODS.User) == 0 {
			return xerrors.Errorf("irods host, zone and user must be given")
		}

		if len(config.IRODS.RootPath) == 0 {
			return xerrors.Errorf("irods root path is not given")
		}
	}

	if config.InfoCache.Enabled {
		if config.InfoCache.MemoryFraction <= 0 || config.InfoCache.MemoryFraction > 1 {
			return xerrors.Errorf("info cache memory fraction must be in (0, 1]")
		}

		_, err := utils.ParseByteSize(config.InfoCache.FallbackMemory)
		if err != nil {
			return xerrors.Errorf("invalid info cache fallback memory %q: %w", config.InfoCache.FallbackMemory, err)
		}
	}

	return nil
}
