package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig(t *testing.T) {
	t.Run("test Defaults", testDefaults)
	t.Run("test LoadFromYAML", testLoadFromYAML)
	t.Run("test EnvOverridesYAML", testEnvOverridesYAML)
	t.Run("test MissingFile", testMissingFile)
	t.Run("test InvalidEnvValue", testInvalidEnvValue)
	t.Run("test Validate", testValidate)
	t.Run("test Holder", testHolder)
}

func writeConfigFile(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "imagecache.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func testDefaults(t *testing.T) {
	config, err := NewLoader().WithEnvPrefix("IMAGECACHE_TEST_DEFAULTS").Load()
	require.NoError(t, err)

	assert.Equal(t, CacheNone, config.DerivativeCache)
	assert.Equal(t, CacheNone, config.SourceCache)
	assert.Equal(t, time.Duration(0), config.GetTTL())
	assert.Equal(t, 24*time.Hour, config.GetWorkerInterval())
	assert.Equal(t, 30*time.Second, config.GetPurgeGrace())
	assert.Equal(t, 3, config.Filesystem.DirectoryDepth)
	assert.Equal(t, 2, config.Filesystem.DirectoryNameLength)
	assert.Equal(t, "2G", config.Heap.TargetSize)
	assert.Equal(t, 396*1024, config.Redis.MaxChunkBytes)
	assert.Equal(t, 10, config.Redis.MaxChunks)
	assert.Equal(t, int64(1024*1024*1024), config.GetInfoCacheFallbackMemory())
	assert.Equal(t, log.InfoLevel, config.GetLogLevel())
}

func testLoadFromYAML(t *testing.T) {
	path := writeConfigFile(t, `
derivative_cache: redis
source_cache: filesystem
ttl_seconds: 3600
worker_interval_seconds: 60
filesystem:
  path: /var/cache/imagecache
  directory_depth: 2
redis:
  address: redis.example.com:6379
  db: 2
  max_chunks: 5
log:
  level: debug
`)

	config, err := NewLoader().WithConfigPath(path).WithEnvPrefix("IMAGECACHE_TEST_YAML").Load()
	require.NoError(t, err)

	assert.Equal(t, "redis", config.DerivativeCache)
	assert.Equal(t, "filesystem", config.SourceCache)
	assert.Equal(t, time.Hour, config.GetTTL())
	assert.Equal(t, time.Minute, config.GetWorkerInterval())
	assert.Equal(t, "/var/cache/imagecache", config.Filesystem.Path)
	assert.Equal(t, 2, config.Filesystem.DirectoryDepth)
	// untouched values keep defaults
	assert.Equal(t, 2, config.Filesystem.DirectoryNameLength)
	assert.Equal(t, "redis.example.com:6379", config.Redis.Address)
	assert.Equal(t, 2, config.Redis.DB)
	assert.Equal(t, 5, config.Redis.MaxChunks)
	assert.Equal(t, 396*1024, config.Redis.MaxChunkBytes)
	assert.Equal(t, log.DebugLevel, config.GetLogLevel())
}

func testEnvOverridesYAML(t *testing.T) {
	path := writeConfigFile(t, `
derivative_cache: heap
heap:
  target_size: 1G
`)

	t.Setenv("IMAGECACHE_HEAP_TARGET_SIZE", "512M")
	t.Setenv("IMAGECACHE_TTL_SECONDS", "120")
	t.Setenv("IMAGECACHE_INFO_CACHE_MEMORY_FRACTION", "0.1")
	t.Setenv("IMAGECACHE_S3_USE_SSL", "false")

	config, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, "heap", config.DerivativeCache)
	assert.Equal(t, "512M", config.Heap.TargetSize)
	assert.Equal(t, 2*time.Minute, config.GetTTL())
	assert.Equal(t, 0.1, config.InfoCache.MemoryFraction)
	assert.False(t, config.S3.UseSSL)
}

func testMissingFile(t *testing.T) {
	config, err := NewLoader().WithConfigPath(filepath.Join(t.TempDir(), "missing.yaml")).WithEnvPrefix("IMAGECACHE_TEST_MISSING").Load()
	require.NoError(t, err)
	assert.Equal(t, CacheNone, config.DerivativeCache)
}

func testInvalidEnvValue(t *testing.T) {
	t.Setenv("IMAGECACHE_TEST_INVALID_WORKER_COUNT", "many")

	_, err := NewLoader().WithEnvPrefix("IMAGECACHE_TEST_INVALID").Load()
	assert.Error(t, err)
}

func testValidate(t *testing.T) {
	config := NewDefaultConfig()
	config.DerivativeCache = " Heap "
	require.NoError(t, config.Validate())
	assert.Equal(t, "heap", config.DerivativeCache)

	config = NewDefaultConfig()
	config.DerivativeCache = "memcached"
	assert.Error(t, config.Validate())

	config = NewDefaultConfig()
	config.DerivativeCache = "heap"
	config.Heap.TargetSize = "lots"
	assert.Error(t, config.Validate())

	config = NewDefaultConfig()
	config.DerivativeCache = "s3"
	config.S3.Endpoint = "s3.example.com"
	assert.Error(t, config.Validate())

	config.S3.Bucket = "images"
	assert.NoError(t, config.Validate())

	config = NewDefaultConfig()
	config.DerivativeCache = "filesystem"
	config.Filesystem.DirectoryDepth = 20
	assert.Error(t, config.Validate())

	config = NewDefaultConfig()
	config.DerivativeCache = "irods"
	config.IRODS.Host = "data.example.com"
	config.IRODS.Zone = "tempZone"
	config.IRODS.User = "rods"
	assert.Error(t, config.Validate())

	config.IRODS.RootPath = "/tempZone/home/rods/imagecache"
	assert.NoError(t, config.Validate())

	config = NewDefaultConfig()
	config.TTLSeconds = -1
	assert.Error(t, config.Validate())
}

func testHolder(t *testing.T) {
	holder := NewHolder(NewDefaultConfig())
	assert.Equal(t, "2G", holder.GetHeapTargetSize())

	err := holder.Update(func(config *Config) {
		config.Heap.TargetSize = "100M"
	})
	require.NoError(t, err)
	assert.Equal(t, "100M", holder.GetHeapTargetSize())

	err = holder.Update(func(config *Config) {
		config.DerivativeCache = "heap"
		config.Heap.TargetSize = "lots"
	})
	assert.Error(t, err)
	assert.Equal(t, "100M", holder.GetHeapTargetSize())

	assert.Error(t, holder.Set(nil))
}
