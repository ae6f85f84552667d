// Package config loads configuration from an optional TOML file and
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"
)

// Config holds all viewer core configuration.
type Config struct {
	// Logging
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`

	// Metrics listener; empty disables it.
	MetricsAddr string `toml:"metrics_addr"`

	// Decoded page cache. 0 = unbounded, >0 = FIFO bound on entry count.
	CacheMaxEntries int `toml:"cache_max_entries"`
	WarmWorkers     int `toml:"warm_workers"`

	// Persisted page cache
	DiskCache        bool   `toml:"disk_cache"`
	DiskCacheDir     string `toml:"disk_cache_dir"`
	DiskCacheBackend string `toml:"disk_cache_backend"` // "local" or "s3"

	// S3 settings for the "s3" disk cache backend
	S3Endpoint  string `toml:"s3_endpoint"`
	S3Bucket    string `toml:"s3_bucket"`
	S3AccessKey string `toml:"s3_access_key"`
	S3SecretKey string `toml:"s3_secret_key"`
	S3Region    string `toml:"s3_region"`
	S3Prefix    string `toml:"s3_prefix"`

	// Decoding
	EpubAsArchive   bool `toml:"epub_as_archive"`
	ExifOrientation bool `toml:"exif_orientation"`

	// Cover thumbnails
	ThumbMaxSize int `toml:"thumb_max_size"`
	ThumbQuality int `toml:"thumb_quality"`

	// Invalidate cached pages when their container changes on disk.
	WatchSources bool `toml:"watch_sources"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		LogLevel:         "info",
		LogFormat:        "console",
		CacheMaxEntries:  0,
		WarmWorkers:      2,
		DiskCache:        false,
		DiskCacheDir:     defaultCacheDir(),
		DiskCacheBackend: "local",
		S3Endpoint:       "http://localhost:9000",
		S3Bucket:         "imgview-cache",
		S3Region:         "us-east-1",
		S3Prefix:         "ImgCache/",
		EpubAsArchive:    true,
		ExifOrientation:  false,
		ThumbMaxSize:     400,
		ThumbQuality:     80,
	}
}

// Load builds the configuration: defaults, then the TOML file at path (a
// missing file is not an error, an empty path skips it), then IMGVIEW_*
// environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		_, err := os.Stat(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, err
		default:
			if _, err := toml.DecodeFile(path, cfg); err != nil {
				return nil, fmt.Errorf("parsing config %s: %w", path, err)
			}
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.LogLevel = envOr("IMGVIEW_LOG_LEVEL", c.LogLevel)
	c.LogFormat = envOr("IMGVIEW_LOG_FORMAT", c.LogFormat)
	c.MetricsAddr = envOr("IMGVIEW_METRICS_ADDR", c.MetricsAddr)
	c.CacheMaxEntries = envInt("IMGVIEW_CACHE_MAX_ENTRIES", c.CacheMaxEntries)
	c.WarmWorkers = envInt("IMGVIEW_WARM_WORKERS", c.WarmWorkers)
	c.DiskCache = envBool("IMGVIEW_DISK_CACHE", c.DiskCache)
	c.DiskCacheDir = envOr("IMGVIEW_DISK_CACHE_DIR", c.DiskCacheDir)
	c.DiskCacheBackend = envOr("IMGVIEW_DISK_CACHE_BACKEND", c.DiskCacheBackend)
	c.S3Endpoint = envOr("IMGVIEW_S3_ENDPOINT", c.S3Endpoint)
	c.S3Bucket = envOr("IMGVIEW_S3_BUCKET", c.S3Bucket)
	c.S3AccessKey = envOr("IMGVIEW_S3_ACCESS_KEY", c.S3AccessKey)
	c.S3SecretKey = envOr("IMGVIEW_S3_SECRET_KEY", c.S3SecretKey)
	c.S3Region = envOr("IMGVIEW_S3_REGION", c.S3Region)
	c.S3Prefix = envOr("IMGVIEW_S3_PREFIX", c.S3Prefix)
	c.EpubAsArchive = envBool("IMGVIEW_EPUB_AS_ARCHIVE", c.EpubAsArchive)
	c.ExifOrientation = envBool("IMGVIEW_EXIF_ORIENTATION", c.ExifOrientation)
	c.ThumbMaxSize = envInt("IMGVIEW_THUMB_MAX_SIZE", c.ThumbMaxSize)
	c.ThumbQuality = envInt("IMGVIEW_THUMB_QUALITY", c.ThumbQuality)
	c.WatchSources = envBool("IMGVIEW_WATCH_SOURCES", c.WatchSources)
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.CacheMaxEntries < 0 {
		return fmt.Errorf("cache_max_entries must be >= 0, got %d", c.CacheMaxEntries)
	}
	if c.WarmWorkers < 1 {
		return fmt.Errorf("warm_workers must be >= 1, got %d", c.WarmWorkers)
	}
	if c.ThumbMaxSize < 1 {
		return fmt.Errorf("thumb_max_size must be >= 1, got %d", c.ThumbMaxSize)
	}
	if c.ThumbQuality < 1 || c.ThumbQuality > 100 {
		return fmt.Errorf("thumb_quality must be in 1..100, got %d", c.ThumbQuality)
	}
	switch c.DiskCacheBackend {
	case "local", "s3":
	default:
		return fmt.Errorf("unknown disk_cache_backend: %s", c.DiskCacheBackend)
	}
	return nil
}

// defaultCacheDir is the fixed cache directory beside the running executable.
func defaultCacheDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "ImgCache"
	}
	return filepath.Join(filepath.Dir(exe), "ImgCache")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}
