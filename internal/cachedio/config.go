package cachedio

import (
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
)

// DefaultThreshold is the spill threshold used when none is configured.
const DefaultThreshold int64 = 64 * 1024

// Environment variables read once by DefaultConfig.
const (
	EnvThreshold = "RPCFLOW_CACHE_THRESHOLD"
	EnvOutputDir = "RPCFLOW_CACHE_DIR"
	EnvMaxSize   = "RPCFLOW_CACHE_MAX_SIZE"
	EnvCipher    = "RPCFLOW_CACHE_CIPHER"
)

// Config controls when and where an OutputStream spills to disk.
type Config struct {
	// Threshold is the number of bytes kept in memory before spilling to a temp file.
	Threshold int64
	// OutputDir is the directory temp files are created in. Empty means os.TempDir().
	OutputDir string
	// MaxSize caps the total number of bytes accepted. Zero or negative means unlimited.
	MaxSize int64
	// Cipher encrypts temp file contents with a per-stream ephemeral key.
	Cipher bool
}

var (
	defaultOnce sync.Once
	defaultCfg  Config
)

// DefaultConfig returns the process-wide defaults, resolved from the environment on
// first use.
func DefaultConfig() Config {
	defaultOnce.Do(func() {
		defaultCfg = ConfigFromEnv(os.Getenv)
	})
	return defaultCfg
}

// ConfigFromEnv resolves a Config using getenv.
func ConfigFromEnv(getenv func(string) string) Config {
	cfg := Config{
		Threshold: ParseSize(getenv(EnvThreshold), DefaultThreshold),
		OutputDir: ValidOutputDir(getenv(EnvOutputDir)),
		MaxSize:   ParseSize(getenv(EnvMaxSize), 0),
	}
	if v, err := strconv.ParseBool(strings.TrimSpace(getenv(EnvCipher))); err == nil {
		cfg.Cipher = v
	}
	return cfg
}

// ParseSize parses a byte size such as "65536", "64KiB" or "1MB". Empty, invalid and
// non-positive values yield fallback.
func ParseSize(s string, fallback int64) int64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return fallback
	}
	n, err := humanize.ParseBytes(s)
	if err != nil || n == 0 || n > uint64(1<<62) {
		return fallback
	}
	return int64(n)
}

// ValidOutputDir returns dir when it names an existing directory, otherwise "".
func ValidOutputDir(dir string) string {
	if dir == "" {
		return ""
	}
	fi, err := os.Stat(dir)
	if err != nil || !fi.IsDir() {
		return ""
	}
	return dir
}

// Normalize fills unset fields with defaults.
func (c Config) Normalize() Config {
	if c.Threshold <= 0 {
		c.Threshold = DefaultThreshold
	}
	c.OutputDir = ValidOutputDir(c.OutputDir)
	return c
}
