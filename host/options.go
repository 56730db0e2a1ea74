package host

import (
	"io"
	"os"
	"time"

	"github.com/caffeineduck/luaplug/capability"
	"github.com/caffeineduck/luaplug/stopflag"
	"go.uber.org/zap"
)

// Option configures a Host at creation time.
type Option func(*config)

type config struct {
	download capability.Capability
	flag     *stopflag.Flag
	timeout  time.Duration // 0 = no limit
	out      io.Writer
	logger   *zap.Logger
	cache    *ChunkCache
}

func defaultConfig() config {
	return config{
		out:    os.Stdout,
		logger: zap.NewNop(),
	}
}

// WithDownload registers c as the download capability.
func WithDownload(c capability.Capability) Option {
	return func(cfg *config) {
		cfg.download = c
	}
}

// WithStopFlag installs the cancellation hook driven by flag.
func WithStopFlag(flag *stopflag.Flag) Option {
	return func(cfg *config) {
		cfg.flag = flag
	}
}

// WithTimeout limits each execution. Zero disables the limit.
func WithTimeout(d time.Duration) Option {
	return func(cfg *config) {
		cfg.timeout = d
	}
}

// WithOutput redirects the print builtin. Defaults to os.Stdout.
func WithOutput(w io.Writer) Option {
	return func(cfg *config) {
		if w != nil {
			cfg.out = w
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(cfg *config) {
		if l != nil {
			cfg.logger = l
		}
	}
}

// WithChunkCache makes LoadFile and ExecuteFile reuse compiled chunks.
func WithChunkCache(c *ChunkCache) Option {
	return func(cfg *config) {
		cfg.cache = c
	}
}
