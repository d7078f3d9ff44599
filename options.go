package voxgo

import (
	"log/slog"
	"runtime"

	"github.com/hupe1980/voxgo/resource"
)

type options struct {
	metricsCollector  MetricsCollector
	logger            *Logger
	importConcurrency int
	resources         *resource.Controller
}

// Option configures a Library.
type Option func(*options)

// WithMetricsCollector configures a metrics collector for monitoring operations.
// Pass nil to disable metrics collection.
//
// Example with BasicMetricsCollector:
//
//	metrics := &voxgo.BasicMetricsCollector{}
//	lib, _ := voxgo.New(alloc, voxgo.WithMetricsCollector(metrics))
//	// ... use lib ...
//	stats := metrics.GetStats()
//	fmt.Printf("Imports: %d, blocks: %d\n", stats.ImportCount, stats.BlockAllocCount)
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		if mc == nil {
			mc = NoopMetricsCollector{}
		}
		o.metricsCollector = mc
	}
}

// WithLogger configures structured logging for operations.
// Pass nil to disable logging.
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger == nil {
			logger = NoopLogger()
		}
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

// WithImportConcurrency bounds how many files ImportVoxAll fetches and
// decodes at once. Values below 1 select GOMAXPROCS.
func WithImportConcurrency(n int) Option {
	return func(o *options) {
		o.importConcurrency = n
	}
}

// WithResourceController shares rc's limits with imports: each file import
// holds one background worker slot, and asset reads are throttled to the
// controller's IO bandwidth. Pass the same controller to the block
// allocator to also cap block memory.
func WithResourceController(rc *resource.Controller) Option {
	return func(o *options) {
		o.resources = rc
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		metricsCollector: NoopMetricsCollector{},
		logger:           NoopLogger(),
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	if o.importConcurrency < 1 {
		o.importConcurrency = runtime.GOMAXPROCS(0)
	}
	return o
}
