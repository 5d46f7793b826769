// Package host wires components A-F plus Externalities into the single
// entry point external callers invoke: Call(ctx, ext, method, data). This is
// component H of SPEC_FULL.md §2: the top-level assembly, carrying the
// ambient logging and configuration layers the distilled spec.md omits.
package host

import (
	"context"

	"go.uber.org/zap"

	"github.com/juniuszhou/substrate-sub003/codec"
	"github.com/juniuszhou/substrate-sub003/externalities"
	"github.com/juniuszhou/substrate-sub003/runtimecache"
)

// Config carries the tunables a deployment sets once, in the functional-
// options idiom the teacher's wazero.RuntimeConfig uses (config.go).
// MaxHeapSize and DefaultHeapPages are recorded but Call does not pass them
// on: the module cache uses its own fixed 16 MiB heap ceiling and reads the
// heap-page count from the "heap_pages" storage key, defaulting to 1024.
type Config struct {
	MaxHeapSize      uint32
	DefaultHeapPages uint64
	UseNative        bool
	NativeDispatch   runtimecache.NativeDispatchTable
	NativeVersion    codec.RuntimeVersion
	Logger           *zap.SugaredLogger
}

// Option configures a Config. With no options, New uses UseNative false,
// a 16 MiB heap ceiling, 1024 default heap pages, and a no-op logger.
type Option func(*Config)

func WithMaxHeapSize(v uint32) Option { return func(c *Config) { c.MaxHeapSize = v } }
func WithDefaultHeapPages(v uint64) Option {
	return func(c *Config) { c.DefaultHeapPages = v }
}
func WithNativeDispatch(table runtimecache.NativeDispatchTable, version codec.RuntimeVersion) Option {
	return func(c *Config) {
		c.UseNative = true
		c.NativeDispatch = table
		c.NativeVersion = version
	}
}
func WithLogger(l *zap.SugaredLogger) Option { return func(c *Config) { c.Logger = l } }

func newConfig(opts []Option) Config {
	cfg := Config{
		MaxHeapSize:      1 << 24,
		DefaultHeapPages: externalities.DefaultHeapPages,
		Logger:           zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	return cfg
}

// Host is the runtime host. One Host owns one per-goroutine ModuleCache;
// it must not be shared across goroutines (SPEC_FULL.md §5).
type Host struct {
	cfg   Config
	cache *runtimecache.Cache
}

// New creates a Host bound to ctx's goroutine.
func New(ctx context.Context, opts ...Option) *Host {
	cfg := newConfig(opts)
	return &Host{cfg: cfg, cache: runtimecache.New(ctx)}
}

// Close releases the host's module cache.
func (h *Host) Close(ctx context.Context) error {
	return h.cache.Close(ctx)
}

// CallResult is what external callers see from a top-level call.
type CallResult struct {
	NativeValue any
	WASMValue   []byte
	UsedNative  bool
}

// Call executes method against ext's currently installed code, choosing
// native or WASM execution per spec.md §4.5's decision table.
func (h *Host) Call(ctx context.Context, ext externalities.Externalities, method string, data []byte) (CallResult, error) {
	h.cfg.Logger.Debugw("host call", "method", method, "use_native", h.cfg.UseNative)

	result, err := h.cache.Call(ctx, ext, method, data, h.cfg.UseNative, h.cfg.NativeVersion, h.cfg.NativeDispatch)
	if err != nil {
		h.cfg.Logger.Debugw("host call failed", "method", method, "error", err)
		return CallResult{}, err
	}

	h.cfg.Logger.Debugw("host call completed", "method", method, "used_native", result.UsedNative)
	return CallResult{
		NativeValue: result.NativeValue,
		WASMValue:   result.WASMValue,
		UsedNative:  result.UsedNative,
	}, nil
}
