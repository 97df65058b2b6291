package wal

import (
	"time"

	"go.uber.org/zap"
)

const (
	defaultMaxSegmentSize         = 10 << 20 // 10 MiB
	defaultMinEntriesForCompaction = 1000
	defaultWriterBufferSize       = defaultWriterBufSize
)

// Config holds a Coordinator's tunables. Build one with New(dir, opts...),
// never directly.
type Config struct {
	MaxSegmentSize          int64
	MinEntriesForCompaction uint32
	WriterBufferSize        int

	Meta metaOptions

	Logger  *zap.Logger
	Metrics *Metrics

	Registry *Registry
}

func defaultConfig() Config {
	return Config{
		MaxSegmentSize:          defaultMaxSegmentSize,
		MinEntriesForCompaction: defaultMinEntriesForCompaction,
		WriterBufferSize:        defaultWriterBufferSize,
		Meta: metaOptions{
			BufferingEnabled: true,
			MaxBufferSize:    defaultMetaMaxBufferSize,
			AutoSyncInterval: defaultMetaAutoSyncInterval,
		},
		Logger:   zap.NewNop(),
		Registry: NewRegistry(),
	}
}

// Option configures a Coordinator at construction time.
type Option func(*Config)

// WithMaxSegmentSize sets the size threshold a segment must reach before the
// next Write rolls a new one.
func WithMaxSegmentSize(n int64) Option {
	return func(c *Config) { c.MaxSegmentSize = n }
}

// WithMinEntriesForCompaction sets how far Commit must be past Base
// (Commit - Base >= n) before Compact or Archive will actually rewrite
// index.META.
func WithMinEntriesForCompaction(n uint32) Option {
	return func(c *Config) { c.MinEntriesForCompaction = n }
}

// WithWriterBufferSize sets the in-memory buffer capacity used by each
// segment's bufferedFileWriter.
func WithWriterBufferSize(n int) Option {
	return func(c *Config) { c.WriterBufferSize = n }
}

// WithMetaBuffering toggles index.META's batched-write mode. Disabling it
// trades throughput for every Append/Commit persisting immediately.
func WithMetaBuffering(enabled bool) Option {
	return func(c *Config) { c.Meta.BufferingEnabled = enabled }
}

// WithMetaMaxBufferSize sets how many queued index entries trigger an
// implicit flush in batched mode.
func WithMetaMaxBufferSize(n int) Option {
	return func(c *Config) { c.Meta.MaxBufferSize = n }
}

// WithMetaAutoSyncInterval sets the background flush timer's period in
// batched mode.
func WithMetaAutoSyncInterval(d time.Duration) Option {
	return func(c *Config) { c.Meta.AutoSyncInterval = d }
}

// WithLogger overrides the structured logger used for warnings emitted
// during initialization, recovery, and background flushing.
func WithLogger(l *zap.Logger) Option {
	return func(c *Config) {
		if l != nil {
			c.Logger = l
		}
	}
}

// WithMetrics attaches a Metrics instance; nil leaves metrics unregistered.
func WithMetrics(m *Metrics) Option {
	return func(c *Config) { c.Metrics = m }
}

// WithRegistry overrides the default (raw-only) codec registry.
func WithRegistry(r *Registry) Option {
	return func(c *Config) {
		if r != nil {
			c.Registry = r
		}
	}
}
